// Package harness runs multi-participant conformance scenarios.
//
// A scenario is a YAML file naming a session, a seed spec, a list of
// participants and the steps they take: join, set, delete, ready, settle,
// suspend, resume and leave. The harness drives real block sessions through
// an in-process relay backed by an in-memory message log, so every step
// exercises the same write path an application uses: writes are published,
// sequenced and only then applied on every participant.
//
// # Determinism
//
// Steps run one at a time. Before a step runs, its participant applies
// everything the relay has sequenced so far, and connection and barrier
// identifiers come from sequence generators. The same scenario therefore
// always produces the same message log, which RunWithGolden compares
// byte for byte against a golden file in testdata/golden.
//
// # Example
//
//	name: two_writers_converge
//	description: Writes from two participants apply in delivery order
//	session: room
//	seed:
//	  title: draft
//	participants: [alice, bob]
//	steps:
//	  - {participant: alice, action: join}
//	  - {participant: bob, action: join}
//	  - {participant: alice, action: set, key: count, value: 1, async: true}
//	  - {participant: bob, action: set, key: count, value: 2}
//	assertions:
//	  - type: converged
//	  - {type: value, participant: alice, key: count, expect: 2}
package harness
