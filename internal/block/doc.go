// Package block provides the participant-local side of replication: the
// Block facade applications hold, the synchronizer that bridges a Block to
// its canonical record, and the Session that owns a connection to the
// replication channel.
//
// # Write path
//
// An online write never touches local state directly:
//
//	Model.Set -> synchronizer.setProperty -> Conn.Publish
//	Conn.Next -> Replica.Apply -> Change -> synchronizer.apply -> naked model
//
// Every participant, the writer included, sees the write only once it comes
// back in the channel's order. The writer's synchronizer counts the writes
// it issued and resolves its readiness Signal when the last one returns.
//
// An offline write (no session attached) goes straight through the
// bookkeeping protocol in package assembly and is offered to the block's
// recorders, so it can be replayed after reconnecting.
//
// # Concurrency
//
// All blocks of one tree share a single mutex. The session's delivery loop
// holds it while applying a message and fanning out its notifications;
// Model and Children methods take it for each call. Signals may be awaited
// from any goroutine.
package block
