// Package assembly maintains parent/child relationships between nodes and
// turns single property assignments into structural tree changes.
//
// The tree half (Assembly, AddChild, RemoveChild, Rename, Move) knows nothing
// about replication. The bookkeeping half (SetProperty, Destroy) keeps a
// node's spec in lock-step with the tree and is shared by the replicated
// records and by offline blocks through the Keeper interface.
//
// Reserved keys:
//
//	parent  reparent the node (value is a reference; absent detaches it)
//	name    rename the node within its parent
//
// A value carrying a "type" tag creates a child under that key. Assigning
// anything to a key that holds a child destroys the child first.
package assembly
