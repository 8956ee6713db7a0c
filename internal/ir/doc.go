// Package ir provides the value model shared by every layer of blocksync.
//
// This package contains the spec value types, canonical JSON, content
// hashing, the replicated Message, and the error taxonomy. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Specs never contain absent values; nil and Null{} both mean "remove"
//   - An Object with a "type" string member is a nested child spec
//   - Ordering comes from the channel's seq, never wall-clock timestamps
package ir
