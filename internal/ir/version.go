package ir

// Version constants for the wire format and library.
const (
	// WireVersion is the Message schema version.
	WireVersion = "1"

	// LibraryVersion is the blocksync library version.
	LibraryVersion = "0.1.0"
)
