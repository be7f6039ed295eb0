package optolink

import "errors"

var (
	// ErrConnection is returned when the link could not be opened, written or read.
	// The session is disconnected afterwards and reconnects on next use.
	ErrConnection = errors.New("connection error")

	// ErrProtocol is returned for empty, truncated or malformed responses.
	ErrProtocol = errors.New("protocol error")

	// ErrNotInitialized is returned when the P300 handshake did not succeed
	ErrNotInitialized = errors.New("communication not initialized")

	// ErrNoStartByte is returned by Checksum if the packet does not begin with the start byte
	ErrNoStartByte = errors.New("packet does not start with start byte")
)
