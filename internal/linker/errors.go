package linker

import "errors"

var (
	// ErrLinkActive is returned when a linking attempt is already running
	// for the same identifier.
	ErrLinkActive = errors.New("a linking attempt is already active for this identifier")

	// ErrPairingRequest is returned when the protocol client refuses or
	// fails to issue a pairing code.
	ErrPairingRequest = errors.New("pairing code request failed")

	// ErrExtraction is returned when the credential bundle cannot be read
	// after the connection opened.
	ErrExtraction = errors.New("credential bundle unreadable after connection")

	// ErrTerminalDisconnect is returned when the connection closed for a
	// non-recoverable reason.
	ErrTerminalDisconnect = errors.New("connection closed with a terminal reason")
)
