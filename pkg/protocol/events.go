package protocol

// Linking lifecycle events pushed from server to client. For one connection
// they arrive in the order the orchestrator decided them.
const (
	// EventStatus carries a human-readable progress string.
	EventStatus = "status"
	// EventQR carries a renderable QR payload for scanning.
	EventQR = "qr"
	// EventPairingCode carries a formatted numeric pairing code.
	EventPairingCode = "pairing-code"
	// EventSessionID carries the final credential bundle.
	EventSessionID = "session-id"
	// EventError carries a terminal, human-readable failure cause.
	EventError = "error"
	// EventComplete marks the end of a failed attempt.
	EventComplete = "complete"
)

// RPC methods accepted by the gateway.
const (
	MethodPing      = "ping"
	MethodLinkStart = "link.start"
)
