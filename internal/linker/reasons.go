package linker

import "fmt"

// Numeric close codes surfaced by the protocol client. These follow the WA
// stream/connect-failure codes; a socket drop without a server code is
// carried as CodeConnectionLost (0).
const (
	CodeConnectionLost     = 0
	CodeLoggedOut          = 401
	CodeClientOutdated     = 405
	CodeTimedOut           = 408
	CodeConnectionClosed   = 428
	CodeConnectionReplaced = 440
	CodeBadSession         = 500
	CodeRestartRequired    = 515
)

// Classification is the retry-vs-terminal verdict for a connection close.
type Classification struct {
	Reason    string
	Transient bool
	Message   string // user-facing, set only for terminal reasons
}

// ClassifyClose maps a numeric close code to its fixed classification.
// Transient closes are left to the protocol stack's own reconnect; every
// other code ends the attempt with a user-facing error.
func ClassifyClose(code int) Classification {
	switch code {
	case CodeBadSession:
		return Classification{Reason: "bad_session", Message: "Bad session file. Clear the previous session for this number and try again."}
	case CodeConnectionClosed:
		return Classification{Reason: "connection_closed", Transient: true}
	case CodeConnectionLost:
		return Classification{Reason: "connection_lost", Transient: true}
	case CodeConnectionReplaced:
		return Classification{Reason: "connection_replaced", Message: "Connection replaced. Another session is active for this number; close it first."}
	case CodeLoggedOut:
		return Classification{Reason: "logged_out", Message: "Device logged out. Please generate a new session."}
	case CodeRestartRequired:
		return Classification{Reason: "restart_required", Transient: true}
	case CodeTimedOut:
		return Classification{Reason: "timed_out", Message: "Connection timed out. Please try again."}
	default:
		return Classification{Reason: "unknown", Message: fmt.Sprintf("Unknown disconnection (code %d). Please try again.", code)}
	}
}
