package protocol

// Error codes for response frames.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrInvalidNumber  = "INVALID_NUMBER"
	ErrLinkActive     = "LINK_ACTIVE"
	ErrRateLimited    = "RATE_LIMITED"
	ErrInternal       = "INTERNAL"
)
