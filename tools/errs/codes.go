package errs

// Gateway error taxonomy. Codes are part of the client protocol; do not
// renumber.
var (
	ErrMalformedEvent        = New(1400, "malformed event")
	ErrAuthenticationFailure = New(1401, "authentication failure")
	ErrRoomAccessDenied      = New(1403, "authorization denied")
	ErrRelayDenied           = New(1403, "authorization denied")
	ErrNotFound              = New(1404, "message not found")
	ErrAlreadyAuthenticated  = New(1409, "already authenticated")
	ErrVoiceRoomFull         = New(1413, "voice room full")
	ErrRateLimitExceeded     = New(1429, "rate limit exceeded")
	ErrInternal              = New(1500, "internal error")
)
