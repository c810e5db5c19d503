package collab

import "errors"

var (
	// ErrUnauthorized means the principal lacks workspace or session access.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden rejects a channel subscription.
	ErrForbidden           = errors.New("forbidden")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session not active")
	ErrChannelNameConflict = errors.New("channel name already in use")
	// ErrNotInSession is client state misuse, never transient.
	ErrNotInSession    = errors.New("not in session")
	ErrConnectionError = errors.New("connection error")
	ErrConnectionLost  = errors.New("connection lost")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrFutureVersion   = errors.New("base version is ahead of the document")
)

// Wire codes carried by error replies on both planes.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionEnded        = "SESSION_ENDED"
	CodeChannelNameConflict = "CHANNEL_NAME_CONFLICT"
	CodeNotInSession        = "NOT_IN_SESSION"
	CodeFutureVersion       = "FUTURE_VERSION"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeServerError         = "SERVER_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, CodeUnauthorized},
	{ErrForbidden, CodeForbidden},
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSessionEnded, CodeSessionEnded},
	{ErrChannelNameConflict, CodeChannelNameConflict},
	{ErrNotInSession, CodeNotInSession},
	{ErrFutureVersion, CodeFutureVersion},
	{ErrInvalidArgument, CodeInvalidArgument},
}

// Code returns the wire code of err, or CodeServerError for anything outside
// the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeServerError
}

// RemoteError is an error reply received from the broker.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap exposes the sentinel matching Code so callers can use errors.Is.
func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}
