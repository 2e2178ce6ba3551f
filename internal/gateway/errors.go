package gateway

import (
	"errors"
	"fmt"
)

// ErrNetworkUnavailable marks transport-level failures (connection refused,
// DNS, timeouts, open breaker). Expected during offline use; never surfaced
// as a user-facing error by the sync layer.
var ErrNetworkUnavailable = errors.New("network unavailable")

// ServerError is a reply the server actually produced: a non-2xx status or a
// success=false envelope. Surfaced to users only for user-initiated actions.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server error (%d)", e.Status)
}

// IsNetworkUnavailable reports whether err is a transport-level failure as
// opposed to a server-side rejection.
func IsNetworkUnavailable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
