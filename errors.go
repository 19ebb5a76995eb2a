package bizadmin

import (
	"errors"
	"fmt"
)

var (
	// ErrNoNextPage is returned by Pager.NextPage when the last fetched page
	// reports no further pages.
	ErrNoNextPage = errors.New("no next page")

	// ErrSuperseded is returned for a page whose fetch was overtaken by a
	// Pager.Reset; its response is dropped.
	ErrSuperseded = errors.New("page fetch superseded")

	ErrInvalidAccountType = errors.New("invalid account type")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrEmptyMessage       = errors.New("message content is empty")
)

// RemoteError is returned when the server answered with success=false, or
// with a non-2xx status and no readable envelope.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Message)
	}
	return "remote error: " + e.Message
}

// MalformedResponseError means no recognized response shape matched. It points
// at contract drift between the backend and this client, not at a user error.
type MalformedResponseError struct {
	Resource string
	Reason   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response for %q: %s", e.Resource, e.Reason)
}

// NetworkError wraps transport failures, including timeouts and cancellation.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRemote reports whether err carries a server-supplied failure message.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
