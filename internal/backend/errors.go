package backend

import (
	"errors"
	"fmt"
)

// RemoteError is a rejection reported by the backend. Message is the server's
// own text and is shown to the user unchanged.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// IsRemote reports whether err carries a backend rejection.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
