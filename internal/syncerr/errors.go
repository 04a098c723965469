// Package syncerr defines the errors shared by the sync workers.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrObservationFailed marks a failed initial fetch of a change observer.
	// It is joined with the underlying store error.
	ErrObservationFailed = errors.New("observation failed")

	// ErrEntityVanished marks a pending entity that was deleted or resolved
	// between enqueue and dequeue. Callers treat it as a skip.
	ErrEntityVanished = errors.New("entity vanished")
)

// RemoteError is a failed network round trip.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Remote wraps err as a RemoteError for op. A nil err stays nil.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Op == op {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}

// IsRemote reports whether err came from a network round trip.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
