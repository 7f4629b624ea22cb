package purgectl

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("client closed")

// MalformedTargetError is returned for targets rejected before any network
// call.
type MalformedTargetError struct {
	Target string
	Msg    string
}

func (e *MalformedTargetError) Error() string {
	return fmt.Sprintf("malformed target %q: %s", e.Target, e.Msg)
}

func malformed(target, msg string) error {
	return &MalformedTargetError{Target: target, Msg: msg}
}

// NetworkError is a transient failure reaching the proxy. Purges that fail
// with it are retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return "network: " + e.Op
	}
	return "network: " + e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError is a definitive answer from the proxy that the invalidation
// was not performed. It is never retried.
type RejectedError struct {
	Status int
	Msg    string
}

func (e *RejectedError) Error() string {
	s := e.Reason()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Reason is the short form reported in results.
func (e *RejectedError) Reason() string {
	if e.Status >= 500 && e.Status < 600 {
		return fmt.Sprintf("server error: %d", e.Status)
	}
	return fmt.Sprintf("proxy rejected: %d", e.Status)
}

func isTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// reasonFor maps an error to the short failure reason carried by a Result.
func reasonFor(err error) string {
	var (
		ne *NetworkError
		re *RejectedError
		me *MalformedTargetError
	)
	switch {
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &re):
		return re.Reason()
	case errors.As(err, &me):
		return "malformed target: " + me.Msg
	}
	return err.Error()
}
