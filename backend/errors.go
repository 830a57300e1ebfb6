// ABOUTME: Error taxonomy for the sync layer
// ABOUTME: Sentinel kinds wrapped by OpError so callers can match with errors.Is and errors.As
package backend

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrNotFound  = errors.New("not found")
	ErrTransport = errors.New("transport failure")
	ErrFetch     = errors.New("fetch failure")
	ErrWrite     = errors.New("write failure")
	ErrDecode    = errors.New("decode failure")
)

// OpError records the failed operation, the resource it touched and the cause.
type OpError struct {
	Kind     error
	Op       string
	Resource string
	Err      error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// UserMessage returns a short human-readable description for display.
func (e *OpError) UserMessage() string {
	switch {
	case errors.Is(e.Kind, ErrNotFound):
		return fmt.Sprintf("The %s could not be found.", e.Resource)
	case errors.Is(e.Kind, ErrWrite):
		return fmt.Sprintf("Could not %s. Check your connection and try again.", e.Op)
	case errors.Is(e.Kind, ErrTransport):
		return "Live updates are unavailable right now."
	case errors.Is(e.Kind, ErrFetch):
		return fmt.Sprintf("Could not load %s.", e.Resource)
	case errors.Is(e.Kind, ErrDecode):
		return "Received an update that could not be read."
	}
	return "Something went wrong."
}

func NotFound(op, resource string, err error) error {
	return &OpError{Kind: ErrNotFound, Op: op, Resource: resource, Err: err}
}

func TransportFailure(op, resource string, err error) error {
	return &OpError{Kind: ErrTransport, Op: op, Resource: resource, Err: err}
}

func FetchFailure(op, resource string, err error) error {
	return &OpError{Kind: ErrFetch, Op: op, Resource: resource, Err: err}
}

func WriteFailure(op, resource string, err error) error {
	return &OpError{Kind: ErrWrite, Op: op, Resource: resource, Err: err}
}

func DecodeFailure(op, resource string, err error) error {
	return &OpError{Kind: ErrDecode, Op: op, Resource: resource, Err: err}
}

// UserMessage extracts a display message from any error, falling back to a generic one.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.UserMessage()
	}
	return "Something went wrong."
}
