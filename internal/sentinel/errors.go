package sentinel

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned by Acquire while a domain circuit is open.
// Callers skip the endpoint for the cycle; the error is not a fetch failure.
var ErrCircuitOpen = errors.New("domain circuit is open")

// ErrEmptyContent marks extraction that yielded no text. Empty content is a
// parsing outcome, not a transient fault, so the item fails terminally.
var ErrEmptyContent = errors.New("no text content extracted")

// ParseError wraps a converter failure on malformed bytes. Items failing with
// it are not retried; malformed content will not improve.
type ParseError struct {
	Kind Kind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s content: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
