package resultlog

import (
	"errors"
	"fmt"
)

var (
	// ErrLogClosed indicates the writer is closed
	ErrLogClosed = errors.New("resultlog: already closed")

	// ErrIncompleteRecord indicates an attempt to persist a record whose
	// quality placeholder was never filled
	ErrIncompleteRecord = errors.New("resultlog: record has no quality")

	// ErrHeaderMismatch indicates the checkpoint belongs to a job with other
	// parameters or measures
	ErrHeaderMismatch = errors.New("resultlog: header does not match job")

	// ErrMalformedLine indicates a line that cannot be parsed
	ErrMalformedLine = errors.New("resultlog: malformed line")
)

// ParseError reports a malformed checkpoint line.
type ParseError struct {
	Line  int // 1-based line number, header is line 1
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("resultlog: line %d: %v", e.Line, e.Cause)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}
