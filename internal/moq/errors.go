package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the stream writers and readers.
var (
	ErrUnsupportedCodec     = errors.New("moq: codec not supported by writer")
	ErrUnexpectedStreamType = errors.New("moq: unexpected data stream type")
	ErrWriterClosed         = errors.New("moq: writer closed")
)

// ParseError indicates a failure to parse a MoQ data stream field.
// It wraps the underlying I/O or format error and records which field
// was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
