package codec

import (
	"errors"
	"fmt"
)

var (
	ErrDecoding  = errors.New("decoding error")
	ErrMalformed = fmt.Errorf("%w: malformed frame", ErrDecoding)
	ErrEncoding  = errors.New("encoding error")
)

// UnknownEventCodeError is returned for a well-formed event frame whose code
// this build does not know.
type UnknownEventCodeError struct {
	Code int32
}

func (e *UnknownEventCodeError) Error() string {
	return fmt.Sprintf("unknown event code %d", e.Code)
}

func (e *UnknownEventCodeError) Unwrap() error {
	return ErrDecoding
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
