package ledger

import (
	"errors"
	"fmt"
)

// ErrNotRunning signals that Complete was called for a variant that holds
// no running reservation. It indicates the claim protocol was bypassed, not
// a persistence failure.
var ErrNotRunning = errors.New("variant is not running")

// IOError wraps any persistence failure. The ledger's durability is
// load-bearing, so callers treat it as fatal for the whole run rather
// than skipping past it.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err wraps an IOError.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

func ioErr(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

func ioErrf(op, format string, args ...any) error {
	return &IOError{Op: op, Err: fmt.Errorf(format, args...)}
}
