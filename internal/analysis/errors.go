package analysis

import (
	"errors"
	"fmt"
)

// ErrNoValidPoints reports that after masking NaN and infinite values no
// pairs remained to compare.
var ErrNoValidPoints = errors.New("no valid points to compare")

// LengthMismatchError reports reference and variant outputs of different
// lengths. The variant's execution still counts as success; only its error
// metrics are unavailable.
type LengthMismatchError struct {
	Ref int
	Out int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("output length mismatch: reference has %d points, variant has %d", e.Ref, e.Out)
}

// IsLengthMismatch reports whether err is a LengthMismatchError.
func IsLengthMismatch(err error) bool {
	var lm *LengthMismatchError
	return errors.As(err, &lm)
}

// ReferenceMissingError reports a comparison attempted before the exact
// variant's output exists.
type ReferenceMissingError struct {
	Path string
	Err  error
}

func (e *ReferenceMissingError) Error() string {
	return fmt.Sprintf("reference output %s not available: %v", e.Path, e.Err)
}

func (e *ReferenceMissingError) Unwrap() error { return e.Err }

// IsReferenceMissing reports whether err is a ReferenceMissingError.
func IsReferenceMissing(err error) bool {
	var rm *ReferenceMissingError
	return errors.As(err, &rm)
}
