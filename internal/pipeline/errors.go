package pipeline

import (
	"errors"
	"fmt"

	"github.com/axlab/axsweep/internal/variant"
)

// CompileError reports a failed or timed-out compile stage. Retryable up to
// the configured count; afterwards the variant goes failed.
type CompileError struct {
	Variant  variant.ID
	ExitCode int
	TimedOut bool
	Output   string
}

func (e *CompileError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("compile %s: timed out", e.Variant.Short())
	}
	return fmt.Sprintf("compile %s: exit code %d", e.Variant.Short(), e.ExitCode)
}

// SimulateError reports a failed or timed-out simulate stage. Retryable.
type SimulateError struct {
	Variant  variant.ID
	ExitCode int
	TimedOut bool
	Output   string
}

func (e *SimulateError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("simulate %s: timed out", e.Variant.Short())
	}
	return fmt.Sprintf("simulate %s: exit code %d", e.Variant.Short(), e.ExitCode)
}

// Retryable reports whether err is a per-variant toolchain failure worth
// re-attempting. Everything else (manifest defects, workspace IO) is not.
func Retryable(err error) bool {
	var ce *CompileError
	var se *SimulateError
	return errors.As(err, &ce) || errors.As(err, &se)
}
