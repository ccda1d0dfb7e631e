package source

import (
	"errors"
	"fmt"
)

// ParseError reports a malformed annotation. It is fatal for the source
// file: nothing can be enumerated from it.
type ParseError struct {
	// Line is the 1-based line the problem was detected on.
	Line int

	// Message describes what was wrong with the annotation or the
	// expression it points at.
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %s", e.Line, e.Message)
}

// IsParseError reports whether err wraps a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// MaterializeError reports that a candidate site's recorded location no
// longer matches the source text (drift since parse time). It fails the
// variant, never the sweep: a silently corrupted rewrite would invalidate
// every downstream measurement.
type MaterializeError struct {
	Ordinal int
	Line    int
	Reason  string
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("materialize error at site %d (line %d): %s", e.Ordinal, e.Line, e.Reason)
}

// IsMaterializeError reports whether err wraps a MaterializeError.
func IsMaterializeError(err error) bool {
	var me *MaterializeError
	return errors.As(err, &me)
}
