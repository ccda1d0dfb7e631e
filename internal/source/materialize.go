package source

import (
	"fmt"
	"strings"

	"github.com/axlab/axsweep/internal/variant"
)

// OpTable maps operator kinds to the replacement function names supplied by
// the approximate operator header.
type OpTable map[variant.OpKind]string

// DefaultOpTable mirrors the stock header: float add/sub/mul/div and
// integer add/mul.
func DefaultOpTable() OpTable {
	return OpTable{
		variant.OpFloatAdd: "FADDX",
		variant.OpFloatSub: "FSUBX",
		variant.OpFloatMul: "FMULX",
		variant.OpFloatDiv: "FDIVX",
		variant.OpIntAdd:   "ADDX",
		variant.OpIntMul:   "MULX",
	}
}

// Validate checks that every kind present in sites has a replacement name.
func (t OpTable) Validate(sites []variant.Site) error {
	for _, site := range sites {
		if t[site.Kind] == "" {
			return fmt.Errorf("operator table has no replacement for %s (site %d)", site.Kind, site.Ordinal)
		}
	}
	return nil
}

// Materialize rewrites the source text for one spec: every APPROXIMATE
// site's expression becomes nested calls of its replacement function, every
// EXACT site is left untouched, and no byte outside the recorded spans
// changes. Every site's span is verified against the text first, so drift
// since parse time surfaces as a MaterializeError instead of a corrupted
// rewrite.
func Materialize(text string, sites []variant.Site, spec variant.Spec, table OpTable) (string, error) {
	if spec.Len() != len(sites) {
		return "", fmt.Errorf("spec covers %d sites, parser found %d", spec.Len(), len(sites))
	}

	lines := strings.Split(text, "\n")
	for _, site := range sites {
		idx := site.Line - 1
		if idx < 0 || idx >= len(lines) {
			return "", &MaterializeError{
				Ordinal: site.Ordinal,
				Line:    site.Line,
				Reason:  "recorded line no longer exists",
			}
		}
		line := lines[idx]
		if site.Start < 0 || site.End > len(line) || line[site.Start:site.End] != site.Expr {
			return "", &MaterializeError{
				Ordinal: site.Ordinal,
				Line:    site.Line,
				Reason:  fmt.Sprintf("expression %q not found at recorded span", site.Expr),
			}
		}
		if !spec.Approx(site.Ordinal) {
			continue
		}

		fn := table[site.Kind]
		if fn == "" {
			return "", fmt.Errorf("operator table has no replacement for %s (site %d)", site.Kind, site.Ordinal)
		}
		lines[idx] = line[:site.Start] + nestCall(fn, site.Operands) + line[site.End:]
	}
	return strings.Join(lines, "\n"), nil
}

// nestCall folds an operand chain left to right: a op b op c becomes
// fn(fn(a, b), c), preserving evaluation order.
func nestCall(fn string, operands []string) string {
	expr := operands[0]
	for _, operand := range operands[1:] {
		expr = fn + "(" + expr + ", " + operand + ")"
	}
	return expr
}
