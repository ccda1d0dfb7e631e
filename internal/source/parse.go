// Package source turns annotated kernel text into candidate sites and
// materializes variants as rewritten text.
//
// The parser is deliberately textual: a marker comment on its own line
// designates the next line's first single-operator arithmetic chain as a
// candidate. No type checking or control-flow analysis happens here; the
// operand classifier looks only at declarator keywords and literal syntax
// on the candidate line.
package source

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/axlab/axsweep/internal/variant"
)

// DefaultMarker is the annotation token recognized in line or block
// comment form immediately preceding a candidate expression.
const DefaultMarker = "approx:"

// Class is the numeric class of a candidate expression's operands.
type Class int

const (
	ClassUnspecified Class = iota
	ClassFloat
	ClassInt
)

func (c Class) String() string {
	switch c {
	case ClassFloat:
		return "float"
	case ClassInt:
		return "int"
	default:
		return "unspecified"
	}
}

// ParseClass maps a manifest class name to a Class.
func ParseClass(name string) (Class, bool) {
	switch name {
	case "float", "":
		return ClassFloat, true
	case "int", "integer":
		return ClassInt, true
	default:
		return ClassUnspecified, false
	}
}

// Options configure parsing and fingerprinting of one source file.
type Options struct {
	// Marker is the annotation token; empty means DefaultMarker.
	Marker string

	// DefaultClass decides the operand class when neither a declarator
	// keyword nor a floating literal on the candidate line is decisive.
	// Unspecified means float, which matches the shipped kernels.
	DefaultClass Class
}

func (o Options) marker() string {
	if o.Marker == "" {
		return DefaultMarker
	}
	return o.Marker
}

func (o Options) defaultClass() Class {
	if o.DefaultClass == ClassUnspecified {
		return ClassFloat
	}
	return o.DefaultClass
}

// Operand forms, atomic from the chain matcher's point of view. Access
// chains cover member, pointer, and subscript combinations so an index
// expression like a[i-1] is never split at its inner minus.
const (
	reCall     = `[A-Za-z_]\w*\s*\([^()]*\)`
	reAccess   = `[A-Za-z_]\w*(?:(?:->|\.)\w+|\[[^\[\]]+\])+`
	reNumber   = `-?\d+\.?\d*(?:[eE][+-]?\d+)?[fF]?`
	reParenNum = `\(\s*-?\d+\.?\d*(?:[eE][+-]?\d+)?[fF]?\s*\)`
	reIdent    = `[A-Za-z_]\w*`
)

var operandPattern = `(?:` + reCall + `|` + reAccess + `|` + reParenNum + `|` + reNumber + `|` + reIdent + `)`

// operandRe extracts the atomic operands back out of a matched chain.
var operandRe = mustLongest(operandPattern)

// chainRes holds one matcher per operator token. A candidate is the
// earliest single-operator chain on the line: operand (op operand)+,
// starting at the line start or after one of ( = , or whitespace.
var chainRes = func() map[byte]*regexp.Regexp {
	res := make(map[byte]*regexp.Regexp, 4)
	for _, op := range []byte{'+', '-', '*', '/'} {
		quoted := regexp.QuoteMeta(string(op))
		pat := `(^|[(=,\s])(` + operandPattern + `(?:\s*` + quoted + `\s*` + operandPattern + `)+)`
		res[op] = mustLongest(pat)
	}
	return res
}()

var (
	floatDeclRe    = regexp.MustCompile(`\b(?:float|double)\b`)
	intDeclRe      = regexp.MustCompile(`\b(?:int|long|short|char|size_t|unsigned|u?int(?:8|16|32|64)_t)\b`)
	floatLiteralRe = regexp.MustCompile(`^-?\d+(?:\.\d*|[eE][+-]?\d+|\d*[fF])`)
	numberOnlyRe   = regexp.MustCompile(`^[-\d(.]`)
)

func mustLongest(pat string) *regexp.Regexp {
	re := regexp.MustCompile(pat)
	re.Longest()
	return re
}

func markerRe(marker string) *regexp.Regexp {
	m := regexp.QuoteMeta(marker)
	return regexp.MustCompile(`^\s*(?://\s*` + m + `|/\*\s*` + m + `\s*\*/)\s*(?:\\\s*)?$`)
}

// Parse extracts the ordered candidate sites from annotated source text.
// Ordinals are assigned 0..N-1 in source order. Pure function of its
// inputs; the text is never modified.
func Parse(text string, opts Options) ([]variant.Site, error) {
	marker := markerRe(opts.marker())
	lines := strings.Split(text, "\n")

	var sites []variant.Site
	for i := 0; i < len(lines); i++ {
		if !marker.MatchString(lines[i]) {
			continue
		}
		exprLine := i + 1
		if exprLine >= len(lines) {
			return nil, &ParseError{Line: i + 1, Message: "marker at end of file has no expression line"}
		}
		if marker.MatchString(lines[exprLine]) {
			return nil, &ParseError{Line: exprLine + 1, Message: "marker directly follows another marker; site boundary is ambiguous"}
		}
		if strings.TrimSpace(lines[exprLine]) == "" {
			return nil, &ParseError{Line: exprLine + 1, Message: "marker points at a blank line"}
		}

		site, err := parseSite(lines[exprLine], exprLine+1, len(sites), opts)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
		i = exprLine
	}
	return sites, nil
}

// parseSite locates the earliest single-operator chain on the line,
// classifies its kind, and records the exact span for later rewriting.
func parseSite(line string, lineNo, ordinal int, opts Options) (variant.Site, error) {
	op, start, end, found := findChain(line)
	if !found {
		return variant.Site{}, &ParseError{
			Line:    lineNo,
			Message: "no recognizable binary arithmetic expression after marker",
		}
	}

	expr := line[start:end]
	operands := operandRe.FindAllString(expr, -1)
	if len(operands) < 2 {
		return variant.Site{}, &ParseError{
			Line:    lineNo,
			Message: fmt.Sprintf("expression %q has fewer than two operands", expr),
		}
	}

	class := classify(line, start, operands, opts.defaultClass())
	kind, ok := kindFor(op, class)
	if !ok {
		return variant.Site{}, &ParseError{
			Line:    lineNo,
			Message: fmt.Sprintf("%s %q has no approximate counterpart", class, string(op)),
		}
	}

	return variant.Site{
		Ordinal:  ordinal,
		Kind:     kind,
		Line:     lineNo,
		Start:    start,
		End:      end,
		Expr:     expr,
		Operands: operands,
	}, nil
}

// findChain returns the operator and span of the earliest chain on the
// line. When chains for two operators start at the same offset the longer
// match wins.
func findChain(line string) (op byte, start, end int, found bool) {
	best := -1
	for _, candidate := range []byte{'+', '-', '*', '/'} {
		m := chainRes[candidate].FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		s, e := m[4], m[5]
		if best == -1 || s < best || (s == best && e-s > end-start) {
			best, op, start, end = s, candidate, s, e
			found = true
		}
	}
	return op, start, end, found
}

// classify decides the operand class of a candidate expression.
// A declarator keyword before the expression wins; failing that, a
// floating-point literal among the operands forces float. Bare integer
// literals are not decisive (they promote in mixed expressions), so the
// configured default applies.
func classify(line string, exprStart int, operands []string, def Class) Class {
	prefix := line[:exprStart]
	if floatDeclRe.MatchString(prefix) {
		return ClassFloat
	}
	if intDeclRe.MatchString(prefix) {
		return ClassInt
	}
	for _, operand := range operands {
		trimmed := strings.TrimSpace(strings.Trim(operand, "()"))
		if numberOnlyRe.MatchString(operand) && floatLiteralRe.MatchString(trimmed) {
			return ClassFloat
		}
	}
	return def
}

func kindFor(op byte, class Class) (variant.OpKind, bool) {
	switch class {
	case ClassFloat:
		switch op {
		case '+':
			return variant.OpFloatAdd, true
		case '-':
			return variant.OpFloatSub, true
		case '*':
			return variant.OpFloatMul, true
		case '/':
			return variant.OpFloatDiv, true
		}
	case ClassInt:
		switch op {
		case '+':
			return variant.OpIntAdd, true
		case '*':
			return variant.OpIntMul, true
		}
	}
	return variant.OpInvalid, false
}
