package variant

import "fmt"

// OpKind classifies the arithmetic operation at a candidate site.
//
// The set is closed: it covers exactly the operations the approximate
// operator header provides replacements for. Integer subtraction and
// division have no replacement and are rejected at parse time.
type OpKind int

const (
	OpInvalid OpKind = iota
	OpIntAdd
	OpIntMul
	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatDiv
)

var opKindNames = map[OpKind]string{
	OpIntAdd:   "integer-add",
	OpIntMul:   "integer-mul",
	OpFloatAdd: "float-add",
	OpFloatSub: "float-sub",
	OpFloatMul: "float-mul",
	OpFloatDiv: "float-div",
}

// String returns the stable textual name of the kind, used in logs,
// manifests, and the ledger.
func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("op-kind(%d)", int(k))
}

// ParseOpKind maps a textual kind name back to its OpKind.
// Returns OpInvalid and false for unknown names.
func ParseOpKind(name string) (OpKind, bool) {
	for k, n := range opKindNames {
		if n == name {
			return k, true
		}
	}
	return OpInvalid, false
}

// Site is one annotated arithmetic operation eligible for substitution.
//
// Sites are immutable once parsed. The ordinal is the site's position in
// source order, assigned starting at 0 and never reordered; it is the bit
// index every Spec uses for this site. Line is 1-based; Start and End are
// byte offsets of the expression within that line. Expr and Operands carry
// the matched text so the materializer can verify the source has not
// drifted since parse time and rebuild the expression as nested calls.
type Site struct {
	Ordinal  int
	Kind     OpKind
	Line     int
	Start    int
	End      int
	Expr     string
	Operands []string
}
