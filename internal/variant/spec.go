package variant

import (
	"fmt"
	"math/bits"
	"strings"
)

// Spec is a total assignment of exact/approximate over all candidate sites.
//
// The canonical form is an ordered bit-sequence indexed by site ordinal,
// bit set meaning APPROXIMATE. Two specs are equal iff their bit-sequences
// are equal. A Spec is immutable once handed out by the Enumerator; Clone
// before mutating.
type Spec struct {
	n     int
	words []uint64
}

// NewSpec returns the all-exact spec over n sites.
func NewSpec(n int) Spec {
	if n < 0 {
		panic(fmt.Sprintf("variant: negative site count %d", n))
	}
	return Spec{n: n, words: make([]uint64, (n+63)/64)}
}

// Len returns the number of sites the spec covers.
func (s Spec) Len() int { return s.n }

// Approx reports whether site i is assigned APPROXIMATE.
func (s Spec) Approx(i int) bool {
	s.check(i)
	return s.words[i/64]&(1<<(uint(i)%64)) != 0
}

// SetApprox assigns site i APPROXIMATE, in place.
func (s Spec) SetApprox(i int) {
	s.check(i)
	s.words[i/64] |= 1 << (uint(i) % 64)
}

func (s Spec) check(i int) {
	if i < 0 || i >= s.n {
		panic(fmt.Sprintf("variant: site ordinal %d out of range [0,%d)", i, s.n))
	}
}

// Popcount returns the number of APPROXIMATE assignments.
func (s Spec) Popcount() int {
	total := 0
	for _, w := range s.words {
		total += bits.OnesCount64(w)
	}
	return total
}

// Equal reports bit-sequence equality. Specs over different site counts are
// never equal.
func (s Spec) Equal(o Spec) bool {
	if s.n != o.n {
		return false
	}
	for i := range s.words {
		if s.words[i] != o.words[i] {
			return false
		}
	}
	return true
}

// SupersetOf reports whether every APPROXIMATE site of o is also
// APPROXIMATE in s. Used by threshold pruning to veto descendants of an
// over-budget spec.
func (s Spec) SupersetOf(o Spec) bool {
	if s.n != o.n {
		return false
	}
	for i := range s.words {
		if o.words[i]&^s.words[i] != 0 {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Spec) Clone() Spec {
	c := Spec{n: s.n, words: make([]uint64, len(s.words))}
	copy(c.words, s.words)
	return c
}

// ApproxSites returns the ordinals assigned APPROXIMATE, ascending.
func (s Spec) ApproxSites() []int {
	out := make([]int, 0, s.Popcount())
	for i := 0; i < s.n; i++ {
		if s.Approx(i) {
			out = append(out, i)
		}
	}
	return out
}

// String renders the canonical bit-sequence, site 0 leftmost, '1' meaning
// APPROXIMATE. This string is the spec's canonical encoding: it feeds the
// variant hash and the ledger's bits column.
func (s Spec) String() string {
	var b strings.Builder
	b.Grow(s.n)
	for i := 0; i < s.n; i++ {
		if s.Approx(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseSpec rebuilds a Spec from its canonical bit-string form.
func ParseSpec(bits string) (Spec, error) {
	s := NewSpec(len(bits))
	for i := 0; i < len(bits); i++ {
		switch bits[i] {
		case '1':
			s.SetApprox(i)
		case '0':
		default:
			return Spec{}, fmt.Errorf("variant: invalid bit %q at position %d", bits[i], i)
		}
	}
	return s, nil
}

// SpecFromSites builds a Spec over n sites with the given ordinals
// APPROXIMATE.
func SpecFromSites(n int, approx ...int) Spec {
	s := NewSpec(n)
	for _, i := range approx {
		s.SetApprox(i)
	}
	return s
}
