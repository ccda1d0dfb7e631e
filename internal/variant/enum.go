package variant

// Policy bounds the enumeration of the assignment space. The full powerset
// is 2^N and quickly intractable; both bounds are first-class configuration.
type Policy struct {
	// MaxPopcount caps the number of simultaneous approximations.
	// Negative means unbounded (up to the site count). Zero enumerates
	// only the all-exact reference spec.
	MaxPopcount int

	// MaxVariants caps the total number of specs emitted, reference
	// included. Zero or negative means unbounded.
	MaxVariants int64
}

// Unbounded is the policy that enumerates the entire powerset.
var Unbounded = Policy{MaxPopcount: -1, MaxVariants: 0}

// Enumerator produces the deterministic sequence of specs for n sites under
// a policy: increasing popcount, and within one popcount level the
// combinations of site ordinals in lexicographic order. The all-exact spec
// is always first, at cursor 0.
//
// The sequence is lazy and restartable: the cursor returned with each spec
// is an absolute offset, and Seek fast-forwards a fresh Enumerator to any
// previously observed cursor given the same n and policy.
//
// Not safe for concurrent use.
type Enumerator struct {
	n      int
	policy Policy
	level  int
	combo  []int
	cursor int64
	done   bool
}

// NewEnumerator returns an Enumerator positioned before the first spec.
func NewEnumerator(n int, policy Policy) *Enumerator {
	return &Enumerator{n: n, policy: policy}
}

// Next returns the next spec and its cursor position. ok is false once the
// policy bounds or the space are exhausted; the Enumerator then stays done.
func (e *Enumerator) Next() (spec Spec, cursor int64, ok bool) {
	if e.done {
		return Spec{}, 0, false
	}
	if e.policy.MaxVariants > 0 && e.cursor >= e.policy.MaxVariants {
		e.done = true
		return Spec{}, 0, false
	}

	maxLevel := e.n
	if e.policy.MaxPopcount >= 0 && e.policy.MaxPopcount < e.n {
		maxLevel = e.policy.MaxPopcount
	}

	for {
		if e.level > maxLevel {
			e.done = true
			return Spec{}, 0, false
		}
		if e.combo == nil {
			e.combo = make([]int, e.level)
			for i := range e.combo {
				e.combo[i] = i
			}
			break
		}
		if !nextCombination(e.combo, e.n) {
			e.level++
			e.combo = nil
			continue
		}
		break
	}

	spec = SpecFromSites(e.n, e.combo...)
	cursor = e.cursor
	e.cursor++
	return spec, cursor, true
}

// Seek advances the Enumerator until its cursor reaches the given offset,
// discarding everything before it. Seeking past the end leaves the
// Enumerator exhausted.
func (e *Enumerator) Seek(cursor int64) {
	for e.cursor < cursor {
		if _, _, ok := e.Next(); !ok {
			return
		}
	}
}

// Cursor returns the offset of the next spec Next would emit.
func (e *Enumerator) Cursor() int64 { return e.cursor }

// nextCombination advances combo to the lexicographically next r-combination
// of {0..n-1}, in place. Returns false when combo was the last one (or r is
// zero, which has a single empty combination).
func nextCombination(combo []int, n int) bool {
	r := len(combo)
	i := r - 1
	for i >= 0 && combo[i] == n-r+i {
		i--
	}
	if i < 0 {
		return false
	}
	combo[i]++
	for j := i + 1; j < r; j++ {
		combo[j] = combo[j-1] + 1
	}
	return true
}
