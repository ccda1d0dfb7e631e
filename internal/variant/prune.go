package variant

import "sync"

// Verdict is the Pruner's decision for one enumerated spec.
type Verdict int

const (
	// VerdictAccept means the spec is new work and should be reserved.
	VerdictAccept Verdict = iota
	// VerdictSkip means a terminal record already exists; nothing to write.
	VerdictSkip
	// VerdictPruneEquivalent means the spec is redundant with an already
	// accepted spec under the configured equivalence relation.
	VerdictPruneEquivalent
	// VerdictPruneVetoed means the admission policy rejected the spec
	// (for example, it extends an over-budget assignment).
	VerdictPruneVetoed
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictSkip:
		return "skip"
	case VerdictPruneEquivalent:
		return "prune-equivalent"
	case VerdictPruneVetoed:
		return "prune-vetoed"
	default:
		return "verdict(?)"
	}
}

// EquivalenceKey maps a spec to its equivalence-class key. Two specs with
// the same key are considered structurally redundant; only the first is
// dispatched. The relation is injected rather than hard-coded so domain
// knowledge (for example, commuting substitutions) stays out of the engine.
type EquivalenceKey func(Spec) string

// IdentityEquivalence is the baseline relation: literal bit-sequence
// equality. It catches exactly the duplicates a restarted cursor can
// re-emit.
func IdentityEquivalence(s Spec) string { return s.String() }

// AdmitFunc vetoes specs before dispatch. Returning false records the spec
// as pruned. Must be safe for calls interleaved with whatever updates its
// underlying state.
type AdmitFunc func(Spec) bool

// Pruner filters the Enumerator's stream against the ledger's known
// terminal records and the configured equivalence relation.
//
// Not safe for concurrent use; a single producer drives it.
type Pruner struct {
	source   ID
	terminal map[ID]struct{}
	accepted map[string]struct{}
	equiv    EquivalenceKey
	admit    AdmitFunc
}

// PrunerOption configures a Pruner.
type PrunerOption func(*Pruner)

// WithEquivalence injects a stronger equivalence relation than the
// identity baseline.
func WithEquivalence(key EquivalenceKey) PrunerOption {
	return func(p *Pruner) { p.equiv = key }
}

// WithAdmission injects an admission policy consulted after the
// equivalence check.
func WithAdmission(admit AdmitFunc) PrunerOption {
	return func(p *Pruner) { p.admit = admit }
}

// NewPruner builds a Pruner for one source revision. terminal holds the
// VariantIDs that already have a terminal record (success, failed, or
// pruned); those are skipped without side effects.
func NewPruner(source ID, terminal map[ID]struct{}, opts ...PrunerOption) *Pruner {
	p := &Pruner{
		source:   source,
		terminal: terminal,
		accepted: make(map[string]struct{}),
		equiv:    IdentityEquivalence,
	}
	if p.terminal == nil {
		p.terminal = make(map[ID]struct{})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Seed registers an already-terminal spec's equivalence key without
// accepting it, so resumed sweeps cannot dispatch a spec equivalent to one
// that already succeeded under a non-identity relation.
func (p *Pruner) Seed(spec Spec) {
	p.accepted[p.equiv(spec)] = struct{}{}
}

// Filter decides the fate of one enumerated spec and returns its
// content-addressed ID alongside the verdict. Accepted specs have their
// equivalence key recorded so later equivalents are pruned.
func (p *Pruner) Filter(spec Spec) (ID, Verdict) {
	id := ComputeID(p.source, spec)
	if _, ok := p.terminal[id]; ok {
		return id, VerdictSkip
	}
	key := p.equiv(spec)
	if _, ok := p.accepted[key]; ok {
		return id, VerdictPruneEquivalent
	}
	if p.admit != nil && !p.admit(spec) {
		return id, VerdictPruneVetoed
	}
	p.accepted[key] = struct{}{}
	return id, VerdictAccept
}

// SupersetVeto is the admission policy behind threshold pruning: once a
// spec's measured error exceeds the budget, every spec extending its
// approximate set is vetoed. With popcount-ordered enumeration the banned
// spec always precedes its supersets.
//
// Safe for concurrent use: workers ban while the producer admits.
type SupersetVeto struct {
	mu     sync.Mutex
	banned []Spec
}

// Ban marks a spec over budget. Its strict supersets will be vetoed.
func (v *SupersetVeto) Ban(spec Spec) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.banned = append(v.banned, spec.Clone())
}

// Admit reports whether the spec extends any banned assignment.
func (v *SupersetVeto) Admit(spec Spec) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.banned {
		if spec.SupersetOf(b) && !spec.Equal(b) {
			return false
		}
	}
	return true
}
