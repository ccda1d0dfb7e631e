// Package variant defines the core domain model of a sweep: candidate
// substitution sites, exact/approximate assignments (specs), content-addressed
// variant identity, and the lazy enumeration and pruning of the assignment
// space.
//
// ORDERING:
//
// Enumeration order is the contract everything else leans on. Specs are
// produced in increasing popcount order (the all-exact spec first, then every
// single substitution, then pairs, ...), and within one popcount level in
// lexicographic order of site ordinals. The order is a pure function of the
// site count and the policy, so an integer cursor into the sequence is a
// complete resume point.
//
// IDENTITY:
//
// A variant's identity is a domain-separated SHA-256 over the source
// fingerprint and the assignment bits. It never depends on where or when the
// variant was materialized, so a ledger built on one machine resumes cleanly
// on another.
//
// All types in this package are either immutable after construction or
// documented otherwise. The Pruner is the only stateful type and is not safe
// for concurrent use; the scheduler drives it from a single goroutine.
package variant
