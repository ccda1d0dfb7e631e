package variant

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	domainSource  = "axsweep/source/v1"
	domainVariant = "axsweep/variant/v1"
)

// ID is a content hash used as the primary key for a source revision or a
// variant. IDs are hex-encoded SHA-256 digests; a collision would corrupt
// the ledger and is treated as fatal where detected.
type ID string

// Short returns a 12-character prefix for artifact paths and log lines.
func (id ID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) ID {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return ID(hex.EncodeToString(h.Sum(nil)))
}

// SourceID computes the content-addressed identity of a source revision
// from its normalized logical form (see the source package's Fingerprint).
// The same logical content always yields the same ID regardless of
// annotation markers, blank lines, or whitespace layout.
func SourceID(normalized string) ID {
	return hashWithDomain(domainSource, []byte(normalized))
}

// ComputeID computes the deterministic variant identity from the source
// identity and the assignment bits. It does not depend on materialized
// text, so the ID can be derived (and checked against the ledger) before
// any rewriting happens.
func ComputeID(source ID, spec Spec) ID {
	data := make([]byte, 0, len(source)+1+spec.Len())
	data = append(data, source...)
	data = append(data, 0x00)
	data = append(data, spec.String()...)
	return hashWithDomain(domainVariant, data)
}
