package source

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/axlab/axsweep/internal/variant"
)

// Normalize produces the logical form of annotated source text: NFC
// normalization, annotation marker lines and blank lines dropped, each
// remaining line trimmed with inner whitespace runs collapsed to single
// spaces, lines joined with newlines.
//
// Two files with the same logical form describe the same kernel: adding or
// moving markers, reindenting, or reflowing blank lines does not change it.
func Normalize(text string, opts Options) string {
	marker := markerRe(opts.marker())

	var logical []string
	for _, line := range strings.Split(norm.NFC.String(text), "\n") {
		if marker.MatchString(line) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		logical = append(logical, strings.Join(fields, " "))
	}
	return strings.Join(logical, "\n")
}

// Fingerprint computes the content-addressed identity of a source revision
// from its logical form. Sweeps key their ledgers on this, so cosmetic
// edits never orphan recorded work.
func Fingerprint(text string, opts Options) variant.ID {
	return variant.SourceID(Normalize(text, opts))
}
