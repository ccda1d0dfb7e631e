package analysis

import (
	"os"
)

// Reference is the exact variant's parsed output, loaded once per source
// revision and shared by every comparison in the sweep.
type Reference struct {
	Path   string
	Values []float64
}

// LoadReference parses the reference output at path. A missing or unreadable
// file is a *ReferenceMissingError: the caller attempted comparisons before
// the exact variant produced its output.
func LoadReference(path string) (*Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ReferenceMissingError{Path: path, Err: err}
	}
	defer f.Close()

	values, err := ParseSeries(f)
	if err != nil {
		return nil, &ReferenceMissingError{Path: path, Err: err}
	}
	return &Reference{Path: path, Values: values}, nil
}

// Compare scores a variant output against this reference at the given
// threshold.
func (r *Reference) Compare(out []float64, threshold float64) (Metrics, error) {
	return Comparer{Threshold: threshold}.Compare(r.Values, out)
}
