package analysis

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParseSeries reads an ordered numeric sequence from simulator output.
// Tokens are separated by whitespace or commas; tokens that do not parse as
// floating point (headers, units, stray log lines) are skipped. NaN and Inf
// parse and are kept; the comparison masks them later.
func ParseSeries(r io.Reader) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		for _, tok := range strings.FieldsFunc(sc.Text(), func(r rune) bool { return r == ',' || r == ';' }) {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				continue
			}
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read series: %w", err)
	}
	return out, nil
}

// ReadSeriesFile parses the numeric sequence stored at path.
func ReadSeriesFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read series: %w", err)
	}
	defer f.Close()
	return ParseSeries(f)
}
