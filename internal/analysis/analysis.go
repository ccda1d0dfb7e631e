// Package analysis computes the error metric suite between a reference
// output and a variant output. Both are ordered numeric sequences; points
// where either side is NaN or infinite are masked out before any metric is
// computed, so a partially garbage output still yields metrics over what
// remains.
package analysis

import (
	"math"
)

// DefaultThreshold is the absolute error above which a point counts as a
// miss when no threshold is configured.
const DefaultThreshold = 1e-5

// Metrics is the full suite computed by one comparison. NRMSE and
// Correlation are NaN when undefined (flat reference, zero variance); the
// rest are always finite when Compare returns nil error.
type Metrics struct {
	MAE         float64
	MSE         float64
	RMSE        float64
	MRE         float64
	MaxError    float64
	NRMSE       float64
	Correlation float64
	Accuracy    float64
	MissRate    float64
	ValidPoints int
	TotalPoints int
}

// Map flattens the suite for ledger storage, dropping metrics that came out
// NaN or infinite. Keys are the lowercase names the report filter language
// accepts.
func (m Metrics) Map() map[string]float64 {
	out := map[string]float64{
		"mae":          m.MAE,
		"mse":          m.MSE,
		"rmse":         m.RMSE,
		"mre":          m.MRE,
		"max_error":    m.MaxError,
		"nrmse":        m.NRMSE,
		"correlation":  m.Correlation,
		"accuracy":     m.Accuracy,
		"miss_rate":    m.MissRate,
		"valid_points": float64(m.ValidPoints),
		"total_points": float64(m.TotalPoints),
	}
	for k, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(out, k)
		}
	}
	return out
}

// Comparer computes the metric suite at a configurable miss threshold.
// The zero value uses DefaultThreshold.
type Comparer struct {
	// Threshold is the absolute error at which a point stops counting as
	// accurate. Zero or negative selects DefaultThreshold.
	Threshold float64
}

// Compare computes the suite over equal-length sequences using
// DefaultThreshold.
func Compare(ref, out []float64) (Metrics, error) {
	return Comparer{}.Compare(ref, out)
}

// Compare computes the metric suite for a variant output against the
// reference. The sequences must have equal length; a mismatch means the
// variant produced structurally different output and is reported as
// *LengthMismatchError rather than folded into the error metrics.
func (c Comparer) Compare(ref, out []float64) (Metrics, error) {
	if len(ref) != len(out) {
		return Metrics{}, &LengthMismatchError{Ref: len(ref), Out: len(out)}
	}

	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	refValid := make([]float64, 0, len(ref))
	outValid := make([]float64, 0, len(out))
	for i := range ref {
		if !finite(ref[i]) || !finite(out[i]) {
			continue
		}
		refValid = append(refValid, ref[i])
		outValid = append(outValid, out[i])
	}
	if len(refValid) == 0 {
		return Metrics{}, ErrNoValidPoints
	}

	n := float64(len(refValid))
	var (
		sumAbs, sumSq   float64
		sumRel          float64
		nonZero         int
		maxErr          float64
		misses          int
		refMin, refMax  = refValid[0], refValid[0]
	)
	for i := range refValid {
		abs := math.Abs(refValid[i] - outValid[i])
		sumAbs += abs
		sumSq += abs * abs
		if abs > maxErr {
			maxErr = abs
		}
		if abs > threshold {
			misses++
		}
		if refValid[i] != 0 {
			sumRel += abs / math.Abs(refValid[i])
			nonZero++
		}
		if refValid[i] < refMin {
			refMin = refValid[i]
		}
		if refValid[i] > refMax {
			refMax = refValid[i]
		}
	}

	m := Metrics{
		MAE:         sumAbs / n,
		MSE:         sumSq / n,
		RMSE:        math.Sqrt(sumSq / n),
		MaxError:    maxErr,
		MissRate:    float64(misses) / n,
		Accuracy:    1 - float64(misses)/n,
		Correlation: pearson(refValid, outValid),
		ValidPoints: len(refValid),
		TotalPoints: len(ref),
	}
	if nonZero > 0 {
		m.MRE = sumRel / float64(nonZero)
	}
	if refRange := refMax - refMin; refRange > 0 {
		m.NRMSE = m.RMSE / refRange
	} else {
		m.NRMSE = math.NaN()
	}
	return m, nil
}

// pearson returns the correlation coefficient, NaN when either sequence has
// zero variance.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sx, sy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
	}
	mx, my := sx/n, sy/n

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(vx*vy)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
