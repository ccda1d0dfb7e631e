package ledger

import (
	"encoding/json"
	"fmt"
	"math"
)

// marshalArtifacts serializes artifact paths to JSON for the variants row.
// encoding/json sorts struct fields by declaration and map keys
// lexicographically, so the stored form is deterministic.
func marshalArtifacts(a Artifacts) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(data), nil
}

func unmarshalArtifacts(data string) (Artifacts, error) {
	if data == "" {
		return Artifacts{}, nil
	}
	var a Artifacts
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return Artifacts{}, fmt.Errorf("unmarshal artifacts: %w", err)
	}
	return a, nil
}

// marshalMetrics serializes the metric map, dropping non-finite values:
// JSON has no encoding for NaN or Inf, and a missing metric already means
// "unavailable" to every reader.
func marshalMetrics(m map[string]float64) (sql interface{}, err error) {
	if m == nil {
		return nil, nil
	}
	clean := make(map[string]float64, len(m))
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		clean[k] = v
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return string(data), nil
}

func unmarshalMetrics(data *string) (map[string]float64, error) {
	if data == nil || *data == "" {
		return nil, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(*data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return m, nil
}
