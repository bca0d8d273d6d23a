package behavior

import (
	"encoding/json"
	"math"
	"sort"
)

// numericValue extracts a finite float from Go numeric kinds and json.Number.
// Strings, bools and nested values are categorical.
func numericValue(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// percentile selects sorted[floor(n*p)], clamped to the last element.
// No interpolation.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// ComputeFieldStats summarizes values. It reports false for an empty slice.
func ComputeFieldStats(values []float64) (FieldStats, bool) {
	n := len(values)
	if n == 0 {
		return FieldStats{}, false
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}

	return FieldStats{
		Mean:       mean,
		Median:     percentile(sorted, 0.5),
		StdDev:     math.Sqrt(sq / float64(n)),
		Min:        sorted[0],
		Max:        sorted[n-1],
		Q1:         percentile(sorted, 0.25),
		Q3:         percentile(sorted, 0.75),
		SampleSize: n,
	}, true
}

// buildTypeStats computes stats for every numeric field seen across samples of one type
func buildTypeStats(samples []map[string]interface{}) map[string]FieldStats {
	columns := make(map[string][]float64)
	for _, fields := range samples {
		for name, raw := range fields {
			if v, ok := numericValue(raw); ok {
				columns[name] = append(columns[name], v)
			}
		}
	}

	out := make(map[string]FieldStats, len(columns))
	for name, values := range columns {
		if stats, ok := ComputeFieldStats(values); ok {
			out[name] = stats
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
