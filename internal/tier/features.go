package tier

import (
	"math"

	"cnsd/internal/memory"
)

// featureCount is the length of every extracted feature vector.
const featureCount = 6

// extractFeatures maps a value to a bounded numeric vector:
// [type code, normalized size, structural complexity, email, url, numeric].
// All components are in [0, 1].
func extractFeatures(value any) []float64 {
	f := make([]float64, featureCount)
	f[0] = typeCode(value)
	f[1] = math.Min(float64(memory.ValueSize(value))/4096.0, 1.0)
	f[2] = math.Min(float64(complexity(value, 0))/50.0, 1.0)

	if s, ok := value.(string); ok {
		if emailRe.MatchString(s) {
			f[3] = 1
		}
		if urlRe.MatchString(s) {
			f[4] = 1
		}
		if isNumericToken(s) {
			f[5] = 1
		}
	}
	return f
}

func typeCode(value any) float64 {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 0.2
	case int, int32, int64, float32, float64:
		return 0.4
	case string:
		return 0.6
	case []any:
		return 0.8
	default:
		return 1.0
	}
}

// complexity counts structural nodes, recursion bounded at depth 5.
func complexity(value any, depth int) int {
	if depth >= 5 {
		return 1
	}
	switch v := value.(type) {
	case []any:
		n := 1
		for _, item := range v {
			n += complexity(item, depth+1)
		}
		return n
	case map[string]any:
		n := 1
		for _, item := range v {
			n += complexity(item, depth+1)
		}
		return n
	default:
		return 1
	}
}

// quantizeFeatures builds the cache signature: each component rounded
// to one decimal so near-identical vectors share a cache slot.
func quantizeFeatures(features []float64) string {
	sig := make([]byte, 0, len(features)*2)
	for _, f := range features {
		q := byte(math.Round(f*10)) + '0'
		sig = append(sig, q, '.')
	}
	return string(sig)
}

func featureDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
