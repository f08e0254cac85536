package nn

import (
	"math"
	"strconv"
)

// Classification is the winning class of a single inference run
type Classification struct {
	Class       int     // Index into ModelConfig.Classes
	Label       string  // ModelConfig.Classes[Class]
	Probability float32 // Raw model output for Class
	Confidence  float64 // Probability * 100, rounded to 2 decimal places
}

// Convert interleaved 8-bit RGB into a float32 tensor with values in [0,1].
// The layout is unchanged (HWC), so the result is ready for an NHWC model input.
func Normalize(rgb []byte) []float32 {
	out := make([]float32, len(rgb))
	for i, v := range rgb {
		out[i] = float32(v) / 255
	}
	return out
}

// Return the index of the largest element. On ties, the first occurrence wins.
// Returns -1 for an empty vector.
func ArgMax(scores []float32) int {
	best := -1
	for i, s := range scores {
		if best == -1 || s > scores[best] {
			best = i
		}
	}
	return best
}

// Convert a probability into a percentage with 2 decimal places, clamped to [0,100]
func RoundConfidence(p float32) float64 {
	pct := math.Round(float64(p)*100*100) / 100
	return min(100, max(0, pct))
}

// Format a confidence percentage the way we present it to clients (eg "97.31")
func FormatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', 2, 64)
}
