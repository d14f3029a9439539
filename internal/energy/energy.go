// Package energy converts raw audio frames into scalar loudness values
package energy

import "math"

// RMS returns the root-mean-square amplitude of a frame of normalized
// float32 samples. An empty frame yields 0, never an error; callers feed
// frames straight off the capture path and malformed input must not fault.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Peak returns the largest absolute sample value in the frame.
func Peak(frame []float32) float64 {
	var peak float64
	for _, s := range frame {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	return peak
}
