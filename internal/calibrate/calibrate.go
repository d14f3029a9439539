// Package calibrate estimates the ambient noise floor at the start of a
// recording and derives the silence/speech thresholds used by pause detection.
package calibrate

import (
	"sort"

	apperr "github.com/voxturn/platform/internal/errors"
)

// Calibration defaults. The percentile is deliberately high so that brief
// clicks during the window do not drag the floor down.
const (
	DefaultPercentile    = 0.9
	DefaultSilenceMargin = 0.005
	DefaultSpeechMargin  = 0.015
	DefaultMinSamples    = 5
)

// Result holds the calibrated thresholds for one session. Immutable once
// produced.
type Result struct {
	NoiseFloor       float64
	SilenceThreshold float64
	SpeechThreshold  float64
}

// Config controls how the noise floor is measured.
type Config struct {
	MinSamples    int     // minimum loudness values required
	Percentile    float64 // noise floor statistic, in (0, 1]
	SilenceMargin float64 // added to the floor for the silence threshold
	SpeechMargin  float64 // added to the floor for the speech threshold
}

// ErrInsufficientSamples signals that the calibration window ended before
// enough loudness values were collected. Callers fall back to statically
// configured thresholds instead of blocking.
var ErrInsufficientSamples = apperr.New(apperr.CodeCalibration, "calibration window too short")

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.Percentile <= 0 || c.Percentile > 1 {
		c.Percentile = DefaultPercentile
	}
	if c.SilenceMargin <= 0 {
		c.SilenceMargin = DefaultSilenceMargin
	}
	if c.SpeechMargin <= c.SilenceMargin {
		c.SpeechMargin = DefaultSpeechMargin
	}
	return c
}

// Run computes thresholds from the loudness values collected over the
// calibration window. It runs exactly once per session, synchronously,
// before pause detection begins.
func Run(levels []float64, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	if len(levels) < cfg.MinSamples {
		return Result{}, ErrInsufficientSamples
	}

	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)

	idx := int(cfg.Percentile*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	floor := sorted[idx]

	return Result{
		NoiseFloor:       floor,
		SilenceThreshold: floor + cfg.SilenceMargin,
		SpeechThreshold:  floor + cfg.SpeechMargin,
	}, nil
}

// Defaults builds a Result from statically configured thresholds, used when
// Run fails. The noise floor is unknown and reported as zero.
func Defaults(silence, speech float64) Result {
	return Result{SilenceThreshold: silence, SpeechThreshold: speech}
}
