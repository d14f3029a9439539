// Package pause converts a stream of loudness samples into end-of-utterance
// signals by tracking how long the level stays below the speech threshold.
package pause

import "time"

// Config controls pause detection for one session.
type Config struct {
	SpeechThreshold float64       // loudness at or above this counts as speech
	PauseTimeout    time.Duration // silence run that ends an utterance
	GracePeriod     time.Duration // max wait for first speech before giving up
	MinUtterance    time.Duration // recording shorter than this never stops on pause
}

// Detector tracks consecutive silence within a recording. It is not
// goroutine-safe; the capture path evaluates it inline with each frame.
type Detector struct {
	cfg       Config
	startedAt time.Time
	lastAbove time.Time
	spoke     bool // speech observed at least once this session
	fired     bool // current silence episode already reported
}

// New arms a detector at the moment recording starts. Calibration must have
// completed before the first Observe call.
func New(cfg Config, startedAt time.Time) *Detector {
	return &Detector{cfg: cfg, startedAt: startedAt, lastAbove: startedAt}
}

// Observe consumes one (timestamp, loudness) sample. It returns true exactly
// once per silence episode when the utterance should be considered complete;
// it re-arms only after speech resumes.
func (d *Detector) Observe(ts time.Time, loudness float64) bool {
	if loudness >= d.cfg.SpeechThreshold {
		d.spoke = true
		d.lastAbove = ts
		d.fired = false
		return false
	}

	if d.fired {
		return false
	}

	if !d.spoke {
		// Nothing above the speech threshold yet: an empty utterance is
		// reported through the same single-fire path once the grace period
		// runs out.
		if ts.Sub(d.startedAt) >= d.cfg.GracePeriod {
			d.fired = true
			return true
		}
		return false
	}

	if ts.Sub(d.startedAt) < d.cfg.MinUtterance {
		return false
	}

	if ts.Sub(d.lastAbove) >= d.cfg.PauseTimeout {
		d.fired = true
		return true
	}
	return false
}

// Spoke reports whether any sample reached the speech threshold.
func (d *Detector) Spoke() bool { return d.spoke }

// SilenceFor returns the current silence run length at ts.
func (d *Detector) SilenceFor(ts time.Time) time.Duration {
	return ts.Sub(d.lastAbove)
}
