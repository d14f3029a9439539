package turn

import (
	"log/slog"

	"github.com/voxturn/platform/internal/session"
)

// StopResult reports the outcome of a stop request. When Stopped is false
// and Reason is set, another trigger already won and Reason carries the
// original cause; redundant calls are never errors.
type StopResult struct {
	Stopped bool
	Reason  session.StopReason
}

// Coordinator is the single authority allowed to take a session out of
// Recording. Concurrent requests from the pause detector, the manual stop
// trigger, and the max-duration watchdog all funnel through RequestStop.
type Coordinator struct {
	m *Machine
}

// RequestStop attempts the stop-and-handoff for the given session. Exactly
// one call per session performs the Recording to Processing transition; all
// others return a no-op result carrying the winner's reason. Calls against
// an unknown session or one that is not recording are no-ops as well; this
// path must never take down the control loop.
func (c *Coordinator) RequestStop(sessionID string, reason session.StopReason) StopResult {
	var sess *session.Session
	var state session.State
	c.m.cur.Read(func(st turnState) {
		sess = st.sess
		if sess != nil {
			state = sess.State
		}
	})

	if sess == nil || sess.ID != sessionID {
		return StopResult{}
	}
	if state != session.Recording {
		// Already stopped (or never started recording); report the original
		// cause when one exists.
		return StopResult{Reason: sess.StopCause()}
	}

	// The atomic test-and-set arbitrates between concurrent triggers; the
	// winning reason is published in the same operation.
	if !sess.BeginStop(reason) {
		return StopResult{Reason: sess.StopCause()}
	}

	samples, ok := c.m.advanceToProcessing(sessionID, reason)
	if !ok {
		// Cancelled between the claim and the transition; the session is
		// already on its way to Idle.
		slog.Debug("stop claim landed on a discarded session", "session", sessionID, "reason", reason)
		return StopResult{Reason: reason}
	}

	go c.m.process(sess, samples)
	return StopResult{Stopped: true, Reason: reason}
}
