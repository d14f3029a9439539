// Package turn owns the session state machine: it validates every
// transition, drives the calibrator and pause detector on the capture path,
// and hands finished utterances to the ASR/LLM/TTS collaborators.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/voxturn/platform/internal/audio"
	"github.com/voxturn/platform/internal/calibrate"
	"github.com/voxturn/platform/internal/collab"
	"github.com/voxturn/platform/internal/config"
	"github.com/voxturn/platform/internal/energy"
	apperr "github.com/voxturn/platform/internal/errors"
	"github.com/voxturn/platform/internal/pause"
	"github.com/voxturn/platform/internal/session"
	"github.com/voxturn/platform/internal/syncx"
	"github.com/voxturn/platform/internal/trace"
)

// EventBuffer sizes the event channel; slow consumers drop, they never
// block the capture path.
const EventBuffer = 32

// Collaborators bundles the external services the machine drives at each
// state boundary. Collaborators report outcomes; they never mutate state.
type Collaborators struct {
	ASR    collab.Transcriber
	LLM    collab.Responder
	TTS    collab.Speaker
	Filter collab.SpeechFilter
}

// turnState is the machine's single piece of shared mutable state: the
// current session plus the per-recording detector scaffolding. Guarded so
// validate-and-apply is one critical section.
type turnState struct {
	sess     *session.Session // nil while Idle
	calib    []float64        // loudness collected during the calibration window
	detector *pause.Detector  // armed once calibration completes
	recStart time.Time
}

// Machine owns the current session and is the only component that applies
// state transitions.
type Machine struct {
	cfg     *config.Config
	peers   Collaborators
	cur     *syncx.Guard[turnState]
	stopper *Coordinator
	events  chan Event

	// captureCtl pauses/resumes the capture device across the handoff
	// boundary when so configured.
	captureCtl func(paused bool)
}

// New creates a turn machine.
func New(cfg *config.Config, peers Collaborators) *Machine {
	m := &Machine{
		cfg:    cfg,
		peers:  peers,
		cur:    syncx.NewGuard(turnState{}),
		events: make(chan Event, EventBuffer),
	}
	m.stopper = &Coordinator{m: m}
	return m
}

// Stopper returns the stop coordinator for this machine.
func (m *Machine) Stopper() *Coordinator { return m.stopper }

// Events returns the channel of turn events.
func (m *Machine) Events() <-chan Event { return m.events }

// SetCaptureControl installs the hook that pauses and resumes audio
// capture at the handoff boundary.
func (m *Machine) SetCaptureControl(fn func(paused bool)) { m.captureCtl = fn }

// State returns the current session state; Idle when no session is active.
func (m *Machine) State() session.State {
	st := session.Idle
	m.cur.Read(func(ts turnState) {
		if ts.sess != nil {
			st = ts.sess.State
		}
	})
	return st
}

// CurrentSessionID returns the active session id, if any.
func (m *Machine) CurrentSessionID() (string, bool) {
	var id string
	m.cur.Read(func(ts turnState) {
		if ts.sess != nil {
			id = ts.sess.ID
		}
	})
	return id, id != ""
}

// StartSession creates a new session and enters Listening. At most one
// session is active at a time; starting while one exists is rejected.
func (m *Machine) StartSession(ctx context.Context) (string, error) {
	var sess *session.Session
	ok := m.cur.Update(func(ts *turnState) bool {
		if ts.sess != nil {
			return false
		}
		sess = session.New(ctx)
		ts.sess = sess
		ts.detector = nil
		ts.calib = ts.calib[:0]
		return true
	})
	if !ok {
		return "", apperr.New(apperr.CodeRace, "a session is already active")
	}

	slog.Info("session started", "session", sess.ID)
	m.emit(Event{Type: EventState, SessionID: sess.ID, State: session.Listening})
	return sess.ID, nil
}

// StopCurrent routes a manual stop trigger through the coordinator.
func (m *Machine) StopCurrent(reason session.StopReason) StopResult {
	id, ok := m.CurrentSessionID()
	if !ok {
		return StopResult{}
	}
	return m.stopper.RequestStop(id, reason)
}

// Cancel discards the active session immediately, from any state. In-flight
// collaborator calls are abandoned; their late results are rejected by
// session id.
func (m *Machine) Cancel() bool {
	var sess *session.Session
	ok := m.cur.Update(func(ts *turnState) bool {
		if ts.sess == nil {
			return false
		}
		sess = ts.sess
		ts.sess = nil
		ts.detector = nil
		return true
	})
	if !ok {
		return false
	}

	sess.Discard()
	slog.Info("session cancelled", "session", sess.ID, "state", sess.State)
	m.setCapturePaused(false)
	m.emit(Event{Type: EventState, SessionID: sess.ID, State: session.Idle})
	return true
}

// HandleFrame consumes one captured frame inline on the capture path:
// Listening flips to Recording when capture begins, the calibration window
// fills first, then each frame feeds the pause detector.
func (m *Machine) HandleFrame(frame audio.Frame) {
	var (
		sess       *session.Session
		beganRec   bool
		pauseFired bool
	)

	m.cur.Update(func(ts *turnState) bool {
		if ts.sess == nil {
			return false
		}
		sess = ts.sess

		if sess.State == session.Listening {
			sess.State = session.Recording
			ts.recStart = frame.At
			ts.calib = ts.calib[:0]
			ts.detector = nil
			beganRec = true
		}
		if sess.State != session.Recording {
			return false
		}

		level := energy.RMS(frame.Samples)
		sess.AppendAudio(frame.Samples)

		if ts.detector == nil {
			// Calibration runs strictly before pause evaluation; ambient
			// noise varies per session, so thresholds are never reused.
			ts.calib = append(ts.calib, level)
			if len(ts.calib) >= m.cfg.CalibrationFrames() {
				m.finishCalibration(ts, frame.At)
			}
			return true
		}

		if ts.detector.Observe(frame.At, level) {
			pauseFired = true
		}
		return true
	})

	if beganRec {
		m.emit(Event{Type: EventState, SessionID: sess.ID, State: session.Recording})
		go m.watchdog(sess)
	}
	if pauseFired {
		m.stopper.RequestStop(sess.ID, session.StopPauseTimeout)
	}
}

// finishCalibration derives thresholds from the collected window and arms
// the pause detector. Runs under the state lock.
func (m *Machine) finishCalibration(ts *turnState, now time.Time) {
	res, err := calibrate.Run(ts.calib, calibrate.Config{
		Percentile:    m.cfg.CalibrationPercentile,
		SilenceMargin: m.cfg.SilenceMargin,
		SpeechMargin:  m.cfg.SpeechMargin,
	})
	if err != nil {
		// Recoverable: fall back to the statically configured thresholds
		// instead of blocking the session.
		slog.Warn("calibration failed, using default thresholds", "session", ts.sess.ID, "error", err)
		res = calibrate.Defaults(m.cfg.DefaultSilence, m.cfg.DefaultSpeech)
	} else {
		slog.Info("calibrated noise floor",
			"session", ts.sess.ID,
			"floor", res.NoiseFloor,
			"silence", res.SilenceThreshold,
			"speech", res.SpeechThreshold)
	}

	ts.sess.Thresholds = res
	ts.detector = pause.New(pause.Config{
		SpeechThreshold: res.SpeechThreshold,
		PauseTimeout:    m.cfg.PauseTimeoutDur(),
		GracePeriod:     m.cfg.GracePeriodDur(),
		MinUtterance:    m.cfg.MinUtteranceDur(),
	}, now)
}

// watchdog enforces the maximum recording duration for one session.
func (m *Machine) watchdog(sess *session.Session) {
	select {
	case <-sess.Context().Done():
	case <-time.After(m.cfg.MaxRecordingDur()):
		res := m.stopper.RequestStop(sess.ID, session.StopMaxDuration)
		if res.Stopped {
			slog.Info("recording hit max duration", "session", sess.ID)
		}
	}
}

// advanceToProcessing applies the Recording to Processing transition for
// the stop winner and transfers the audio buffer out of the session.
func (m *Machine) advanceToProcessing(sessionID string, reason session.StopReason) ([]float32, bool) {
	var samples []float32
	var sess *session.Session
	ok := m.cur.Update(func(ts *turnState) bool {
		if ts.sess == nil || ts.sess.ID != sessionID || ts.sess.State != session.Recording {
			return false
		}
		sess = ts.sess
		sess.State = session.Processing
		samples = sess.TakeAudio()
		ts.detector = nil
		return true
	})
	if !ok {
		return nil, false
	}

	m.setCapturePaused(true)
	slog.Info("recording stopped",
		"session", sessionID,
		"reason", reason,
		"samples", len(samples))
	m.emit(Event{Type: EventState, SessionID: sessionID, State: session.Processing, Reason: reason})
	return samples, true
}

// process runs the ASR handoff off the capture path.
func (m *Machine) process(sess *session.Session, samples []float32) {
	ctx, span := trace.StartSpan(sess.Context(), "transcribe")
	defer span.End()

	text, err := m.peers.ASR.Transcribe(ctx, samples, m.cfg.SampleRate)
	if err != nil {
		m.fail(sess.ID, session.Processing, err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.fail(sess.ID, session.Processing, apperr.New(apperr.CodeEmptyAudio, "nothing recognized"))
		return
	}

	if !m.advance(sess.ID, session.Processing, session.Thinking) {
		return
	}
	m.emit(Event{Type: EventTranscript, SessionID: sess.ID, Text: text})
	go m.think(sess, text)
}

// think runs the LLM handoff and filters the reply for speech.
func (m *Machine) think(sess *session.Session, transcript string) {
	ctx, span := trace.StartSpan(sess.Context(), "respond")
	defer span.End()

	raw, err := m.peers.LLM.Respond(ctx, transcript)
	if err != nil {
		m.fail(sess.ID, session.Thinking, err)
		return
	}
	spoken := m.peers.Filter.FilterForSpeech(raw)

	if !m.advance(sess.ID, session.Thinking, session.Speaking) {
		return
	}
	m.emit(Event{Type: EventReply, SessionID: sess.ID, Text: spoken})
	go m.speak(sess, spoken)
}

// speak runs TTS playback and closes the turn.
func (m *Machine) speak(sess *session.Session, text string) {
	ctx, span := trace.StartSpan(sess.Context(), "speak")
	defer span.End()

	if err := m.peers.TTS.Speak(ctx, text); err != nil {
		m.fail(sess.ID, session.Speaking, err)
		return
	}
	m.finish(sess.ID, session.Speaking)
}

// advance applies a validated transition. A source-state mismatch is a lost
// race under concurrent triggers: dropped and logged, never surfaced.
func (m *Machine) advance(sessionID string, from, to session.State) bool {
	ok := m.cur.Update(func(ts *turnState) bool {
		if ts.sess == nil || ts.sess.ID != sessionID || ts.sess.State != from {
			return false
		}
		ts.sess.State = to
		return true
	})
	if !ok {
		slog.Debug("dropping stale transition", "session", sessionID, "from", from, "to", to)
		return false
	}
	m.emit(Event{Type: EventState, SessionID: sessionID, State: to})
	return true
}

// finish returns a completed session to Idle and releases its resources.
func (m *Machine) finish(sessionID string, from session.State) {
	var sess *session.Session
	ok := m.cur.Update(func(ts *turnState) bool {
		if ts.sess == nil || ts.sess.ID != sessionID || ts.sess.State != from {
			return false
		}
		sess = ts.sess
		ts.sess = nil
		return true
	})
	if !ok {
		slog.Debug("dropping stale completion", "session", sessionID, "from", from)
		return
	}

	sess.Discard()
	m.setCapturePaused(false)
	slog.Info("turn complete", "session", sessionID)
	m.emit(Event{Type: EventState, SessionID: sessionID, State: session.Idle})
}

// fail returns a failed session to Idle with exactly one user-facing
// notice. Late failures from discarded sessions validate against the
// current id and are dropped.
func (m *Machine) fail(sessionID string, from session.State, cause error) {
	var sess *session.Session
	ok := m.cur.Update(func(ts *turnState) bool {
		if ts.sess == nil || ts.sess.ID != sessionID || ts.sess.State != from {
			return false
		}
		sess = ts.sess
		ts.sess = nil
		return true
	})
	if !ok {
		slog.Debug("dropping stale failure", "session", sessionID, "from", from, "error", cause)
		return
	}

	sess.Discard()
	m.setCapturePaused(false)
	slog.Error("turn failed", "session", sessionID, "state", from, "error", cause)
	m.emit(Event{Type: EventNotice, SessionID: sessionID, Err: cause.Error()})
	m.emit(Event{Type: EventState, SessionID: sessionID, State: session.Idle})
}

func (m *Machine) setCapturePaused(paused bool) {
	if m.captureCtl != nil && m.cfg.PauseCaptureOnHandoff {
		m.captureCtl(paused)
	}
}

// emit delivers an event without ever blocking the capture path.
func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		slog.Debug("event channel full, dropping", "type", ev.Type)
	}
}
