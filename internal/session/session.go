// Package session holds the per-utterance lifecycle state: one Session per
// user turn, created on entering Listening and released on returning to Idle.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxturn/platform/internal/calibrate"
)

// State enumerates the session lifecycle. Idle is both initial and terminal.
type State uint8

const (
	Idle State = iota
	Listening
	Recording
	Processing
	Thinking
	Speaking
)

var stateNames = [...]string{"idle", "listening", "recording", "processing", "thinking", "speaking"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// StopReason tags why a recording was stopped. The zero value means no stop
// has been requested yet.
type StopReason uint32

const (
	StopNone StopReason = iota
	StopPauseTimeout
	StopManual
	StopMaxDuration
)

var reasonNames = [...]string{"none", "pause_timeout", "manual", "max_duration"}

func (r StopReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Session is one user utterance lifecycle. All fields except the stopping
// flag are guarded by the owning state machine; collaborator goroutines only
// ever receive the session id and the transferred buffer.
type Session struct {
	ID        string
	CreatedAt time.Time
	State     State

	// Thresholds calibrated at the start of Recording, immutable after.
	Thresholds calibrate.Result

	// stopping packs the stop flag and the winning reason into one atomic
	// word so the first RequestStop publishes its reason in the same
	// operation that wins the race.
	stopping atomic.Uint32

	// buffer is exclusively owned by the session until handed to the ASR
	// collaborator, after which only the sample count remains for
	// bookkeeping.
	buffer        []float32
	handedSamples int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a fresh session in the Listening state. The returned session
// owns a cancellable context that scopes all collaborator calls made on its
// behalf.
func New(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		State:     Listening,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the session-scoped context.
func (s *Session) Context() context.Context { return s.ctx }

// Discard cancels the session context so in-flight collaborator calls are
// abandoned and their late results rejected.
func (s *Session) Discard() { s.cancel() }

// BeginStop atomically claims the stop-and-handoff action for the given
// reason. Exactly one caller per session observes true; the publish of the
// reason and the win of the race are a single compare-and-swap, never a
// check-then-act.
func (s *Session) BeginStop(reason StopReason) bool {
	if reason == StopNone {
		return false
	}
	return s.stopping.CompareAndSwap(uint32(StopNone), uint32(reason))
}

// StopCause returns the reason of the winning stop request, or StopNone if
// no stop has been claimed yet.
func (s *Session) StopCause() StopReason {
	return StopReason(s.stopping.Load())
}

// AppendAudio accumulates captured samples while Recording.
func (s *Session) AppendAudio(frame []float32) {
	s.buffer = append(s.buffer, frame...)
}

// TakeAudio transfers ownership of the accumulated buffer to the caller.
// The session keeps only the sample count; no writable reference remains.
func (s *Session) TakeAudio() []float32 {
	buf := s.buffer
	s.buffer = nil
	s.handedSamples = len(buf)
	return buf
}

// BufferedSamples reports how many samples the session holds, or held at
// handoff once the buffer has been transferred.
func (s *Session) BufferedSamples() int {
	if s.buffer == nil && s.handedSamples > 0 {
		return s.handedSamples
	}
	return len(s.buffer)
}
