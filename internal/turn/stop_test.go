package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxturn/platform/internal/collab"
	"github.com/voxturn/platform/internal/session"
)

// gateASR blocks the handoff so the session holds in Processing while the
// test inspects stop arbitration.
type gateASR struct {
	release chan struct{}
}

func (g *gateASR) Transcribe(context.Context, []float32, int) (string, error) {
	<-g.release
	return "ok", nil
}

func TestRequestStopUnknownSession(t *testing.T) {
	m := newTestMachine(&stubASR{}, &stubLLM{}, &stubTTS{})
	res := m.Stopper().RequestStop("no-such-id", session.StopManual)
	if res.Stopped || res.Reason != session.StopNone {
		t.Errorf("stop on unknown session = %+v, want zero result", res)
	}
}

func TestStopCurrentWithoutSession(t *testing.T) {
	m := newTestMachine(&stubASR{}, &stubLLM{}, &stubTTS{})
	if res := m.StopCurrent(session.StopManual); res.Stopped {
		t.Errorf("stop with no session = %+v", res)
	}
}

func TestRequestStopBeforeRecordingIsNoop(t *testing.T) {
	m := newTestMachine(&stubASR{}, &stubLLM{}, &stubTTS{})
	id, err := m.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Still Listening, no frame seen yet.
	res := m.Stopper().RequestStop(id, session.StopManual)
	if res.Stopped {
		t.Errorf("stop before recording = %+v", res)
	}
	if m.State() != session.Listening {
		t.Errorf("state = %v, want listening", m.State())
	}
}

func TestConcurrentStopsExactlyOneWinner(t *testing.T) {
	asr := &gateASR{release: make(chan struct{})}
	llm := &stubLLM{text: "done"}
	m := New(testConfig(), Collaborators{ASR: asr, LLM: llm, TTS: &stubTTS{}, Filter: collab.TagFilter{}})
	cfg := testConfig()

	id, err := m.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	m.HandleFrame(frameAt(cfg, 0.5, time.Now()))

	// Pause detector, manual trigger, and watchdog all racing at once.
	reasons := []session.StopReason{session.StopPauseTimeout, session.StopManual, session.StopMaxDuration}
	const workers = 32
	results := make([]StopResult, workers)

	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i] = m.Stopper().RequestStop(id, reasons[i%len(reasons)])
		}(i)
	}
	start.Done()
	done.Wait()

	var winner StopResult
	wins := 0
	for _, r := range results {
		if r.Stopped {
			wins++
			winner = r
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	// Every loser observes the winner's reason, never its own.
	for i, r := range results {
		if r.Stopped {
			continue
		}
		if r.Reason != winner.Reason {
			t.Errorf("loser %d reason = %v, want %v", i, r.Reason, winner.Reason)
		}
	}

	proc := waitState(t, m.Events(), session.Processing)
	if proc.Reason != winner.Reason {
		t.Errorf("processing event reason = %v, want %v", proc.Reason, winner.Reason)
	}

	close(asr.release)
	waitState(t, m.Events(), session.Idle)
}

func TestStopAfterHandoffReportsOriginalCause(t *testing.T) {
	asr := &gateASR{release: make(chan struct{})}
	m := New(testConfig(), Collaborators{ASR: asr, LLM: &stubLLM{text: "ok"}, TTS: &stubTTS{}, Filter: collab.TagFilter{}})
	cfg := testConfig()

	id, err := m.StartSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	m.HandleFrame(frameAt(cfg, 0.5, time.Now()))

	if res := m.Stopper().RequestStop(id, session.StopMaxDuration); !res.Stopped {
		t.Fatalf("first stop lost: %+v", res)
	}

	// Session is now Processing; a late trigger is a no-op that still sees
	// why the recording ended.
	late := m.Stopper().RequestStop(id, session.StopManual)
	if late.Stopped {
		t.Error("late stop reported as winner")
	}
	if late.Reason != session.StopMaxDuration {
		t.Errorf("late stop reason = %v, want max_duration", late.Reason)
	}

	close(asr.release)
	waitState(t, m.Events(), session.Idle)
}
