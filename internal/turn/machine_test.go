package turn

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxturn/platform/internal/audio"
	"github.com/voxturn/platform/internal/collab"
	"github.com/voxturn/platform/internal/config"
	apperr "github.com/voxturn/platform/internal/errors"
	"github.com/voxturn/platform/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		SampleRate:            16000,
		FrameSize:             1600, // 100ms frames keep test timelines readable
		CalibrationWindow:     0.3,
		CalibrationPercentile: 0.9,
		SilenceMargin:         0.005,
		SpeechMargin:          0.015,
		DefaultSilence:        0.01,
		DefaultSpeech:         0.02,
		PauseTimeout:          2.0,
		GracePeriod:           4.0,
		MinUtterance:          0.5,
		MaxRecording:          30.0,
	}
}

// frameAt builds a constant-amplitude frame; RMS of a constant signal equals
// the amplitude, so loudness is exact in assertions.
func frameAt(cfg *config.Config, amp float64, at time.Time) audio.Frame {
	samples := make([]float32, cfg.FrameSize)
	for i := range samples {
		samples[i] = float32(amp)
	}
	return audio.Frame{Samples: samples, At: at}
}

type stubASR struct {
	text  string
	err   error
	calls atomic.Int32
	got   atomic.Int32 // sample count of the last handoff
}

func (s *stubASR) Transcribe(_ context.Context, samples []float32, _ int) (string, error) {
	s.calls.Add(1)
	s.got.Store(int32(len(samples)))
	return s.text, s.err
}

type stubLLM struct {
	text  string
	err   error
	calls atomic.Int32
}

func (s *stubLLM) Respond(context.Context, string) (string, error) {
	s.calls.Add(1)
	return s.text, s.err
}

type stubTTS struct {
	err   error
	calls atomic.Int32
}

func (s *stubTTS) Speak(context.Context, string) error {
	s.calls.Add(1)
	return s.err
}

func newTestMachine(asr *stubASR, llm *stubLLM, tts *stubTTS) *Machine {
	return New(testConfig(), Collaborators{
		ASR:    asr,
		LLM:    llm,
		TTS:    tts,
		Filter: collab.TagFilter{},
	})
}

// waitEvent pulls events until one matches, failing on timeout. Non-matching
// events are discarded so tests only assert what they care about.
func waitEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitState(t *testing.T, events <-chan Event, want session.State) Event {
	t.Helper()
	return waitEvent(t, events, func(ev Event) bool {
		return ev.Type == EventState && ev.State == want
	})
}

func TestFullTurnOnPauseTimeout(t *testing.T) {
	asr := &stubASR{text: "turn on the lights"}
	llm := &stubLLM{text: "<thinking>plan</thinking>Done, lights are on."}
	tts := &stubTTS{}
	m := newTestMachine(asr, llm, tts)
	cfg := testConfig()

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitState(t, m.Events(), session.Listening)

	base := time.Now()
	frames := 0
	feed := func(amp float64, at time.Duration) {
		m.HandleFrame(frameAt(cfg, amp, base.Add(at)))
		frames++
	}

	// Quiet calibration window, then speech, then silence past the pause
	// timeout.
	for i := 0; i < 3; i++ {
		feed(0.01, time.Duration(i)*100*time.Millisecond)
	}
	for i := 3; i < 8; i++ {
		feed(0.5, time.Duration(i)*100*time.Millisecond)
	}
	for i := 8; i <= 27; i++ {
		feed(0.01, time.Duration(i)*100*time.Millisecond)
	}

	waitState(t, m.Events(), session.Recording)
	proc := waitState(t, m.Events(), session.Processing)
	if proc.Reason != session.StopPauseTimeout {
		t.Errorf("stop reason = %v, want pause_timeout", proc.Reason)
	}

	tr := waitEvent(t, m.Events(), func(ev Event) bool { return ev.Type == EventTranscript })
	if tr.Text != "turn on the lights" {
		t.Errorf("transcript = %q", tr.Text)
	}

	reply := waitEvent(t, m.Events(), func(ev Event) bool { return ev.Type == EventReply })
	if reply.Text != "Done, lights are on." {
		t.Errorf("reply = %q, thinking tags should be stripped", reply.Text)
	}

	waitState(t, m.Events(), session.Idle)

	if got, want := int(asr.got.Load()), frames*cfg.FrameSize; got != want {
		t.Errorf("handed %d samples to ASR, want %d", got, want)
	}
	if tts.calls.Load() != 1 {
		t.Errorf("tts calls = %d, want 1", tts.calls.Load())
	}
	if m.State() != session.Idle {
		t.Errorf("final state = %v, want idle", m.State())
	}
}

func TestTranscriptionFailureReturnsIdleWithOneNotice(t *testing.T) {
	asr := &stubASR{err: apperr.New(apperr.CodeModel, "asr backend down")}
	llm := &stubLLM{text: "unused"}
	m := newTestMachine(asr, llm, &stubTTS{})
	cfg := testConfig()

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i := 0; i < 5; i++ {
		m.HandleFrame(frameAt(cfg, 0.5, base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	res := m.StopCurrent(session.StopManual)
	if !res.Stopped {
		t.Fatalf("manual stop lost: %+v", res)
	}

	waitEvent(t, m.Events(), func(ev Event) bool { return ev.Type == EventNotice })
	waitState(t, m.Events(), session.Idle)

	if llm.calls.Load() != 0 {
		t.Errorf("llm called %d times after asr failure", llm.calls.Load())
	}

	// The failure path emits exactly one notice.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == EventNotice {
				t.Fatal("second notice emitted")
			}
		default:
			return
		}
	}
}

func TestEmptyTranscriptAbortsTurn(t *testing.T) {
	asr := &stubASR{text: "   "}
	llm := &stubLLM{text: "unused"}
	m := newTestMachine(asr, llm, &stubTTS{})
	cfg := testConfig()

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.HandleFrame(frameAt(cfg, 0.5, time.Now()))
	if res := m.StopCurrent(session.StopManual); !res.Stopped {
		t.Fatalf("manual stop lost: %+v", res)
	}

	notice := waitEvent(t, m.Events(), func(ev Event) bool { return ev.Type == EventNotice })
	if notice.Err == "" {
		t.Error("notice carries no message")
	}
	waitState(t, m.Events(), session.Idle)
	if llm.calls.Load() != 0 {
		t.Errorf("llm called on empty transcript")
	}
}

type blockingLLM struct {
	entered chan struct{}
	release chan struct{}
	text    string
}

func (b *blockingLLM) Respond(context.Context, string) (string, error) {
	close(b.entered)
	<-b.release
	return b.text, nil
}

func TestCancelDuringThinkingDiscardsLateReply(t *testing.T) {
	asr := &stubASR{text: "hello"}
	llm := &blockingLLM{entered: make(chan struct{}), release: make(chan struct{}), text: "late reply"}
	tts := &stubTTS{}
	m := New(testConfig(), Collaborators{ASR: asr, LLM: llm, TTS: tts, Filter: collab.TagFilter{}})
	cfg := testConfig()

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.HandleFrame(frameAt(cfg, 0.5, time.Now()))
	if res := m.StopCurrent(session.StopManual); !res.Stopped {
		t.Fatalf("manual stop lost: %+v", res)
	}

	<-llm.entered // now in Thinking, LLM in flight
	if !m.Cancel() {
		t.Fatal("cancel returned false with an active session")
	}
	waitState(t, m.Events(), session.Idle)

	close(llm.release)
	time.Sleep(50 * time.Millisecond)

	if tts.calls.Load() != 0 {
		t.Errorf("tts called after cancel")
	}
	select {
	case ev := <-m.Events():
		if ev.Type == EventReply {
			t.Errorf("late reply surfaced: %q", ev.Text)
		}
	default:
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	m := newTestMachine(&stubASR{text: "x"}, &stubLLM{text: "y"}, &stubTTS{})
	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := m.StartSession(context.Background())
	if !apperr.IsCode(err, apperr.CodeRace) {
		t.Errorf("second start: code = %v, want CodeRace", apperr.CodeOf(err))
	}
}

func TestCancelWithoutSession(t *testing.T) {
	m := newTestMachine(&stubASR{}, &stubLLM{}, &stubTTS{})
	if m.Cancel() {
		t.Error("cancel succeeded with no session")
	}
}

func TestCalibrationFallbackUsesConfiguredThresholds(t *testing.T) {
	cfg := testConfig()
	// One-frame calibration window cannot satisfy the minimum sample count,
	// so detection must fall back to the configured defaults.
	cfg.CalibrationWindow = 0.1
	cfg.DefaultSilence = 0.001
	cfg.DefaultSpeech = 0.005
	cfg.PauseTimeout = 0.5

	asr := &stubASR{text: "quiet words"}
	m := New(cfg, Collaborators{ASR: asr, LLM: &stubLLM{text: "ok"}, TTS: &stubTTS{}, Filter: collab.TagFilter{}})

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	// Amplitude 0.01 is speech only under the fallback threshold; a window
	// calibrated on it would put the speech threshold well above it.
	for i := 0; i <= 6; i++ {
		m.HandleFrame(frameAt(cfg, 0.01, base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	for i := 7; i <= 12; i++ {
		m.HandleFrame(frameAt(cfg, 0.0001, base.Add(time.Duration(i)*100*time.Millisecond)))
	}

	proc := waitState(t, m.Events(), session.Processing)
	if proc.Reason != session.StopPauseTimeout {
		t.Errorf("stop reason = %v, want pause_timeout", proc.Reason)
	}
}

func TestCaptureControlTogglesAcrossHandoff(t *testing.T) {
	cfg := testConfig()
	cfg.PauseCaptureOnHandoff = true
	m := New(cfg, Collaborators{ASR: &stubASR{text: "hi"}, LLM: &stubLLM{text: "hey"}, TTS: &stubTTS{}, Filter: collab.TagFilter{}})

	var paused, resumed atomic.Int32
	m.SetCaptureControl(func(p bool) {
		if p {
			paused.Add(1)
		} else {
			resumed.Add(1)
		}
	})

	if _, err := m.StartSession(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.HandleFrame(frameAt(cfg, 0.5, time.Now()))
	if res := m.StopCurrent(session.StopManual); !res.Stopped {
		t.Fatalf("manual stop lost: %+v", res)
	}
	waitState(t, m.Events(), session.Idle)

	if paused.Load() != 1 || resumed.Load() != 1 {
		t.Errorf("capture toggles = %d pause / %d resume, want 1/1", paused.Load(), resumed.Load())
	}
}
