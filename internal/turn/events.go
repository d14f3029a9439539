package turn

import "github.com/voxturn/platform/internal/session"

// EventType tags turn machine events delivered to the control surface.
type EventType string

const (
	EventState      EventType = "state"      // session entered a new state
	EventTranscript EventType = "transcript" // ASR produced text
	EventReply      EventType = "reply"      // filtered LLM reply
	EventNotice     EventType = "notice"     // terminal user-facing failure
)

// Event is one observable turn machine occurrence.
type Event struct {
	Type      EventType
	SessionID string
	State     session.State
	Reason    session.StopReason // why Recording ended, on that state event
	Text      string
	Err       string
}
