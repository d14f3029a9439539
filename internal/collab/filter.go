package collab

import (
	"regexp"
	"strings"
)

// Tag variants different models use for internal reasoning; all of them are
// non-speakable.
var thinkingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?is)<analysis>.*?</analysis>`),
	regexp.MustCompile(`(?is)<internal>.*?</internal>`),
	regexp.MustCompile(`(?is)<meta>.*?</meta>`),
}

var blankRuns = regexp.MustCompile(`\n\s*\n\s*\n+`)

// TagFilter removes thinking/reasoning blocks from model output.
type TagFilter struct{}

// FilterForSpeech strips every thinking-tag variant and collapses the blank
// lines left behind.
func (TagFilter) FilterForSpeech(raw string) string {
	if raw == "" {
		return raw
	}
	out := raw
	for _, p := range thinkingPatterns {
		out = p.ReplaceAllString(out, "")
	}
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
