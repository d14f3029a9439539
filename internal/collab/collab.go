// Package collab defines the collaborator boundary: the ASR, LLM, and TTS
// services the turn machine hands off to, and the HTTP client that reaches
// them. The core depends only on the interfaces here.
package collab

import "context"

// Transcriber converts a finished audio buffer into text.
// Failures carry CodeNetwork, CodeModel, or CodeEmptyAudio.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Responder generates the assistant's raw reply for a transcript.
// Failures carry CodeNetwork or CodeModel.
type Responder interface {
	Respond(ctx context.Context, transcript string) (string, error)
}

// Speaker synthesizes and plays the reply.
// Failures carry CodeNetwork or CodeDeviceUnavailable.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// SpeechFilter strips non-speakable markup from raw model output before it
// reaches the Speaker.
type SpeechFilter interface {
	FilterForSpeech(raw string) string
}
