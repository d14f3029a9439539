package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	apperr "github.com/voxturn/platform/internal/errors"
	"github.com/voxturn/platform/internal/resilience"
	"github.com/voxturn/platform/internal/trace"
)

// Client talks to the inference service exposing ASR, LLM, and TTS over
// JSON HTTP. It implements Transcriber, Responder, and Speaker.
type Client struct {
	base        string
	ttsFallback string // optional local synth endpoint
	hc          *http.Client
	retry       resilience.RetryConfig
	breaker     *resilience.Breaker
}

// ClientConfig configures the inference client.
type ClientConfig struct {
	BaseURL        string
	FallbackTTSURL string
	Timeout        time.Duration
}

// NewClient creates an inference client with retry and circuit breaker
// protection.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:        cfg.BaseURL,
		ttsFallback: cfg.FallbackTTSURL,
		hc:          &http.Client{Timeout: timeout},
		retry:       resilience.CollaboratorRetryConfig(),
		breaker:     resilience.NewBreaker(resilience.BreakerConfig{}),
	}
}

// WaitReady polls the service health endpoint until it answers or the
// context expires.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "build health request")
		}
		if resp, err := c.hc.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return apperr.Wrapf(ctx.Err(), apperr.CodeNetwork, "inference service not ready at %s", c.base)
		case <-time.After(time.Second):
		}
	}
}

type transcribeRequest struct {
	Audio      string `json:"audio"` // base64 little-endian float32
	SampleRate int    `json:"sample_rate"`
}

type textResponse struct {
	Text string `json:"text"`
}

// Transcribe sends the finished audio buffer to the ASR endpoint.
func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if len(samples) == 0 {
		return "", apperr.New(apperr.CodeEmptyAudio, "no audio to transcribe")
	}
	req := transcribeRequest{
		Audio:      base64.StdEncoding.EncodeToString(float32ToBytes(samples)),
		SampleRate: sampleRate,
	}

	var out textResponse
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.breaker.Execute(func() error {
			return c.postJSON(ctx, c.base+"/asr", req, &out)
		})
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

type respondRequest struct {
	Transcript string `json:"transcript"`
}

// Respond sends the transcript to the LLM endpoint and returns the raw
// reply, thinking markup included.
func (c *Client) Respond(ctx context.Context, transcript string) (string, error) {
	var out textResponse
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.breaker.Execute(func() error {
			return c.postJSON(ctx, c.base+"/llm", respondRequest{Transcript: transcript}, &out)
		})
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

type speakRequest struct {
	Text string `json:"text"`
}

// Speak synthesizes and plays the reply. When the primary endpoint fails
// and a local fallback is configured, the same request is replayed against
// it; both report failures through the same error kinds.
func (c *Client) Speak(ctx context.Context, text string) error {
	err := resilience.Retry(ctx, c.retry, func() error {
		return c.breaker.Execute(func() error {
			return c.postJSON(ctx, c.base+"/tts", speakRequest{Text: text}, nil)
		})
	})
	if err == nil || c.ttsFallback == "" {
		return err
	}

	// The fallback is local, so the standard retry profile is enough; it
	// also skips the breaker, which tracks the primary endpoint.
	trace.Logger(ctx).Warn("primary TTS failed, trying local fallback", "error", err)
	return resilience.Retry(ctx, resilience.DefaultRetryConfig(), func() error {
		return c.postJSON(ctx, c.ttsFallback+"/tts", speakRequest{Text: text}, nil)
	})
}

// postJSON issues one request and maps transport and status failures onto
// the shared error taxonomy.
func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(ctx.Err(), apperr.CodeCancelled, "request cancelled")
		}
		return apperr.Wrapf(err, apperr.CodeNetwork, "post %s", url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return apperr.Newf(apperr.CodeEmptyAudio, "%s rejected input", url)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return apperr.Newf(apperr.CodeDeviceUnavailable, "%s unavailable", url)
	case resp.StatusCode >= 500:
		return apperr.Newf(apperr.CodeModel, "%s returned %d", url, resp.StatusCode)
	default:
		return apperr.Newf(apperr.CodeModel, "%s returned unexpected %d", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeNetwork, "read response")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrapf(err, apperr.CodeModel, "decode response from %s", url)
	}
	return nil
}

func float32ToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}
