// Package config handles assistant configuration: an optional YAML file with
// environment overrides, read once at startup and snapshotted per session.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperr "github.com/voxturn/platform/internal/errors"
)

// Config is the full assistant configuration. Durations are expressed in
// seconds in YAML and environment variables.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	// Collaborator inference service (ASR/LLM/TTS behind one base URL).
	InferenceURL   string  `yaml:"inference_url"`
	FallbackTTSURL string  `yaml:"fallback_tts_url"` // offline/local synth, optional
	RequestTimeout float64 `yaml:"request_timeout"`
	HealthTimeout  float64 `yaml:"health_timeout"`

	// Audio capture.
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`

	// Calibration.
	CalibrationWindow     float64 `yaml:"calibration_window"`
	CalibrationPercentile float64 `yaml:"calibration_percentile"`
	SilenceMargin         float64 `yaml:"silence_margin"`
	SpeechMargin          float64 `yaml:"speech_margin"`
	DefaultSilence        float64 `yaml:"default_silence_threshold"`
	DefaultSpeech         float64 `yaml:"default_speech_threshold"`

	// Turn taking.
	PauseTimeout          float64 `yaml:"pause_timeout"`
	GracePeriod           float64 `yaml:"grace_period"`
	MinUtterance          float64 `yaml:"min_utterance"`
	MaxRecording          float64 `yaml:"max_recording"`
	PauseCaptureOnHandoff bool    `yaml:"pause_capture_on_handoff"`
}

// Load reads the optional YAML file at path, then applies environment
// overrides on top of defaults. A missing path is not an error; a present
// but unreadable file is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.Wrapf(err, apperr.CodeConfigInvalid, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperr.Wrapf(err, apperr.CodeConfigInvalid, "parse config %s", path)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTPAddr:              ":8080",
		InferenceURL:          "http://localhost:8000",
		RequestTimeout:        30,
		HealthTimeout:         30,
		SampleRate:            16000,
		FrameSize:             512,
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
		PauseCaptureOnHandoff: true,
	}
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.InferenceURL = getEnv("INFERENCE_URL", c.InferenceURL)
	c.FallbackTTSURL = getEnv("FALLBACK_TTS_URL", c.FallbackTTSURL)
	c.RequestTimeout = getEnvFloat("REQUEST_TIMEOUT", c.RequestTimeout)
	c.HealthTimeout = getEnvFloat("HEALTH_TIMEOUT", c.HealthTimeout)
	c.SampleRate = getEnvInt("SAMPLE_RATE", c.SampleRate)
	c.FrameSize = getEnvInt("FRAME_SIZE", c.FrameSize)
	c.CalibrationWindow = getEnvFloat("CALIBRATION_WINDOW", c.CalibrationWindow)
	c.CalibrationPercentile = getEnvFloat("CALIBRATION_PERCENTILE", c.CalibrationPercentile)
	c.SilenceMargin = getEnvFloat("SILENCE_MARGIN", c.SilenceMargin)
	c.SpeechMargin = getEnvFloat("SPEECH_MARGIN", c.SpeechMargin)
	c.DefaultSilence = getEnvFloat("DEFAULT_SILENCE_THRESHOLD", c.DefaultSilence)
	c.DefaultSpeech = getEnvFloat("DEFAULT_SPEECH_THRESHOLD", c.DefaultSpeech)
	c.PauseTimeout = getEnvFloat("PAUSE_TIMEOUT", c.PauseTimeout)
	c.GracePeriod = getEnvFloat("GRACE_PERIOD", c.GracePeriod)
	c.MinUtterance = getEnvFloat("MIN_UTTERANCE", c.MinUtterance)
	c.MaxRecording = getEnvFloat("MAX_RECORDING", c.MaxRecording)
	c.PauseCaptureOnHandoff = getEnvBool("PAUSE_CAPTURE_ON_HANDOFF", c.PauseCaptureOnHandoff)
}

func (c *Config) validate() error {
	if c.SampleRate <= 0 || c.FrameSize <= 0 {
		return apperr.New(apperr.CodeConfigInvalid, "sample rate and frame size must be positive")
	}
	if c.PauseTimeout <= 0 {
		return apperr.New(apperr.CodeConfigInvalid, "pause timeout must be positive")
	}
	if c.DefaultSpeech <= c.DefaultSilence {
		return apperr.New(apperr.CodeConfigInvalid, "default speech threshold must exceed silence threshold")
	}
	return nil
}

// Duration accessors; YAML stores seconds.

func (c *Config) RequestTimeoutDur() time.Duration    { return secs(c.RequestTimeout) }
func (c *Config) HealthTimeoutDur() time.Duration     { return secs(c.HealthTimeout) }
func (c *Config) CalibrationWindowDur() time.Duration { return secs(c.CalibrationWindow) }
func (c *Config) PauseTimeoutDur() time.Duration      { return secs(c.PauseTimeout) }
func (c *Config) GracePeriodDur() time.Duration       { return secs(c.GracePeriod) }
func (c *Config) MinUtteranceDur() time.Duration      { return secs(c.MinUtterance) }
func (c *Config) MaxRecordingDur() time.Duration      { return secs(c.MaxRecording) }

// CalibrationFrames returns how many frames span the calibration window.
func (c *Config) CalibrationFrames() int {
	frameDur := float64(c.FrameSize) / float64(c.SampleRate)
	n := int(c.CalibrationWindow / frameDur)
	if n < 1 {
		n = 1
	}
	return n
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}
