// Voice assistant daemon - captures microphone audio, detects end of
// utterance, and drives the ASR/LLM/TTS turn pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxturn/platform/internal/audio"
	"github.com/voxturn/platform/internal/collab"
	"github.com/voxturn/platform/internal/config"
	"github.com/voxturn/platform/internal/server"
	"github.com/voxturn/platform/internal/turn"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "assistant",
	Short:        "Turn-taking voice assistant",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for the inference service before opening the microphone.
	inference := collab.NewClient(collab.ClientConfig{
		BaseURL:        cfg.InferenceURL,
		FallbackTTSURL: cfg.FallbackTTSURL,
		Timeout:        cfg.RequestTimeoutDur(),
	})
	healthCtx, healthCancel := context.WithTimeout(ctx, cfg.HealthTimeoutDur())
	defer healthCancel()
	if err := inference.WaitReady(healthCtx); err != nil {
		slog.Error("inference service not ready", "url", cfg.InferenceURL, "error", err)
		return err
	}

	machine := turn.New(cfg, turn.Collaborators{
		ASR:    inference,
		LLM:    inference,
		TTS:    inference,
		Filter: collab.TagFilter{},
	})

	capturer, err := audio.NewCapturer(cfg.SampleRate, cfg.FrameSize, 16)
	if err != nil {
		slog.Error("failed to initialize audio capture", "error", err)
		return err
	}
	defer capturer.Stop()

	machine.SetCaptureControl(capturer.SetPaused)

	if err := capturer.Start(ctx); err != nil {
		slog.Error("failed to start audio capture", "error", err)
		return err
	}

	// Feed captured frames into the turn machine.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-capturer.Output():
				machine.HandleFrame(frame)
			}
		}
	}()

	srv := server.New(ctx, machine)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("assistant starting", "http", cfg.HTTPAddr, "inference", cfg.InferenceURL)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	machine.Cancel()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
