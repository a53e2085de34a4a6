// Command voicebridge is the main entry point for the Voicebridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/callstore"
	"github.com/MrWong99/voicebridge/internal/config"
	"github.com/MrWong99/voicebridge/internal/health"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/internal/telephony"
	"github.com/MrWong99/voicebridge/internal/tools/scheduler"
	"github.com/MrWong99/voicebridge/internal/webhook"
	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/s2s"
	"github.com/MrWong99/voicebridge/pkg/s2s/gemini"
	"github.com/MrWong99/voicebridge/pkg/vad"
)

// Telephony VAD defaults, overridable via the vad config section.
const (
	defaultSpeechThreshold     = 0.3
	defaultSilenceDurationMs   = 300
	defaultMinSpeechDurationMs = 200
	vadFrameSizeMs             = 20

	// Phone responses stay short; long answers read badly over a call.
	phoneTokenCap = 256
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	slog.Info("voicebridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Logging.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// closers run in reverse order on shutdown.
	var closers []func(context.Context) error

	// ── Metrics ───────────────────────────────────────────────────────────────
	if cfg.Metrics.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicebridge"})
		if err != nil {
			slog.Error("failed to initialise metrics", "err", err)
			return 1
		}
		closers = append(closers, shutdown)
	}
	metrics := observe.DefaultMetrics()

	// ── Call store (optional) ─────────────────────────────────────────────────
	var store *callstore.Store
	if dsn := cfg.CallStore.PostgresDSN; dsn != "" {
		store, err = callstore.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect call store", "err", err)
			return 1
		}
		closers = append(closers, func(context.Context) error {
			store.Close()
			return nil
		})
		slog.Info("call store connected")
	}

	// ── Scheduling tool (optional) ────────────────────────────────────────────
	var tool bridge.ToolInvoker
	var toolDefs []s2s.ToolDefinition
	if cfg.Scheduler.WebhookURL != "" {
		var opts []scheduler.Option
		if cfg.Scheduler.TimeoutSeconds > 0 {
			opts = append(opts, scheduler.WithTimeout(time.Duration(cfg.Scheduler.TimeoutSeconds)*time.Second))
		}
		st := scheduler.New(cfg.Scheduler.WebhookURL, opts...)
		tool = st
		toolDefs = []s2s.ToolDefinition{st.Definition()}
		slog.Info("scheduling tool enabled", "webhook", cfg.Scheduler.WebhookURL)
	}

	// ── Number management (optional) ──────────────────────────────────────────
	var numbers webhook.NumberManager
	if t := cfg.Telephony; t.AccountSID != "" && t.AuthToken != "" {
		numbers = telephony.New(t.AccountSID, t.AuthToken)
		slog.Info("number management enabled", "account_sid", t.AccountSID)
	}

	// ── Model provider ────────────────────────────────────────────────────────
	var geminiOpts []gemini.Option
	if cfg.Model.Model != "" {
		geminiOpts = append(geminiOpts, gemini.WithModel(cfg.Model.Model))
	}
	if cfg.Model.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Model.BaseURL))
	}
	provider := gemini.New(cfg.Model.APIKey, geminiOpts...)

	// ── Session templates ─────────────────────────────────────────────────────
	phoneSession := sessionConfig(cfg, toolDefs)
	phoneSession.DisableServerVAD = true
	if phoneSession.MaxOutputTokens == 0 || phoneSession.MaxOutputTokens > phoneTokenCap {
		phoneSession.MaxOutputTokens = phoneTokenCap
	}

	clientSession := sessionConfig(cfg, toolDefs)

	vadCfg := vadConfig(cfg.VAD)

	// ── HTTP surface ──────────────────────────────────────────────────────────
	var checkers []health.Checker
	var callLog webhook.CallLog
	var bridgeStore bridge.CallStore
	if store != nil {
		callLog = store
		bridgeStore = store
		checkers = append(checkers, health.Checker{Name: "callstore", Check: store.Ping})
	}

	server, err := webhook.New(webhook.Options{
		PublicHost: cfg.Server.PublicHost,
		Phone: func(ctx context.Context, conn *websocket.Conn) error {
			return bridge.ServePhone(ctx, conn, bridge.PhoneConfig{
				Provider: provider,
				Session:  phoneSession,
				VAD:      vadCfg,
				Tool:     tool,
				Store:    bridgeStore,
				Metrics:  metrics,
				Logger:   logger,
			})
		},
		Client: func(ctx context.Context, conn *websocket.Conn) error {
			return bridge.ServeClient(ctx, conn, bridge.ClientConfig{
				Provider: provider,
				Session:  clientSession,
				Tool:     tool,
				Metrics:  metrics,
				Logger:   logger,
			})
		},
		Calls:        callLog,
		Numbers:      numbers,
		Health:       health.New(checkers...),
		ServeMetrics: cfg.Metrics.Enabled,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to build http surface", "err", err)
		return 1
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](shutdownCtx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}

	slog.Info("goodbye")
	return 0
}

// sessionConfig builds the model session template shared by both transports.
func sessionConfig(cfg *config.Config, tools []s2s.ToolDefinition) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:               cfg.Model.Voice,
		LanguageCode:        cfg.Model.LanguageCode,
		Instructions:        cfg.Model.Instructions,
		Modalities:          []string{"audio"},
		MaxOutputTokens:     cfg.Model.MaxOutputTokens,
		Temperature:         cfg.Model.Temperature,
		InputTranscription:  true,
		OutputTranscription: true,
		Tools:               tools,
	}
}

// vadConfig applies telephony defaults to the configured detector values.
func vadConfig(v config.VADConfig) vad.Config {
	out := vad.Config{
		SampleRate:          audio.ModelRate,
		FrameSizeMs:         vadFrameSizeMs,
		SpeechThreshold:     v.SpeechThreshold,
		SilenceDurationMs:   v.SilenceDurationMs,
		MinSpeechDurationMs: v.MinSpeechDurationMs,
	}
	if out.SpeechThreshold == 0 {
		out.SpeechThreshold = defaultSpeechThreshold
	}
	if out.SilenceDurationMs == 0 {
		out.SilenceDurationMs = defaultSilenceDurationMs
	}
	if out.MinSpeechDurationMs == 0 {
		out.MinSpeechDurationMs = defaultMinSpeechDurationMs
	}
	return out
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
