// Command skylark is a demo voice client: it streams a WAV file to a
// Skylark voice server as if it were a microphone and records the
// server's replies to another WAV file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/skylark-voice/skylark/internal/client"
	"github.com/skylark-voice/skylark/internal/config"
	"github.com/skylark-voice/skylark/internal/health"
	"github.com/skylark-voice/skylark/internal/identity"
	"github.com/skylark-voice/skylark/internal/observe"
	"github.com/skylark-voice/skylark/internal/wavio"
	"github.com/skylark-voice/skylark/pkg/audio"
	"github.com/skylark-voice/skylark/pkg/session"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inputPath := flag.String("in", "", "WAV file streamed as the microphone (16 kHz mono PCM16)")
	outputPath := flag.String("out", "reply.wav", "WAV file the server's audio is written to")
	mode := flag.String("mode", "manual", "listen mode: auto, manual, or realtime")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "skylark: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "skylark: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("skylark starting",
		"version", version,
		"config", *configPath,
		"server", cfg.Server.URL,
		"auth_strategy", cfg.Server.AuthStrategy,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "skylark",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Persisted identity ────────────────────────────────────────────────────
	store, err := identity.Open(ctx, cfg.IdentityPath)
	if err != nil {
		slog.Error("failed to open identity store", "err", err)
		return 1
	}
	defer store.Close()

	id, err := identity.Ensure(ctx, store)
	if err != nil {
		slog.Error("failed to establish identity", "err", err)
		return 1
	}
	slog.Info("identity ready", "device_id", id.DeviceID, "client_id", id.ClientID)

	// ── Audio endpoints ───────────────────────────────────────────────────────
	var source audio.Source
	if *inputPath != "" {
		src, err := wavio.NewFileSource(*inputPath, audio.CaptureConfig{
			SampleRate: cfg.Audio.CaptureSampleRate,
			Channels:   cfg.Audio.Channels,
			FrameMs:    cfg.Audio.FrameDurationMs,
		}, true)
		if err != nil {
			slog.Error("failed to open input", "err", err)
			return 1
		}
		defer src.Close()
		source = src
	}

	sink, err := wavio.NewFileSink(*outputPath, cfg.Audio.PlaybackSampleRate, cfg.Audio.Channels)
	if err != nil {
		slog.Error("failed to create output", "err", err)
		return 1
	}
	defer sink.Close()

	// ── Assemble the client ───────────────────────────────────────────────────
	c, err := client.New(client.Options{
		Config:   cfg,
		Identity: id,
		Source:   source,
		Sink:     sink,
		Metrics:  metrics,
	}, client.Events{
		OnTranscript: func(text string) {
			fmt.Printf(">> %s\n", text)
		},
		OnTTSSentence: func(text string) {
			fmt.Printf("<< %s\n", text)
		},
		OnEmotion: func(emotion string) {
			slog.Debug("emotion", "value", emotion)
		},
		OnMCP: func(payload json.RawMessage) {
			slog.Debug("mcp payload", "bytes", len(payload))
		},
		OnSessionState: func(s session.State) {
			slog.Info("session state", "state", s)
		},
		OnPlaybackState: func(s audio.PlaybackState) {
			slog.Debug("playback state", "state", s)
		},
	})
	if err != nil {
		slog.Error("failed to assemble client", "err", err)
		return 1
	}
	defer c.Close()

	g, gctx := errgroup.WithContext(ctx)

	// ── Local HTTP surface: /metrics, /healthz, /readyz ──────────────────────
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(providers.Registry, promhttp.HandlerOpts{}))
		health.New(
			health.Checker{Name: "session", Check: c.Ready},
			health.Checker{Name: "identity", Check: store.Ping},
		).Register(mux)

		srv := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		g.Go(func() error {
			slog.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shCtx)
		})
	}

	// ── Voice session ─────────────────────────────────────────────────────────
	g.Go(func() error {
		if err := c.Connect(gctx); err != nil {
			return err
		}
		if source != nil {
			if err := c.StartVoice(gctx, *mode); err != nil {
				return err
			}
		}
		slog.Info("session running — press Ctrl+C to stop")
		<-gctx.Done()
		c.StopVoice()
		return nil
	})

	err = g.Wait()
	stop()

	if dropped := c.PlaybackDropped(); dropped > 0 {
		slog.Warn("playback dropped frames", "count", dropped)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye", "output", *outputPath)
	return 0
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
