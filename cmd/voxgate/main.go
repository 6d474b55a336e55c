// Command voxgate is the main entry point for the voxgate voice-agent runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxgate/voxgate/internal/app"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmanyllm "github.com/voxgate/voxgate/pkg/provider/llm/anyllm"
	llmopenai "github.com/voxgate/voxgate/pkg/provider/llm/openai"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttdeepgram "github.com/voxgate/voxgate/pkg/provider/stt/deepgram"
	sttwhisper "github.com/voxgate/voxgate/pkg/provider/stt/whisper"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttselevenlabs "github.com/voxgate/voxgate/pkg/provider/tts/elevenlabs"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	vadrms "github.com/voxgate/voxgate/pkg/provider/vad/rms"
)

// Exit codes per the runtime's CLI contract.
const (
	exitOK               = 0
	exitConfig           = 1
	exitBind             = 2
	exitStoreUnreachable = 3
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
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return exitConfig
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxgate"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitConfig
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Application wiring ────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if errors.Is(err, app.ErrStoreUnreachable) {
			return exitStoreUnreachable
		}
		return exitConfig
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		if errors.Is(err, gateway.ErrBindFailed) {
			return exitBind
		}
		return exitConfig
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitConfig
	}
	slog.Info("goodbye")
	return exitOK
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders installs the adapter factories that ship with
// voxgate. Tenants select among them by slug, gated by their plan allowlist.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return llmanyllm.New(backend, e.Model)
	})
	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []sttdeepgram.Option
		if e.Model != "" {
			opts = append(opts, sttdeepgram.WithModel(e.Model))
		}
		return sttdeepgram.New(e.APIKey, opts...)
	})
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []sttwhisper.Option
		if e.Model != "" {
			opts = append(opts, sttwhisper.WithModel(e.Model))
		}
		return sttwhisper.New(e.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath, _ := e.Options["model_path"].(string)
		return sttwhisper.NewNative(modelPath)
	})
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []ttselevenlabs.Option
		if e.Model != "" {
			opts = append(opts, ttselevenlabs.WithModel(e.Model))
		}
		if format, ok := e.Options["output_format"].(string); ok && format != "" {
			opts = append(opts, ttselevenlabs.WithOutputFormat(format))
		}
		return ttselevenlabs.New(e.APIKey, opts...)
	})
	reg.RegisterVAD("rms", func(config.ProviderEntry) (vad.Engine, error) {
		return vadrms.New(), nil
	})
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
