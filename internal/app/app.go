// Package app wires all voxgate subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject in-memory implementations via functional options
// (WithSessionStore, WithAdmissionStore, etc.). When an option is not
// provided, New creates the store from the config: the session store is
// Redis-backed and requires redis.addr; the admission and billing stores are
// PostgreSQL-backed when postgres.dsn is set and in-memory otherwise.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voxgate/voxgate/internal/admission"
	"github.com/voxgate/voxgate/internal/billing"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/mcp"
	"github.com/voxgate/voxgate/internal/mcp/bridge"
	"github.com/voxgate/voxgate/internal/mcp/mcphost"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/orchestrator"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/types"
)

// ErrStoreUnreachable wraps startup failures reaching the distributed
// key-value store, mapped onto its own exit code by main.
var ErrStoreUnreachable = errors.New("app: session store unreachable")

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	metrics  *observe.Metrics

	sessions   *session.Manager
	admission  *admission.Controller
	reconciler *billing.Reconciler
	mcpHost    mcp.Host
	server     *gateway.Server

	// Injected or config-built stores.
	sessionStore   session.Store
	admissionStore admission.Store
	billingStore   billing.Store
	limits         admission.LimitsSource
	rates          billing.RateCard

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
	reapStop chan struct{}
	reapDone chan struct{}
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of connecting to Redis.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessionStore = s }
}

// WithAdmissionStore injects an admission store instead of PostgreSQL.
func WithAdmissionStore(s admission.Store) Option {
	return func(a *App) { a.admissionStore = s }
}

// WithBillingStore injects a billing store instead of PostgreSQL.
func WithBillingStore(s billing.Store) Option {
	return func(a *App) { a.billingStore = s }
}

// WithLimits injects the tenant plan-limits source.
func WithLimits(l admission.LimitsSource) Option {
	return func(a *App) { a.limits = l }
}

// WithRates overrides the billing rate card.
func WithRates(r billing.RateCard) Option {
	return func(a *App) { a.rates = r }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
		metrics:  observe.DefaultMetrics(),
		reapStop: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.limits == nil {
		a.limits = admission.StaticLimits{}
	}

	// ── 1. Distributed session store ─────────────────────────────────────
	if err := a.initSessionStore(ctx); err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(a.sessionStore, a.cfg.Session.TTL(), a.metrics)
	a.closers = append(a.closers, a.sessions.Close)

	// ── 2. Durable admission/billing stores ──────────────────────────────
	if err := a.initDurableStores(ctx); err != nil {
		return nil, err
	}
	a.admission = admission.NewController(a.admissionStore, a.limits, a.metrics)
	a.reconciler = billing.NewReconciler(a.billingStore, billing.PeriodFromLimits{Limits: a.limits}, a.rates, a.metrics)

	// ── 3. MCP host ──────────────────────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 4. Gateway ───────────────────────────────────────────────────────
	a.server = gateway.NewServer(gateway.ServerConfig{
		ListenAddr:  a.cfg.Server.ListenAddr,
		TLSEnabled:  a.cfg.Server.TLSEnabled,
		TLSCertPath: a.cfg.Server.TLSCertPath,
		TLSKeyPath:  a.cfg.Server.TLSKeyPath,
	}, a, a.metrics, a.healthCheckers()...)

	// ── 5. Stale-session safety net ──────────────────────────────────────
	a.sessions.OnReap(a.finalizeReaped)

	return a, nil
}

// initSessionStore connects Redis unless a store was injected.
func (a *App) initSessionStore(ctx context.Context) error {
	if a.sessionStore != nil {
		return nil
	}
	if a.cfg.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required when no session store is injected", ErrStoreUnreachable)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnreachable, err)
	}
	a.sessionStore = session.NewRedisStore(client, a.cfg.Session.TTL())
	a.closers = append(a.closers, client.Close)
	return nil
}

// initDurableStores connects PostgreSQL unless stores were injected. With no
// DSN configured the in-memory pair serves single-process deployments.
func (a *App) initDurableStores(ctx context.Context) error {
	if a.admissionStore != nil && a.billingStore != nil {
		return nil
	}
	if a.cfg.Postgres.DSN == "" {
		mem := admission.NewMemStore()
		if a.admissionStore == nil {
			a.admissionStore = mem
		}
		if a.billingStore == nil {
			a.billingStore = billing.NewMemStore(mem)
		}
		slog.Warn("app: no postgres.dsn configured, using in-memory admission/billing stores")
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("app: postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("app: postgres ping: %w", err)
	}
	if err := billing.Migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	if err := admission.Migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	if a.admissionStore == nil {
		a.admissionStore = admission.NewPostgresStore(pool)
	}
	if a.billingStore == nil {
		a.billingStore = billing.NewPostgresStore(pool)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host and registers configured tool servers.
func (a *App) initMCP(ctx context.Context) error {
	if a.mcpHost == nil {
		if len(a.cfg.MCP.Servers) == 0 {
			return nil // no tool surface configured
		}
		a.mcpHost = mcphost.New()
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	for _, srv := range a.cfg.MCP.Servers {
		serverCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: mcp.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := a.mcpHost.RegisterServer(ctx, serverCfg); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	if err := a.mcpHost.Calibrate(ctx); err != nil {
		slog.Warn("MCP calibration failed, using declared latencies", "err", err)
	}
	return nil
}

// healthCheckers builds the /readyz probe list.
func (a *App) healthCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "session-store",
			Check: func(ctx context.Context) error {
				_, err := a.sessions.Count(ctx, "healthcheck")
				return err
			},
		},
	}
}

// ─── Session lifecycle (gateway.SessionStarter) ──────────────────────────────

// sessionHandle adapts a running pipeline for the gateway.
type sessionHandle struct {
	id       string
	pipeline *orchestrator.Pipeline
	done     chan struct{}
}

func (h *sessionHandle) ID() string { return h.id }

func (h *sessionHandle) OutputSampleRate() int { return h.pipeline.OutputSampleRate() }

func (h *sessionHandle) PushAudio(chunk []byte) error { return h.pipeline.PushAudio(chunk) }

func (h *sessionHandle) End() { h.pipeline.End() }

func (h *sessionHandle) Done() <-chan struct{} { return h.done }

// StartSession implements [gateway.SessionStarter]: admission, session
// creation, provider construction, pipeline launch. Every failure path after
// the reservation releases it.
func (a *App) StartSession(ctx context.Context, spec types.SessionSpec, emitter orchestrator.Emitter) (gateway.SessionHandle, error) {
	res, err := a.admission.Reserve(ctx, spec)
	if err != nil {
		return nil, err
	}
	spec.CallID = res.CallID

	sess, err := a.sessions.Create(ctx, spec)
	if err != nil {
		a.releaseFailed(ctx, res)
		return nil, fmt.Errorf("create session: %w", err)
	}

	pipeline, err := a.buildPipeline(sess, emitter)
	if err != nil {
		a.releaseFailed(ctx, res)
		if delErr := a.sessions.Delete(ctx, sess.ID); delErr != nil {
			slog.Warn("app: orphan session cleanup failed", "session", sess.ID, "err", delErr)
		}
		return nil, err
	}

	handle := &sessionHandle{id: sess.ID, pipeline: pipeline, done: make(chan struct{})}

	// The supervisor goroutine owns scoped release: whatever way Run exits —
	// normal end, provider failure, panic — the session is finalized, the
	// call priced, and the slot freed exactly once.
	go func() {
		defer close(handle.done)

		// Detach from the connection context: teardown must complete even
		// when the client is already gone.
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(ctx, pipeline.End)
		defer stop()

		result, runErr := pipeline.Run(runCtx)
		if runErr != nil {
			slog.Error("app: pipeline run error", "session", sess.ID, "err", runErr)
		}

		finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer finCancel()

		ended, err := a.sessions.End(finCtx, sess.ID, result.EndReason)
		if err != nil {
			slog.Error("app: session end failed", "session", sess.ID, "err", err)
			ended = sess
		}

		if _, err := a.reconciler.Finalize(finCtx, billing.FinalizeRequest{
			Spec:      spec,
			StartedAt: ended.StartedAt,
			EndedAt:   time.Now(),
			EndReason: result.EndReason,
			Err:       result.ErrMsg,
			Usage: billing.Usage{
				STTSeconds:       result.Usage.STTSeconds,
				TTSSeconds:       result.Usage.TTSSeconds,
				PromptTokens:     result.Usage.PromptTokens,
				CompletionTokens: result.Usage.CompletionTokens,
			},
		}); err != nil {
			slog.Error("app: call finalization failed", "call", spec.CallID, "err", err)
		}
		a.admission.SlotFreed(finCtx)
	}()

	return handle, nil
}

// buildPipeline resolves the provider triple and assembles the orchestrator.
func (a *App) buildPipeline(sess *types.Session, emitter orchestrator.Emitter) (*orchestrator.Pipeline, error) {
	spec := sess.Spec

	sttP, err := a.registry.CreateSTT(a.providerEntry("stt", spec.STT))
	if err != nil {
		return nil, fmt.Errorf("stt provider %q: %w", spec.STT.Provider, err)
	}
	llmP, err := a.registry.CreateLLM(a.providerEntry("llm", spec.LLM))
	if err != nil {
		return nil, fmt.Errorf("llm provider %q: %w", spec.LLM.Provider, err)
	}
	ttsEntry := a.providerEntry("tts", spec.TTS)
	ttsP, err := a.registry.CreateTTS(ttsEntry)
	if err != nil {
		return nil, fmt.Errorf("tts provider %q: %w", spec.TTS.Provider, err)
	}
	vadE, err := a.registry.CreateVAD(config.ProviderEntry{Kind: "vad", Name: "rms"})
	if err != nil {
		return nil, fmt.Errorf("vad engine: %w", err)
	}

	advertised := voiceSampleRate(spec.TTS)
	voice := types.VoiceProfile{
		ID:           spec.TTS.VoiceID,
		Provider:     spec.TTS.Provider,
		SampleRateHz: advertised,
	}

	pipeline, err := orchestrator.New(orchestrator.Config{
		Session:         sess,
		STT:             sttP,
		LLM:             llmP,
		TTS:             ttsP,
		VAD:             vadE,
		Voice:           voice,
		Emitter:         emitter,
		Sessions:        a.sessions,
		Metrics:         a.metrics,
		InputSampleRate: a.cfg.Server.AudioClientSampleRate,
		TTSNativeFormat: ttsNativeFormat(ttsEntry, advertised),
	})
	if err != nil {
		return nil, err
	}

	if a.mcpHost != nil {
		if _, err := bridge.NewBridge(a.mcpHost, pipeline, mcp.BudgetStandard); err != nil {
			slog.Warn("app: tool bridge unavailable", "session", sess.ID, "err", err)
		}
	}
	return pipeline, nil
}

// providerEntry resolves the process-level credentials/config block for a
// session's provider selection, overlaying the per-session model choice.
func (a *App) providerEntry(kind string, sel types.ProviderSelection) config.ProviderEntry {
	for _, entry := range a.cfg.Providers {
		if entry.Kind == kind && entry.Name == sel.Provider {
			e := entry
			if sel.Model != "" {
				e.Model = sel.Model
			}
			return e
		}
	}
	// Unregistered slugs still reach the registry so the error names the
	// provider rather than a config lookup.
	return config.ProviderEntry{Kind: kind, Name: sel.Provider, Model: sel.Model}
}

// voiceSampleRate reads the per-voice output rate from the TTS options,
// defaulting to 16 kHz.
func voiceSampleRate(sel types.ProviderSelection) int {
	if v, ok := sel.Options["sampleRate"]; ok {
		switch r := v.(type) {
		case float64:
			return int(r)
		case int:
			return r
		}
	}
	return 16000
}

// ttsNativeFormat resolves the PCM format the configured TTS adapter actually
// emits, so the pipeline can resample onto the advertised session rate. The
// process-level entry's output_format option names it ("pcm_24000"-style for
// ElevenLabs); sample_rate/channels options override, and the advertised rate
// is the fallback (no conversion).
func ttsNativeFormat(entry config.ProviderEntry, advertised int) audio.Format {
	f := audio.Format{SampleRate: advertised, Channels: 1}
	if v, ok := entry.Options["output_format"].(string); ok {
		if rate, found := strings.CutPrefix(v, "pcm_"); found {
			if n, err := strconv.Atoi(rate); err == nil && n > 0 {
				f.SampleRate = n
			}
		}
	}
	if v, ok := entry.Options["sample_rate"]; ok {
		switch n := v.(type) {
		case int:
			f.SampleRate = n
		case float64:
			f.SampleRate = int(n)
		}
	}
	if v, ok := entry.Options["channels"]; ok {
		switch n := v.(type) {
		case int:
			f.Channels = n
		case float64:
			f.Channels = int(n)
		}
	}
	return f
}

// releaseFailed frees a reservation whose session never went live.
func (a *App) releaseFailed(ctx context.Context, res *types.Reservation) {
	if err := a.admission.Release(ctx, res); err != nil {
		slog.Error("app: reservation release failed", "call", res.CallID, "err", err)
	}
}

// finalizeReaped is the session reaper's hook: price the orphaned call and
// free its slot, with end_reason timeout and a failed status.
func (a *App) finalizeReaped(ctx context.Context, sess *types.Session) {
	if _, err := a.reconciler.Finalize(ctx, billing.FinalizeRequest{
		Spec:      sess.Spec,
		StartedAt: sess.StartedAt,
		EndedAt:   time.Now(),
		EndReason: types.EndTimeout,
		Err:       "session expired without teardown",
	}); err != nil {
		slog.Error("app: reaped call finalization failed", "call", sess.Spec.CallID, "err", err)
	}
	a.admission.SlotFreed(ctx)
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run starts the reaper and serves the gateway until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.reapDone = make(chan struct{})
	go a.reapLoop(ctx)
	return a.server.Run(ctx)
}

// reapLoop is the cleanup safety net: expire stale sessions and reclaim
// admission slots whose sessions never finalized.
func (a *App) reapLoop(ctx context.Context) {
	defer close(a.reapDone)
	ticker := time.NewTicker(a.cfg.Session.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reapStop:
			return
		case <-ticker.C:
			if n, err := a.sessions.ReapStale(ctx); err != nil {
				slog.Error("app: session reap failed", "err", err)
			} else if n > 0 {
				slog.Info("app: reaped stale sessions", "count", n)
			}
			if n, err := a.admission.ReclaimStale(ctx, a.cfg.Admission.MaxStaleCallAge()); err != nil {
				slog.Error("app: slot reclamation failed", "err", err)
			} else if n > 0 {
				slog.Info("app: reclaimed stale call slots", "count", n)
			}
		}
	}
}

// Shutdown tears down all subsystems in reverse-init order, respecting the
// context deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		close(a.reapStop)
		if a.reapDone != nil {
			select {
			case <-a.reapDone:
			case <-ctx.Done():
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Sessions exposes the session manager for tests and the admission surface.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Admission exposes the admission controller library contract.
func (a *App) Admission() *admission.Controller { return a.admission }
