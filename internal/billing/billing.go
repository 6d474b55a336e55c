// Package billing implements the reconciler that turns a finished call into
// durable, billing-grade records: the terminal CallRecord and a set of
// write-once usage ledger entries, one per priced category.
//
// Pricing model: STT and TTS are priced per actual minute (fractional), the
// LLM per 1000 tokens (prompt + completion), telephony per billed minute
// (duration rounded up to the next whole minute). Each category subtotal is
// computed in floating point and rounded to integer minor units on its own;
// the call total is the sum of those rounded subtotals, not a rounding of the
// unrounded sum, so it can differ from the latter by a minor unit.
//
// The reconciler is idempotent on call id: finalizing an already terminal
// call returns the stored record and emits nothing, so retries — including
// the background sweep behind a crashed process — are safe.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/types"
)

// Usage carries the measured per-call quantities the reconciler prices.
type Usage struct {
	// STTSeconds is the audio time actually streamed to the STT provider.
	STTSeconds float64

	// TTSSeconds is the synthesized audio time streamed back to the caller.
	TTSSeconds float64

	// PromptTokens and CompletionTokens are the LLM token totals across all
	// turns of the call.
	PromptTokens     int
	CompletionTokens int
}

// RateCard prices each provider category in integer minor units. Unknown
// provider slugs fall back to the Default* rate so a missing price never
// blocks finalization.
type RateCard struct {
	// STTPerMinuteMinor prices STT per actual minute, by provider slug.
	STTPerMinuteMinor map[string]int64

	// TTSPerMinuteMinor prices TTS per actual minute, by provider slug.
	TTSPerMinuteMinor map[string]int64

	// LLMPer1KTokensMinor prices the LLM per 1000 tokens, by provider slug.
	LLMPer1KTokensMinor map[string]int64

	// TelephonyPerMinuteMinor prices transport per billed (rounded-up) minute.
	TelephonyPerMinuteMinor int64

	// DefaultSTTPerMinuteMinor et al. apply when a slug has no entry.
	DefaultSTTPerMinuteMinor int64
	DefaultTTSPerMinuteMinor int64
	DefaultLLMPer1KMinor     int64
}

func lookupRate(m map[string]int64, slug string, fallback int64) int64 {
	if r, ok := m[slug]; ok {
		return r
	}
	return fallback
}

// BilledMinutes returns ⌈durationSeconds / 60⌉, with zero-or-negative
// durations billing zero minutes.
func BilledMinutes(durationSeconds float64) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return int64(math.Ceil(durationSeconds / 60))
}

// Store is the durable backing for call finalization and the usage ledger.
type Store interface {
	// FinalizeCall writes rec's terminal fields exactly once. The boolean
	// reports whether this invocation performed the transition; when false
	// the returned record echoes the previously stored terminal row.
	FinalizeCall(ctx context.Context, rec types.CallRecord) (types.CallRecord, bool, error)

	// WriteUsageRecords appends the given ledger entries. Implementations
	// must be idempotent on (call id, usage type).
	WriteUsageRecords(ctx context.Context, recs []types.UsageRecord) error
}

// PeriodSource resolves the tenant's current billing-period bounds, stamped
// into every usage record. The admission controller's LimitsSource satisfies
// this through [PeriodFromLimits].
type PeriodSource interface {
	BillingPeriod(ctx context.Context, tenantID string) (start, end time.Time, err error)
}

// Reconciler computes costs and persists the terminal records for a call.
// Safe for concurrent use.
type Reconciler struct {
	store   Store
	periods PeriodSource
	rates   RateCard
	metrics *observe.Metrics
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, periods PeriodSource, rates RateCard, metrics *observe.Metrics) *Reconciler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Reconciler{store: store, periods: periods, rates: rates, metrics: metrics}
}

// FinalizeRequest describes a call reaching a terminal state.
type FinalizeRequest struct {
	Spec      types.SessionSpec
	StartedAt time.Time
	EndedAt   time.Time
	EndReason types.EndReason
	Err       string // non-empty for failed calls
	Usage     Usage
}

// Finalize computes the call's costs, writes the terminal CallRecord, and
// emits its usage records. Exactly one finalization takes effect per call
// id; repeats return the stored record unchanged and emit nothing.
//
// A usage-ledger write failure is logged and swallowed — the slot release
// (the call row's terminal transition) must never be blocked on the ledger;
// the background sweep retries emission later.
func (r *Reconciler) Finalize(ctx context.Context, req FinalizeRequest) (types.CallRecord, error) {
	duration := req.EndedAt.Sub(req.StartedAt).Seconds()
	if duration < 0 {
		duration = 0
	}

	rec := r.buildRecord(req, duration)

	stored, performed, err := r.store.FinalizeCall(ctx, rec)
	if err != nil {
		return types.CallRecord{}, fmt.Errorf("billing: finalize %s: %w", req.Spec.CallID, err)
	}
	if !performed {
		return stored, nil
	}

	if err := r.emitUsage(ctx, req, stored); err != nil {
		slog.Error("billing: usage record emission failed, sweep will retry",
			"call", req.Spec.CallID, "tenant", req.Spec.TenantID, "err", err)
	}
	return stored, nil
}

// buildRecord prices the call and assembles its CallRecord.
func (r *Reconciler) buildRecord(req FinalizeRequest, durationSeconds float64) types.CallRecord {
	sttRate := lookupRate(r.rates.STTPerMinuteMinor, req.Spec.STT.Provider, r.rates.DefaultSTTPerMinuteMinor)
	ttsRate := lookupRate(r.rates.TTSPerMinuteMinor, req.Spec.TTS.Provider, r.rates.DefaultTTSPerMinuteMinor)
	llmRate := lookupRate(r.rates.LLMPer1KTokensMinor, req.Spec.LLM.Provider, r.rates.DefaultLLMPer1KMinor)

	sttCost := float64(sttRate) * req.Usage.STTSeconds / 60
	ttsCost := float64(ttsRate) * req.Usage.TTSSeconds / 60
	llmCost := float64(llmRate) * float64(req.Usage.PromptTokens+req.Usage.CompletionTokens) / 1000

	status := "completed"
	if req.Err != "" || req.EndReason == types.EndError || req.EndReason == types.EndTimeout {
		status = "failed"
	}

	return types.CallRecord{
		TenantID:        req.Spec.TenantID,
		CallID:          req.Spec.CallID,
		AgentID:         req.Spec.AgentID,
		Direction:       req.Spec.Direction,
		StartedAt:       req.StartedAt,
		EndedAt:         req.EndedAt,
		DurationSeconds: durationSeconds,
		BilledMinutes:   BilledMinutes(durationSeconds),
		STTProvider:     req.Spec.STT.Provider,
		LLMProvider:     req.Spec.LLM.Provider,
		TTSProvider:     req.Spec.TTS.Provider,
		STTCostMinor:    int64(math.Round(sttCost)),
		LLMCostMinor:    int64(math.Round(llmCost)),
		TTSCostMinor:    int64(math.Round(ttsCost)),
		Error:           req.Err,
		EndReason:       req.EndReason,
		Status:          status,
	}
}

// emitUsage writes one ledger entry per priced category, plus a duration
// entry at the telephony rate. Categories with zero measured quantity are
// skipped, except duration, which is always recorded so reaped calls still
// appear in the ledger.
func (r *Reconciler) emitUsage(ctx context.Context, req FinalizeRequest, rec types.CallRecord) error {
	periodStart, periodEnd, err := r.periods.BillingPeriod(ctx, req.Spec.TenantID)
	if err != nil {
		return fmt.Errorf("resolve billing period: %w", err)
	}

	meta := map[string]string{
		"stt": req.Spec.STT.Provider,
		"llm": req.Spec.LLM.Provider,
		"tts": req.Spec.TTS.Provider,
	}
	base := types.UsageRecord{
		TenantID:         req.Spec.TenantID,
		CallID:           req.Spec.CallID,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		ProviderMetadata: meta,
	}

	var records []types.UsageRecord
	add := func(usageType string, quantity float64, unitCost int64, total int64) {
		u := base
		u.UsageType = usageType
		u.Quantity = quantity
		u.UnitCostMinor = unitCost
		u.TotalCostMinor = total
		records = append(records, u)
	}

	add("duration", float64(rec.BilledMinutes), r.rates.TelephonyPerMinuteMinor,
		rec.BilledMinutes*r.rates.TelephonyPerMinuteMinor)

	if req.Usage.STTSeconds > 0 {
		add("stt", req.Usage.STTSeconds/60,
			lookupRate(r.rates.STTPerMinuteMinor, req.Spec.STT.Provider, r.rates.DefaultSTTPerMinuteMinor),
			rec.STTCostMinor)
	}
	if tokens := req.Usage.PromptTokens + req.Usage.CompletionTokens; tokens > 0 {
		add("llm", float64(tokens),
			lookupRate(r.rates.LLMPer1KTokensMinor, req.Spec.LLM.Provider, r.rates.DefaultLLMPer1KMinor),
			rec.LLMCostMinor)
	}
	if req.Usage.TTSSeconds > 0 {
		add("tts", req.Usage.TTSSeconds/60,
			lookupRate(r.rates.TTSPerMinuteMinor, req.Spec.TTS.Provider, r.rates.DefaultTTSPerMinuteMinor),
			rec.TTSCostMinor)
	}

	if err := r.store.WriteUsageRecords(ctx, records); err != nil {
		return err
	}
	for _, u := range records {
		r.metrics.RecordUsageRecord(ctx, u.UsageType)
	}
	return nil
}

// TotalCostMinor sums a finalized record's category costs plus the telephony
// charge, rounded per category as stored.
func (r *Reconciler) TotalCostMinor(rec types.CallRecord) int64 {
	return rec.STTCostMinor + rec.LLMCostMinor + rec.TTSCostMinor +
		rec.BilledMinutes*r.rates.TelephonyPerMinuteMinor
}
