// Package orchestrator implements the per-session streaming pipeline: a
// turn-based state machine that sequences VAD → STT → LLM → TTS, handles
// barge-in, and accounts every turn's latency and usage.
//
// One [Pipeline] exists per live session. Its Run goroutine is the single
// owner of all session-mutable state — conversation history, status, metrics
// — and selects over the inbound audio queue, the STT result channels, the
// per-turn generation goroutine, timers, and control events. Provider I/O is
// the only place the pipeline suspends; VAD, segmentation, and state
// transitions run to completion inline.
//
// Cancellation discipline follows the hard-won rules of real-time voice
// pipelines: every provider stream hangs off a per-turn context, barge-in
// cancels that context outside any lock, and a generation counter keeps a
// stale turn report from cancelling the turn that replaced it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/internal/session"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/types"
)

// State is the pipeline's position in the turn loop.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSpeaking
	StateEnding
	StateEnded
	StateError
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Queue depths: audio frames 32, PCM out 64 (owned by the gateway
// writer), token queue sized by the provider channel's own buffer.
const (
	audioQueueDepth = 32
	textQueueDepth  = 16
	maxToolRounds   = 4
)

// Provider I/O deadlines.
const (
	sttOpenTimeout     = 3 * time.Second
	sttFinalTimeout    = 2 * time.Second
	llmFirstTokenLimit = 8 * time.Second
	ttsFirstByteLimit  = 4 * time.Second
)

// Usage aggregates the billable quantities measured across the session.
type Usage struct {
	STTSeconds       float64
	TTSSeconds       float64
	PromptTokens     int
	CompletionTokens int
}

// Result is what Run hands the supervising goroutine for finalization.
type Result struct {
	EndReason types.EndReason
	ErrMsg    string
	Usage     Usage
}

// Config wires a Pipeline. Session, the provider set, Voice, and Emitter are
// required; Sessions and Metrics may be nil (persistence skipped, default
// metrics used).
type Config struct {
	Session *types.Session

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	Voice   types.VoiceProfile
	Emitter Emitter

	Sessions *session.Manager
	Metrics  *observe.Metrics

	// InputSampleRate is the caller-audio rate. Default 16000.
	InputSampleRate int

	// TTSNativeFormat is the PCM format the TTS adapter actually emits. When
	// it differs from the advertised Voice.SampleRateHz (or is stereo) the
	// audio forwarder normalizes it onto the wire contract. Zero values
	// default to the advertised mono format.
	TTSNativeFormat audio.Format
}

// controlKind enumerates external control requests.
type controlKind int

const (
	ctrlEndSession controlKind = iota
)

// Pipeline is one session's orchestrator. Construct with New, drive with
// PushAudio/End from the gateway, and run exactly one Run goroutine.
type Pipeline struct {
	cfg  Config
	spec types.SessionSpec
	sess *types.Session

	emitter Emitter
	metrics *observe.Metrics

	profile        vadProfile
	silenceTimeout time.Duration
	maxDuration    time.Duration
	endCall        *endCallMatcher

	sttCB *resilience.CircuitBreaker
	llmCB *resilience.CircuitBreaker
	ttsCB *resilience.CircuitBreaker

	audioIn chan []byte
	control chan controlKind

	// audioDropped counts inbound frames discarded because the audio queue
	// was saturated; the turn in flight records them as errors.
	audioDropped atomic.Int64

	// speaking is set by the generation goroutine's audio forwarder on the
	// first emitted byte and cleared when the turn ends. The Run loop reads
	// it to gate barge-in.
	speaking atomic.Bool

	// toolMu guards the tool surface shared with the MCP bridge.
	toolMu      sync.Mutex
	tools       []types.ToolDefinition
	toolHandler func(name, args string) (string, error)

	// Everything below is owned by the Run goroutine.
	state       State
	vadSession  vad.SessionHandle
	sttHandle   stt.SessionHandle
	sttCancel   context.CancelFunc
	sttPartials <-chan types.Transcript
	sttFinals   <-chan types.Transcript

	silenceTimer *time.Timer
	finalTimer   *time.Timer

	genCancel context.CancelFunc
	genDone   chan genResult
	genSeq    int

	turnStart    time.Time
	speechStart  time.Time
	speechEnd    time.Time
	sttFirstSeen time.Time

	usage       Usage
	endingAfter bool // end-call phrase matched: finish this turn, then end
}

// genResult is the generation goroutine's terminal report.
type genResult struct {
	gen          int             // generation sequence, detects stale reports
	text         string          // spoken assistant text (post-truncation)
	toolMsgs     []types.Message // tool-call transcript appended to history
	tokens       int
	toolCalls    int
	promptTokens int

	submitted  time.Time // first LLM request of the turn
	firstToken time.Time
	firstAudio time.Time
	ttsSeconds float64

	cancelled bool
	truncated bool // TTS failed mid-utterance; text ends at last sent boundary
	err       error
}

// New validates cfg and builds a Pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Session == nil {
		return nil, errors.New("orchestrator: session is required")
	}
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil || cfg.VAD == nil {
		return nil, errors.New("orchestrator: all four providers are required")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("orchestrator: emitter is required")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.TTSNativeFormat.Channels <= 0 {
		cfg.TTSNativeFormat.Channels = 1
	}

	spec := cfg.Session.Spec
	p := &Pipeline{
		cfg:            cfg,
		spec:           spec,
		sess:           cfg.Session,
		emitter:        cfg.Emitter,
		metrics:        cfg.Metrics,
		profile:        resolveVADProfile(spec.InterruptionSensitivity),
		silenceTimeout: clampSilenceTimeout(spec.SilenceTimeoutMs),
		maxDuration:    time.Duration(spec.MaxCallDurationSeconds) * time.Second,
		endCall:        newEndCallMatcher(spec.EndCallPhrases),
		sttCB:          resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "stt/" + spec.STT.Provider}),
		llmCB:          resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm/" + spec.LLM.Provider}),
		ttsCB:          resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tts/" + spec.TTS.Provider}),
		audioIn:        make(chan []byte, audioQueueDepth),
		control:        make(chan controlKind, 4),
		genDone:        make(chan genResult, 1),
		state:          StateIdle,
	}
	if p.maxDuration <= 0 {
		return nil, errors.New("orchestrator: maxCallDurationSeconds must be positive")
	}
	return p, nil
}

// OutputSampleRate is the PCM rate of outbound audio, advertised to the
// client in session_started.
func (p *Pipeline) OutputSampleRate() int {
	if p.cfg.Voice.SampleRateHz > 0 {
		return p.cfg.Voice.SampleRateHz
	}
	return 16000
}

// ttsNativeFormat is the format synthesized chunks arrive in before
// normalization.
func (p *Pipeline) ttsNativeFormat() audio.Format {
	f := p.cfg.TTSNativeFormat
	if f.SampleRate <= 0 {
		f.SampleRate = p.OutputSampleRate()
	}
	return f
}

// PushAudio hands an inbound PCM frame to the pipeline. It never blocks:
// when the audio queue is saturated the frame is dropped and counted against
// the turn in flight.
func (p *Pipeline) PushAudio(chunk []byte) error {
	if err := audio.ValidateClientFrame(chunk); err != nil {
		return err
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case p.audioIn <- cp:
	default:
		p.audioDropped.Add(1)
	}
	return nil
}

// End requests graceful termination. Safe to call multiple times.
func (p *Pipeline) End() {
	select {
	case p.control <- ctrlEndSession:
	default:
	}
}

// SetTools implements the MCP bridge's ToolSession surface.
func (p *Pipeline) SetTools(tools []types.ToolDefinition) error {
	p.toolMu.Lock()
	defer p.toolMu.Unlock()
	if len(tools) == 0 {
		p.tools = nil
		return nil
	}
	cp := make([]types.ToolDefinition, len(tools))
	copy(cp, tools)
	p.tools = cp
	return nil
}

// OnToolCall implements the MCP bridge's ToolSession surface.
func (p *Pipeline) OnToolCall(handler func(name, args string) (string, error)) {
	p.toolMu.Lock()
	defer p.toolMu.Unlock()
	p.toolHandler = handler
}

func (p *Pipeline) toolSnapshot() ([]types.ToolDefinition, func(name, args string) (string, error)) {
	p.toolMu.Lock()
	defer p.toolMu.Unlock()
	return p.tools, p.toolHandler
}

// Run drives the session to a terminal state and reports how it ended. It is
// the sole mutator of the session's live fields. A panic in the turn loop is
// contained: the session terminates with Error, other sessions are unaffected.
func (p *Pipeline) Run(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator: session panicked",
				"session", p.sess.ID, "panic", r, "stack", string(debug.Stack()))
			p.emitError(ctx, "INTERNAL", "internal error")
			res = Result{EndReason: types.EndError, ErrMsg: fmt.Sprintf("panic: %v", r), Usage: p.usage}
		}
		p.cleanup()
		p.finishSession(res.EndReason)
		ev := Event{Type: EventSessionEnded, Session: &p.sess.Metrics}
		if emitErr := p.emitter.EmitControl(context.WithoutCancel(ctx), ev); emitErr != nil {
			slog.Debug("orchestrator: session_ended emit failed", "session", p.sess.ID, "err", emitErr)
		}
	}()

	vadSession, err := p.cfg.VAD.NewSession(p.profile.vadConfig(p.cfg.InputSampleRate))
	if err != nil {
		p.state = StateError
		return Result{EndReason: types.EndError, ErrMsg: "vad init: " + err.Error(), Usage: p.usage}, nil
	}
	p.vadSession = vadSession
	applyMinConfirmed(vadSession, p.profile.MinConfirmed)

	p.sess.Status = types.StatusActive
	p.persist(ctx)
	p.state = StateListening

	if p.spec.FirstMessage != "" {
		p.speakFirstMessage(ctx)
	}

	maxDur := time.NewTimer(p.maxDuration)
	defer maxDur.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.terminate(ctx, types.EndCallerHangup, ""), nil

		case <-maxDur.C:
			if p.genCancel != nil {
				// Preempt the in-flight turn; its genResult drains in cleanup.
				p.cancelGeneration()
			}
			return p.terminate(ctx, types.EndMaxDuration, ""), nil

		case <-p.control:
			if p.genCancel != nil {
				p.cancelGeneration()
			}
			return p.terminate(ctx, types.EndNormal, ""), nil

		case chunk := <-p.audioIn:
			if fatal := p.handleAudio(ctx, chunk); fatal != nil {
				return p.terminate(ctx, types.EndError, fatal.Error()), nil
			}

		case tr, ok := <-p.sttPartials:
			if !ok {
				p.sttPartials = nil
				continue
			}
			p.handlePartial(ctx, tr)

		case tr, ok := <-p.sttFinals:
			if !ok {
				p.sttFinals = nil
				continue
			}
			if fatal := p.handleFinal(ctx, tr); fatal != nil {
				return p.terminate(ctx, types.EndError, fatal.Error()), nil
			}

		case <-p.silenceC():
			p.handleSilenceTimeout()

		case <-p.finalC():
			// STT never produced a final within its deadline: turn-level error.
			p.emitError(ctx, "PROVIDER_TRANSIENT", "stt final timed out")
			p.sess.Metrics.ErrorCount++
			p.closeSTT()
			p.state = StateListening

		case msg := <-p.genDone:
			done, fatal := p.handleGenDone(ctx, msg)
			if fatal != nil {
				return p.terminate(ctx, types.EndError, fatal.Error()), nil
			}
			if done {
				return p.terminate(ctx, types.EndNormal, ""), nil
			}
		}
	}
}

// silenceC returns the silence timer's channel, or nil when inactive.
func (p *Pipeline) silenceC() <-chan time.Time {
	if p.silenceTimer == nil {
		return nil
	}
	return p.silenceTimer.C
}

// finalC returns the STT final-deadline channel, or nil when inactive.
func (p *Pipeline) finalC() <-chan time.Time {
	if p.finalTimer == nil {
		return nil
	}
	return p.finalTimer.C
}

// handleAudio runs one inbound frame through VAD, drives the state machine,
// and forwards speech to the open STT stream. A non-nil return terminates
// the session.
func (p *Pipeline) handleAudio(ctx context.Context, chunk []byte) error {
	ev, err := p.vadSession.ProcessFrame(chunk)
	if err != nil {
		slog.Warn("orchestrator: vad frame failed", "session", p.sess.ID, "err", err)
		return nil
	}

	// The audio forwarder flips the speaking flag from its own goroutine;
	// fold it into the state machine at the frame boundary.
	if p.state == StateGenerating && p.speaking.Load() {
		p.state = StateSpeaking
	}

	switch ev.Type {
	case types.VADSpeechStart:
		switch {
		case p.state == StateListening:
			if err := p.startUserTurn(ctx); err != nil {
				return err
			}
		case p.state == StateTranscribing:
			// Speech resumed during the hold: the chunk wins the race and the
			// pending silence timeout is cancelled.
			p.stopSilenceTimer()
		case p.state == StateSpeaking && p.profile.BargeInEnabled:
			p.bargeIn(ctx)
		}

	case types.VADSpeechContinue:
		if p.state == StateTranscribing {
			p.stopSilenceTimer()
		}

	case types.VADSpeechEnd:
		if p.state == StateTranscribing && p.silenceTimer == nil {
			hold := p.silenceTimeout
			if hold < speechEndHold {
				hold = speechEndHold
			}
			p.speechEnd = time.Now()
			p.silenceTimer = time.NewTimer(hold)
		}
	}

	if p.state == StateTranscribing && p.sttHandle != nil {
		if err := p.sttHandle.SendAudio(chunk); err != nil {
			slog.Warn("orchestrator: stt send failed", "session", p.sess.ID, "err", err)
		} else {
			p.usage.STTSeconds += frameSeconds(len(chunk), p.cfg.InputSampleRate)
		}
	}
	return nil
}

// startUserTurn opens the STT stream and moves to Transcribing. Transient
// open failures surface as a turn error and the pipeline keeps listening;
// fatal ones terminate the session.
func (p *Pipeline) startUserTurn(ctx context.Context) error {
	p.turnStart = time.Now()
	p.speechStart = p.turnStart
	p.sttFirstSeen = time.Time{}
	p.audioDropped.Store(0)

	// The stream context outlives this call: provider read/write loops hang
	// off it, so it is cancelled in closeSTT, not here. The open deadline is
	// enforced per attempt without expiring the established stream.
	streamCtx, streamCancel := context.WithCancel(ctx)

	var handle stt.SessionHandle
	err := withRetry(ctx, p.sttCB, func() error {
		type openResult struct {
			h   stt.SessionHandle
			err error
		}
		resCh := make(chan openResult, 1)
		go func() {
			h, err := p.cfg.STT.StartStream(streamCtx, stt.StreamConfig{
				SampleRate: p.cfg.InputSampleRate,
				Channels:   1,
				Language:   p.spec.Language,
			})
			resCh <- openResult{h: h, err: err}
		}()
		select {
		case r := <-resCh:
			handle = r.h
			return r.err
		case <-time.After(sttOpenTimeout):
			return fmt.Errorf("stt open timed out after %s", sttOpenTimeout)
		}
	})
	if err != nil {
		streamCancel()
		p.metrics.RecordProviderError(ctx, p.spec.STT.Provider, "stt")
		if errors.Is(err, ErrProviderFatal) {
			return fmt.Errorf("stt open: %w", err)
		}
		p.emitError(ctx, "PROVIDER_TRANSIENT", "stt unavailable")
		p.sess.Metrics.ErrorCount++
		return nil
	}

	p.sttHandle = handle
	p.sttCancel = streamCancel
	p.sttPartials = handle.Partials()
	p.sttFinals = handle.Finals()
	p.state = StateTranscribing
	return nil
}

// handlePartial relays an interim transcript.
func (p *Pipeline) handlePartial(ctx context.Context, tr types.Transcript) {
	if p.state != StateTranscribing {
		return
	}
	if p.sttFirstSeen.IsZero() {
		p.sttFirstSeen = time.Now()
	}
	p.emit(ctx, Event{Type: EventSTTPartial, Text: tr.Text})
}

// handleSilenceTimeout signals end-of-utterance and arms the final deadline.
func (p *Pipeline) handleSilenceTimeout() {
	p.silenceTimer = nil
	if p.state != StateTranscribing || p.sttHandle == nil {
		return
	}
	if err := p.sttHandle.EndOfUtterance(); err != nil && !errors.Is(err, stt.ErrNotSupported) {
		slog.Warn("orchestrator: end-of-utterance failed", "session", p.sess.ID, "err", err)
	}
	p.finalTimer = time.NewTimer(sttFinalTimeout)
}

// handleFinal commits the user turn and launches generation. A non-nil
// return terminates the session.
func (p *Pipeline) handleFinal(ctx context.Context, tr types.Transcript) error {
	if p.state != StateTranscribing {
		return nil
	}
	if p.sttFirstSeen.IsZero() {
		p.sttFirstSeen = time.Now()
	}
	p.stopFinalTimer()
	p.stopSilenceTimer()
	p.closeSTT()

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		p.state = StateListening
		return nil
	}

	sttLatency := p.sttFirstSeen.Sub(p.speechStart)
	p.sess.Metrics.STTLatencies = append(p.sess.Metrics.STTLatencies, sttLatency)
	p.metrics.STTDuration.Record(ctx, sttLatency.Seconds())

	p.emit(ctx, Event{Type: EventSTTFinal, Text: text})
	p.appendHistory("user", text)

	if p.endCall.Match(text) {
		p.endingAfter = true
	}

	return p.startGeneration(ctx)
}

// startGeneration snapshots the conversation and spawns the turn's
// generation goroutine.
func (p *Pipeline) startGeneration(ctx context.Context) error {
	msgs := p.buildMessages()
	tools, handler := p.toolSnapshot()

	genCtx, cancel := context.WithCancel(ctx)
	p.genCancel = cancel
	p.genSeq++
	p.state = StateGenerating

	go p.runGeneration(genCtx, p.genSeq, msgs, tools, handler)
	return nil
}

// bargeIn preempts the current assistant turn: cancel both provider streams,
// flush queued playback, tell the client, and fall straight into a new user
// turn with the caller's audio already accumulating.
func (p *Pipeline) bargeIn(ctx context.Context) {
	p.cancelGeneration() // outside any lock
	p.emitter.DropQueuedAudio()
	p.emit(ctx, Event{Type: EventBargeIn})
	p.metrics.RecordBargeIn(ctx, p.spec.TenantID)
	if err := p.startUserTurn(ctx); err != nil {
		slog.Warn("orchestrator: post-barge-in stt open failed", "session", p.sess.ID, "err", err)
	}
}

// cancelGeneration cancels the in-flight turn, if any.
func (p *Pipeline) cancelGeneration() {
	if p.genCancel != nil {
		p.genCancel()
		p.genCancel = nil
	}
	p.speaking.Store(false)
}

// handleGenDone folds the turn's outcome back into the session. done=true
// means the session should end at this natural turn boundary.
func (p *Pipeline) handleGenDone(ctx context.Context, msg genResult) (done bool, fatal error) {
	if msg.gen == p.genSeq {
		// Generation already finished; cancelling now just releases the turn
		// context's resources.
		p.cancelGeneration()
	}

	p.usage.TTSSeconds += msg.ttsSeconds
	p.usage.PromptTokens += msg.promptTokens
	p.usage.CompletionTokens += msg.tokens

	if msg.cancelled {
		// Barge-in (or teardown) preempted the turn: record the partial
		// assistant text, never emit turn_complete.
		if msg.text != "" {
			p.appendHistory("assistant", msg.text+" [interrupted]")
		}
		p.persist(ctx)
		return false, nil
	}

	if msg.err != nil && !msg.truncated {
		p.sess.Metrics.ErrorCount++
		p.metrics.RecordProviderError(ctx, p.spec.LLM.Provider, "llm")
		if errors.Is(msg.err, ErrProviderFatal) {
			return false, fmt.Errorf("generation: %w", msg.err)
		}
		p.emitError(ctx, "PROVIDER_TRANSIENT", "assistant turn failed")
		p.state = StateListening
		p.persist(ctx)
		return p.endingAfter, nil
	}

	for _, m := range msg.toolMsgs {
		p.sess.History = append(p.sess.History, types.HistoryEntry{
			Role: m.Role, Content: m.Content, Timestamp: time.Now(),
		})
	}
	if msg.text != "" {
		p.appendHistory("assistant", msg.text)
	}
	if msg.truncated {
		p.sess.Metrics.ErrorCount++
		p.metrics.RecordProviderError(ctx, p.spec.TTS.Provider, "tts")
		p.emitError(ctx, "PROVIDER_TRANSIENT", "synthesis ended early")
	}

	turn := p.finishTurnMetrics(ctx, msg)
	p.emit(ctx, Event{Type: EventTurnComplete, Turn: &turn})
	p.state = StateListening
	p.persist(ctx)

	return p.endingAfter, nil
}

// finishTurnMetrics closes out the turn's latency accounting.
func (p *Pipeline) finishTurnMetrics(ctx context.Context, msg genResult) TurnMetrics {
	now := time.Now()
	turn := TurnMetrics{
		TurnDuration: now.Sub(p.turnStart),
		Tokens:       msg.tokens,
		ToolCalls:    msg.toolCalls,
	}
	if len(p.sess.Metrics.STTLatencies) > 0 {
		turn.STTLatency = p.sess.Metrics.STTLatencies[len(p.sess.Metrics.STTLatencies)-1]
	}
	if !msg.firstToken.IsZero() && !msg.submitted.IsZero() {
		turn.LLMFirstToken = msg.firstToken.Sub(msg.submitted)
	}
	if !msg.firstAudio.IsZero() && !msg.firstToken.IsZero() {
		turn.TTSFirstByte = msg.firstAudio.Sub(msg.firstToken)
	}

	m := &p.sess.Metrics
	m.TurnCount++
	m.TokenCount += msg.tokens
	m.ToolCallCount += msg.toolCalls
	if p.audioDropped.Swap(0) > 0 {
		// Frames lost to a saturated audio queue count against the turn.
		m.ErrorCount++
	}
	m.LLMFirstTokenLat = append(m.LLMFirstTokenLat, turn.LLMFirstToken)
	m.TTSFirstByteLat = append(m.TTSFirstByteLat, turn.TTSFirstByte)
	m.TurnDurations = append(m.TurnDurations, turn.TurnDuration)

	p.metrics.LLMDuration.Record(ctx, turn.LLMFirstToken.Seconds())
	p.metrics.TTSDuration.Record(ctx, turn.TTSFirstByte.Seconds())
	p.metrics.TurnDuration.Record(ctx, turn.TurnDuration.Seconds())
	return turn
}

// buildMessages assembles the LLM request history: system prompt plus the
// most recent turns, head-truncated to bound the context window.
func (p *Pipeline) buildMessages() []types.Message {
	const maxHistoryEntries = 40

	history := p.sess.History
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}

	msgs := make([]types.Message, 0, len(history)+1)
	if p.spec.SystemPrompt != "" {
		msgs = append(msgs, types.Message{Role: "system", Content: p.spec.SystemPrompt})
	}
	for _, h := range history {
		msgs = append(msgs, types.Message{Role: h.Role, Content: h.Content})
	}
	return msgs
}

// runGeneration is the per-turn goroutine: stream the LLM, segment tokens
// into sentences, synthesize each unit, and forward audio in strict order.
// It reports exactly once on p.genDone.
func (p *Pipeline) runGeneration(ctx context.Context, seq int, msgs []types.Message, tools []types.ToolDefinition, toolHandler func(string, string) (string, error)) {
	result := genResult{gen: seq}
	defer func() { p.genDone <- result }()

	if n, err := p.cfg.LLM.CountTokens(msgs); err == nil {
		result.promptTokens = n
	}

	// One TTS stream serves the whole turn; sentences flow in as the model
	// produces them.
	textCh := make(chan string, textQueueDepth)
	var audioCh <-chan []byte
	err := withRetry(ctx, p.ttsCB, func() error {
		ch, err := p.cfg.TTS.SynthesizeStream(ctx, textCh, p.cfg.Voice)
		if err != nil {
			return err
		}
		audioCh = ch
		return nil
	})
	if err != nil {
		close(textCh)
		result.err = err
		result.cancelled = ctx.Err() != nil
		return
	}

	// The first-byte deadline only starts counting once synthesis has input:
	// an idle TTS stream behind a slow (but in-budget) LLM is not a failure.
	firstSent := make(chan struct{})
	audioDone := make(chan audioStats, 1)
	go p.forwardAudio(ctx, audioCh, firstSent, audioDone)

	seg := &segmenter{}
	var spoken strings.Builder // text whose sentences reached TTS
	sentSentences := 0

	pushSentence := func(s string) bool {
		select {
		case textCh <- s:
			if sentSentences == 0 {
				close(firstSent)
			}
			if spoken.Len() > 0 {
				spoken.WriteByte(' ')
			}
			spoken.WriteString(s)
			sentSentences++
			return true
		case <-ctx.Done():
			return false
		}
	}

	round := 0
	for {
		var llmCh <-chan llm.Chunk
		if result.submitted.IsZero() {
			result.submitted = time.Now()
		}
		err := withRetry(ctx, p.llmCB, func() error {
			ch, err := p.cfg.LLM.StreamCompletion(ctx, llm.CompletionRequest{
				Messages:     msgs,
				Tools:        tools,
				Temperature:  llmTemperature(p.spec),
				SystemPrompt: "",
			})
			if err != nil {
				return err
			}
			llmCh = ch
			return nil
		})
		if err != nil {
			close(textCh)
			<-audioDone
			result.err = err
			result.cancelled = ctx.Err() != nil
			return
		}

		toolCalls, streamErr := p.consumeLLMStream(ctx, llmCh, seg, pushSentence, &result)
		// consumeLLMStream can return before the channel closes (error,
		// timeout, or a finish-reason chunk); drain the remainder so the
		// provider's goroutine never blocks on an abandoned stream.
		go audio.Drain(llmCh)
		if streamErr != nil {
			close(textCh)
			stats := <-audioDone
			result.ttsSeconds = stats.seconds
			result.firstAudio = stats.firstByte
			result.text = spoken.String()
			result.err = streamErr
			result.cancelled = ctx.Err() != nil
			return
		}

		if len(toolCalls) == 0 || toolHandler == nil || round >= maxToolRounds {
			break
		}

		// Tool round: synthesis pauses for this segment while the tools run,
		// then generation resumes with the augmented history.
		round++
		result.toolCalls += len(toolCalls)
		msgs = append(msgs, types.Message{Role: "assistant", ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			content, err := toolHandler(tc.Name, tc.Arguments)
			if err != nil {
				content = "tool error: " + err.Error()
			}
			toolMsg := types.Message{Role: "tool", Content: content, ToolCallID: tc.ID}
			msgs = append(msgs, toolMsg)
			result.toolMsgs = append(result.toolMsgs, toolMsg)
		}
	}

	// Flush the trailing partial sentence, close TTS input, wait for audio.
	if rest := seg.Flush(); rest != "" {
		pushSentence(rest)
	}
	close(textCh)
	stats := <-audioDone

	result.ttsSeconds = stats.seconds
	result.firstAudio = stats.firstByte
	result.text = spoken.String()
	result.cancelled = ctx.Err() != nil

	if stats.err != nil && !result.cancelled {
		// TTS died mid-utterance: the assistant message ends at the last
		// fully synthesized sentence. The unit in flight when synthesis died
		// is presumed unspoken.
		result.truncated = true
		result.text = truncateToSentences(spoken.String(), sentSentences-1)
	}
}

// consumeLLMStream drains one completion stream, emitting tokens and feeding
// the segmenter. It returns accumulated tool calls, or an error for a dead
// or timed-out stream.
func (p *Pipeline) consumeLLMStream(ctx context.Context, llmCh <-chan llm.Chunk, seg *segmenter, pushSentence func(string) bool, result *genResult) ([]types.ToolCall, error) {
	var toolCalls []types.ToolCall

	firstTokenTimer := time.NewTimer(llmFirstTokenLimit)
	defer firstTokenTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-firstTokenTimer.C:
			if result.firstToken.IsZero() {
				return nil, fmt.Errorf("%w: llm first token timed out", ErrProviderTransient)
			}

		case chunk, ok := <-llmCh:
			if !ok {
				return toolCalls, nil
			}
			if chunk.FinishReason == "error" {
				return nil, fmt.Errorf("%w: llm stream error", ErrProviderTransient)
			}
			if chunk.Text != "" {
				if result.firstToken.IsZero() {
					result.firstToken = time.Now()
				}
				result.tokens++
				p.emit(ctx, Event{Type: EventLLMToken, Text: chunk.Text})
				for _, s := range seg.Push(chunk.Text) {
					if !pushSentence(s) {
						return nil, ctx.Err()
					}
				}
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				return toolCalls, nil
			}
		}
	}
}

// audioStats summarizes the audio forwarder's run.
type audioStats struct {
	seconds   float64
	firstByte time.Time
	err       error
}

// forwardAudio relays synthesized PCM to the wire in strict order: WAV
// framing is stripped, the chunk is normalized from the adapter's native
// format onto the advertised mono wire format, and the speaking flag flips
// on the first byte. A saturated outbound queue drops audio with a single
// AudioDropped error per turn. The first-byte deadline arms when firstSent
// closes (the first sentence reached the synthesizer) and fails the turn on
// expiry.
func (p *Pipeline) forwardAudio(ctx context.Context, audioCh <-chan []byte, firstSent <-chan struct{}, done chan<- audioStats) {
	var stats audioStats
	droppedNotified := false
	outRate := p.OutputSampleRate()
	native := p.ttsNativeFormat()
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: outRate, Channels: 1}}

	firstByteTimer := time.NewTimer(time.Hour)
	firstByteTimer.Stop()
	defer firstByteTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			stats.err = ctx.Err()
			done <- stats
			return

		case <-firstSent:
			firstSent = nil
			firstByteTimer.Reset(ttsFirstByteLimit)

		case <-firstByteTimer.C:
			if stats.firstByte.IsZero() {
				stats.err = fmt.Errorf("%w: tts first byte timed out", ErrProviderTransient)
				done <- stats
				return
			}

		case raw, ok := <-audioCh:
			if !ok {
				done <- stats
				return
			}
			frame := conv.Convert(audio.AudioFrame{
				Data:       audio.StripWAVHeader(raw),
				SampleRate: native.SampleRate,
				Channels:   native.Channels,
			})
			pcm := frame.Data
			if len(pcm) == 0 {
				continue
			}
			if stats.firstByte.IsZero() {
				stats.firstByte = time.Now()
				p.speaking.Store(true)
			}
			if !p.emitter.EmitAudio(pcm) {
				if !droppedNotified {
					droppedNotified = true
					p.emitError(ctx, "audio_dropped", "outbound audio congested")
				}
				continue
			}
			stats.seconds += frameSeconds(len(pcm), outRate)
		}
	}
}

// speakFirstMessage synthesizes the configured opening line before the first
// caller turn. It is not a conversational turn: no turn_complete is emitted.
func (p *Pipeline) speakFirstMessage(ctx context.Context) {
	textCh := make(chan string, 1)
	textCh <- p.spec.FirstMessage
	close(textCh)

	var audioCh <-chan []byte
	err := withRetry(ctx, p.ttsCB, func() error {
		ch, err := p.cfg.TTS.SynthesizeStream(ctx, textCh, p.cfg.Voice)
		if err != nil {
			return err
		}
		audioCh = ch
		return nil
	})
	if err != nil {
		slog.Warn("orchestrator: first message synthesis failed", "session", p.sess.ID, "err", err)
		return
	}

	armed := make(chan struct{})
	close(armed)
	done := make(chan audioStats, 1)
	go p.forwardAudio(ctx, audioCh, armed, done)
	stats := <-done
	p.speaking.Store(false)
	p.usage.TTSSeconds += stats.seconds
	p.appendHistory("assistant", p.spec.FirstMessage)
}

// terminate performs the Ending transition and assembles the Result. The
// deferred cleanup in Run releases the streams.
func (p *Pipeline) terminate(ctx context.Context, reason types.EndReason, errMsg string) Result {
	p.state = StateEnding
	if errMsg != "" {
		p.emitError(ctx, "PROVIDER_FATAL", errMsg)
	}
	return Result{EndReason: reason, ErrMsg: errMsg, Usage: p.usage}
}

// finishSession stamps the session's terminal fields. The supervisor persists
// them through the manager's End, which owns store serialization.
func (p *Pipeline) finishSession(reason types.EndReason) {
	if reason == types.EndError {
		p.sess.Status = types.StatusError
		p.state = StateError
	} else {
		p.sess.Status = types.StatusEnding
		p.state = StateEnded
	}
	p.sess.Metrics.TotalDuration = time.Since(p.sess.StartedAt)
}

// cleanup releases every held resource. Called on every exit path of Run.
func (p *Pipeline) cleanup() {
	p.cancelGeneration()
	p.closeSTT()
	p.stopSilenceTimer()
	p.stopFinalTimer()
	if p.vadSession != nil {
		if err := p.vadSession.Close(); err != nil {
			slog.Debug("orchestrator: vad close failed", "session", p.sess.ID, "err", err)
		}
		p.vadSession = nil
	}
}

func (p *Pipeline) closeSTT() {
	if p.sttHandle != nil {
		if err := p.sttHandle.Close(); err != nil {
			slog.Debug("orchestrator: stt close failed", "session", p.sess.ID, "err", err)
		}
		p.sttHandle = nil
	}
	if p.sttCancel != nil {
		p.sttCancel()
		p.sttCancel = nil
	}
	p.sttPartials = nil
	p.sttFinals = nil
}

func (p *Pipeline) stopSilenceTimer() {
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
		p.silenceTimer = nil
	}
}

func (p *Pipeline) stopFinalTimer() {
	if p.finalTimer != nil {
		p.finalTimer.Stop()
		p.finalTimer = nil
	}
}

// appendHistory appends one conversation entry. History is append-only and
// serialized through the Run goroutine.
func (p *Pipeline) appendHistory(role, content string) {
	p.sess.History = append(p.sess.History, types.HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// persist pushes the session snapshot to the manager, best effort.
func (p *Pipeline) persist(ctx context.Context) {
	if p.cfg.Sessions == nil {
		return
	}
	if err := p.cfg.Sessions.Update(ctx, p.sess); err != nil {
		slog.Warn("orchestrator: session persist failed", "session", p.sess.ID, "err", err)
	}
}

// emit sends a control event, logging (not failing) on a dead connection.
func (p *Pipeline) emit(ctx context.Context, ev Event) {
	if err := p.emitter.EmitControl(ctx, ev); err != nil {
		slog.Debug("orchestrator: emit failed", "session", p.sess.ID, "event", ev.Type.String(), "err", err)
	}
}

// emitError sends a wire error event.
func (p *Pipeline) emitError(ctx context.Context, code, msg string) {
	p.emit(ctx, Event{Type: EventError, Code: code, Text: msg})
}

// frameSeconds converts a mono 16-bit PCM byte count to seconds at rate.
func frameSeconds(byteLen, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(byteLen/2) / float64(rate)
}

// llmTemperature pulls the temperature override out of the provider options.
func llmTemperature(spec types.SessionSpec) float64 {
	if v, ok := spec.LLM.Options["temperature"]; ok {
		switch t := v.(type) {
		case float64:
			return t
		case int:
			return float64(t)
		}
	}
	return 0.7
}

// truncateToSentences returns the first n sentence units of text, used when
// TTS dies mid-utterance and the transcript must end at the last boundary
// actually spoken.
func truncateToSentences(text string, n int) string {
	if n <= 0 {
		return ""
	}
	rest := text
	var parts []string
	for i := 0; i < n && rest != ""; i++ {
		idx := firstSentenceBoundary(rest)
		if idx < 0 {
			parts = append(parts, strings.TrimSpace(rest))
			break
		}
		parts = append(parts, strings.TrimSpace(rest[:idx]))
		rest = strings.TrimLeft(rest[idx:], " \t\n\r")
	}
	return strings.Join(parts, " ")
}
