package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/types"
)

// ─── Test doubles ─────────────────────────────────────────────────────────────

// scriptVAD is a vad.Engine whose sessions replay a scripted event sequence,
// one event per frame, then report silence forever.
type scriptVAD struct {
	mu     sync.Mutex
	script []types.VADEventType
}

func (s *scriptVAD) NewSession(vad.Config) (vad.SessionHandle, error) { return s, nil }

func (s *scriptVAD) ProcessFrame([]byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return types.VADEvent{Type: types.VADSilence}, nil
	}
	ev := s.script[0]
	s.script = s.script[1:]
	return types.VADEvent{Type: ev, Probability: 0.9}, nil
}

func (s *scriptVAD) Reset()       {}
func (s *scriptVAD) Close() error { return nil }

// ctlLLM is an llm.Provider whose stream channel the test feeds directly.
type ctlLLM struct {
	mu sync.Mutex
	ch chan llm.Chunk
}

func newCtlLLM() *ctlLLM { return &ctlLLM{ch: make(chan llm.Chunk, 16)} }

func (p *ctlLLM) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(chan llm.Chunk, 16)
	in := p.ch
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *ctlLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
func (p *ctlLLM) CountTokens([]types.Message) (int, error) { return 42, nil }
func (p *ctlLLM) Capabilities() types.ModelCapabilities    { return types.ModelCapabilities{} }

// ctlTTS synthesizes one fixed PCM chunk per received sentence and closes
// the audio channel when the text channel closes.
type ctlTTS struct {
	chunk []byte
}

func (p *ctlTTS) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-text:
				if !ok {
					return
				}
				select {
				case out <- p.chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *ctlTTS) ListVoices(context.Context) ([]types.VoiceProfile, error) { return nil, nil }

var _ tts.Provider = (*ctlTTS)(nil)

// recEmitter records emitted events and audio frames.
type recEmitter struct {
	mu         sync.Mutex
	events     []Event
	audioN     int
	audioBytes int
	dropped    int
}

func (e *recEmitter) EmitControl(_ context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recEmitter) EmitAudio(pcm []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioN++
	e.audioBytes += len(pcm)
	return true
}

func (e *recEmitter) bytes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.audioBytes
}

func (e *recEmitter) DropQueuedAudio() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped++
}

func (e *recEmitter) snapshot() ([]Event, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out, e.audioN
}

func (e *recEmitter) count(t EventType) int {
	evs, _ := e.snapshot()
	n := 0
	for _, ev := range evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

type testRig struct {
	pipeline *Pipeline
	sess     *types.Session
	emitter  *recEmitter
	sttSess  *sttmock.Session
	llm      *ctlLLM
	result   chan Result
}

func newTestRig(t *testing.T, mutate func(*types.SessionSpec), vadScript []types.VADEventType) *testRig {
	t.Helper()

	spec := types.SessionSpec{
		TenantID:                "acme",
		CallID:                  "call-1",
		SystemPrompt:            "You are a helpful agent.",
		Language:                "en-IN",
		InterruptionSensitivity: 0.5,
		SilenceTimeoutMs:        250,
		MaxCallDurationSeconds:  600,
		STT:                     types.ProviderSelection{Provider: "deepgram"},
		LLM:                     types.ProviderSelection{Provider: "openai"},
		TTS:                     types.ProviderSelection{Provider: "sarvam"},
	}
	if mutate != nil {
		mutate(&spec)
	}

	sess := &types.Session{
		ID:        "sess-1",
		Spec:      spec,
		Status:    types.StatusInitializing,
		StartedAt: time.Now(),
	}
	sttSess := &sttmock.Session{
		PartialsCh: make(chan types.Transcript, 16),
		FinalsCh:   make(chan types.Transcript, 16),
	}
	emitter := &recEmitter{}
	llmP := newCtlLLM()

	p, err := New(Config{
		Session: sess,
		STT:     &sttmock.Provider{Session: sttSess},
		LLM:     llmP,
		TTS:     &ctlTTS{chunk: make([]byte, 640)},
		VAD:     &scriptVAD{script: vadScript},
		Voice:   types.VoiceProfile{ID: "v1", Provider: spec.TTS.Provider, SampleRateHz: 16000},
		Emitter: emitter,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{pipeline: p, sess: sess, emitter: emitter, sttSess: sttSess, llm: llmP, result: make(chan Result, 1)}
}

func (r *testRig) run(t *testing.T, ctx context.Context) {
	t.Helper()
	go func() {
		res, _ := r.pipeline.Run(ctx)
		r.result <- res
	}()
}

func (r *testRig) frame() []byte { return make([]byte, 640) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (r *testRig) waitResult(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.result:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not terminate")
		return Result{}
	}
}

// ─── Scenario tests ───────────────────────────────────────────────────────────

func TestPipeline_HappySingleTurn(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil, []types.VADEventType{
		types.VADSpeechStart, types.VADSpeechContinue, types.VADSpeechEnd,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	// Speech: start, continue, end.
	for i := 0; i < 3; i++ {
		if err := rig.pipeline.PushAudio(rig.frame()); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "stt stream open", func() bool { return rig.sttSess.SendAudioCallCount() > 0 })

	rig.sttSess.PartialsCh <- types.Transcript{Text: "he"}
	rig.sttSess.PartialsCh <- types.Transcript{Text: "hell"}
	rig.sttSess.FinalsCh <- types.Transcript{Text: "hello", IsFinal: true}

	waitFor(t, "llm stream consumed", func() bool { return rig.emitter.count(EventSTTFinal) == 1 })

	rig.llm.ch <- llm.Chunk{Text: "Hi"}
	rig.llm.ch <- llm.Chunk{Text: "!"}
	rig.llm.ch <- llm.Chunk{FinishReason: "stop"}

	waitFor(t, "turn_complete", func() bool { return rig.emitter.count(EventTurnComplete) == 1 })

	rig.pipeline.End()
	res := rig.waitResult(t)
	if res.EndReason != types.EndNormal {
		t.Errorf("end reason = %q, want normal", res.EndReason)
	}

	events, audioN := rig.emitter.snapshot()
	if audioN == 0 {
		t.Error("expected at least one binary PCM frame")
	}

	// Ordering: partials before the single final, every llm_token after the
	// final and before turn_complete, session_ended last.
	var order []EventType
	for _, ev := range events {
		order = append(order, ev.Type)
	}
	idxFinal := indexOf(order, EventSTTFinal)
	idxComplete := indexOf(order, EventTurnComplete)
	if idxFinal < 0 || idxComplete < 0 || idxFinal > idxComplete {
		t.Fatalf("event order broken: %v", order)
	}
	for i, ty := range order {
		switch ty {
		case EventSTTPartial:
			if i > idxFinal {
				t.Errorf("stt_partial after stt_final at %d: %v", i, order)
			}
		case EventLLMToken:
			if i < idxFinal || i > idxComplete {
				t.Errorf("llm_token outside its turn window at %d: %v", i, order)
			}
		}
	}
	if order[len(order)-1] != EventSessionEnded {
		t.Errorf("last event = %v, want session_ended", order[len(order)-1])
	}

	// Conversation history: user turn then assistant reply, in order.
	if len(rig.sess.History) != 2 {
		t.Fatalf("history length = %d, want 2: %+v", len(rig.sess.History), rig.sess.History)
	}
	if rig.sess.History[0].Role != "user" || rig.sess.History[0].Content != "hello" {
		t.Errorf("history[0] = %+v", rig.sess.History[0])
	}
	if rig.sess.History[1].Role != "assistant" || rig.sess.History[1].Content != "Hi!" {
		t.Errorf("history[1] = %+v", rig.sess.History[1])
	}
	if rig.sess.Metrics.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1", rig.sess.Metrics.TurnCount)
	}
}

func TestPipeline_BargeIn(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(s *types.SessionSpec) {
		s.InterruptionSensitivity = 1
	}, []types.VADEventType{
		types.VADSpeechStart, types.VADSpeechEnd, // user turn 1
		types.VADSpeechStart, // barge-in during Speaking
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	rig.pipeline.PushAudio(rig.frame())
	rig.pipeline.PushAudio(rig.frame())
	waitFor(t, "stt open", func() bool { return rig.sttSess.SendAudioCallCount() > 0 })
	rig.sttSess.FinalsCh <- types.Transcript{Text: "tell me a story", IsFinal: true}
	waitFor(t, "stt final", func() bool { return rig.emitter.count(EventSTTFinal) == 1 })

	// A full sentence starts TTS; the channel stays open so the turn is live.
	rig.llm.ch <- llm.Chunk{Text: "Once upon a time. "}
	waitFor(t, "speaking", func() bool { _, n := rig.emitter.snapshot(); return n > 0 })

	// Caller speech while the agent is speaking.
	rig.pipeline.PushAudio(rig.frame())
	waitFor(t, "barge_in", func() bool { return rig.emitter.count(EventBargeIn) == 1 })
	waitFor(t, "interrupted history", func() bool {
		for _, h := range rig.sess.History {
			if h.Role == "assistant" && strings.HasSuffix(h.Content, "[interrupted]") {
				return true
			}
		}
		return false
	})

	if got := rig.emitter.count(EventTurnComplete); got != 0 {
		t.Errorf("preempted turn emitted %d turn_complete, want 0", got)
	}
	if got := rig.emitter.count(EventBargeIn); got != 1 {
		t.Errorf("barge_in count = %d, want exactly 1", got)
	}

	rig.pipeline.End()
	rig.waitResult(t)
}

func TestPipeline_SensitivityZeroDisablesBargeIn(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(s *types.SessionSpec) {
		s.InterruptionSensitivity = 0
	}, []types.VADEventType{
		types.VADSpeechStart, types.VADSpeechEnd,
		types.VADSpeechStart, // would be a barge-in at sensitivity > 0
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	rig.pipeline.PushAudio(rig.frame())
	rig.pipeline.PushAudio(rig.frame())
	waitFor(t, "stt open", func() bool { return rig.sttSess.SendAudioCallCount() > 0 })
	rig.sttSess.FinalsCh <- types.Transcript{Text: "hello", IsFinal: true}
	waitFor(t, "stt final", func() bool { return rig.emitter.count(EventSTTFinal) == 1 })

	rig.llm.ch <- llm.Chunk{Text: "Listening is a virtue. "}
	waitFor(t, "speaking", func() bool { _, n := rig.emitter.snapshot(); return n > 0 })

	rig.pipeline.PushAudio(rig.frame())
	time.Sleep(50 * time.Millisecond)
	if got := rig.emitter.count(EventBargeIn); got != 0 {
		t.Errorf("sensitivity 0 produced %d barge_in events, want 0", got)
	}

	rig.pipeline.End()
	rig.waitResult(t)
}

func TestPipeline_EmptyLLMStream(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil, []types.VADEventType{
		types.VADSpeechStart, types.VADSpeechEnd,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	rig.pipeline.PushAudio(rig.frame())
	rig.pipeline.PushAudio(rig.frame())
	waitFor(t, "stt open", func() bool { return rig.sttSess.SendAudioCallCount() > 0 })
	rig.sttSess.FinalsCh <- types.Transcript{Text: "anyone there", IsFinal: true}
	waitFor(t, "stt final", func() bool { return rig.emitter.count(EventSTTFinal) == 1 })

	// The model answers with nothing at all.
	rig.llm.ch <- llm.Chunk{FinishReason: "stop"}

	waitFor(t, "turn_complete", func() bool { return rig.emitter.count(EventTurnComplete) == 1 })

	events, _ := rig.emitter.snapshot()
	for _, ev := range events {
		if ev.Type == EventTurnComplete && ev.Turn.Tokens != 0 {
			t.Errorf("empty stream turn reported %d tokens", ev.Turn.Tokens)
		}
	}
	// Only the user message lands in history.
	if len(rig.sess.History) != 1 {
		t.Errorf("history = %+v, want only the user entry", rig.sess.History)
	}

	rig.pipeline.End()
	rig.waitResult(t)
}

func TestPipeline_EndCallPhrase(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(s *types.SessionSpec) {
		s.EndCallPhrases = []string{"goodbye"}
	}, []types.VADEventType{
		types.VADSpeechStart, types.VADSpeechEnd,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	rig.pipeline.PushAudio(rig.frame())
	rig.pipeline.PushAudio(rig.frame())
	waitFor(t, "stt open", func() bool { return rig.sttSess.SendAudioCallCount() > 0 })
	rig.sttSess.FinalsCh <- types.Transcript{Text: "ok, goodbye then", IsFinal: true}
	waitFor(t, "stt final", func() bool { return rig.emitter.count(EventSTTFinal) == 1 })

	// One final assistant response is generated and synthesized…
	rig.llm.ch <- llm.Chunk{Text: "Goodbye! "}
	rig.llm.ch <- llm.Chunk{FinishReason: "stop"}

	// …then the session ends at the natural turn boundary, reason normal.
	res := rig.waitResult(t)
	if res.EndReason != types.EndNormal {
		t.Errorf("end reason = %q, want normal", res.EndReason)
	}
	if got := rig.emitter.count(EventTurnComplete); got != 1 {
		t.Errorf("turn_complete count = %d, want 1", got)
	}
	events, audioN := rig.emitter.snapshot()
	if audioN == 0 {
		t.Error("final assistant response was not synthesized")
	}
	if events[len(events)-1].Type != EventSessionEnded {
		t.Errorf("last event = %v, want session_ended", events[len(events)-1].Type)
	}
}

func TestPipeline_MaxDurationEndsSession(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(s *types.SessionSpec) {
		s.MaxCallDurationSeconds = 1
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	res := rig.waitResult(t)
	if res.EndReason != types.EndMaxDuration {
		t.Errorf("end reason = %q, want max_duration", res.EndReason)
	}
}

func TestPipeline_FirstMessageSpokenBeforeFirstTurn(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, func(s *types.SessionSpec) {
		s.FirstMessage = "Hello, how can I help?"
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rig.run(t, ctx)

	waitFor(t, "first message audio", func() bool { _, n := rig.emitter.snapshot(); return n > 0 })
	waitFor(t, "first message history", func() bool {
		return len(rig.sess.History) == 1 && rig.sess.History[0].Role == "assistant"
	})
	if got := rig.emitter.count(EventTurnComplete); got != 0 {
		t.Errorf("first message is not a turn, got %d turn_complete", got)
	}

	rig.pipeline.End()
	rig.waitResult(t)
}

func TestPipeline_NormalizesProviderAudio(t *testing.T) {
	t.Parallel()
	// The TTS adapter emits 48 kHz mono but the session advertises 16 kHz:
	// the forwarder must resample, so the client receives one third of the
	// provider's bytes.
	spec := types.SessionSpec{
		TenantID:               "acme",
		CallID:                 "call-rs",
		FirstMessage:           "Hello there.",
		MaxCallDurationSeconds: 600,
		SilenceTimeoutMs:       250,
		STT:                    types.ProviderSelection{Provider: "deepgram"},
		LLM:                    types.ProviderSelection{Provider: "openai"},
		TTS:                    types.ProviderSelection{Provider: "elevenlabs"},
	}
	sess := &types.Session{ID: "sess-rs", Spec: spec, StartedAt: time.Now()}
	emitter := &recEmitter{}

	p, err := New(Config{
		Session:         sess,
		STT:             &sttmock.Provider{},
		LLM:             newCtlLLM(),
		TTS:             &ctlTTS{chunk: make([]byte, 960)},
		VAD:             &scriptVAD{},
		Voice:           types.VoiceProfile{ID: "v1", Provider: "elevenlabs", SampleRateHz: 16000},
		Emitter:         emitter,
		TTSNativeFormat: audio.Format{SampleRate: 48000, Channels: 1},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan Result, 1)
	go func() {
		res, _ := p.Run(ctx)
		result <- res
	}()

	waitFor(t, "resampled first-message audio", func() bool { return emitter.bytes() > 0 })
	if got := emitter.bytes(); got != 320 {
		t.Errorf("emitted %d bytes for a 960-byte 48 kHz chunk, want 320 at 16 kHz", got)
	}

	p.End()
	select {
	case <-result:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not terminate")
	}
}

func TestPipeline_RejectsInvalidFrames(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t, nil, nil)
	if err := rig.pipeline.PushAudio([]byte{1}); err == nil {
		t.Error("odd-length frame must be rejected")
	}
	if err := rig.pipeline.PushAudio(make([]byte, 9000)); err == nil {
		t.Error("oversized frame must be rejected")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	if err == nil {
		t.Error("New with no session must fail")
	}
}

func indexOf(order []EventType, t EventType) int {
	for i, v := range order {
		if v == t {
			return i
		}
	}
	return -1
}
