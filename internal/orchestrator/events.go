package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voxgate/voxgate/pkg/types"
)

// EventType enumerates the control events a pipeline emits toward the wire.
type EventType int

const (
	// EventSTTPartial carries an interim transcript in Text.
	EventSTTPartial EventType = iota

	// EventSTTFinal carries the authoritative user transcript in Text.
	EventSTTFinal

	// EventLLMToken carries one streamed completion token in Text.
	EventLLMToken

	// EventBargeIn announces that caller speech preempted the current turn.
	// The client must drop buffered playback immediately.
	EventBargeIn

	// EventTurnComplete carries the finished turn's metrics in Turn.
	EventTurnComplete

	// EventSessionEnded carries the session's final metrics in Session.
	EventSessionEnded

	// EventError carries a wire error with Code and Text (the message).
	EventError
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSTTPartial:
		return "stt_partial"
	case EventSTTFinal:
		return "stt_final"
	case EventLLMToken:
		return "llm_token"
	case EventBargeIn:
		return "barge_in"
	case EventTurnComplete:
		return "turn_complete"
	case EventSessionEnded:
		return "session_ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TurnMetrics is the per-turn latency breakdown attached to turn_complete.
type TurnMetrics struct {
	STTLatency    time.Duration `json:"sttLatencyMs"`
	LLMFirstToken time.Duration `json:"llmFirstTokenMs"`
	TTSFirstByte  time.Duration `json:"ttsFirstByteMs"`
	TurnDuration  time.Duration `json:"turnDurationMs"`
	Tokens        int           `json:"tokens"`
	ToolCalls     int           `json:"toolCalls"`
}

// MarshalJSON encodes the four latencies as whole milliseconds, as their
// field names on the wire say.
func (m TurnMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		STTLatency    int64 `json:"sttLatencyMs"`
		LLMFirstToken int64 `json:"llmFirstTokenMs"`
		TTSFirstByte  int64 `json:"ttsFirstByteMs"`
		TurnDuration  int64 `json:"turnDurationMs"`
		Tokens        int   `json:"tokens"`
		ToolCalls     int   `json:"toolCalls"`
	}{m.STTLatency.Milliseconds(), m.LLMFirstToken.Milliseconds(), m.TTSFirstByte.Milliseconds(), m.TurnDuration.Milliseconds(), m.Tokens, m.ToolCalls})
}

// Event is one control emission from the pipeline.
type Event struct {
	Type EventType

	// Text is the transcript, token, or error message, depending on Type.
	Text string

	// Code is the machine-readable error code for EventError.
	Code string

	// Turn is set on EventTurnComplete.
	Turn *TurnMetrics

	// Session is set on EventSessionEnded.
	Session *types.Metrics
}

// Emitter is the pipeline's one-way surface toward the client connection.
// The gateway's per-connection writer implements it.
//
// Control events are never dropped; EmitControl may block on connection
// backpressure. Audio is best-effort: EmitAudio reports false when the
// outbound queue is saturated and the frame was discarded.
type Emitter interface {
	EmitControl(ctx context.Context, ev Event) error
	EmitAudio(pcm []byte) bool

	// DropQueuedAudio discards queued but unsent PCM. Called on barge-in so
	// stale assistant audio never reaches the caller's speaker.
	DropQueuedAudio()
}
