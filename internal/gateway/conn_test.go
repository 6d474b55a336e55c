package gateway

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/voxgate/voxgate/internal/admission"
	"github.com/voxgate/voxgate/internal/orchestrator"
)

// newIdleConn returns a wsConn whose writer is not running, so queue
// behavior can be observed directly.
func newIdleConn() *wsConn { return newWSConn(nil) }

func TestEmitAudio_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	c := newIdleConn()

	for i := 0; i < audioQueueDepth; i++ {
		if !c.EmitAudio([]byte{1, 2}) {
			t.Fatalf("frame %d rejected below capacity", i)
		}
	}
	if c.EmitAudio([]byte{1, 2}) {
		t.Error("frame beyond capacity must be dropped, not queued")
	}
}

func TestDropQueuedAudio_FlushesPendingPCM(t *testing.T) {
	t.Parallel()
	c := newIdleConn()

	for i := 0; i < 10; i++ {
		c.EmitAudio([]byte{1, 2})
	}
	c.DropQueuedAudio()

	if got := len(c.audioQ); got != 0 {
		t.Errorf("audio queue holds %d frames after drop, want 0", got)
	}
	if !c.EmitAudio([]byte{1, 2}) {
		t.Error("queue must accept audio again after the flush")
	}
}

func TestEmit_AfterShutdown(t *testing.T) {
	t.Parallel()
	c := newIdleConn()
	c.shutdown()

	if c.EmitAudio([]byte{1, 2}) {
		t.Error("EmitAudio after shutdown must report a drop")
	}
	err := c.EmitControl(t.Context(), orchestrator.Event{Type: orchestrator.EventBargeIn})
	if !errors.Is(err, ErrConnClosed) {
		t.Errorf("EmitControl after shutdown = %v, want ErrConnClosed", err)
	}
}

func TestEventToMsg_Mapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ev       orchestrator.Event
		wantType string
		check    func(t *testing.T, m outMsg)
	}{
		{
			ev:       orchestrator.Event{Type: orchestrator.EventSTTPartial, Text: "he"},
			wantType: "stt_partial",
			check:    func(t *testing.T, m outMsg) { mustEqual(t, m.Text, "he") },
		},
		{
			ev:       orchestrator.Event{Type: orchestrator.EventSTTFinal, Text: "hello"},
			wantType: "stt_final",
			check:    func(t *testing.T, m outMsg) { mustEqual(t, m.Text, "hello") },
		},
		{
			ev:       orchestrator.Event{Type: orchestrator.EventLLMToken, Text: "Hi"},
			wantType: "llm_token",
			check:    func(t *testing.T, m outMsg) { mustEqual(t, m.Token, "Hi") },
		},
		{
			ev:       orchestrator.Event{Type: orchestrator.EventBargeIn},
			wantType: "barge_in",
			check:    func(t *testing.T, m outMsg) {},
		},
		{
			ev:       orchestrator.Event{Type: orchestrator.EventError, Text: "boom", Code: "audio_dropped"},
			wantType: "error",
			check: func(t *testing.T, m outMsg) {
				mustEqual(t, m.Error, "boom")
				mustEqual(t, m.Code, "audio_dropped")
			},
		},
	}
	for _, tt := range tests {
		m := eventToMsg(tt.ev)
		if m.Type != tt.wantType {
			t.Errorf("eventToMsg(%v).Type = %q, want %q", tt.ev.Type, m.Type, tt.wantType)
		}
		tt.check(t, m)
	}
}

func TestEventToMsg_TurnCompleteCarriesMetrics(t *testing.T) {
	t.Parallel()
	turn := &orchestrator.TurnMetrics{Tokens: 7}
	m := eventToMsg(orchestrator.Event{Type: orchestrator.EventTurnComplete, Turn: turn})
	if m.Type != "turn_complete" {
		t.Fatalf("type = %q", m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Metrics struct {
			Tokens int `json:"tokens"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Metrics.Tokens != 7 {
		t.Errorf("metrics.tokens = %d, want 7", decoded.Metrics.Tokens)
	}
}

func mustEqual(t *testing.T, got, want string) {
	t.Helper()
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestErrorCode_Mapping(t *testing.T) {
	t.Parallel()
	code, details := errorCode(&admission.ConcurrencyDenial{Current: 2, Max: 2})
	if code != "CONCURRENCY_LIMIT" {
		t.Errorf("code = %q", code)
	}
	d, ok := details.(map[string]int)
	if !ok || d["current"] != 2 || d["max"] != 2 {
		t.Errorf("details = %v, want {current:2 max:2}", details)
	}

	cases := []struct {
		err  error
		want string
	}{
		{&admission.ProviderDenial{Category: "tts", Slug: "cartesia"}, "PROVIDER_NOT_ALLOWED"},
		{admission.ErrUsageLimitExceeded, "USAGE_LIMIT_EXCEEDED"},
		{admission.ErrValidation, "VALIDATION_ERROR"},
		{errors.New("boom"), "INTERNAL"},
	}
	for _, tt := range cases {
		if code, _ := errorCode(tt.err); code != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, code, tt.want)
		}
	}
}
