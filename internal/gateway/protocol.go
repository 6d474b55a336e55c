// Package gateway implements the wire-protocol endpoint: one persistent
// WebSocket per client, multiplexing JSON control messages and binary PCM
// frames in both directions.
//
// The read side owns message parsing and session routing; the write side is
// a single per-connection writer goroutine draining two queues — control
// (never dropped, blocking) and audio (bounded, dropped first under
// congestion) — so outbound frames stay strictly ordered per connection.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/voxgate/voxgate/pkg/types"
)

// Inbound message types.
const (
	msgStartSession = "start_session"
	msgEndSession   = "end_session"
)

// Outbound message types.
const (
	msgConnected      = "connected"
	msgSessionStarted = "session_started"
	msgSessionEnded   = "session_ended"
	msgSTTPartial     = "stt_partial"
	msgSTTFinal       = "stt_final"
	msgLLMToken       = "llm_token"
	msgBargeIn        = "barge_in"
	msgTurnComplete   = "turn_complete"
	msgError          = "error"
)

// defaultSilenceTimeoutMs applies when start_session omits the field.
const defaultSilenceTimeoutMs = 5000

// inboundMsg is the envelope for every client text frame.
type inboundMsg struct {
	Type      string         `json:"type"`
	TenantID  string         `json:"tenantId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Config    *sessionConfig `json:"config,omitempty"`
}

// sessionConfig mirrors the start_session config block. Provider blocks are
// decoded as opaque maps: the gateway lifts out the routing fields and passes
// the remainder through as per-provider options.
type sessionConfig struct {
	Language                string            `json:"language"`
	SystemPrompt            string            `json:"systemPrompt"`
	FirstMessage            *string           `json:"firstMessage"`
	EndCallPhrases          []string          `json:"endCallPhrases"`
	InterruptionSensitivity *float64          `json:"interruptionSensitivity"`
	SilenceTimeoutMs        *int              `json:"silenceTimeoutMs"`
	MaxCallDurationSeconds  int               `json:"maxCallDurationSeconds"`
	AgentID                 string            `json:"agentId"`
	CallID                  string            `json:"callId"`
	Direction               string            `json:"direction"`
	CallerMetadata          map[string]string `json:"callerMetadata"`
	STT                     map[string]any    `json:"stt"`
	LLM                     map[string]any    `json:"llm"`
	TTS                     map[string]any    `json:"tts"`
}

// toSpec validates and converts the wire config into a SessionSpec.
func (c *sessionConfig) toSpec(tenantID string) (types.SessionSpec, error) {
	if c == nil {
		return types.SessionSpec{}, fmt.Errorf("missing config")
	}

	spec := types.SessionSpec{
		TenantID:               tenantID,
		CallID:                 c.CallID,
		AgentID:                c.AgentID,
		Language:               c.Language,
		SystemPrompt:           c.SystemPrompt,
		EndCallPhrases:         c.EndCallPhrases,
		MaxCallDurationSeconds: c.MaxCallDurationSeconds,
		SilenceTimeoutMs:       defaultSilenceTimeoutMs,
		Direction:              types.DirectionWeb,
		CallerMetadata:         c.CallerMetadata,
	}
	if c.FirstMessage != nil {
		spec.FirstMessage = *c.FirstMessage
	}
	if c.SilenceTimeoutMs != nil {
		spec.SilenceTimeoutMs = *c.SilenceTimeoutMs
	}
	if c.InterruptionSensitivity != nil {
		spec.InterruptionSensitivity = *c.InterruptionSensitivity
	} else {
		spec.InterruptionSensitivity = 0.5
	}
	switch types.CallDirection(c.Direction) {
	case types.DirectionInbound, types.DirectionOutbound, types.DirectionWeb:
		spec.Direction = types.CallDirection(c.Direction)
	case "":
	default:
		return types.SessionSpec{}, fmt.Errorf("unknown direction %q", c.Direction)
	}

	var err error
	if spec.STT, err = providerSelection("stt", c.STT); err != nil {
		return types.SessionSpec{}, err
	}
	if spec.LLM, err = providerSelection("llm", c.LLM); err != nil {
		return types.SessionSpec{}, err
	}
	if spec.TTS, err = providerSelection("tts", c.TTS); err != nil {
		return types.SessionSpec{}, err
	}
	return spec, nil
}

// providerSelection lifts provider/model/voiceId out of an opaque provider
// block, leaving the remainder as options.
func providerSelection(category string, block map[string]any) (types.ProviderSelection, error) {
	if block == nil {
		return types.ProviderSelection{}, fmt.Errorf("missing %s config", category)
	}
	sel := types.ProviderSelection{Options: make(map[string]any)}
	for k, v := range block {
		switch k {
		case "provider":
			s, ok := v.(string)
			if !ok || s == "" {
				return types.ProviderSelection{}, fmt.Errorf("%s.provider must be a non-empty string", category)
			}
			sel.Provider = s
		case "model":
			if s, ok := v.(string); ok {
				sel.Model = s
			}
		case "voiceId":
			if s, ok := v.(string); ok {
				sel.VoiceID = s
			}
		default:
			sel.Options[k] = v
		}
	}
	if sel.Provider == "" {
		return types.ProviderSelection{}, fmt.Errorf("%s.provider is required", category)
	}
	return sel, nil
}

// audioFormat is the advertised server→client PCM format.
type audioFormat struct {
	SampleRate int `json:"sampleRate"`
}

// outMsg is the envelope for every server text frame.
type outMsg struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connectionId,omitempty"`
	SessionID    string       `json:"sessionId,omitempty"`
	AudioFormat  *audioFormat `json:"audioFormat,omitempty"`
	Text         string       `json:"text,omitempty"`
	Token        string       `json:"token,omitempty"`
	Metrics      any          `json:"metrics,omitempty"`
	Error        string       `json:"error,omitempty"`
	Code         string       `json:"code,omitempty"`
	Details      any          `json:"details,omitempty"`
}

// unmarshalStrict decodes one inbound envelope, rejecting unknown top-level
// and config fields the same way the config loader's strict YAML decode does.
// Provider blocks stay opaque maps, so provider-specific options pass freely.
func unmarshalStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func marshalMsg(m outMsg) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		// outMsg contains only marshal-safe fields; this cannot happen with
		// well-formed metrics payloads.
		data = []byte(`{"type":"error","error":"internal encoding failure","code":"INTERNAL"}`)
	}
	return data
}
