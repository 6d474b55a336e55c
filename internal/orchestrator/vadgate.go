package orchestrator

import (
	"math"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// Sensitivity → VAD mapping. interruption_sensitivity ∈ [0,1] interpolates
// linearly between a high energy threshold with a long confirmation window
// (0: barge-in disabled outright, turn detection stays on a moderate profile)
// and the minimum threshold with a single-frame confirmation (1: trigger on
// the first frame exceeding minimum energy).
const (
	vadThresholdMax = 0.30
	vadThresholdMin = 0.02

	vadMinConfirmedMax = 7
	vadMinConfirmedMin = 1

	// minSilenceTimeout is the clamp floor for silence_timeout_ms. A zero
	// timeout would end the user turn on every non-speech frame.
	minSilenceTimeout = 250 * time.Millisecond

	defaultSilenceTimeout = 5 * time.Second

	// speechEndHold is the grace window after a VAD speech-end before the
	// turn is finalized, so a micro-pause doesn't truncate the utterance.
	speechEndHold = 300 * time.Millisecond
)

// vadProfile is the resolved detection configuration for one session.
type vadProfile struct {
	Threshold      float64
	MinConfirmed   int
	BargeInEnabled bool
}

// resolveVADProfile maps interruption_sensitivity onto concrete VAD knobs.
// Out-of-range values are clamped into [0,1].
func resolveVADProfile(sensitivity float64) vadProfile {
	s := math.Max(0, math.Min(1, sensitivity))
	threshold := (1-s)*vadThresholdMax + s*vadThresholdMin
	confirmed := vadMinConfirmedMax - int(math.Round(s*float64(vadMinConfirmedMax-vadMinConfirmedMin)))
	if confirmed < vadMinConfirmedMin {
		confirmed = vadMinConfirmedMin
	}
	return vadProfile{
		Threshold:      threshold,
		MinConfirmed:   confirmed,
		BargeInEnabled: s > 0,
	}
}

// vadConfig builds the engine session config for a profile at sampleRate.
func (p vadProfile) vadConfig(sampleRate int) vad.Config {
	return vad.Config{
		SampleRate:       sampleRate,
		FrameSizeMs:      256,
		SpeechThreshold:  p.Threshold,
		SilenceThreshold: p.Threshold * 0.7,
	}
}

// minConfirmedSetter is implemented by VAD sessions whose speech-start
// hysteresis window can be tuned after construction (the RMS engine does).
type minConfirmedSetter interface {
	SetMinConfirmed(n int)
}

// applyMinConfirmed tunes the session's confirmation window when supported.
func applyMinConfirmed(handle vad.SessionHandle, n int) {
	if s, ok := handle.(minConfirmedSetter); ok {
		s.SetMinConfirmed(n)
	}
}

// clampSilenceTimeout applies the 250 ms floor to the configured silence
// timeout. The 5000 ms default for an omitted field is applied at spec decode
// time, before the value reaches the pipeline; a literal zero still clamps so
// a turn can never end on every non-speech frame.
func clampSilenceTimeout(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < minSilenceTimeout {
		return minSilenceTimeout
	}
	return d
}
