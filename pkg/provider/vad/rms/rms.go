// Package rms implements a dependency-free Root Mean Square Voice Activity
// Detector. It trades model accuracy for zero external dependencies and
// predictable CPU cost, making it a reasonable default engine when no
// model-backed VAD is configured for a tenant.
package rms

import (
	"errors"
	"math"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/vad"
	"github.com/voxgate/voxgate/pkg/types"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("rms: session closed")

// Engine is a vad.Engine backed by per-frame RMS energy with hysteresis.
// It holds no state of its own; all state lives in the sessions it creates.
type Engine struct{}

// New returns a ready-to-use RMS VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates an RMS-based VAD session for cfg. SpeechThreshold and
// SilenceThreshold are interpreted directly as RMS energy thresholds in the
// normalized [0.0, 1.0] range produced by 16-bit PCM samples divided by
// 32768, not as model probabilities. SampleRate and FrameSizeMs are not
// checked: ProcessFrame accepts a frame of any length.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, errors.New("rms: SpeechThreshold must be in (0, 1]")
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("rms: SilenceThreshold must be in [0, SpeechThreshold]")
	}
	return &session{
		speechThreshold:  cfg.SpeechThreshold,
		silenceThreshold: cfg.SilenceThreshold,
		minConfirmed:     7,
	}, nil
}

var _ vad.Engine = (*Engine)(nil)

// session is a single stream's VAD state. Not safe for concurrent use by
// multiple goroutines, matching the package contract.
type session struct {
	mu sync.Mutex

	speechThreshold  float64
	silenceThreshold float64

	isSpeaking        bool
	consecutiveFrames int
	consecutiveQuiet  int
	minConfirmed      int
	closed            bool
}

// SetMinConfirmed sets how many consecutive above-threshold frames are
// required before a VADSpeechStart event fires. Lower values trigger
// snappier, noisier barge-in; higher values filter spikes and echo onset
// pops at the cost of added latency. Used by the orchestrator to translate
// interruption_sensitivity into a concrete hysteresis window.
func (s *session) SetMinConfirmed(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.minConfirmed = n
}

func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.VADEvent{}, ErrClosed
	}

	energy := rmsEnergy(frame)

	if energy > s.speechThreshold {
		s.consecutiveQuiet = 0
		s.consecutiveFrames++
		if !s.isSpeaking {
			if s.consecutiveFrames >= s.minConfirmed {
				s.isSpeaking = true
				return types.VADEvent{Type: types.VADSpeechStart, Probability: clampProbability(energy)}, nil
			}
			return types.VADEvent{Type: types.VADSpeechContinue, Probability: clampProbability(energy)}, nil
		}
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: clampProbability(energy)}, nil
	}

	s.consecutiveFrames = 0

	if energy <= s.silenceThreshold && s.isSpeaking {
		s.consecutiveQuiet++
		// A single below-silence-threshold frame ends the turn; the
		// grace-period hold before finalizing a turn is the caller's
		// responsibility (see internal/orchestrator's speechEndHold).
		s.isSpeaking = false
		return types.VADEvent{Type: types.VADSpeechEnd, Probability: clampProbability(energy)}, nil
	}

	return types.VADEvent{Type: types.VADSilence, Probability: clampProbability(energy)}, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSpeaking = false
	s.consecutiveFrames = 0
	s.consecutiveQuiet = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vad.SessionHandle = (*session)(nil)

// rmsEnergy computes normalized RMS energy over a little-endian 16-bit PCM
// frame. Returns 0 for an empty or odd-length frame.
func rmsEnergy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(uint16(frame[i]) | uint16(frame[i+1])<<8)
		f := float64(sample) / 32768.0
		sumSquares += f * f
	}
	return math.Sqrt(sumSquares / float64(n))
}

func clampProbability(energy float64) float64 {
	if energy > 1 {
		return 1
	}
	if energy < 0 {
		return 0
	}
	return energy
}
