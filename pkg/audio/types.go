package audio

import "time"

// AudioFrame is one chunk of PCM with its format attached. Provider adapters
// hand raw bytes to the pipeline; the orchestrator tags them with the
// adapter's native format so [FormatConverter] can normalize them onto the
// wire contract before emission.
type AudioFrame struct {
	// PCM audio data, little-endian signed 16-bit samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for caller audio, provider-native for TTS output).
	SampleRate int

	// Channels: 1 for mono (the wire protocol), 2 for stereo sources that need downmixing.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
