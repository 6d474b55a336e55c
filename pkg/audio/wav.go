package audio

import (
	"bytes"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of a canonical RIFF/WAVE header. Providers that
// emit WAV-framed PCM prepend exactly this many bytes before the sample data.
const wavHeaderSize = 44

// riffMagic and waveMagic identify a RIFF/WAVE container.
var (
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")
)

// ErrFrameSize is returned by ValidateClientFrame for payloads that are not a
// whole number of 16-bit samples or exceed the per-frame limit.
var ErrFrameSize = errors.New("audio: invalid frame size")

// StripWAVHeader removes the leading 44-byte RIFF/WAVE header from data when
// one is present, returning the raw PCM samples. Data without a WAV header is
// returned unchanged, so the helper is safe to apply to every chunk of a
// provider stream where only the first chunk carries the header.
func StripWAVHeader(data []byte) []byte {
	if len(data) < wavHeaderSize {
		return data
	}
	if !bytes.HasPrefix(data, riffMagic) || !bytes.Equal(data[8:12], waveMagic) {
		return data
	}
	return data[wavHeaderSize:]
}

// ClientFrameSamples is the fixed number of 16-bit samples per inbound wire
// frame (≈256 ms at 16 kHz).
const ClientFrameSamples = 4096

// ValidateClientFrame checks an inbound binary payload against the wire
// contract: little-endian signed 16-bit mono PCM, a whole number of samples,
// at most ClientFrameSamples per frame. Callers drop invalid frames after
// surfacing a single protocol error.
func ValidateClientFrame(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrFrameSize)
	}
	if len(payload)%2 != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of 16-bit samples", ErrFrameSize, len(payload))
	}
	if len(payload) > ClientFrameSamples*2 {
		return fmt.Errorf("%w: %d bytes exceeds the %d-sample frame limit", ErrFrameSize, len(payload), ClientFrameSamples)
	}
	return nil
}
