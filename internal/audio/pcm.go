package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedAudio reports a PCM16 payload whose byte length is odd.
	ErrMalformedAudio = errors.New("audio: malformed pcm16 payload")
	// ErrDecode reports transport text that is not valid base64.
	ErrDecode = errors.New("audio: invalid transport text")
)

// SampleToInt16 clamps s to [-1,1] and scales it to the signed 16-bit range.
// Negative samples scale by 32768 and non-negative by 32767.
func SampleToInt16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	case s != s:
		s = 0
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// EncodePCM16 converts float samples to little-endian PCM16 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(SampleToInt16(s)))
	}
	return out
}

// DecodePCM16 converts little-endian PCM16 bytes to float samples in [-1,1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAudio, len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// BytesToTransportText encodes raw bytes with standard base64.
func BytesToTransportText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// TransportTextToBytes is the inverse of BytesToTransportText.
func TransportTextToBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return b, nil
}
