package audio

import (
	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
)

// FullScaleWAV restores full amplitude on a beep wav stream. The v1.1.0
// decoder divides n-bit integer samples by 2^n-1 instead of 2^(n-1), which
// halves 16 and 24 bit audio; 8 bit samples are already in range.
func FullScaleWAV(s beep.Streamer, format beep.Format) beep.Streamer {
	if format.Precision < 2 || format.Precision > 3 {
		return s
	}
	bits := uint(8 * format.Precision)
	scale := float64(uint64(1)<<bits-1) / float64(uint64(1)<<(bits-1))
	return &effects.Gain{Streamer: s, Gain: scale - 1}
}
