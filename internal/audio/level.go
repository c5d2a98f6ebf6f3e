package audio

import (
	"math"
	"time"
)

// levelFullScale is the RMS that maps to a 100% meter reading.
const levelFullScale = 0.1

// Level returns the RMS of samples as a percentage in [0,100] for metering.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	pct := rms * 100 / levelFullScale
	if pct > 100 {
		return 100
	}
	return pct
}

// Duration returns the playback length of n mono samples at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
