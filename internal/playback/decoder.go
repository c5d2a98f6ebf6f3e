package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"

	"github.com/antoniostano/bankvoice/internal/audio"
)

// Tier names the decode strategy that produced a fragment's samples.
type Tier string

const (
	TierWAV   Tier = "wav"
	TierMP3   Tier = "mp3"
	TierPCM16 Tier = "pcm16"
	TierNone  Tier = "none"
)

var errNotContainer = errors.New("not a recognised container")

// Decoder converts one inbound fragment to mono float samples at SampleRate.
// Container formats are tried first; anything else is read as raw PCM16LE.
type Decoder struct {
	SampleRate int
}

func (d Decoder) rate() int {
	if d.SampleRate <= 0 {
		return audio.DefaultSampleRate
	}
	return d.SampleRate
}

func (d Decoder) Decode(fragment []byte) ([]float32, Tier, error) {
	samples, tier, containerErr := d.decodeContainer(fragment)
	if containerErr == nil {
		return samples, tier, nil
	}
	samples, err := audio.DecodePCM16(fragment)
	if err != nil {
		if !errors.Is(containerErr, errNotContainer) {
			err = errors.Join(containerErr, err)
		}
		return nil, TierNone, err
	}
	return samples, TierPCM16, nil
}

func (d Decoder) decodeContainer(fragment []byte) ([]float32, Tier, error) {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
		tier     Tier
	)
	switch {
	case audio.IsWAV(fragment):
		tier = TierWAV
		streamer, format, err = wav.Decode(bytes.NewReader(fragment))
	case looksLikeMP3(fragment):
		tier = TierMP3
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(fragment)))
	default:
		return nil, TierNone, errNotContainer
	}
	if err != nil {
		return nil, tier, fmt.Errorf("%s decode: %w", tier, err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if tier == TierWAV {
		src = audio.FullScaleWAV(streamer, format)
	}
	target := beep.SampleRate(d.rate())
	if format.SampleRate != target {
		src = beep.Resample(4, format.SampleRate, target, src)
	}
	samples := drain(src)
	if err := src.Err(); err != nil {
		return nil, tier, fmt.Errorf("%s stream: %w", tier, err)
	}
	if len(samples) == 0 {
		return nil, tier, fmt.Errorf("%s decode: no samples", tier)
	}
	return samples, tier, nil
}

// drain downmixes a stereo beep stream to mono float32.
func drain(s beep.Streamer) []float32 {
	var out []float32
	buf := make([][2]float64, 1024)
	for {
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, float32((buf[i][0]+buf[i][1])/2))
		}
		if !ok {
			return out
		}
	}
}

// looksLikeMP3 accepts an ID3 tag or a valid MPEG-1/2 layer III frame header.
func looksLikeMP3(b []byte) bool {
	if len(b) >= 3 && string(b[:3]) == "ID3" {
		return true
	}
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return false
	}
	version := (b[1] >> 3) & 0x03
	layer := (b[1] >> 1) & 0x03
	bitrate := b[2] >> 4
	rate := (b[2] >> 2) & 0x03
	return version != 0x01 && layer == 0x01 && bitrate != 0 && bitrate != 0x0F && rate != 0x03
}
