package audio

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/stretchr/testify/require"
)

func TestEncodePCM16Scaling(t *testing.T) {
	got := EncodePCM16([]float32{0, 1, -1, 2, -3, 0.5})
	want := []byte{
		0x00, 0x00,
		0xFF, 0x7F,
		0x00, 0x80,
		0xFF, 0x7F,
		0x00, 0x80,
		0xFF, 0x3F,
	}
	require.Equal(t, want, got)
}

func TestPCM16RoundTripWithinQuantization(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		in := make([]float32, rng.Intn(512)+1)
		for i := range in {
			in[i] = rng.Float32()*2 - 1
		}
		out, err := DecodePCM16(EncodePCM16(in))
		require.NoError(t, err)
		require.Len(t, out, len(in))
		for i := range in {
			// Truncation plus the 32767/32768 asymmetry costs up to two steps near +1.
			diff := math.Abs(float64(out[i] - in[i]))
			require.LessOrEqualf(t, diff, 2.0/32768, "sample %d: in=%v out=%v", i, in[i], out[i])
		}
	}
}

func TestDecodePCM16RejectsOddLength(t *testing.T) {
	_, err := DecodePCM16([]byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrMalformedAudio)

	out, err := DecodePCM16(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestPCM16RoundTripNegativeWithinOneStep(t *testing.T) {
	in := []float32{-1, -0.75, -0.5, -0.123456, -1.0 / 32768}
	out, err := DecodePCM16(EncodePCM16(in))
	require.NoError(t, err)
	for i := range in {
		require.LessOrEqual(t, math.Abs(float64(out[i]-in[i])), 1.0/32768)
	}
}

func TestTransportTextRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 50; trial++ {
		in := make([]byte, rng.Intn(300))
		rng.Read(in)
		out, err := TransportTextToBytes(BytesToTransportText(in))
		require.NoError(t, err)
		require.True(t, bytes.Equal(in, out))
	}
}

func TestTransportTextToBytesRejectsGarbage(t *testing.T) {
	_, err := TransportTextToBytes("not*base64!")
	require.ErrorIs(t, err, ErrDecode)
}

func TestLevel(t *testing.T) {
	require.Zero(t, Level(nil))
	require.Zero(t, Level(make([]float32, 64)))

	quiet := make([]float32, 100)
	for i := range quiet {
		quiet[i] = 0.05
	}
	require.InDelta(t, 50, Level(quiet), 0.001)

	loud := []float32{0.9, -0.9, 0.9, -0.9}
	require.Equal(t, 100.0, Level(loud))
}

func TestWAVHeader(t *testing.T) {
	pcm := EncodePCM16([]float32{0.1, -0.1, 0.2})
	wav, err := EncodeWAV(pcm, 24000)
	require.NoError(t, err)
	require.Len(t, wav, 44+len(pcm))
	require.True(t, IsWAV(wav))
	require.False(t, IsWAV(pcm))
	require.Equal(t, pcm, wav[44:])
	require.Equal(t, []byte{0xC0, 0x5D, 0x00, 0x00}, wav[24:28])
}

func TestFullScaleWAV(t *testing.T) {
	b, err := EncodeWAV(EncodePCM16([]float32{0.5, -0.5}), DefaultSampleRate)
	require.NoError(t, err)
	decoded, format, err := wav.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	defer decoded.Close()

	buf := make([][2]float64, 2)
	n, _ := FullScaleWAV(decoded, format).Stream(buf)
	require.Equal(t, 2, n)
	require.InDelta(t, 0.5, buf[0][0], 1e-4)
	require.InDelta(t, -0.5, buf[1][1], 1e-4)

	eightBit := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 1}
	require.Equal(t, beep.Streamer(decoded), FullScaleWAV(decoded, eightBit))
}
