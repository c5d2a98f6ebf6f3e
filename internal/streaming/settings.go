package streaming

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidSettings = errors.New("invalid streaming settings")

// Sensitivity selects the server VAD threshold.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

func ParseSensitivity(s string) (Sensitivity, error) {
	switch v := Sensitivity(strings.ToLower(strings.TrimSpace(s))); v {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return v, nil
	case "":
		return SensitivityMedium, nil
	default:
		return "", fmt.Errorf("%w: vad sensitivity %q", ErrInvalidSettings, s)
	}
}

func (s Sensitivity) Threshold() float64 {
	switch s {
	case SensitivityLow:
		return 0.3
	case SensitivityHigh:
		return 0.7
	default:
		return 0.5
	}
}

// BufferSize selects the capture frame length.
type BufferSize string

const (
	BufferSmall  BufferSize = "small"
	BufferMedium BufferSize = "medium"
	BufferLarge  BufferSize = "large"
)

func ParseBufferSize(s string) (BufferSize, error) {
	switch v := BufferSize(strings.ToLower(strings.TrimSpace(s))); v {
	case BufferSmall, BufferMedium, BufferLarge:
		return v, nil
	case "":
		return BufferMedium, nil
	default:
		return "", fmt.Errorf("%w: audio buffer size %q", ErrInvalidSettings, s)
	}
}

// Frames is the capture frame size in samples.
func (b BufferSize) Frames() int {
	switch b {
	case BufferSmall:
		return 1024
	case BufferLarge:
		return 8192
	default:
		return 4096
	}
}

const (
	DefaultResponseDelay = 1.0
	maxResponseDelay     = 10.0
)

// Settings are read at connect time; changing them never renegotiates a
// live session.
type Settings struct {
	VADSensitivity  Sensitivity `json:"vad_sensitivity"`
	ResponseDelay   float64     `json:"response_delay"`
	AudioBufferSize BufferSize  `json:"audio_buffer_size"`
	Voice           string      `json:"voice,omitempty"`
}

func DefaultSettings() Settings {
	return Settings{
		VADSensitivity:  SensitivityMedium,
		ResponseDelay:   DefaultResponseDelay,
		AudioBufferSize: BufferMedium,
	}
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	VADSensitivity  *string  `json:"vad_sensitivity,omitempty"`
	ResponseDelay   *float64 `json:"response_delay,omitempty"`
	AudioBufferSize *string  `json:"audio_buffer_size,omitempty"`
	Voice           *string  `json:"voice,omitempty"`
}

func (s Settings) Validate() error {
	if _, err := ParseSensitivity(string(s.VADSensitivity)); err != nil {
		return err
	}
	if _, err := ParseBufferSize(string(s.AudioBufferSize)); err != nil {
		return err
	}
	if s.ResponseDelay <= 0 || s.ResponseDelay > maxResponseDelay {
		return fmt.Errorf("%w: response delay must be in (0, %.0f] seconds", ErrInvalidSettings, maxResponseDelay)
	}
	return nil
}

// Merge applies p on top of s. The result is validated; s is returned
// unchanged alongside any error.
func (s Settings) Merge(p SettingsPatch) (Settings, error) {
	out := s
	if p.VADSensitivity != nil {
		v, err := ParseSensitivity(*p.VADSensitivity)
		if err != nil {
			return s, err
		}
		out.VADSensitivity = v
	}
	if p.ResponseDelay != nil {
		out.ResponseDelay = *p.ResponseDelay
	}
	if p.AudioBufferSize != nil {
		v, err := ParseBufferSize(*p.AudioBufferSize)
		if err != nil {
			return s, err
		}
		out.AudioBufferSize = v
	}
	if p.Voice != nil {
		out.Voice = strings.TrimSpace(*p.Voice)
	}
	if err := out.Validate(); err != nil {
		return s, err
	}
	return out, nil
}

// SilenceDuration is the response delay as the VAD silence window.
func (s Settings) SilenceDuration() time.Duration {
	return time.Duration(s.ResponseDelay * float64(time.Second))
}
