package realtime

import (
	"encoding/json"
	"time"

	"github.com/antoniostano/bankvoice/internal/protocol"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultVoice                = "alloy"
	DefaultVADThreshold         = 0.5
	DefaultPrefixPadding        = 300 * time.Millisecond
	DefaultSilenceDuration      = time.Second
	DefaultTemperature          = 0.8
	DefaultMaxOutputTokens      = 200
	DefaultConnectTimeout       = 10 * time.Second
	DefaultCommitDelay          = 500 * time.Millisecond
	DefaultResponseInstructions = "Please respond to the user's question about their financial account."
)

// Config is fixed for the lifetime of one connection.
type Config struct {
	URL   string
	Model string
	Voice string

	// Instructions is the session system prompt, persona included.
	Instructions string
	// ResponseInstructions accompanies every response.create.
	ResponseInstructions string

	VADThreshold    float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration

	Temperature             float64
	MaxResponseOutputTokens int
	TranscriptionModel      string

	ConnectTimeout time.Duration
	// CommitDelay debounces speech-stopped before the buffer is committed.
	CommitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.ResponseInstructions == "" {
		c.ResponseInstructions = DefaultResponseInstructions
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = DefaultVADThreshold
	}
	if c.PrefixPadding <= 0 {
		c.PrefixPadding = DefaultPrefixPadding
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxResponseOutputTokens <= 0 {
		c.MaxResponseOutputTokens = DefaultMaxOutputTokens
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = protocol.DefaultTranscriber
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommitDelay <= 0 {
		c.CommitDelay = DefaultCommitDelay
	}
	return c
}

func (c Config) sessionUpdate() protocol.SessionUpdate {
	return protocol.SessionUpdate{
		Type: protocol.TypeSessionUpdate,
		Session: protocol.SessionConfig{
			Modalities:        []string{protocol.ModalityText, protocol.ModalityAudio},
			Instructions:      c.Instructions,
			Voice:             c.Voice,
			InputAudioFormat:  protocol.AudioFormatPCM16,
			OutputAudioFormat: protocol.AudioFormatPCM16,
			InputAudioTranscription: &protocol.TranscriptionConfig{
				Model: c.TranscriptionModel,
			},
			TurnDetection: &protocol.TurnDetection{
				Type:              protocol.TurnDetectionVAD,
				Threshold:         c.VADThreshold,
				PrefixPaddingMS:   int(c.PrefixPadding / time.Millisecond),
				SilenceDurationMS: int(c.SilenceDuration / time.Millisecond),
			},
			Tools:                   []json.RawMessage{},
			ToolChoice:              protocol.ToolChoiceAuto,
			Temperature:             c.Temperature,
			MaxResponseOutputTokens: c.MaxResponseOutputTokens,
		},
	}
}

func (c Config) responseCreate() protocol.ResponseCreate {
	return protocol.ResponseCreate{
		Type: protocol.TypeResponseCreate,
		Response: protocol.ResponseConfig{
			Modalities:   []string{protocol.ModalityText, protocol.ModalityAudio},
			Instructions: c.ResponseInstructions,
		},
	}
}
