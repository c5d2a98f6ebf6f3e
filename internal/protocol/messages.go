package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies realtime websocket payload variants.
type EventType string

// Client events.
const (
	TypeSessionUpdate          EventType = "session.update"
	TypeInputAudioBufferAppend EventType = "input_audio_buffer.append"
	TypeInputAudioBufferCommit EventType = "input_audio_buffer.commit"
	TypeResponseCreate         EventType = "response.create"
)

// Server events.
const (
	TypeSessionCreated            EventType = "session.created"
	TypeSessionUpdated            EventType = "session.updated"
	TypeError                     EventType = "error"
	TypeSpeechStarted             EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped             EventType = "input_audio_buffer.speech_stopped"
	TypeInputAudioBufferCommitted EventType = "input_audio_buffer.committed"
	TypeTranscriptionCompleted    EventType = "conversation.item.input_audio_transcription.completed"
	TypeTranscriptionDelta        EventType = "conversation.item.input_audio_transcription.delta"
	TypeResponseCreated           EventType = "response.created"
	TypeResponseDone              EventType = "response.done"
	TypeOutputItemAdded           EventType = "response.output_item.added"
	TypeContentPartAdded          EventType = "response.content_part.added"
	TypeAudioDelta                EventType = "response.audio.delta"
	TypeAudioDone                 EventType = "response.audio.done"
	TypeAudioTranscriptDelta      EventType = "response.audio_transcript.delta"
	TypeAudioTranscriptDone       EventType = "response.audio_transcript.done"
	TypeTextDelta                 EventType = "response.text.delta"
	TypeTextDone                  EventType = "response.text.done"
	TypeRateLimitsUpdated         EventType = "rate_limits.updated"
)

// Wire constants for the session configuration.
const (
	AudioFormatPCM16   = "pcm16"
	TurnDetectionVAD   = "server_vad"
	ToolChoiceAuto     = "auto"
	ModalityText       = "text"
	ModalityAudio      = "audio"
	ContentTypeText    = "text"
	DefaultTranscriber = "whisper-1"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingType     = errors.New("message has no type")
)

type Envelope struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
}

// SessionUpdate configures the remote session; sent once right after the socket opens.
type SessionUpdate struct {
	Type    EventType     `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Tools                   []json.RawMessage    `json:"tools"`
	ToolChoice              string               `json:"tool_choice"`
	Temperature             float64              `json:"temperature"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type InputAudioBufferAppend struct {
	Type  EventType `json:"type"`
	Audio string    `json:"audio"`
}

type InputAudioBufferCommit struct {
	Type EventType `json:"type"`
}

type ResponseCreate struct {
	Type     EventType      `json:"type"`
	Response ResponseConfig `json:"response"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type SessionCreated struct {
	Type    EventType   `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session SessionInfo `json:"session"`
}

type SessionUpdated struct {
	Type    EventType   `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session SessionInfo `json:"session"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

type ErrorEvent struct {
	Type    EventType   `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Error   ErrorDetail `json:"error"`
}

type SpeechStarted struct {
	Type         EventType `json:"type"`
	EventID      string    `json:"event_id,omitempty"`
	AudioStartMS int       `json:"audio_start_ms"`
	ItemID       string    `json:"item_id,omitempty"`
}

type SpeechStopped struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	AudioEndMS int       `json:"audio_end_ms"`
	ItemID     string    `json:"item_id,omitempty"`
}

type InputAudioBufferCommitted struct {
	Type           EventType `json:"type"`
	EventID        string    `json:"event_id,omitempty"`
	ItemID         string    `json:"item_id,omitempty"`
	PreviousItemID string    `json:"previous_item_id,omitempty"`
}

type TranscriptionCompleted struct {
	Type         EventType `json:"type"`
	EventID      string    `json:"event_id,omitempty"`
	ItemID       string    `json:"item_id,omitempty"`
	ContentIndex int       `json:"content_index"`
	Transcript   string    `json:"transcript"`
}

type TranscriptionDelta struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id,omitempty"`
	ItemID  string    `json:"item_id,omitempty"`
	Delta   string    `json:"delta"`
}

type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type ResponseCreated struct {
	Type     EventType    `json:"type"`
	EventID  string       `json:"event_id,omitempty"`
	Response ResponseInfo `json:"response"`
}

type ResponseDone struct {
	Type     EventType    `json:"type"`
	EventID  string       `json:"event_id,omitempty"`
	Response ResponseInfo `json:"response"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

type Item struct {
	ID      string        `json:"id"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type OutputItemAdded struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	Item       Item      `json:"item"`
}

type ContentPartAdded struct {
	Type       EventType   `json:"type"`
	EventID    string      `json:"event_id,omitempty"`
	ResponseID string      `json:"response_id,omitempty"`
	ItemID     string      `json:"item_id,omitempty"`
	Part       ContentPart `json:"part"`
}

// Delta carries the incremental payloads: response.audio.delta (base64 PCM16),
// response.text.delta and response.audio_transcript.delta.
type Delta struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	Delta      string    `json:"delta"`
}

type TextDone struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	Text       string    `json:"text"`
}

type AudioTranscriptDone struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	Transcript string    `json:"transcript"`
}

type AudioDone struct {
	Type       EventType `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
}

type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

type RateLimitsUpdated struct {
	Type       EventType   `json:"type"`
	EventID    string      `json:"event_id,omitempty"`
	RateLimits []RateLimit `json:"rate_limits"`
}

// TypeOf extracts the type field without decoding the rest of the payload.
func TypeOf(raw []byte) (EventType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// ParseServerEvent decodes one inbound realtime event into its typed struct.
// Unknown types yield ErrUnsupportedType so callers can log and move on.
func ParseServerEvent(raw []byte) (any, error) {
	typ, err := TypeOf(raw)
	if err != nil {
		return nil, err
	}

	var msg any
	switch typ {
	case TypeSessionCreated:
		msg = &SessionCreated{}
	case TypeSessionUpdated:
		msg = &SessionUpdated{}
	case TypeError:
		msg = &ErrorEvent{}
	case TypeSpeechStarted:
		msg = &SpeechStarted{}
	case TypeSpeechStopped:
		msg = &SpeechStopped{}
	case TypeInputAudioBufferCommitted:
		msg = &InputAudioBufferCommitted{}
	case TypeTranscriptionCompleted:
		msg = &TranscriptionCompleted{}
	case TypeTranscriptionDelta:
		msg = &TranscriptionDelta{}
	case TypeResponseCreated:
		msg = &ResponseCreated{}
	case TypeResponseDone:
		msg = &ResponseDone{}
	case TypeOutputItemAdded:
		msg = &OutputItemAdded{}
	case TypeContentPartAdded:
		msg = &ContentPartAdded{}
	case TypeAudioDelta, TypeTextDelta, TypeAudioTranscriptDelta:
		msg = &Delta{}
	case TypeAudioDone:
		msg = &AudioDone{}
	case TypeTextDone:
		msg = &TextDone{}
	case TypeAudioTranscriptDone:
		msg = &AudioTranscriptDone{}
	case TypeRateLimitsUpdated:
		msg = &RateLimitsUpdated{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	return msg, nil
}

// ParseClientMessage decodes one outbound realtime event. The scripted mock
// server uses it to react to what the session sends.
func ParseClientMessage(raw []byte) (any, error) {
	typ, err := TypeOf(raw)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeSessionUpdate:
		var msg SessionUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeInputAudioBufferAppend:
		var msg InputAudioBufferAppend
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid input_audio_buffer.append")
		}
		return msg, nil
	case TypeInputAudioBufferCommit:
		return InputAudioBufferCommit{Type: typ}, nil
	case TypeResponseCreate:
		var msg ResponseCreate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ)
	}
}
