package httpapi

import (
	"sync"
	"time"

	"github.com/antoniostano/bankvoice/internal/realtime"
	"github.com/antoniostano/bankvoice/internal/reliability"
	"github.com/antoniostano/bankvoice/internal/streaming"
)

// Event kinds recorded from the voice session.
const (
	EventTranscript    = "transcript"
	EventUtterance     = "utterance"
	EventState         = "state"
	EventError         = "error"
	EventSpeechStarted = "speech_started"
	EventSpeechStopped = "speech_stopped"
)

type Event struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	State     string    `json:"state,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Remedy    string    `json:"remedy,omitempty"`
}

// EventLog keeps the most recent host events and fans new ones out to
// subscribers. Slow subscribers miss events rather than block the session.
type EventLog struct {
	mu     sync.Mutex
	size   int
	events []Event
	seq    uint64
	subs   map[chan Event]struct{}
}

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 200
	}
	return &EventLog{size: size, subs: make(map[chan Event]struct{})}
}

func (l *EventLog) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.events = append(l.events, e)
	if len(l.events) > l.size {
		l.events = append(l.events[:0:0], l.events[len(l.events)-l.size:]...)
	}
	for ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Since returns retained events with Seq greater than seq, oldest first.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, len(l.events))
	for _, e := range l.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel of new events and a func that ends the
// subscription.
func (l *EventLog) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Callbacks records every host notification. Non-nil fields of next are
// called after recording.
func (l *EventLog) Callbacks(next streaming.Callbacks) streaming.Callbacks {
	return streaming.Callbacks{
		OnTranscript: func(text string) {
			l.Append(Event{Kind: EventTranscript, Text: text})
			if next.OnTranscript != nil {
				next.OnTranscript(text)
			}
		},
		OnBotUtterance: func(text string) {
			l.Append(Event{Kind: EventUtterance, Text: text})
			if next.OnBotUtterance != nil {
				next.OnBotUtterance(text)
			}
		},
		OnAudioLevel: next.OnAudioLevel,
		OnStateChange: func(state realtime.State) {
			l.Append(Event{Kind: EventState, State: string(state)})
			if next.OnStateChange != nil {
				next.OnStateChange(state)
			}
		},
		OnSpeechStarted: func() {
			l.Append(Event{Kind: EventSpeechStarted})
			if next.OnSpeechStarted != nil {
				next.OnSpeechStarted()
			}
		},
		OnSpeechStopped: func() {
			l.Append(Event{Kind: EventSpeechStopped})
			if next.OnSpeechStopped != nil {
				next.OnSpeechStopped()
			}
		},
		OnError: func(kind realtime.ErrorKind, err error) {
			l.Append(Event{
				Kind:      EventError,
				Text:      err.Error(),
				ErrorKind: string(kind),
				Remedy:    string(reliability.RemedyFor(err)),
			})
			if next.OnError != nil {
				next.OnError(kind, err)
			}
		},
	}
}
