package realtime

import "fmt"

type State string

type Event string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateFailed        State = "failed"
)

const (
	EventConnect        Event = "connect"
	EventOpened         Event = "opened"
	EventTimeout        Event = "timeout"
	EventTransportError Event = "transport_error"
	EventConnectionLost Event = "connection_lost"
	EventDisconnect     Event = "disconnect"
	EventClosed         Event = "closed"
)

// States lists every connection state, in lifecycle order.
var States = []State{
	StateIdle, StateConnecting, StateConnected,
	StateDisconnecting, StateDisconnected, StateFailed,
}

func StateNames() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = string(s)
	}
	return out
}

// Transition is the session lifecycle table. Disconnect is accepted from
// every state so teardown is always possible.
func Transition(current State, event Event) (State, error) {
	if event == EventDisconnect {
		return StateDisconnecting, nil
	}

	switch current {
	case StateIdle, StateDisconnected:
		switch event {
		case EventConnect:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventOpened:
			return StateConnected, nil
		case EventTimeout, EventTransportError:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnected:
		switch event {
		case EventConnectionLost, EventTransportError:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDisconnecting:
		switch event {
		case EventClosed:
			return StateDisconnected, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateFailed:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
