package capture

import (
	"errors"
	"fmt"
)

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateCountdown  State = "countdown"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
)

const (
	EventInitiate      Event = "initiate"
	EventDenied        Event = "denied"
	EventCountdownDone Event = "countdown_done"
	EventStop          Event = "stop"
	EventProcessed     Event = "processed"
	EventReset         Event = "reset"
	EventAbort         Event = "abort"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("invalid transition")

// Transition returns the state reached from current on event. Abort is
// accepted from every state.
func Transition(current State, event Event) (State, error) {
	if event == EventAbort {
		return StateIdle, nil
	}

	switch current {
	case StateIdle:
		switch event {
		case EventInitiate:
			return StateCountdown, nil
		case EventReset:
			return StateIdle, nil
		}
	case StateCountdown:
		switch event {
		case EventDenied:
			return StateIdle, nil
		case EventCountdownDone:
			return StateRecording, nil
		}
	case StateRecording:
		if event == EventStop {
			return StateProcessing, nil
		}
	case StateProcessing:
		if event == EventProcessed {
			return StateComplete, nil
		}
	case StateComplete:
		if event == EventReset {
			return StateIdle, nil
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(current State, event Event) error {
	return fmt.Errorf("%w: %s --(%s)--> ?", ErrInvalidTransition, current, event)
}
