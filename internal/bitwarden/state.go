package bitwarden

import "fmt"

type State string

const (
	StateNotStarted    State = "not_started"
	StateStarting      State = "starting"
	StateAwaitingReady State = "awaiting_ready"
	StateUnlocking     State = "unlocking"
	StateSyncing       State = "syncing"
	StateReady         State = "ready"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

var transitions = map[State][]State{
	StateNotStarted:    {StateStarting, StateFailed, StateClosing},
	StateStarting:      {StateAwaitingReady, StateFailed, StateClosing},
	StateAwaitingReady: {StateUnlocking, StateFailed, StateClosing},
	StateUnlocking:     {StateSyncing, StateFailed, StateClosing},
	StateSyncing:       {StateReady, StateFailed, StateClosing},
	StateReady:         {StateSyncing, StateClosing, StateFailed},
	StateClosing:       {StateClosed},
}

// CanTransition reports whether from → to is a legal session state change.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
