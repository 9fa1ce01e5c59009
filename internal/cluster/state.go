package cluster

// State is a point in a Client's connection lifecycle.
//
//	Connecting ──► Ready ◄──► Error
//	                 ▲          │
//	                 └── Reconnecting ◄┘
//
//	any ──(pool destroy)──► Closing ──► Closed
//
// Only Ready clients serve Get and Set. Closing and Closed are terminal.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateError
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateConnecting:   {StateReady, StateClosing},
	StateReady:        {StateError, StateReconnecting, StateClosing},
	StateError:        {StateReconnecting, StateClosing},
	StateReconnecting: {StateReady, StateError, StateClosing},
	StateClosing:      {StateClosed},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is Closing or Closed.
func (s State) Terminal() bool {
	return s == StateClosing || s == StateClosed
}
