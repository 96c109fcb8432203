package session

import "fmt"

// State is a step in the lifecycle of one simulated client.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Subscribed
	Unsubscribing
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Closed || s == Failed
}

// allowed lists the legal successors of every state.
var allowed = map[State][]State{
	Idle:          {Connecting, Closing, Failed},
	Connecting:    {Open, Closing, Failed},
	Open:          {Subscribed, Closing, Failed},
	Subscribed:    {Unsubscribing, Closing, Failed},
	Unsubscribing: {Closing, Failed},
	Closing:       {Closed, Failed},
}

func canTransition(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
