// ABOUTME: Coarse connection states and the status snapshot reported to observers
// ABOUTME: Fatal is terminal until the next explicit Connect

package conn

import "fmt"

// State is the coarse lifecycle state of the push connection.
type State int

// Connection states.
const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Fatal
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// active reports whether a session goroutine owns the connection in this
// state.
func (s State) active() bool {
	return s == Connecting || s == Connected || s == Reconnecting
}

// Status is a point-in-time view of the manager.
type Status struct {
	State State
	// ReconnectAttempts counts consecutive retryable failures since the
	// last time the connection reached Connected.
	ReconnectAttempts int
	// LastError is the fault behind the current state, if any.
	LastError error
}
