package session

import "fmt"

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateDiscovering
	StateStreaming
	StateAcquiring
	StateSleeping
	StateTerminating
	StateTerminated
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateStreaming:
		return "streaming"
	case StateAcquiring:
		return "acquiring"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
