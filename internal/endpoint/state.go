package endpoint

import "fmt"

// State is an Endpoint's position in its lifecycle. Connected is
// terminal.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateDiscovered
	StateSubscribing
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateDiscovered:
		return "discovered"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
