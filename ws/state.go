package ws

// State is the lifecycle of the push connection.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	// Exhausted means reconnects ran out; the manager stays down until
	// started again.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}
