package consumer

// State is the lifecycle stage of one topic's receive loop.
//
//	Starting -> Running -> Cancelled | Failed -> Stopped
type State int

const (
	// StateStarting covers subscribing to the topic.
	StateStarting State = iota
	// StateRunning means the loop is receiving messages.
	StateRunning
	// StateCancelled means the loop observed shutdown and stopped receiving.
	StateCancelled
	// StateFailed means the subscription could not be created or broke.
	StateFailed
	// StateStopped means the subscription has been closed.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
