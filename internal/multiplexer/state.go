package multiplexer

// State is the driver lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateChecking
	StateNotAvailable
	StateAvailable
	StateInitializing
	StateReady
	StateDetached
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateChecking:
		return "checking"
	case StateNotAvailable:
		return "not_available"
	case StateAvailable:
		return "available"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDetached:
		return "detached"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
