package host

// State is the lifecycle state of a registered agent.
type State int

// Lifecycle states, in order.
const (
	StateInstalling State = iota + 1
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "none"
	}
}

// Status is a snapshot of the runtime's registrations.
// Cache names are empty when no agent holds the slot.
type Status struct {
	Installing string
	Waiting    string
	Active     string

	// ActiveState is the lifecycle state of the active agent.
	ActiveState State

	// Controlling reports whether the active agent has claimed clients,
	// so requests are routed through it.
	Controlling bool
}
