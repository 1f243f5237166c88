package transport

// State is the connection state of a transport, held independently for
// the primary and secondary transports.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// transitions enumerates the legal state machine edges. The primary
// transport never enters Failed; negotiation failure is specific to the
// secondary transport.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Failed, Disconnected},
	Connected:    {Disconnected, Failed},
	Failed:       {Disconnected, Connecting},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Path names which transport currently carries outbound traffic. Purely
// observational: routing is decided by message class plus live fallback,
// not by this value.
type Path int

const (
	PathPrimary Path = iota
	PathSecondary
)

func (p Path) String() string {
	if p == PathSecondary {
		return "secondary"
	}
	return "primary"
}
