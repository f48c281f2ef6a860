package sandbox

import "fmt"

// State is a session's position in the engine lifecycle.
type State int

const (
	StateCreated State = iota
	StateIsolating
	StateRunning
	StateTearingDown
	StateTerminated
	StateFailed
)

var stateNames = map[State]string{
	StateCreated:     "created",
	StateIsolating:   "isolating",
	StateRunning:     "running",
	StateTearingDown: "tearing-down",
	StateTerminated:  "terminated",
	StateFailed:      "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Failed is absorbing. A failed setup still passes through TearingDown so the
// acquired subset is released before the session settles.
var transitions = map[State][]State{
	StateCreated:     {StateIsolating, StateFailed},
	StateIsolating:   {StateRunning, StateTearingDown, StateFailed},
	StateRunning:     {StateTearingDown, StateFailed},
	StateTearingDown: {StateTerminated, StateFailed},
}

// CanTransition reports whether to may follow s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}
