package bridge

// State is a step in one invocation's lifecycle.
type State string

const (
	StateCreated     State = "created"
	StateSpawned     State = "spawned"
	StateRunning     State = "running"
	StateExited      State = "exited"
	StateTimedOut    State = "timed_out"
	StateSpawnFailed State = "spawn_failed"
	StateDecoded     State = "decoded"
	StateClassified  State = "classified"
	StateDelivered   State = "delivered"
)

// transitions lists the legal next states. Calls rejected before spawning go
// straight from Created to Classified.
var transitions = map[State][]State{
	StateCreated:     {StateSpawned, StateClassified},
	StateSpawned:     {StateRunning, StateSpawnFailed},
	StateRunning:     {StateExited, StateTimedOut},
	StateExited:      {StateDecoded},
	StateTimedOut:    {StateDecoded},
	StateSpawnFailed: {StateDecoded},
	StateDecoded:     {StateClassified},
	StateClassified:  {StateDelivered},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
