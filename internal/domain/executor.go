package domain

// Result is the outcome of applying one command to an episode state.
type Result struct {
	State     []byte
	Concluded bool
	Winner    string
}

// Executor applies application logic to opaque episode state. Implementations
// must not retain or mutate the state slices they receive.
type Executor interface {
	// Initialize builds the starting state for the given participant keys.
	Initialize(participants [][]byte) ([]byte, error)

	// Execute applies cmd to state. An error means the command was rejected
	// and state is unchanged.
	Execute(state, cmd []byte) (Result, error)
}
