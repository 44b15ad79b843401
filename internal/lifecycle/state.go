package lifecycle

// State is the lifecycle position of a managed server process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	// StateFailed is absorbing: a driver that failed during start or could
	// not confirm termination must be replaced, not restarted.
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }
