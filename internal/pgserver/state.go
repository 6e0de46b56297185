package pgserver

// State is a fixture's position in its lifecycle.
type State int

// Lifecycle states, in order. Failed is reachable from any state.
const (
	StateUninitialized State = iota
	StateDirectoriesReady
	StateInitialized
	StateServerStarting
	StateServerReady
	StateDatabaseCreated
	StateRunning
	StateStopping
	StateStopped
	StateCleanedUp
	StateFailed
)

var stateNames = [...]string{
	StateUninitialized:    "uninitialized",
	StateDirectoriesReady: "directories-ready",
	StateInitialized:      "initialized",
	StateServerStarting:   "server-starting",
	StateServerReady:      "server-ready",
	StateDatabaseCreated:  "database-created",
	StateRunning:          "running",
	StateStopping:         "stopping",
	StateStopped:          "stopped",
	StateCleanedUp:        "cleaned-up",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
