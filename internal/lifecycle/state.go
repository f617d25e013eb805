package lifecycle

// State is the in-memory lifecycle state of one instance. It is never
// persisted; a fresh process starts every controller in Cold.
type State string

// Lifecycle states.
const (
	StateCold     State = "cold"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateIdle     State = "idle"
	StateSleeping State = "sleeping"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// States lists every state in display order.
var States = []State{StateCold, StateStarting, StateRunning, StateIdle, StateSleeping, StateStopping, StateError}

func (s State) String() string { return string(s) }

// Event drives a transition.
type Event string

// Lifecycle events.
const (
	EventEnsure      Event = "ensure_running"
	EventStarted     Event = "started"
	EventStartFailed Event = "start_failed"
	EventForwardOK   Event = "forward_ok"
	EventIdleElapsed Event = "idle_elapsed"
	EventStopped     Event = "stopped"
	EventRestart     Event = "restart"
	EventFailure     Event = "failure"
)

// transitions is the complete state machine. Pairs missing from the table
// are rejected.
var transitions = map[State]map[Event]State{
	StateCold: {
		EventEnsure:  StateStarting,
		EventRestart: StateStopping,
		EventFailure: StateError,
	},
	StateStarting: {
		EventStarted:     StateRunning,
		EventStartFailed: StateError,
	},
	StateRunning: {
		EventForwardOK:   StateRunning,
		EventIdleElapsed: StateIdle,
		EventRestart:     StateStopping,
		EventFailure:     StateError,
	},
	StateIdle: {
		EventStopped: StateSleeping,
		EventFailure: StateError,
	},
	StateSleeping: {
		EventEnsure:  StateStarting,
		EventRestart: StateStopping,
		EventFailure: StateError,
	},
	StateStopping: {
		EventEnsure:  StateStarting,
		EventStopped: StateSleeping,
	},
	StateError: {
		EventEnsure:  StateStarting,
		EventRestart: StateStopping,
		EventFailure: StateError,
	},
}

// Next returns the state reached from s on ev.
func Next(s State, ev Event) (State, bool) {
	to, ok := transitions[s][ev]
	return to, ok
}
