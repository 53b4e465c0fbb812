package engine

import "time"

// State is the engine-level connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateChange is passed to Config.OnStateChange. Non-fatal errors are
// reported with From == To.
type StateChange struct {
	From State
	To   State
	Err  error
}

// Stats is a point-in-time snapshot taken on the loop goroutine.
type Stats struct {
	State         State
	Pending       int
	Held          int
	Failures      int
	NextDelay     time.Duration
	TimerArmed    bool
	KeepConnected bool
}
