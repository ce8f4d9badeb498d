package realtime

// State is a realtime client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
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
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnEvent is an input to the connection state machine.
type ConnEvent int

const (
	EvStart ConnEvent = iota
	EvDialOK
	EvDialFailed
	EvConnLost
	EvHeartbeatTimeout
	EvRetryDue
	EvNudge // foreground/network-restored: reconnect now, skip the delay
	EvClose
)

// Effect is a side effect the driver performs after a transition.
type Effect int

const (
	EffDial Effect = iota
	EffResetBackoff
	EffReplayQueue
	EffScheduleRetry
	EffRetryNow
	EffCloseConn
	EffStop
)

// Transition is the pure state machine: (state, event) -> (state, effects).
// The driver loop executes the effects; nothing here touches a socket, so
// the table is testable on its own.
func Transition(s State, ev ConnEvent) (State, []Effect) {
	if ev == EvClose {
		if s == StateConnected {
			return StateClosed, []Effect{EffCloseConn, EffStop}
		}
		return StateClosed, []Effect{EffStop}
	}

	switch s {
	case StateDisconnected:
		if ev == EvStart {
			return StateConnecting, []Effect{EffDial}
		}
	case StateConnecting:
		switch ev {
		case EvDialOK:
			return StateConnected, []Effect{EffResetBackoff, EffReplayQueue}
		case EvDialFailed:
			return StateReconnecting, []Effect{EffScheduleRetry}
		}
	case StateConnected:
		switch ev {
		case EvConnLost:
			return StateReconnecting, []Effect{EffScheduleRetry}
		case EvHeartbeatTimeout:
			return StateReconnecting, []Effect{EffCloseConn, EffScheduleRetry}
		}
	case StateReconnecting:
		switch ev {
		case EvRetryDue:
			return StateConnecting, []Effect{EffDial}
		case EvNudge:
			return StateConnecting, []Effect{EffRetryNow, EffDial}
		}
	}
	// Unmatched events leave the state unchanged.
	return s, nil
}
