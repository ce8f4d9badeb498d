package realtime

import (
	"reflect"
	"testing"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		name    string
		from    State
		ev      ConnEvent
		to      State
		effects []Effect
	}{
		{"start dials", StateDisconnected, EvStart, StateConnecting, []Effect{EffDial}},
		{"dial ok connects and replays", StateConnecting, EvDialOK, StateConnected, []Effect{EffResetBackoff, EffReplayQueue}},
		{"dial failure schedules retry", StateConnecting, EvDialFailed, StateReconnecting, []Effect{EffScheduleRetry}},
		{"lost connection schedules retry", StateConnected, EvConnLost, StateReconnecting, []Effect{EffScheduleRetry}},
		{"heartbeat timeout drops the socket", StateConnected, EvHeartbeatTimeout, StateReconnecting, []Effect{EffCloseConn, EffScheduleRetry}},
		{"retry due redials", StateReconnecting, EvRetryDue, StateConnecting, []Effect{EffDial}},
		{"nudge skips the delay", StateReconnecting, EvNudge, StateConnecting, []Effect{EffRetryNow, EffDial}},
		{"close while connected tears down", StateConnected, EvClose, StateClosed, []Effect{EffCloseConn, EffStop}},
		{"close while reconnecting stops", StateReconnecting, EvClose, StateClosed, []Effect{EffStop}},
		{"closed is terminal", StateClosed, EvRetryDue, StateClosed, nil},
		{"stray retry while connected ignored", StateConnected, EvRetryDue, StateConnected, nil},
		{"stray dial ok while reconnecting ignored", StateReconnecting, EvDialOK, StateReconnecting, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, effects := Transition(tc.from, tc.ev)
			if to != tc.to {
				t.Fatalf("state = %v, want %v", to, tc.to)
			}
			if !reflect.DeepEqual(effects, tc.effects) {
				t.Fatalf("effects = %v, want %v", effects, tc.effects)
			}
		})
	}
}
