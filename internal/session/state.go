// Package session holds the charging session state derived from firmware
// events and the policy that maps each event to an action.
package session

import (
	"github.com/librescoot/evse-service/internal/actuator"
	"github.com/librescoot/evse-service/internal/codec"
)

// ValidImax lists the cable current ratings in amps. 0 means no cable
// rating is known.
var ValidImax = []int{0, 13, 20, 32, 64}

func IsValidImax(v int) bool {
	for _, imax := range ValidImax {
		if imax == v {
			return true
		}
	}
	return false
}

// State is owned by the engine loop and never shared.
type State struct {
	Plugged        bool
	PowerRequested bool
	RelayClosed    bool
	CableImax      int
	Pwm            codec.PwmState
	Duty           float32
	Slac           codec.SlacState
	Enabled        bool
}

// Decision is what Apply wants done after updating the state.
type Decision struct {
	// Command is written to the firmware immediately.
	Command *codec.Command
	// CallOut is posted as a deferred actuator job, after Command.
	CallOut *actuator.Action
	// Notify asks for a status notification.
	Notify bool
	// Fault tags an error event.
	Fault string
	// Ignored marks tolerated codes without policy.
	Ignored bool
}

// SetCableImax replaces the cable rating and reports whether it changed.
func (s *State) SetCableImax(imax int) bool {
	if s.CableImax == imax {
		return false
	}
	s.CableImax = imax
	return true
}
