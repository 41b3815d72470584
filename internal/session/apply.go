package session

import (
	"github.com/librescoot/evse-service/internal/actuator"
	"github.com/librescoot/evse-service/internal/codec"
)

var cableImax = map[codec.Event]int{
	codec.EventCableImax13: 13,
	codec.EventCableImax20: 20,
	codec.EventCableImax32: 32,
	codec.EventCableImax64: 64,
}

var faults = map[codec.Event]string{
	codec.EventErrorPilot:           "pilot",
	codec.EventErrorDiode:           "diode",
	codec.EventErrorRelay:           "relay",
	codec.EventErrorResidualCurrent: "residual-current",
}

// Apply updates st for a firmware event and returns the resulting action.
func Apply(ev codec.Event, st *State) Decision {
	switch ev {
	case codec.EventCarPluggedIn:
		st.Plugged = true
		st.Pwm, st.Duty = codec.PwmOff, 0
		return Decision{CallOut: callOut(actuator.Lock), Notify: true}

	case codec.EventCarUnplugged:
		st.Plugged = false
		st.Pwm, st.Duty = codec.PwmOff, 0
		cmd := codec.SetPwm(codec.PwmOff, 0)
		return Decision{Command: &cmd, CallOut: callOut(actuator.Unlock), Notify: true}

	case codec.EventCarRequestedPower:
		// a repeated request is not an authorization trigger
		if st.PowerRequested {
			return Decision{}
		}
		st.PowerRequested = true
		return Decision{CallOut: callOut(actuator.Lock), Notify: true}

	case codec.EventCarRequestedStopPower:
		st.PowerRequested = false
		st.CableImax = 0
		return Decision{CallOut: callOut(actuator.Unlock), Notify: true}

	case codec.EventPowerOn:
		st.RelayClosed = true
		return Decision{Notify: true}

	case codec.EventPowerOff:
		st.RelayClosed = false
		return Decision{CallOut: callOut(actuator.Unlock), Notify: true}

	case codec.EventErrorPilot, codec.EventErrorDiode, codec.EventErrorRelay, codec.EventErrorResidualCurrent:
		return Decision{Notify: true, Fault: faults[ev]}

	case codec.EventCableImax13, codec.EventCableImax20, codec.EventCableImax32, codec.EventCableImax64:
		return Decision{Notify: st.SetCableImax(cableImax[ev])}

	default:
		return Decision{Ignored: true}
	}
}

func callOut(a actuator.Action) *actuator.Action {
	return &a
}
