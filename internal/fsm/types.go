package fsm

import (
	"github.com/librescoot/evse-service/internal/codec"
)

// Charging phases
const (
	StateIdle      = "idle"
	StatePlugged   = "plugged"
	StateRequested = "requested"
	StateCharging  = "charging"
	StateFault     = "fault"
)

// Events
const (
	EvPlug     = "plug"
	EvUnplug   = "unplug"
	EvRequest  = "request"
	EvStop     = "stop"
	EvPowerOn  = "power-on"
	EvPowerOff = "power-off"
	EvFault    = "fault"
)

var firmwareEvents = map[codec.Event]string{
	codec.EventCarPluggedIn:          EvPlug,
	codec.EventCarUnplugged:          EvUnplug,
	codec.EventCarRequestedPower:     EvRequest,
	codec.EventCarRequestedStopPower: EvStop,
	codec.EventPowerOn:               EvPowerOn,
	codec.EventPowerOff:              EvPowerOff,
	codec.EventErrorPilot:            EvFault,
	codec.EventErrorDiode:            EvFault,
	codec.EventErrorRelay:            EvFault,
	codec.EventErrorResidualCurrent:  EvFault,
}

// EventFor maps a firmware event to the phase event it drives, if any.
func EventFor(ev codec.Event) (string, bool) {
	name, ok := firmwareEvents[ev]
	return name, ok
}

// Actions receives phase changes. The engine implements this interface.
type Actions interface {
	OnPhaseChange(from, to, event string)
}
