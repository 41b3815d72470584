// Package codec converts between engine values and the protobuf frames
// exchanged with the charger firmware over rpmsg.
//
// Host to firmware (HighToLow, oneof):
//
//	1 set_pwm        { 1 state PwmState, 2 duty_cycle float }
//	2 allow_power_on bool
//	3 enable         {}
//	4 disable        {}
//	5 heartbeat      {}
//	6 set_slac       { 1 state SlacState }
//
// Firmware to host (LowToHigh, oneof):
//
//	1 event     Iec61851Event
//	2 heartbeat {}
package codec

import (
	"fmt"
	"strings"
)

const (
	// MaxFrameSize is the read buffer size; the firmware never sends more.
	MaxFrameSize = 256
	// MinFrameSize is the smallest valid frame (a bare heartbeat).
	MinFrameSize = 2
)

type PwmState int32

const (
	PwmOff PwmState = iota
	PwmOn
	PwmFault
)

var pwmNames = map[PwmState]string{
	PwmOff:   "off",
	PwmOn:    "on",
	PwmFault: "fail",
}

func (s PwmState) String() string {
	if name, ok := pwmNames[s]; ok {
		return name
	}
	return fmt.Sprintf("pwm(%d)", int32(s))
}

// ParsePwmState accepts on, off and fail in any case.
func ParsePwmState(s string) (PwmState, bool) {
	for state, name := range pwmNames {
		if strings.EqualFold(s, name) {
			return state, true
		}
	}
	return 0, false
}

type SlacState int32

const (
	SlacUndefined SlacState = iota
	SlacRunning
	SlacMatched
	SlacNotMatched
)

var slacNames = map[SlacState]string{
	SlacUndefined:  "undefined",
	SlacRunning:    "running",
	SlacMatched:    "matched",
	SlacNotMatched: "not-matched",
}

func (s SlacState) String() string {
	if name, ok := slacNames[s]; ok {
		return name
	}
	return fmt.Sprintf("slac(%d)", int32(s))
}

// ParseSlacState accepts the kebab-case names and their underscore forms.
func ParseSlacState(s string) (SlacState, bool) {
	s = strings.ReplaceAll(strings.ToLower(s), "_", "-")
	for state, name := range slacNames {
		if s == name {
			return state, true
		}
	}
	return 0, false
}

// Event is an IEC 61851 event code reported by the firmware.
type Event int32

const (
	EventCarPluggedIn Event = iota
	EventCarRequestedPower
	EventPowerOn
	EventPowerOff
	EventCarRequestedStopPower
	EventCarUnplugged
	EventErrorPilot
	EventErrorDiode
	EventErrorRelay
	EventErrorResidualCurrent
	EventErrorVentilation
	EventErrorOverCurrent
	EventEnterBcd
	EventLeaveBcd
	EventPermanentFault
	EventReplugStarted
	EventReplugFinished
	EventCableImax13
	EventCableImax20
	EventCableImax32
	EventCableImax64
)

var eventNames = map[Event]string{
	EventCarPluggedIn:          "car-plugged-in",
	EventCarRequestedPower:     "car-requested-power",
	EventPowerOn:               "power-on",
	EventPowerOff:              "power-off",
	EventCarRequestedStopPower: "car-requested-stop-power",
	EventCarUnplugged:          "car-unplugged",
	EventErrorPilot:            "error-pilot",
	EventErrorDiode:            "error-diode",
	EventErrorRelay:            "error-relay",
	EventErrorResidualCurrent:  "error-residual-current",
	EventErrorVentilation:      "error-ventilation-not-available",
	EventErrorOverCurrent:      "error-over-current",
	EventEnterBcd:              "enter-bcd",
	EventLeaveBcd:              "leave-bcd",
	EventPermanentFault:        "permanent-fault",
	EventReplugStarted:         "replug-started",
	EventReplugFinished:        "replug-finished",
	EventCableImax13:           "cable-imax-13",
	EventCableImax20:           "cable-imax-20",
	EventCableImax32:           "cable-imax-32",
	EventCableImax64:           "cable-imax-64",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int32(e))
}

// Known reports whether e is a code this firmware generation defines.
func (e Event) Known() bool {
	_, ok := eventNames[e]
	return ok
}

type FrameKind int

const (
	FrameHeartbeat FrameKind = iota + 1
	FrameEvent
)

// Frame is a decoded firmware message.
type Frame struct {
	Kind  FrameKind
	Event Event
}

func (f Frame) String() string {
	if f.Kind == FrameHeartbeat {
		return "heartbeat"
	}
	return f.Event.String()
}

type CommandKind int

const (
	CmdSetPwm CommandKind = iota + 1
	CmdAllowPowerOn
	CmdEnable
	CmdDisable
	CmdHeartbeat
	CmdSetSlac
)

var commandNames = map[CommandKind]string{
	CmdSetPwm:       "set-pwm",
	CmdAllowPowerOn: "allow-power-on",
	CmdEnable:       "enable",
	CmdDisable:      "disable",
	CmdHeartbeat:    "heartbeat",
	CmdSetSlac:      "set-slac",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is an instruction for the firmware. Only the fields belonging to
// Kind are meaningful.
type Command struct {
	Kind  CommandKind
	Allow bool
	Pwm   PwmState
	Duty  float32
	Slac  SlacState
}

func Enable() Command                 { return Command{Kind: CmdEnable} }
func Disable() Command                { return Command{Kind: CmdDisable} }
func Heartbeat() Command              { return Command{Kind: CmdHeartbeat} }
func AllowPowerOn(allow bool) Command { return Command{Kind: CmdAllowPowerOn, Allow: allow} }
func SetSlac(state SlacState) Command { return Command{Kind: CmdSetSlac, Slac: state} }

func SetPwm(state PwmState, duty float32) Command {
	return Command{Kind: CmdSetPwm, Pwm: state, Duty: duty}
}

func (c Command) String() string {
	switch c.Kind {
	case CmdSetPwm:
		return fmt.Sprintf("set-pwm(%s, %.2f)", c.Pwm, c.Duty)
	case CmdAllowPowerOn:
		return fmt.Sprintf("allow-power-on(%t)", c.Allow)
	case CmdSetSlac:
		return fmt.Sprintf("set-slac(%s)", c.Slac)
	}
	return c.Kind.String()
}
