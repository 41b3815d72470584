package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// HighToLow field numbers.
const (
	fieldSetPwm       protowire.Number = 1
	fieldAllowPowerOn protowire.Number = 2
	fieldEnable       protowire.Number = 3
	fieldDisable      protowire.Number = 4
	fieldCpuHeartbeat protowire.Number = 5
	fieldSetSlac      protowire.Number = 6
)

// LowToHigh field numbers.
const (
	fieldEvent        protowire.Number = 1
	fieldMcuHeartbeat protowire.Number = 2
)

// Nested SetPwm / SetSlac field numbers.
const (
	fieldState     protowire.Number = 1
	fieldDutyCycle protowire.Number = 2
)

// Encode serializes a command for the firmware.
func Encode(cmd Command) ([]byte, error) {
	var b []byte

	switch cmd.Kind {
	case CmdSetPwm:
		if _, ok := pwmNames[cmd.Pwm]; !ok {
			return nil, fmt.Errorf("%w: invalid pwm state %d", ErrEncoding, cmd.Pwm)
		}
		if math.IsNaN(float64(cmd.Duty)) || math.IsInf(float64(cmd.Duty), 0) {
			return nil, fmt.Errorf("%w: duty cycle is not finite", ErrEncoding)
		}
		var msg []byte
		msg = appendEnum(msg, fieldState, int32(cmd.Pwm))
		if cmd.Duty != 0 {
			msg = protowire.AppendTag(msg, fieldDutyCycle, protowire.Fixed32Type)
			msg = protowire.AppendFixed32(msg, math.Float32bits(cmd.Duty))
		}
		b = appendMessage(b, fieldSetPwm, msg)
	case CmdAllowPowerOn:
		b = protowire.AppendTag(b, fieldAllowPowerOn, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(cmd.Allow))
	case CmdEnable:
		b = appendMessage(b, fieldEnable, nil)
	case CmdDisable:
		b = appendMessage(b, fieldDisable, nil)
	case CmdHeartbeat:
		b = appendMessage(b, fieldCpuHeartbeat, nil)
	case CmdSetSlac:
		if _, ok := slacNames[cmd.Slac]; !ok {
			return nil, fmt.Errorf("%w: invalid slac state %d", ErrEncoding, cmd.Slac)
		}
		b = appendMessage(b, fieldSetSlac, appendEnum(nil, fieldState, int32(cmd.Slac)))
	default:
		return nil, fmt.Errorf("%w: unknown command kind %d", ErrEncoding, cmd.Kind)
	}

	return b, nil
}

// EncodeFrame serializes a firmware-side frame. The engine never sends
// these; the simulator and tests do.
func EncodeFrame(f Frame) ([]byte, error) {
	switch f.Kind {
	case FrameHeartbeat:
		return appendMessage(nil, fieldMcuHeartbeat, nil), nil
	case FrameEvent:
		b := protowire.AppendTag(nil, fieldEvent, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(int64(f.Event))), nil
	}
	return nil, fmt.Errorf("%w: unknown frame kind %d", ErrEncoding, f.Kind)
}

// appendEnum omits the zero value, like any proto3 encoder.
func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
