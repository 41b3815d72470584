package codec

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode parses a frame received from the firmware.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, malformed("empty buffer")
	}

	var frame Frame
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEvent:
			if typ != protowire.VarintType {
				return 0, malformed("event has wire type %d", typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, malformed("event: %v", protowire.ParseError(n))
			}
			frame = Frame{Kind: FrameEvent, Event: Event(int32(v))}
			return n, nil
		case fieldMcuHeartbeat:
			if typ != protowire.BytesType {
				return 0, malformed("heartbeat has wire type %d", typ)
			}
			_, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, malformed("heartbeat: %v", protowire.ParseError(n))
			}
			frame = Frame{Kind: FrameHeartbeat}
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return Frame{}, err
	}

	switch {
	case frame.Kind == 0:
		return Frame{}, malformed("no message set")
	case frame.Kind == FrameEvent && !frame.Event.Known():
		return Frame{}, &UnknownEventCodeError{Code: int32(frame.Event)}
	}
	return frame, nil
}

// DecodeCommand parses a host-to-firmware message. It is the firmware side
// of Encode.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) == 0 {
		return Command{}, malformed("empty buffer")
	}

	var cmd Command
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldAllowPowerOn {
			if typ != protowire.VarintType {
				return 0, malformed("allow_power_on has wire type %d", typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, malformed("allow_power_on: %v", protowire.ParseError(n))
			}
			cmd = AllowPowerOn(protowire.DecodeBool(v))
			return n, nil
		}

		var kind CommandKind
		switch num {
		case fieldSetPwm:
			kind = CmdSetPwm
		case fieldEnable:
			kind = CmdEnable
		case fieldDisable:
			kind = CmdDisable
		case fieldCpuHeartbeat:
			kind = CmdHeartbeat
		case fieldSetSlac:
			kind = CmdSetSlac
		default:
			return skip(num, typ, b)
		}
		if typ != protowire.BytesType {
			return 0, malformed("field %d has wire type %d", num, typ)
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, malformed("field %d: %v", num, protowire.ParseError(n))
		}

		cmd = Command{Kind: kind}
		switch kind {
		case CmdSetPwm:
			return n, decodeSetPwm(msg, &cmd)
		case CmdSetSlac:
			return n, walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fieldState && typ == protowire.VarintType {
					v, n := protowire.ConsumeVarint(b)
					if n < 0 {
						return 0, malformed("slac state: %v", protowire.ParseError(n))
					}
					cmd.Slac = SlacState(int32(v))
					return n, nil
				}
				return skip(num, typ, b)
			})
		}
		return n, nil
	})
	if err != nil {
		return Command{}, err
	}
	if cmd.Kind == 0 {
		return Command{}, malformed("no message set")
	}
	return cmd, nil
}

func decodeSetPwm(msg []byte, cmd *Command) error {
	return walk(msg, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldState && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, malformed("pwm state: %v", protowire.ParseError(n))
			}
			cmd.Pwm = PwmState(int32(v))
			return n, nil
		case num == fieldDutyCycle && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, malformed("duty cycle: %v", protowire.ParseError(n))
			}
			cmd.Duty = math.Float32frombits(v)
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// walk calls fn for every field in b. fn consumes the field value and
// returns the number of bytes used.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, malformed("field %d: %v", num, protowire.ParseError(n))
	}
	return n, nil
}
