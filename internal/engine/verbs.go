package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/librescoot/evse-service/internal/codec"
	"github.com/librescoot/evse-service/internal/notify"
	"github.com/librescoot/evse-service/internal/session"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStopped         = errors.New("engine stopped")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// submit runs fn on the engine loop and waits for its result.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	reply := make(chan error, 1)

	select {
	case e.events <- Event{Type: EventRequest, Data: RequestData{Fn: fn, Reply: reply}}:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds or removes sub from the notification set and reports
// whether membership changed.
func (e *Engine) Subscribe(sub notify.Subscriber, on bool) bool {
	if on {
		return e.notifier.Subscribe(sub)
	}
	return e.notifier.Unsubscribe(sub.ID())
}

// SetPwm commands the pilot PWM. action is on, off or fail in any case;
// duty is in [0, 1]. Only off is accepted while no vehicle is plugged in.
func (e *Engine) SetPwm(ctx context.Context, action string, duty float64) error {
	state, ok := codec.ParsePwmState(action)
	if !ok {
		return invalid("pwm action %q not one of on, off, fail", action)
	}
	if math.IsNaN(duty) || duty < 0 || duty > 1 {
		return invalid("duty cycle %v outside [0, 1]", duty)
	}
	if state == codec.PwmOff {
		duty = 0
	}

	return e.submit(ctx, func(ctx context.Context) error {
		if state != codec.PwmOff && !e.state.Plugged {
			return invalid("pwm %s refused while unplugged", state)
		}
		if err := e.write(codec.SetPwm(state, float32(duty))); err != nil {
			return err
		}
		e.state.Pwm, e.state.Duty = state, float32(duty)
		e.logger.Infof("PWM set to %s (duty %.2f)", state, duty)
		e.publish(ctx, "pwm-set", "")
		return nil
	})
}

// SetPower allows or forbids the firmware to close the relay.
func (e *Engine) SetPower(ctx context.Context, allow bool) error {
	return e.submit(ctx, func(ctx context.Context) error {
		if err := e.write(codec.AllowPowerOn(allow)); err != nil {
			return err
		}
		e.logger.Infof("Power allowed: %v", allow)
		return nil
	})
}

// SetImax overrides the cable current rating.
func (e *Engine) SetImax(ctx context.Context, imax int) error {
	if !session.IsValidImax(imax) {
		return invalid("imax %d not one of %v", imax, session.ValidImax)
	}

	return e.submit(ctx, func(ctx context.Context) error {
		if !e.state.SetCableImax(imax) {
			return nil
		}
		e.updateGauges()
		e.logger.Infof("Cable imax set to %d", imax)
		e.publish(ctx, "imax-set", "")
		return nil
	})
}

// SetSlac reports the SLAC matching state to the firmware.
func (e *Engine) SetSlac(ctx context.Context, status string) error {
	state, ok := codec.ParseSlacState(status)
	if !ok {
		return invalid("slac status %q not one of undefined, running, matched, not-matched", status)
	}

	return e.submit(ctx, func(ctx context.Context) error {
		if err := e.write(codec.SetSlac(state)); err != nil {
			return err
		}
		e.state.Slac = state
		e.publish(ctx, "slac-set", "")
		return nil
	})
}

// Enable enables or disables the charger.
func (e *Engine) Enable(ctx context.Context, on bool) error {
	cmd := codec.Disable()
	if on {
		cmd = codec.Enable()
	}

	return e.submit(ctx, func(ctx context.Context) error {
		if err := e.write(cmd); err != nil {
			return err
		}
		e.state.Enabled = on
		e.logger.Infof("Charger enabled: %v", on)
		e.publish(ctx, cmd.Kind.String(), "")
		return nil
	})
}

// Status returns a snapshot of the session.
func (e *Engine) Status(ctx context.Context) (notify.Status, error) {
	var status notify.Status
	err := e.submit(ctx, func(ctx context.Context) error {
		status = e.snapshot()
		return nil
	})
	return status, err
}
