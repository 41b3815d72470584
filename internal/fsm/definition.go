// Package fsm tracks the charging phase of the session. The phase is
// reported in status and metrics; control decisions never depend on it.
package fsm

import (
	"context"
	"errors"

	"github.com/librescoot/evse-service/internal/codec"
	"github.com/looplab/fsm"
)

var active = []string{StatePlugged, StateRequested, StateCharging}

// NewDefinition creates the charging phase machine in StateIdle.
func NewDefinition(actions Actions) *fsm.FSM {
	events := fsm.Events{
		{Name: EvPlug, Src: []string{StateIdle}, Dst: StatePlugged},
		{Name: EvRequest, Src: []string{StatePlugged}, Dst: StateRequested},
		// some firmware closes the relay without a separate request
		{Name: EvPowerOn, Src: []string{StatePlugged, StateRequested}, Dst: StateCharging},
		{Name: EvPowerOff, Src: []string{StateCharging}, Dst: StatePlugged},
		{Name: EvStop, Src: []string{StateRequested, StateCharging}, Dst: StatePlugged},
		{Name: EvUnplug, Src: append([]string{StateFault}, active...), Dst: StateIdle},

		// Faults latch until the car is unplugged
		{Name: EvFault, Src: append([]string{StateIdle}, active...), Dst: StateFault},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			actions.OnPhaseChange(e.Src, e.Dst, e.Event)
		},
	}

	return fsm.NewFSM(StateIdle, events, callbacks)
}

// Tracker drives the phase machine from firmware events.
type Tracker struct {
	machine *fsm.FSM
}

func NewTracker(actions Actions) *Tracker {
	return &Tracker{machine: NewDefinition(actions)}
}

// Fire advances the phase for ev and reports whether it changed. Events
// that do not apply in the current phase are not errors.
func (t *Tracker) Fire(ctx context.Context, ev codec.Event) (bool, error) {
	name, ok := EventFor(ev)
	if !ok {
		return false, nil
	}

	err := t.machine.Event(ctx, name)
	if err == nil {
		return true, nil
	}

	var invalid fsm.InvalidEventError
	var noTransition fsm.NoTransitionError
	if errors.As(err, &invalid) || errors.As(err, &noTransition) {
		return false, nil
	}
	return false, err
}

func (t *Tracker) Current() string {
	return t.machine.Current()
}
