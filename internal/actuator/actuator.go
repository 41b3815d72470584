// Package actuator performs the lock/unlock call-out to the connector lock
// service.
package actuator

import (
	"context"
	"errors"
	"fmt"

	"github.com/librescoot/evse-service/internal/log"
)

var ErrCallOut = errors.New("actuator call-out failed")

// Action is the "action" argument of the call-out.
type Action string

const (
	Lock   Action = "on"
	Unlock Action = "off"
)

func (a Action) Name() string {
	if a == Lock {
		return "lock"
	}
	return "unlock"
}

// Caller performs one synchronous call-out.
type Caller interface {
	Call(ctx context.Context, action Action) error
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, action Action) error

func (f CallerFunc) Call(ctx context.Context, action Action) error {
	return f(ctx, action)
}

// DryRun logs call-outs instead of performing them.
type DryRun struct {
	logger *log.Logger
}

func NewDryRun(logger *log.Logger) *DryRun {
	return &DryRun{logger: logger}
}

func (d *DryRun) Call(ctx context.Context, action Action) error {
	d.logger.Infof("DRY RUN: Would %s connector (action=%s)", action.Name(), action)
	return nil
}

func callOutError(target string, action Action, err error) error {
	return fmt.Errorf("%w: %s action=%s: %v", ErrCallOut, target, action, err)
}
