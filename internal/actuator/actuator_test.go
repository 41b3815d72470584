package actuator

import (
	"context"
	"errors"
	"testing"

	"github.com/librescoot/evse-service/internal/log"
	"github.com/stretchr/testify/assert"
)

func TestActionNames(t *testing.T) {
	assert.Equal(t, "lock", Lock.Name())
	assert.Equal(t, "unlock", Unlock.Name())
	assert.Equal(t, "on", string(Lock))
	assert.Equal(t, "off", string(Unlock))
}

func TestLineValue(t *testing.T) {
	assert.Equal(t, 1, lineValue(true, false))
	assert.Equal(t, 0, lineValue(false, false))
	assert.Equal(t, 0, lineValue(true, true))
	assert.Equal(t, 1, lineValue(false, true))
}

func TestDryRun(t *testing.T) {
	assert.NoError(t, NewDryRun(log.NewTest(t)).Call(context.Background(), Lock))
}

func TestCallOutErrorWraps(t *testing.T) {
	var calls []Action
	caller := CallerFunc(func(ctx context.Context, action Action) error {
		calls = append(calls, action)
		return callOutError("lock.service", action, errors.New("no reply"))
	})

	err := caller.Call(context.Background(), Unlock)
	assert.ErrorIs(t, err, ErrCallOut)
	assert.Contains(t, err.Error(), "action=off")
	assert.Equal(t, []Action{Unlock}, calls)
}
