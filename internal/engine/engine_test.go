package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/librescoot/evse-service/internal/actuator"
	"github.com/librescoot/evse-service/internal/codec"
	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/metrics"
	"github.com/librescoot/evse-service/internal/notify"
	"github.com/librescoot/evse-service/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// flakyChannel fails writes while failing is set and reads while
// readFailing is set.
type flakyChannel struct {
	transport.Channel
	failing     atomic.Bool
	readFailing atomic.Bool
}

func (f *flakyChannel) Write(p []byte) error {
	if f.failing.Load() {
		return transport.ErrTransport
	}
	return f.Channel.Write(p)
}

func (f *flakyChannel) Read(p []byte) (int, error) {
	if f.readFailing.Load() {
		return 0, fmt.Errorf("%w: read: input/output error", transport.ErrTransport)
	}
	return f.Channel.Read(p)
}

type harness struct {
	engine *Engine
	host   *flakyChannel
	fw     *transport.FdChannel
	calls  chan actuator.Action
	notes  chan notify.Notification
	errc   chan error

	// callFn, if set, runs inside the fake call-out
	callFn atomic.Value
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	host, fw, err := transport.Pair()
	require.NoError(t, err)

	h := &harness{
		host:  &flakyChannel{Channel: host},
		fw:    fw,
		calls: make(chan actuator.Action, 16),
		notes: make(chan notify.Notification, 64),
		errc:  make(chan error, 1),
	}

	caller := actuator.CallerFunc(func(ctx context.Context, action actuator.Action) error {
		h.calls <- action
		if fn, ok := h.callFn.Load().(func(context.Context, actuator.Action) error); ok {
			return fn(ctx, action)
		}
		return nil
	})

	logger := log.NewTest(t)
	notifier := notify.New(logger, time.Second)
	notifier.Subscribe(notify.Func{Name: "test", Fn: func(ctx context.Context, n notify.Notification) error {
		h.notes <- n
		return nil
	}})

	if cfg.JobWatchdog == 0 {
		cfg.JobWatchdog = 500 * time.Millisecond
	}
	if cfg.JobDelay == 0 {
		cfg.JobDelay = 5 * time.Millisecond
	}

	h.engine, err = New(cfg, h.host, caller, notifier, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.errc <- h.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
		host.Close()
		fw.Close()
	})

	// startup sequence
	assert.Equal(t, codec.SetPwm(codec.PwmOff, 0), h.expectCommand(t))
	assert.Equal(t, codec.Enable(), h.expectCommand(t))
	return h
}

func (h *harness) setCallFn(fn func(context.Context, actuator.Action) error) {
	h.callFn.Store(fn)
}

func (h *harness) send(t *testing.T, f codec.Frame) {
	t.Helper()
	b, err := codec.EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, h.fw.Write(b))
}

func (h *harness) sendEvent(t *testing.T, ev codec.Event) {
	t.Helper()
	h.send(t, codec.Frame{Kind: codec.FrameEvent, Event: ev})
}

// readCommand returns the next non-heartbeat command written by the engine.
func (h *harness) readCommand(t *testing.T, within time.Duration) (codec.Command, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	buf := make([]byte, codec.MaxFrameSize)
	for {
		if err := transport.WaitReadable(ctx, h.fw.Fd()); err != nil {
			return codec.Command{}, err
		}
		n, err := h.fw.Read(buf)
		require.NoError(t, err)
		cmd, err := codec.DecodeCommand(buf[:n])
		require.NoError(t, err)
		if cmd.Kind != codec.CmdHeartbeat {
			return cmd, nil
		}
	}
}

func (h *harness) expectCommand(t *testing.T) codec.Command {
	t.Helper()
	cmd, err := h.readCommand(t, time.Second)
	require.NoError(t, err, "expected a firmware command")
	return cmd
}

func (h *harness) expectNoCommand(t *testing.T, within time.Duration) {
	t.Helper()
	cmd, err := h.readCommand(t, within)
	if err == nil {
		t.Fatalf("unexpected firmware command %s", cmd)
	}
}

func (h *harness) expectCall(t *testing.T) actuator.Action {
	t.Helper()
	select {
	case a := <-h.calls:
		return a
	case <-time.After(time.Second):
		t.Fatal("expected an actuator call-out")
	}
	return ""
}

func (h *harness) expectNote(t *testing.T, event string) notify.Notification {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case n := <-h.notes:
			if n.Event == event {
				return n
			}
		case <-deadline:
			t.Fatalf("expected notification %s", event)
		}
	}
}

func (h *harness) status(t *testing.T) notify.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	return status
}

// sync waits until every frame sent so far has been handled, using a
// heartbeat as a marker.
func (h *harness) sync(t *testing.T) notify.Status {
	t.Helper()
	before := h.status(t).Heartbeats
	h.send(t, codec.Frame{Kind: codec.FrameHeartbeat})

	var status notify.Status
	require.Eventually(t, func() bool {
		status = h.status(t)
		return status.Heartbeats == before+1
	}, time.Second, 5*time.Millisecond)
	return status
}

func TestHeartbeatFramesCounted(t *testing.T) {
	h := newHarness(t, Config{})

	for i := 0; i < 3; i++ {
		h.send(t, codec.Frame{Kind: codec.FrameHeartbeat})
	}

	require.Eventually(t, func() bool {
		return h.status(t).Heartbeats == 3
	}, time.Second, 5*time.Millisecond)
	h.expectNoCommand(t, 50*time.Millisecond)
}

func TestHeartbeatEmitted(t *testing.T) {
	h := newHarness(t, Config{Heartbeat: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, transport.WaitReadable(ctx, h.fw.Fd()))

	buf := make([]byte, codec.MaxFrameSize)
	n, err := h.fw.Read(buf)
	require.NoError(t, err)
	cmd, err := codec.DecodeCommand(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, codec.Heartbeat(), cmd)
}

func TestUnknownEventCodeLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, Config{})
	before := h.status(t)

	h.send(t, codec.Frame{Kind: codec.FrameEvent, Event: codec.Event(77)})
	require.NoError(t, h.fw.Write([]byte{0x0a, 0x00})) // malformed
	after := h.sync(t)

	after.Heartbeats = before.Heartbeats
	assert.Equal(t, before, after)
	assert.Empty(t, h.calls)
	assert.Empty(t, h.notes)
	h.expectNoCommand(t, 50*time.Millisecond)
}

func TestRepeatedCableImaxNotifiesOnce(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendEvent(t, codec.EventCableImax32)
	h.sendEvent(t, codec.EventCableImax32)
	status := h.sync(t)

	assert.Equal(t, 32, status.CableImax)
	require.Len(t, h.notes, 1)
	n := <-h.notes
	assert.Equal(t, "cable-imax-32", n.Event)
	assert.Equal(t, 32, n.Status.CableImax)
}

func TestPluggedInLocksThenAllowsPower(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendEvent(t, codec.EventCarPluggedIn)

	assert.Equal(t, actuator.Lock, h.expectCall(t))
	assert.Equal(t, codec.AllowPowerOn(true), h.expectCommand(t))
	h.expectNote(t, "car-plugged-in")
	n := h.expectNote(t, "actuator-locked")
	assert.True(t, n.Status.Plugged)
	assert.Equal(t, "plugged", n.Status.Phase)

	assert.True(t, h.status(t).Plugged)
}

func TestUnplugWritesPwmOffBeforeUnlock(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendEvent(t, codec.EventCarPluggedIn)
	h.expectCall(t)
	h.expectCommand(t)
	h.sendEvent(t, codec.EventCableImax32)
	h.sync(t)

	pwmPending := make(chan bool, 1)
	h.setCallFn(func(ctx context.Context, action actuator.Action) error {
		if action == actuator.Unlock {
			fds := []unix.PollFd{{Fd: int32(h.fw.Fd()), Events: unix.POLLIN}}
			n, _ := unix.Poll(fds, 0)
			pwmPending <- n == 1
		}
		return nil
	})

	h.sendEvent(t, codec.EventCarUnplugged)

	assert.Equal(t, actuator.Unlock, h.expectCall(t))
	assert.True(t, <-pwmPending, "SetPwm(Off) must be written before the unlock call-out")
	assert.Equal(t, codec.SetPwm(codec.PwmOff, 0), h.expectCommand(t))
	assert.Equal(t, codec.AllowPowerOn(false), h.expectCommand(t))

	status := h.status(t)
	assert.False(t, status.Plugged)
	assert.Equal(t, "off", status.Pwm)
	assert.Equal(t, "idle", status.Phase)
}

func TestSetPwmRejectsBogusAction(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	err := h.engine.SetPwm(ctx, "bogus", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, h.engine.SetPwm(ctx, "on", 1.5), ErrInvalidArgument)
	// no vehicle
	assert.ErrorIs(t, h.engine.SetPwm(ctx, "on", 0.5), ErrInvalidArgument)

	h.expectNoCommand(t, 100*time.Millisecond)
	assert.Equal(t, "off", h.status(t).Pwm)
}

func TestSetPwm(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.sendEvent(t, codec.EventCarPluggedIn)
	h.expectCall(t)
	h.expectCommand(t)

	require.NoError(t, h.engine.SetPwm(ctx, "ON", 0.5))
	assert.Equal(t, codec.SetPwm(codec.PwmOn, 0.5), h.expectCommand(t))
	status := h.status(t)
	assert.Equal(t, "on", status.Pwm)
	assert.InDelta(t, 0.5, status.Duty, 1e-6)

	require.NoError(t, h.engine.SetPwm(ctx, "off", 0.7))
	assert.Equal(t, codec.SetPwm(codec.PwmOff, 0), h.expectCommand(t))
}

func TestHeartbeatWriteFailureKeepsEngineResponsive(t *testing.T) {
	h := newHarness(t, Config{Heartbeat: 10 * time.Millisecond})
	before := testutil.ToFloat64(metrics.HeartbeatWriteFailures)

	h.host.failing.Store(true)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.HeartbeatWriteFailures) > before
	}, time.Second, 5*time.Millisecond)

	h.sendEvent(t, codec.EventCarPluggedIn)
	assert.Equal(t, actuator.Lock, h.expectCall(t))
	assert.True(t, h.status(t).Plugged)
}

func TestCallOutFailureSendsNothing(t *testing.T) {
	h := newHarness(t, Config{})
	h.setCallFn(func(ctx context.Context, action actuator.Action) error {
		return errors.New("lock service unavailable")
	})

	h.sendEvent(t, codec.EventCarPluggedIn)
	h.expectCall(t)
	h.expectNoCommand(t, 100*time.Millisecond)

	// no rollback
	assert.True(t, h.status(t).Plugged)
}

func TestWatchdogAbortsCallOut(t *testing.T) {
	h := newHarness(t, Config{JobWatchdog: 30 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	h.setCallFn(func(ctx context.Context, action actuator.Action) error {
		if action == actuator.Lock {
			<-release
		}
		return nil
	})

	h.sendEvent(t, codec.EventCarPluggedIn)
	assert.Equal(t, actuator.Lock, h.expectCall(t))

	// the engine still handles events while the call hangs
	h.sendEvent(t, codec.EventCarUnplugged)
	assert.Equal(t, codec.SetPwm(codec.PwmOff, 0), h.expectCommand(t))
	assert.Equal(t, actuator.Unlock, h.expectCall(t))
	assert.Equal(t, codec.AllowPowerOn(false), h.expectCommand(t))
}

func TestSupersededLockIsDropped(t *testing.T) {
	h := newHarness(t, Config{JobDelay: 20 * time.Millisecond})

	h.sendEvent(t, codec.EventCarPluggedIn)
	h.sendEvent(t, codec.EventCarUnplugged)

	assert.Equal(t, codec.SetPwm(codec.PwmOff, 0), h.expectCommand(t))
	assert.Equal(t, actuator.Lock, h.expectCall(t))
	assert.Equal(t, actuator.Unlock, h.expectCall(t))
	assert.Equal(t, codec.AllowPowerOn(false), h.expectCommand(t))
	h.expectNoCommand(t, 50*time.Millisecond)
}

func TestRepeatedPowerRequestDeduplicated(t *testing.T) {
	h := newHarness(t, Config{})

	h.sendEvent(t, codec.EventCarPluggedIn)
	h.expectCall(t)
	h.expectCommand(t)

	h.sendEvent(t, codec.EventCarRequestedPower)
	assert.Equal(t, actuator.Lock, h.expectCall(t))
	h.expectCommand(t)

	h.sendEvent(t, codec.EventCarRequestedPower)
	status := h.sync(t)
	assert.True(t, status.PowerRequested)
	assert.Equal(t, "requested", status.Phase)

	h.expectNoCommand(t, 50*time.Millisecond)
	assert.Empty(t, h.calls)
}

func TestSetImax(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.SetImax(ctx, 16), ErrInvalidArgument)

	require.NoError(t, h.engine.SetImax(ctx, 20))
	h.expectNote(t, "imax-set")
	require.NoError(t, h.engine.SetImax(ctx, 20))
	assert.Empty(t, h.notes)
	assert.Equal(t, 20, h.status(t).CableImax)
}

func TestSetSlacAndEnable(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.SetSlac(ctx, "paired"), ErrInvalidArgument)

	require.NoError(t, h.engine.SetSlac(ctx, "matched"))
	assert.Equal(t, codec.SetSlac(codec.SlacMatched), h.expectCommand(t))

	require.NoError(t, h.engine.Enable(ctx, false))
	assert.Equal(t, codec.Disable(), h.expectCommand(t))

	require.NoError(t, h.engine.SetPower(ctx, true))
	assert.Equal(t, codec.AllowPowerOn(true), h.expectCommand(t))

	status := h.status(t)
	assert.Equal(t, "matched", status.Slac)
	assert.False(t, status.Enabled)
}

func TestVerbWriteFailureReturned(t *testing.T) {
	h := newHarness(t, Config{})
	h.host.failing.Store(true)

	err := h.engine.SetSlac(context.Background(), "running")
	assert.ErrorIs(t, err, transport.ErrTransport)
	assert.Equal(t, "undefined", h.status(t).Slac)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, Config{})
	sub := notify.Func{Name: "extra", Fn: func(ctx context.Context, n notify.Notification) error { return nil }}

	assert.True(t, h.engine.Subscribe(sub, true))
	assert.False(t, h.engine.Subscribe(sub, true))
	assert.True(t, h.engine.Subscribe(sub, false))
	assert.False(t, h.engine.Subscribe(sub, false))
}

func TestChannelLossStopsEngine(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.fw.Close())

	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, transport.ErrTransport)
		h.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after channel loss")
	}

	_, err := h.engine.Status(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSlowSubscriberDoesNotStallHeartbeats(t *testing.T) {
	h := newHarness(t, Config{Heartbeat: 20 * time.Millisecond})
	h.engine.Subscribe(notify.Func{Name: "stuck", Fn: func(ctx context.Context, n notify.Notification) error {
		<-ctx.Done()
		return ctx.Err()
	}}, true)

	h.sendEvent(t, codec.EventCarPluggedIn)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	heartbeats := 0
	buf := make([]byte, codec.MaxFrameSize)
	for transport.WaitReadable(ctx, h.fw.Fd()) == nil {
		n, err := h.fw.Read(buf)
		require.NoError(t, err)
		cmd, err := codec.DecodeCommand(buf[:n])
		require.NoError(t, err)
		if cmd.Kind == codec.CmdHeartbeat {
			heartbeats++
		}
	}

	// about 25 at this interval; a blocked loop manages one or two
	assert.GreaterOrEqual(t, heartbeats, 10)
	assert.True(t, h.status(t).Plugged)
}

func TestDroppedCallOutDoesNotSupersede(t *testing.T) {
	h := newHarness(t, Config{JobQueue: 1})

	release := make(chan struct{})
	h.setCallFn(func(ctx context.Context, action actuator.Action) error {
		<-release
		return nil
	})

	// first lock runs and blocks the worker, the second waits in the queue
	h.sendEvent(t, codec.EventCarPluggedIn)
	assert.Equal(t, actuator.Lock, h.expectCall(t))
	h.sendEvent(t, codec.EventCarRequestedPower)

	// queue full: the unlock is dropped
	h.sendEvent(t, codec.EventPowerOff)
	h.sync(t)
	close(release)

	assert.Equal(t, actuator.Lock, h.expectCall(t))
	assert.Equal(t, codec.AllowPowerOn(true), h.expectCommand(t))
	h.expectNoCommand(t, 50*time.Millisecond)
	assert.Empty(t, h.calls)
}

func TestRepeatedReadFailuresStopEngine(t *testing.T) {
	h := newHarness(t, Config{})
	readErrors := metrics.FrameErrors.WithLabelValues("read")
	before := testutil.ToFloat64(readErrors)

	h.host.readFailing.Store(true)
	h.send(t, codec.Frame{Kind: codec.FrameHeartbeat})

	select {
	case err := <-h.errc:
		assert.ErrorIs(t, err, transport.ErrTransport)
		assert.ErrorContains(t, err, "consecutive read failures")
		h.errc <- err
	case <-time.After(2 * time.Second):
		t.Fatal("engine kept reading a failing channel")
	}

	assert.Equal(t, before+maxReadFailures, testutil.ToFloat64(readErrors))
}
