// Package engine runs the EVSE protocol: it reads firmware frames, keeps the
// session state, and issues firmware commands and actuator call-outs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/librescoot/evse-service/internal/actuator"
	"github.com/librescoot/evse-service/internal/codec"
	"github.com/librescoot/evse-service/internal/fsm"
	"github.com/librescoot/evse-service/internal/jobs"
	"github.com/librescoot/evse-service/internal/log"
	"github.com/librescoot/evse-service/internal/metrics"
	"github.com/librescoot/evse-service/internal/notify"
	"github.com/librescoot/evse-service/internal/session"
	"github.com/librescoot/evse-service/internal/transport"
)

type Config struct {
	// Heartbeat is the keep-alive interval; 0 disables it.
	Heartbeat time.Duration
	// JobDelay defers actuator call-outs out of event handling.
	JobDelay time.Duration
	// JobWatchdog bounds each call-out.
	JobWatchdog time.Duration
	// JobQueue is the number of call-outs that may be pending.
	JobQueue int
}

const (
	// Read errors in a row before the channel is considered lost.
	maxReadFailures = 10
	// readBackoff grows linearly with each consecutive read failure.
	readBackoff = 10 * time.Millisecond
)

var phases = []string{fsm.StateIdle, fsm.StatePlugged, fsm.StateRequested, fsm.StateCharging, fsm.StateFault}

type Engine struct {
	cfg      Config
	ch       transport.Channel
	caller   actuator.Caller
	notifier *notify.Notifier
	jobs     *jobs.Scheduler
	phase    *fsm.Tracker
	logger   *log.Logger

	events chan Event
	done   chan struct{}

	// owned by the loop
	state      session.State
	heartbeats uint64
	jobSeq     uint64

	heartbeat []byte
}

func New(cfg Config, ch transport.Channel, caller actuator.Caller, notifier *notify.Notifier, logger *log.Logger) (*Engine, error) {
	heartbeat, err := codec.Encode(codec.Heartbeat())
	if err != nil {
		return nil, fmt.Errorf("failed to encode heartbeat: %w", err)
	}
	if cfg.JobQueue <= 0 {
		cfg.JobQueue = 16
	}
	if cfg.JobWatchdog <= 0 {
		cfg.JobWatchdog = 250 * time.Millisecond
	}

	e := &Engine{
		cfg:       cfg,
		ch:        ch,
		caller:    caller,
		notifier:  notifier,
		jobs:      jobs.NewScheduler(logger.Named("jobs"), cfg.JobQueue),
		logger:    logger,
		events:    make(chan Event, 100),
		done:      make(chan struct{}),
		heartbeat: heartbeat,
	}
	e.phase = fsm.NewTracker(e)
	metrics.SetPhase(fsm.StateIdle, phases...)

	return e, nil
}

// Run initializes the firmware and processes events until ctx is done or
// the channel fails. A channel failure is returned; the engine does not
// reopen the channel.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	if err := e.initFirmware(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.notifier.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.jobs.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.readLoop(ctx)
	}()

	err := e.eventLoop(ctx)

	cancel()
	wg.Wait()
	return err
}

// initFirmware puts the firmware into a known state: PWM off, then enabled.
func (e *Engine) initFirmware() error {
	if err := e.write(codec.SetPwm(codec.PwmOff, 0)); err != nil {
		return fmt.Errorf("failed to initialize firmware: %w", err)
	}
	if err := e.write(codec.Enable()); err != nil {
		return fmt.Errorf("failed to initialize firmware: %w", err)
	}
	e.state.Enabled = true
	e.logger.Infof("Firmware initialized (heartbeat %v)", e.cfg.Heartbeat)
	return nil
}

// eventLoop processes all events sequentially, owning all engine state
func (e *Engine) eventLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if e.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(e.cfg.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			e.sendHeartbeat()
		case evt := <-e.events:
			if err := e.handleEvent(ctx, evt); err != nil {
				return err
			}
		}
	}
}

// handleEvent dispatches events to appropriate handlers
func (e *Engine) handleEvent(ctx context.Context, evt Event) error {
	switch evt.Type {
	case EventFrame:
		data := evt.Data.(FrameData)
		e.handleFrame(ctx, data.Bytes)
	case EventReadError:
		data := evt.Data.(ReadErrorData)
		return e.handleReadError(data)
	case EventJobDone:
		data := evt.Data.(JobDoneData)
		e.handleJobDone(ctx, data)
	case EventRequest:
		data := evt.Data.(RequestData)
		data.Reply <- data.Fn(ctx)
	}
	return nil
}

func (e *Engine) post(ctx context.Context, evt Event) {
	select {
	case e.events <- evt:
	case <-ctx.Done():
	}
}

// readLoop performs one read per readiness and hands the frame to the loop.
// Repeated read failures back off and eventually count as channel loss.
func (e *Engine) readLoop(ctx context.Context) {
	buf := make([]byte, codec.MaxFrameSize)
	failures := 0

	for {
		if err := transport.WaitReadable(ctx, e.ch.Fd()); err != nil {
			if ctx.Err() == nil {
				e.post(ctx, Event{Type: EventReadError, Data: ReadErrorData{Err: err, Fatal: true}})
			}
			return
		}

		n, err := e.ch.Read(buf)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, transport.ErrClosed):
			e.post(ctx, Event{Type: EventReadError, Data: ReadErrorData{Err: err, Fatal: true}})
			return
		case errors.Is(err, transport.ErrFrameTooLarge):
			failures = 0
			e.post(ctx, Event{Type: EventReadError, Data: ReadErrorData{Err: err}})
			continue
		case err != nil:
			failures++
			if failures >= maxReadFailures {
				err = fmt.Errorf("%d consecutive read failures: %w", failures, err)
				e.post(ctx, Event{Type: EventReadError, Data: ReadErrorData{Err: err, Fatal: true}})
				return
			}
			e.post(ctx, Event{Type: EventReadError, Data: ReadErrorData{Err: err}})
			if !sleep(ctx, time.Duration(failures)*readBackoff) {
				return
			}
			continue
		case n < codec.MinFrameSize:
			failures = 0
			e.post(ctx, Event{Type: EventReadError, Data: ReadErrorData{Err: fmt.Errorf("short read of %d bytes", n)}})
			continue
		}

		failures = 0
		frame := make([]byte, n)
		copy(frame, buf[:n])
		e.post(ctx, Event{Type: EventFrame, Data: FrameData{Bytes: frame}})
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) handleReadError(data ReadErrorData) error {
	metrics.FrameErrors.WithLabelValues("read").Inc()

	if !data.Fatal {
		e.logger.Warnf("Failed to read firmware frame: %v", data.Err)
		return nil
	}

	e.logger.Criticalf("Firmware channel lost: %v", data.Err)
	if errors.Is(data.Err, transport.ErrTransport) {
		return fmt.Errorf("firmware channel lost: %w", data.Err)
	}
	return fmt.Errorf("firmware channel lost: %w: %w", transport.ErrTransport, data.Err)
}

func (e *Engine) handleFrame(ctx context.Context, b []byte) {
	frame, err := codec.Decode(b)

	var unknown *codec.UnknownEventCodeError
	switch {
	case errors.As(err, &unknown):
		metrics.FrameErrors.WithLabelValues("unknown-code").Inc()
		e.logger.Debugf("Dropping frame with unknown event code %d", unknown.Code)
		return
	case err != nil:
		metrics.FrameErrors.WithLabelValues("malformed").Inc()
		e.logger.Warnf("Dropping frame % x: %v", b, err)
		return
	}

	if frame.Kind == codec.FrameHeartbeat {
		e.heartbeats++
		metrics.HeartbeatsReceived.Inc()
		return
	}

	e.handleFirmwareEvent(ctx, frame.Event)
}

func (e *Engine) handleFirmwareEvent(ctx context.Context, ev codec.Event) {
	metrics.FirmwareEvents.WithLabelValues(ev.String()).Inc()

	d := session.Apply(ev, &e.state)
	if d.Ignored {
		e.logger.Debugf("Ignoring firmware event %s", ev)
		return
	}
	e.logger.Infof("Firmware event: %s", ev)

	if _, err := e.phase.Fire(ctx, ev); err != nil {
		e.logger.Warnf("Phase tracker rejected %s: %v", ev, err)
	}
	e.updateGauges()

	// the immediate command always precedes the call-out
	if d.Command != nil {
		if err := e.write(*d.Command); err != nil {
			e.logger.Errorf("Failed to write %s after %s: %v", d.Command, ev, err)
		}
	}
	if d.CallOut != nil {
		e.postCallOut(ctx, *d.CallOut, ev)
	}
	if d.Notify {
		e.publish(ctx, ev.String(), d.Fault)
	}
}

func (e *Engine) postCallOut(ctx context.Context, action actuator.Action, trigger codec.Event) {
	caller := e.caller

	// a job that was never queued must not supersede the latest one
	job := jobs.Job{
		ID:       e.jobSeq + 1,
		Name:     action.Name(),
		Delay:    e.cfg.JobDelay,
		Watchdog: e.cfg.JobWatchdog,
		Run: func(ctx context.Context) error {
			return caller.Call(ctx, action)
		},
	}

	err := e.jobs.Post(job, func(res jobs.Result) {
		e.post(ctx, Event{Type: EventJobDone, Data: JobDoneData{Result: res, Action: action}})
	})
	if err != nil {
		metrics.CallOuts.WithLabelValues(action.Name(), "dropped").Inc()
		e.logger.Errorf("Failed to schedule %s after %s: %v", action.Name(), trigger, err)
		return
	}
	e.jobSeq = job.ID
	e.logger.Debugf("Scheduled %s (job %d) after %s", action.Name(), job.ID, trigger)
}

// handleJobDone forwards a successful call-out to the firmware. State is
// read fresh here; nothing captured when the job was posted is trusted.
func (e *Engine) handleJobDone(ctx context.Context, data JobDoneData) {
	res, action := data.Result, data.Action
	metrics.CallOutLatency.WithLabelValues(action.Name()).Observe(res.Elapsed.Seconds())

	switch {
	case errors.Is(res.Err, jobs.ErrWatchdogExceeded):
		metrics.CallOuts.WithLabelValues(action.Name(), "watchdog").Inc()
		e.logger.Errorf("Actuator %s aborted: %v", action.Name(), res.Err)
		return
	case res.Err != nil:
		metrics.CallOuts.WithLabelValues(action.Name(), "failed").Inc()
		e.logger.Errorf("Actuator %s failed: %v", action.Name(), res.Err)
		return
	}
	metrics.CallOuts.WithLabelValues(action.Name(), "success").Inc()

	if res.Job.ID != e.jobSeq {
		e.logger.Infof("Actuator %s (job %d) superseded by job %d, not forwarding", action.Name(), res.Job.ID, e.jobSeq)
		return
	}

	cmd := codec.AllowPowerOn(false)
	event := "actuator-unlocked"
	if action == actuator.Lock {
		if !e.state.Plugged {
			e.logger.Infof("Connector locked but vehicle is gone, not allowing power")
			return
		}
		cmd = codec.AllowPowerOn(true)
		event = "actuator-locked"
	}

	if err := e.write(cmd); err != nil {
		e.logger.Errorf("Failed to write %s after %s: %v", cmd, action.Name(), err)
		return
	}
	e.publish(ctx, event, "")
}

func (e *Engine) sendHeartbeat() {
	if err := e.ch.Write(e.heartbeat); err != nil {
		metrics.HeartbeatWriteFailures.Inc()
		e.logger.Criticalf("Failed to write heartbeat: %v", err)
	}
}

func (e *Engine) write(cmd codec.Command) error {
	b, err := codec.Encode(cmd)
	if err != nil {
		e.logger.Criticalf("Failed to encode %s: %v", cmd, err)
		return err
	}

	if err := e.ch.Write(b); err != nil {
		metrics.CommandsWritten.WithLabelValues(cmd.Kind.String(), "failed").Inc()
		return err
	}
	metrics.CommandsWritten.WithLabelValues(cmd.Kind.String(), "ok").Inc()
	e.logger.Debugf("Wrote %s", cmd)
	return nil
}

func (e *Engine) publish(ctx context.Context, event, fault string) {
	e.notifier.Publish(notify.Notification{
		Event:  event,
		Fault:  fault,
		Status: e.snapshot(),
		Time:   time.Now(),
	})
}

func (e *Engine) snapshot() notify.Status {
	return notify.Status{
		Plugged:        e.state.Plugged,
		PowerRequested: e.state.PowerRequested,
		RelayClosed:    e.state.RelayClosed,
		Enabled:        e.state.Enabled,
		CableImax:      e.state.CableImax,
		Pwm:            e.state.Pwm.String(),
		Duty:           e.state.Duty,
		Slac:           e.state.Slac.String(),
		Phase:          e.phase.Current(),
		Heartbeats:     e.heartbeats,
	}
}

func (e *Engine) updateGauges() {
	metrics.Plugged.Set(metrics.BoolGauge(e.state.Plugged))
	metrics.CableImax.Set(float64(e.state.CableImax))
}

// OnPhaseChange implements fsm.Actions.
func (e *Engine) OnPhaseChange(from, to, event string) {
	metrics.SetPhase(to, phases...)
	e.logger.Infof("Charging phase %s -> %s (%s)", from, to, event)
}
