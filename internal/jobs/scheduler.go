// Package jobs runs deferred, watchdog-bounded work off the engine loop.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/evse-service/internal/log"
)

var (
	ErrWatchdogExceeded = errors.New("watchdog exceeded")
	ErrQueueFull        = errors.New("job queue full")
	ErrClosed           = errors.New("scheduler stopped")
)

// Job is a unit of deferred work. Everything Run needs must be captured by
// value when the job is built.
type Job struct {
	ID       uint64
	Name     string
	Delay    time.Duration
	Watchdog time.Duration
	Run      func(ctx context.Context) error
}

type Result struct {
	Job     Job
	Err     error
	Elapsed time.Duration
}

type queued struct {
	job  Job
	due  time.Time
	done func(Result)
}

// Scheduler executes jobs one at a time in the order they were posted.
type Scheduler struct {
	logger *log.Logger
	queue  chan queued

	mu      sync.Mutex
	stopped bool
}

func NewScheduler(logger *log.Logger, depth int) *Scheduler {
	return &Scheduler{
		logger: logger,
		queue:  make(chan queued, depth),
	}
}

// Post queues a job without blocking. done is called from the worker
// goroutine once the job has finished or its watchdog fired.
func (s *Scheduler) Post(job Job, done func(Result)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrClosed
	}

	select {
	case s.queue <- queued{job: job, due: time.Now().Add(job.Delay), done: done}:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s job %d", ErrQueueFull, job.Name, job.ID)
	}
}

// Run is the worker loop. It returns when ctx is done; queued jobs are
// discarded.
func (s *Scheduler) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-s.queue:
			if wait := time.Until(q.due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}

			res := s.execute(ctx, q.job)
			if ctx.Err() != nil {
				return nil
			}
			if q.done != nil {
				q.done(res)
			}
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) Result {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, job.Watchdog)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- job.Run(jobCtx)
	}()

	var err error
	select {
	case err = <-errc:
	case <-jobCtx.Done():
		// the call itself is left to finish on its own
		err = fmt.Errorf("%w: %s job %d after %v", ErrWatchdogExceeded, job.Name, job.ID, job.Watchdog)
	}

	res := Result{Job: job, Err: err, Elapsed: time.Since(start)}
	s.logger.Debugf("Job %s/%d finished in %v (err=%v)", job.Name, job.ID, res.Elapsed, err)
	return res
}
