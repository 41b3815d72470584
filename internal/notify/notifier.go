// Package notify fans status changes out to subscribers.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/librescoot/evse-service/internal/log"
)

// Status is a snapshot of the charging session.
type Status struct {
	Plugged        bool    `json:"plugged"`
	PowerRequested bool    `json:"power-requested"`
	RelayClosed    bool    `json:"relay-closed"`
	Enabled        bool    `json:"enabled"`
	CableImax      int     `json:"cable-imax"`
	Pwm            string  `json:"pwm"`
	Duty           float32 `json:"duty"`
	Slac           string  `json:"slac"`
	Phase          string  `json:"phase"`
	Heartbeats     uint64  `json:"heartbeats"`
}

// Fields renders the status as a flat string map for Redis hashes.
func (s Status) Fields() map[string]string {
	return map[string]string{
		"plugged":         onOff(s.Plugged),
		"power-requested": onOff(s.PowerRequested),
		"relay":           onOff(s.RelayClosed),
		"enabled":         onOff(s.Enabled),
		"cable-imax":      itoa(s.CableImax),
		"pwm":             s.Pwm,
		"duty":            ftoa(s.Duty),
		"slac":            s.Slac,
		"phase":           s.Phase,
		"heartbeats":      utoa(s.Heartbeats),
	}
}

type Notification struct {
	Event  string    `json:"event"`
	Fault  string    `json:"fault,omitempty"`
	Status Status    `json:"status"`
	Time   time.Time `json:"time"`
}

// Subscriber receives notifications. ID identifies it for membership.
type Subscriber interface {
	ID() string
	Notify(ctx context.Context, n Notification) error
}

// QueueDepth is the number of notifications that may wait for delivery.
const QueueDepth = 64

// Notifier holds the subscriber set. Published notifications are queued
// and delivered by Run, so a slow subscriber never blocks the publisher.
type Notifier struct {
	logger  *log.Logger
	timeout time.Duration
	queue   chan Notification

	mu   sync.RWMutex
	subs map[string]Subscriber
}

func New(logger *log.Logger, timeout time.Duration) *Notifier {
	return &Notifier{
		logger:  logger,
		timeout: timeout,
		queue:   make(chan Notification, QueueDepth),
		subs:    make(map[string]Subscriber),
	}
}

// Subscribe adds sub and reports whether it was not yet a member.
func (n *Notifier) Subscribe(sub Subscriber) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[sub.ID()]; ok {
		return false
	}
	n.subs[sub.ID()] = sub
	n.logger.Infof("Subscriber %s added", sub.ID())
	return true
}

// Unsubscribe removes the subscriber with the given id and reports whether
// it was a member.
func (n *Notifier) Unsubscribe(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[id]; !ok {
		return false
	}
	delete(n.subs, id)
	n.logger.Infof("Subscriber %s removed", id)
	return true
}

func (n *Notifier) Subscribers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Publish queues note for delivery without blocking. When the queue is
// full the notification is dropped and false is returned.
func (n *Notifier) Publish(note Notification) bool {
	if note.Time.IsZero() {
		note.Time = time.Now()
	}

	select {
	case n.queue <- note:
		return true
	default:
		n.logger.Warnf("Notification queue full, dropping %s", note.Event)
		return false
	}
}

// Run delivers queued notifications in order until ctx is done. Pending
// notifications are discarded on return.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case note := <-n.queue:
			n.Deliver(ctx, note)
		}
	}
}

// Deliver sends note to every subscriber, each bounded by the notifier
// timeout. A failing subscriber is logged and does not affect the others.
func (n *Notifier) Deliver(ctx context.Context, note Notification) {
	if note.Time.IsZero() {
		note.Time = time.Now()
	}

	n.mu.RLock()
	subs := make([]Subscriber, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.RUnlock()

	for _, sub := range subs {
		subCtx, cancel := context.WithTimeout(ctx, n.timeout)
		if err := sub.Notify(subCtx, note); err != nil {
			n.logger.Warnf("Failed to notify %s of %s: %v", sub.ID(), note.Event, err)
		}
		cancel()
	}
}

// Func is a subscriber backed by a callback.
type Func struct {
	Name string
	Fn   func(ctx context.Context, n Notification) error
}

func (f Func) ID() string {
	return f.Name
}

func (f Func) Notify(ctx context.Context, n Notification) error {
	return f.Fn(ctx, n)
}
