// Package history exports launch state transitions to external stores.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gw2am/internal/launchstate"
)

// Event is one committed launch state transition.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	AccountID  string    `json:"account_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Certainty  string    `json:"certainty"`
	Note       string    `json:"note,omitempty"`
}

// FromTransition builds an Event from a state store transition.
func FromTransition(prev, next launchstate.Record) Event {
	return Event{
		OccurredAt: next.UpdatedAt.UTC(),
		AccountID:  next.AccountID,
		From:       string(prev.Phase),
		To:         string(next.Phase),
		Certainty:  string(next.Certainty),
		Note:       next.Note,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

// Recorder is a launchstate.Observer that ships events to sinks from a
// background goroutine. When the queue is full events are dropped rather
// than stalling state transitions.
type Recorder struct {
	sinks   []Sink
	ch      chan Event
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{sinks: sinks, ch: make(chan Event, defaultQueue), timeout: defaultTimeout}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Transition implements launchstate.Observer.
func (r *Recorder) Transition(prev, next launchstate.Record) {
	if len(r.sinks) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- FromTransition(prev, next):
	default:
		r.dropped++
		slog.Warn("history queue full, dropping event", "account", next.AccountID, "to", next.Phase)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "sink", describe(s), "account", e.AccountID, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events and closes every sink that is an io.Closer.
func (r *Recorder) Close() error {
	var errs []error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		r.wg.Wait()
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}

func describe(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}
