// Package audit records who changed what. Recording is fire-and-forget: a
// slow or failing backend never blocks or fails the operation being audited.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one audited action.
type Entry struct {
	ActorID   string            `json:"actor_id"`
	ActorName string            `json:"actor_name"`
	ActorRole string            `json:"actor_role,omitempty"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink accepts entries without blocking the caller.
type Sink interface {
	Record(entry Entry)
}

// Publisher delivers an entry to a backend and may fail.
type Publisher interface {
	Publish(ctx context.Context, entry Entry) error
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(Entry) {}

// LogPublisher writes entries to a zerolog logger.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("type", "audit").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Entry) error {
	evt := p.logger.Info().
		Str("actor_id", e.ActorID).
		Str("actor_name", e.ActorName).
		Str("actor_role", e.ActorRole).
		Str("action", e.Action).
		Time("at", e.Timestamp)
	if e.RequestID != "" {
		evt = evt.Str("request_id", e.RequestID)
	}
	if len(e.Details) > 0 {
		dict := zerolog.Dict()
		for k, v := range e.Details {
			dict = dict.Str(k, v)
		}
		evt = evt.Dict("details", dict)
	}
	evt.Msg("audit")
	return nil
}

// Fallback publishes to primary and, if that fails, to secondary.
type Fallback struct {
	Primary   Publisher
	Secondary Publisher
}

func (f Fallback) Publish(ctx context.Context, e Entry) error {
	if err := f.Primary.Publish(ctx, e); err != nil {
		if f.Secondary == nil {
			return err
		}
		return f.Secondary.Publish(ctx, e)
	}
	return nil
}

// Async is a Sink backed by a bounded queue and one delivery goroutine.
// Entries are dropped, and counted, when the queue is full.
type Async struct {
	pub     Publisher
	queue   chan Entry
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	dropped atomic.Int64
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// NewAsync starts the delivery goroutine. Call Close to drain it.
func NewAsync(pub Publisher, buffer int, timeout time.Duration, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		pub:     pub,
		queue:   make(chan Entry, buffer),
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
		a.logger.Warn().Str("action", e.Action).Msg("audit queue full, entry dropped")
	}
}

// Dropped returns how many entries were discarded.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.pub.Publish(ctx, e); err != nil {
			a.logger.Error().Err(err).Str("action", e.Action).Str("actor_id", e.ActorID).Msg("failed to publish audit entry")
		}
		cancel()
	}
}

// Close stops accepting entries and waits for queued ones to be delivered or
// for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.closeMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.closeMu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ctxKey struct{}

// WithRequestID stores the request id so entries recorded deeper in the call
// chain can be correlated with the access log.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
