package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/pkg/apperr"
)

// Resilient bounds every call with a timeout and retries idempotent reads
// once when the backend reports ErrUnavailable. Writes are never retried
// here; callers that need retries re-read and use Replace.
type Resilient struct {
	next    Store
	timeout time.Duration
	logger  zerolog.Logger
}

func NewResilient(next Store, timeout time.Duration, logger zerolog.Logger) *Resilient {
	return &Resilient{next: next, timeout: timeout, logger: logger}
}

func (r *Resilient) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Resilient) read(ctx context.Context, op, collection string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		callCtx, cancel := r.bound(ctx)
		err := fn(callCtx)
		cancel()
		if err == nil || !errors.Is(err, apperr.ErrUnavailable) || attempt > 1 || ctx.Err() != nil {
			return err
		}
		r.logger.Warn().Err(err).Str("op", op).Str("collection", collection).Msg("store unavailable, retrying read")
	}
}

func (r *Resilient) write(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := r.bound(ctx)
	defer cancel()
	return fn(callCtx)
}

func (r *Resilient) Get(ctx context.Context, collection, id string) (*Document, error) {
	var doc *Document
	err := r.read(ctx, "get", collection, func(ctx context.Context) error {
		var err error
		doc, err = r.next.Get(ctx, collection, id)
		return err
	})
	return doc, err
}

func (r *Resilient) Query(ctx context.Context, collection string, filter Filter) ([]*Document, error) {
	var docs []*Document
	err := r.read(ctx, "query", collection, func(ctx context.Context) error {
		var err error
		docs, err = r.next.Query(ctx, collection, filter)
		return err
	})
	return docs, err
}

func (r *Resilient) Insert(ctx context.Context, collection string, doc *Document) error {
	return r.write(ctx, func(ctx context.Context) error { return r.next.Insert(ctx, collection, doc) })
}

func (r *Resilient) Put(ctx context.Context, collection string, doc *Document) error {
	return r.write(ctx, func(ctx context.Context) error { return r.next.Put(ctx, collection, doc) })
}

func (r *Resilient) Replace(ctx context.Context, collection string, doc *Document, expectedVersion int64) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.next.Replace(ctx, collection, doc, expectedVersion)
	})
}

func (r *Resilient) Delete(ctx context.Context, collection, id string) error {
	return r.write(ctx, func(ctx context.Context) error { return r.next.Delete(ctx, collection, id) })
}

func (r *Resilient) DeleteVersion(ctx context.Context, collection, id string, expectedVersion int64) error {
	return r.write(ctx, func(ctx context.Context) error {
		return r.next.DeleteVersion(ctx, collection, id, expectedVersion)
	})
}

func (r *Resilient) Ping(ctx context.Context) error {
	return r.write(ctx, r.next.Ping)
}
