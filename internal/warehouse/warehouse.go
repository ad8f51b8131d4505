// Package warehouse is the client facing entry point: it keeps the session
// identity of the current user and sends events on their behalf.
package warehouse

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/telhawk-systems/telhawk-warehouse/internal/dlq"
	"github.com/telhawk-systems/telhawk-warehouse/internal/enricher"
	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
	"github.com/telhawk-systems/telhawk-warehouse/internal/models"
	"github.com/telhawk-systems/telhawk-warehouse/internal/transport"
)

// Dispatcher delivers one complete event to the collection endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, e models.Event) error
}

type Warehouse struct {
	dispatcher Dispatcher
	enricher   *enricher.Enricher
	deadLetter dlq.Writer
	logger     *slog.Logger

	identity atomic.Pointer[enricher.Identity]
}

type Option func(*Warehouse)

func WithEnricher(en *enricher.Enricher) Option {
	return func(w *Warehouse) {
		w.enricher = en
	}
}

// WithDeadLetter records events whose dispatch failed with a transport error.
func WithDeadLetter(writer dlq.Writer) Option {
	return func(w *Warehouse) {
		w.deadLetter = writer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Warehouse) {
		w.logger = logger
	}
}

func New(dispatcher Dispatcher, opts ...Option) *Warehouse {
	w := &Warehouse{
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.enricher == nil {
		w.enricher = enricher.New(nil, nil)
	}

	id := enricher.NewIdentity()
	w.identity.Store(&id)
	return w
}

// SetUserID attaches id to every later event that has no user id of its own.
func (w *Warehouse) SetUserID(id int64) {
	w.update(func(cur enricher.Identity) enricher.Identity {
		return cur.WithUserID(id)
	})
}

// SetSessionID attaches id to every later event that has no session id of
// its own.
func (w *Warehouse) SetSessionID(id string) {
	w.update(func(cur enricher.Identity) enricher.Identity {
		return cur.WithSessionID(id)
	})
}

// ClearSessionID forgets the session. Later events without a session id of
// their own fail validation until a new one is set.
func (w *Warehouse) ClearSessionID() {
	w.update(enricher.Identity.WithoutSession)
}

func (w *Warehouse) Identity() enricher.Identity {
	return *w.identity.Load()
}

func (w *Warehouse) update(fn func(enricher.Identity) enricher.Identity) {
	for {
		cur := w.identity.Load()
		next := fn(*cur)
		if w.identity.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Send enriches e from the current identity and dispatches it. The enriched
// event is returned whether or not it was delivered. An incomplete event
// fails with models.ErrMissingRequiredField and nothing is sent; a delivery
// failure is returned as a *transport.TransportError.
func (w *Warehouse) Send(ctx context.Context, e models.Event) (models.Event, error) {
	enriched, err := w.enricher.EnrichAndValidate(e, w.Identity())
	if err != nil {
		w.logger.WarnContext(ctx, "event rejected before dispatch",
			logging.EventID(enriched.UUID()),
			logging.Error(err),
		)
		return enriched, err
	}

	if err := w.dispatcher.Dispatch(ctx, enriched); err != nil {
		w.recordFailure(ctx, enriched, err)
		return enriched, err
	}

	w.logger.DebugContext(ctx, "event sent", logging.EventID(enriched.UUID()))
	return enriched, nil
}

func (w *Warehouse) recordFailure(ctx context.Context, e models.Event, err error) {
	if w.deadLetter == nil || !errors.Is(err, transport.ErrNetwork) {
		return
	}

	failed := dlq.FailedEvent{
		EventID: e.UUID(),
		Payload: e.MarshalPartial(),
		Error:   err.Error(),
		Reason:  "send",
	}
	var te *transport.TransportError
	if errors.As(err, &te) {
		failed.Reason = te.Op
		failed.StatusCode = te.StatusCode
	}

	if dlqErr := w.deadLetter.Write(context.WithoutCancel(ctx), failed); dlqErr != nil {
		w.logger.ErrorContext(ctx, "failed to record undelivered event",
			logging.EventID(e.UUID()),
			logging.Error(dlqErr),
		)
	}
}
