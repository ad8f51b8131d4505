// Package transport sends enriched events to the remote collection endpoint.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/telhawk-systems/telhawk-warehouse/internal/authoriser"
	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
	"github.com/telhawk-systems/telhawk-warehouse/internal/metrics"
	"github.com/telhawk-systems/telhawk-warehouse/internal/models"
)

const (
	ContentTypeProtobuf = "application/protobuf"
	AcceptJSON          = "application/json"
)

// ErrNetwork is matched by every *TransportError.
var ErrNetwork = errors.New("network error")

// TransportError describes a dispatch that did not reach a successful
// response. Op is "authorise", "request", "send" or "status".
type TransportError struct {
	Op         string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Op == "status" {
		return fmt.Sprintf("dispatch to %s: response status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("dispatch to %s: %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetwork}
	}
	return []error{ErrNetwork, e.Err}
}

// HTTPDoer opens outbound connections. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Dispatcher struct {
	endpoint   string
	httpClient HTTPDoer
	auth       authoriser.Authoriser
	logger     *slog.Logger
}

type Option func(*Dispatcher)

// WithHTTPDoer replaces the default http.Client.
func WithHTTPDoer(doer HTTPDoer) Option {
	return func(d *Dispatcher) {
		d.httpClient = doer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New returns a Dispatcher posting to endpoint. Every request is bounded by
// timeout in addition to the caller's context.
func New(endpoint string, auth authoriser.Authoriser, timeout time.Duration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		auth:   auth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Endpoint() string {
	return d.endpoint
}

// Dispatch writes one event as the body of a single authenticated POST. An
// incomplete event fails with models.ErrMissingRequiredField before any
// connection is opened. Every other failure is a *TransportError.
func (d *Dispatcher) Dispatch(ctx context.Context, e models.Event) error {
	body, err := e.Marshal()
	if err != nil {
		metrics.EventsSent.WithLabelValues(metrics.StatusInvalid).Inc()
		return err
	}

	start := time.Now()
	err = d.post(ctx, body)
	elapsed := logging.Duration(time.Since(start).Milliseconds())

	if err != nil {
		metrics.EventsSent.WithLabelValues(metrics.StatusFailed).Inc()
		attrs := []any{logging.EventID(e.UUID()), logging.Endpoint(d.endpoint), elapsed}
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode != 0 {
			attrs = append(attrs, logging.Status(te.StatusCode))
		}
		d.logger.WarnContext(ctx, "event dispatch failed", append(attrs, logging.Error(err))...)
		return err
	}

	metrics.EventsSent.WithLabelValues(metrics.StatusOK).Inc()
	d.logger.DebugContext(ctx, "event dispatched", logging.EventID(e.UUID()), elapsed)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	token, err := d.auth.Authorisation(ctx)
	if err != nil {
		return &TransportError{Op: "authorise", Endpoint: d.endpoint, Err: err}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: "request", Endpoint: d.endpoint, Err: err}
	}
	request.Header.Set("Accept", AcceptJSON)
	request.Header.Set("Content-Type", ContentTypeProtobuf)
	request.Header.Set("Authorization", token)

	start := time.Now()
	resp, err := d.httpClient.Do(request)
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return &TransportError{Op: "send", Endpoint: d.endpoint, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "status", Endpoint: d.endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}
