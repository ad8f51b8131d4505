// Package listener accepts raw event payloads from local processes and stores
// them in an event cache. Each connection carries exactly one payload: the
// peer writes it and closes, with no framing and no reply.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-warehouse/internal/cache"
	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
	"github.com/telhawk-systems/telhawk-warehouse/internal/metrics"
	"github.com/telhawk-systems/telhawk-warehouse/internal/ratelimit"
)

const (
	DefaultAddress         = "127.0.0.1:62666"
	DefaultMaxPayloadBytes = 1 << 20
	DefaultMaxConnections  = 64

	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second

	// stopGrace is how long Stop lets in-flight reads finish before it
	// aborts them.
	stopGrace = 250 * time.Millisecond
)

var (
	// ErrListenerFatal is matched by every *FatalError.
	ErrListenerFatal = errors.New("listener fatal error")
	// ErrListenerTransient is matched by every *ConnError.
	ErrListenerTransient = errors.New("listener transient error")

	ErrPayloadTooLarge = errors.New("payload too large")
	ErrPeerRejected    = errors.New("peer not on loopback")
	ErrRateLimited     = errors.New("peer rate limited")
	ErrAlreadyStarted  = errors.New("listener already started")
)

// FatalError reports a failure that stops the listener, such as a failed
// bind at startup.
type FatalError struct {
	Address string
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Address, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrListenerFatal, e.Err}
}

// ConnError reports a failure confined to one connection. The payload is
// discarded and the listener keeps accepting.
type ConnError struct {
	Peer string
	Op   string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("connection from %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *ConnError) Unwrap() []error {
	return []error{ErrListenerTransient, e.Err}
}

type Config struct {
	Address         string
	MaxPayloadBytes int64
	ReadTimeout     time.Duration

	// Concurrent handles every connection on its own goroutine. When false,
	// connections are served one at a time in accept order.
	Concurrent     bool
	MaxConnections int

	// LoopbackOnly refuses connections whose remote address is not loopback.
	LoopbackOnly bool
}

type Listener struct {
	cfg     Config
	cache   cache.EventCache
	limiter ratelimit.RateLimiter
	logger  *logging.Logger

	mu       sync.Mutex // serializes Start with Stop
	ln       net.Listener
	addr     atomic.Value
	started  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	loopDone chan struct{}
	slots    chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Listener)

func WithRateLimiter(limiter ratelimit.RateLimiter) Option {
	return func(l *Listener) {
		l.limiter = limiter
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

func New(cfg Config, c cache.EventCache, opts ...Option) *Listener {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}

	l := &Listener{
		cfg:      cfg,
		cache:    c,
		limiter:  &ratelimit.NoOpRateLimiter{},
		logger:   logging.Default(),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		slots:    make(chan struct{}, cfg.MaxConnections),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Addr returns the bound address once Start has succeeded.
func (l *Listener) Addr() string {
	if v := l.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start binds the socket and runs the accept loop on its own goroutine. A
// bind failure is returned as a *FatalError. Cancelling ctx stops the
// listener like Stop does.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return net.ErrClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		close(l.loopDone)
		return &FatalError{Address: l.cfg.Address, Err: err}
	}
	l.ln = ln
	l.addr.Store(ln.Addr().String())

	l.logger.Info("ingestion listener started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("concurrent", l.cfg.Concurrent),
		slog.Int64("max_payload_bytes", l.cfg.MaxPayloadBytes),
	)

	go func() {
		select {
		case <-ctx.Done():
			_ = l.Stop()
		case <-l.done:
		}
	}()

	go l.acceptLoop(context.WithoutCancel(ctx), ln)
	return nil
}

// Stop closes the socket and waits for connections in progress to finish.
// Reads still running after a short grace period are aborted and their
// partial payloads discarded. It is safe to call more than once and from
// several goroutines; every call returns only after the listener has drained.
func (l *Listener) Stop() error {
	first := l.closed.CompareAndSwap(false, true)
	if first {
		close(l.done)
	}

	// Start holds mu until it has bound, so started and ln are settled here.
	l.mu.Lock()
	started, ln := l.started.Load(), l.ln
	l.mu.Unlock()

	if !started {
		return nil
	}
	if !first {
		<-l.loopDone
		l.wg.Wait()
		return nil
	}

	var err error
	if ln != nil {
		err = ln.Close()
	}
	<-l.loopDone
	l.wg.Wait()

	l.logger.Info("ingestion listener stopped", slog.String("address", l.Addr()))
	return err
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(l.loopDone)

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			delay = nextDelay(delay)
			metrics.AcceptErrors.Inc()
			l.logger.Warn("accept failed, retrying",
				logging.Error(err),
				slog.Duration("retry_in", delay),
			)
			select {
			case <-time.After(delay):
			case <-l.done:
				return
			}
			continue
		}
		delay = 0

		if !l.cfg.Concurrent {
			l.handle(ctx, conn)
			continue
		}

		select {
		case l.slots <- struct{}{}:
		case <-l.done:
			_ = conn.Close()
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() { <-l.slots }()
			l.handle(ctx, conn)
		}()
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(d*2, maxAcceptDelay)
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	handled := make(chan struct{})
	defer close(handled)
	go func() {
		select {
		case <-l.done:
			_ = conn.SetReadDeadline(time.Now().Add(stopGrace))
		case <-handled:
		}
	}()

	ctx = logging.WithConnID(ctx, uuid.NewString())
	if err := l.ingest(ctx, conn); err != nil {
		l.logger.WarnContext(ctx, "ingestion connection dropped",
			logging.Peer(conn.RemoteAddr().String()),
			logging.Error(err),
		)
	}
}

// ingest reads one payload to end of stream and stores it.
func (l *Listener) ingest(ctx context.Context, conn net.Conn) error {
	peer := conn.RemoteAddr().String()

	if l.cfg.LoopbackOnly && !isLoopback(conn.RemoteAddr()) {
		metrics.IngestPayloads.WithLabelValues(metrics.StatusRejected).Inc()
		return &ConnError{Peer: peer, Op: "admit", Err: ErrPeerRejected}
	}

	allowed, err := l.limiter.Allow(ctx, peerHost(conn.RemoteAddr()))
	if err != nil {
		// Fail open: a broken limiter must not stop ingestion.
		l.logger.WarnContext(ctx, "rate limiter unavailable", logging.Error(err))
	} else if !allowed {
		metrics.IngestPayloads.WithLabelValues(metrics.StatusRejected).Inc()
		return &ConnError{Peer: peer, Op: "admit", Err: ErrRateLimited}
	}

	if l.cfg.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)); err != nil {
			metrics.IngestPayloads.WithLabelValues(metrics.StatusFailed).Inc()
			return &ConnError{Peer: peer, Op: "read", Err: err}
		}
	}

	payload, err := io.ReadAll(io.LimitReader(conn, l.cfg.MaxPayloadBytes+1))
	if err != nil {
		metrics.IngestPayloads.WithLabelValues(metrics.StatusFailed).Inc()
		return &ConnError{Peer: peer, Op: "read", Err: err}
	}
	if int64(len(payload)) > l.cfg.MaxPayloadBytes {
		metrics.IngestPayloads.WithLabelValues(metrics.StatusTooLarge).Inc()
		return &ConnError{Peer: peer, Op: "read", Err: ErrPayloadTooLarge}
	}
	if err := l.cache.Put(ctx, payload); err != nil {
		metrics.IngestPayloads.WithLabelValues(metrics.StatusFailed).Inc()
		return &ConnError{Peer: peer, Op: "store", Err: err}
	}

	metrics.IngestPayloads.WithLabelValues(metrics.StatusOK).Inc()
	metrics.IngestBytes.Add(float64(len(payload)))
	l.logger.DebugContext(ctx, "payload cached",
		logging.Peer(peer),
		logging.Bytes(len(payload)),
		logging.Digest(cache.Digest(payload)),
	)
	return nil
}

func isLoopback(addr net.Addr) bool {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.IsLoopback()
	}
	return false
}

func peerHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}
