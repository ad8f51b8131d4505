package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-warehouse/internal/logging"
	"github.com/telhawk-systems/telhawk-warehouse/internal/metrics"
)

const (
	DefaultStream = "WAREHOUSE_DLQ"
	SubjectPrefix = "warehouse.dlq"
)

// StreamConfig returns the stream definition for the dead letter queue:
// file backed, one week of retention, capped at 256 MiB.
func StreamConfig(name string) jetstream.StreamConfig {
	if name == "" {
		name = DefaultStream
	}
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{SubjectPrefix + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  256 * 1024 * 1024,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}

// Subject returns the subject a failed event with the given reason is
// published on, e.g. warehouse.dlq.status.
func Subject(reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return SubjectPrefix + "." + reason
}

// JetStreamQueue publishes failed events to a NATS JetStream stream. A nil
// *JetStreamQueue accepts writes and drops them.
type JetStreamQueue struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	logger  *slog.Logger
	written atomic.Uint64
}

// Connect dials NATS and ensures the dead letter stream exists.
func Connect(ctx context.Context, url, streamName string, logger *slog.Logger) (*JetStreamQueue, error) {
	conn, err := nats.Connect(url,
		nats.Name("telhawk-warehouse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	q, err := NewJetStreamQueue(ctx, conn, streamName, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// NewJetStreamQueue creates or updates the stream on an existing connection.
func NewJetStreamQueue(ctx context.Context, conn *nats.Conn, streamName string, logger *slog.Logger) (*JetStreamQueue, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	cfg := StreamConfig(streamName)
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	logger.Info("dead letter stream ready", slog.String("stream", cfg.Name))

	return &JetStreamQueue{
		conn:   conn,
		js:     js,
		stream: stream,
		logger: logger,
	}, nil
}

func (q *JetStreamQueue) Write(ctx context.Context, failed FailedEvent) error {
	if q == nil {
		return nil
	}
	if failed.Timestamp.IsZero() {
		failed.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if _, err := q.js.Publish(ctx, Subject(failed.Reason), data); err != nil {
		q.logger.ErrorContext(ctx, "failed to publish dlq entry",
			logging.EventID(failed.EventID),
			logging.Error(err),
		)
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	metrics.DLQWritten.Inc()
	return nil
}

// Written returns how many entries this instance has published.
func (q *JetStreamQueue) Written() uint64 {
	if q == nil {
		return 0
	}
	return q.written.Load()
}

// Stats returns DLQ metrics from JetStream.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "jetstream",
			"written_local": q.written.Load(),
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":        true,
		"backend":        "jetstream",
		"written_local":  q.written.Load(),
		"total_messages": info.State.Msgs,
		"total_bytes":    info.State.Bytes,
		"first_seq":      info.State.FirstSeq,
		"last_seq":       info.State.LastSeq,
	}
}

func (q *JetStreamQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	return q.conn.Drain()
}
