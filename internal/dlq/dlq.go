// Package dlq records events whose dispatch failed so an operator or a
// separate process can decide whether to resend them. The warehouse itself
// never retries.
package dlq

import (
	"context"
	"time"
)

// FailedEvent is the dead letter record. Payload is the serialized event
// exactly as it would have been sent.
type FailedEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	EventID    string    `json:"event_id"`
	Payload    []byte    `json:"payload"`
	Error      string    `json:"error"`
	Reason     string    `json:"reason"`
	StatusCode int       `json:"status_code,omitempty"`
}

type Writer interface {
	Write(ctx context.Context, failed FailedEvent) error
}
