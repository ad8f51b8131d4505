package enricher

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces unique event ids.
type IDGenerator interface {
	NewID() string
}

// Clock reports wall clock time in epoch milliseconds.
type Clock interface {
	NowMillis() int64
}

// UUIDGenerator issues random (version 4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

type SystemClock struct{}

func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SequenceGenerator issues "<prefix>-1", "<prefix>-2", ... for tests that
// need predictable ids. Safe for concurrent use.
type SequenceGenerator struct {
	Prefix string
	next   atomic.Int64
}

func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("%s-%d", g.Prefix, g.next.Add(1))
}

// FixedClock always reports the same instant.
type FixedClock struct {
	Millis int64
}

func (c FixedClock) NowMillis() int64 {
	return c.Millis
}
