// Package enricher fills in the identity, correlation and timing fields of a
// user event before it is sent.
package enricher

import (
	"github.com/telhawk-systems/telhawk-warehouse/internal/models"
)

// UnsetUserID is attached to events sent before a user id has been assigned.
const UnsetUserID int64 = -1

// Identity is a snapshot of the session state of a warehouse.
type Identity struct {
	UserID     int64
	SessionID  string
	HasSession bool
}

// NewIdentity returns the identity of a warehouse nobody has configured yet.
func NewIdentity() Identity {
	return Identity{UserID: UnsetUserID}
}

func (i Identity) WithUserID(id int64) Identity {
	i.UserID = id
	return i
}

func (i Identity) WithSessionID(id string) Identity {
	i.SessionID = id
	i.HasSession = true
	return i
}

func (i Identity) WithoutSession() Identity {
	i.SessionID = ""
	i.HasSession = false
	return i
}

type Enricher struct {
	ids   IDGenerator
	clock Clock
}

// New returns an Enricher. Nil capabilities fall back to UUIDGenerator and
// SystemClock.
func New(ids IDGenerator, clock Clock) *Enricher {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Enricher{ids: ids, clock: clock}
}

// Enrich fills every unset field it has a value for. Fields already present
// on the event are never overwritten. The session id stays unset when the
// identity has none; Validate on the result reports that.
func (en *Enricher) Enrich(e models.Event, id Identity) models.Event {
	if !e.HasUserID() {
		e = e.WithUserID(id.UserID)
	}
	if !e.HasUUID() {
		e = e.WithUUID(en.ids.NewID())
	}
	if !e.HasSessionID() && id.HasSession {
		e = e.WithSessionID(id.SessionID)
	}
	if !e.HasClientTimestamp() {
		e = e.WithClientTimestamp(en.clock.NowMillis())
	}
	return e
}

// EnrichAndValidate enriches the event and runs the required fields check.
// The enriched event is returned even when validation fails.
func (en *Enricher) EnrichAndValidate(e models.Event, id Identity) (models.Event, error) {
	e = en.Enrich(e, id)
	return e, e.Validate()
}
