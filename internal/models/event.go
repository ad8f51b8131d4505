// Package models defines the user event carried by the warehouse and its
// protobuf wire encoding.
package models

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers of the identity and timing fields. Every other field
// number belongs to the event-specific payload.
const (
	FieldUserID          protowire.Number = 1
	FieldUUID            protowire.Number = 2
	FieldSessionID       protowire.Number = 3
	FieldClientTimestamp protowire.Number = 4
)

// ErrMissingRequiredField is matched by every *MissingFieldError.
var ErrMissingRequiredField = errors.New("missing required field")

// MissingFieldError reports the required fields that are still unset on an
// event at serialization time.
type MissingFieldError struct {
	Fields []string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingRequiredField, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldError) Unwrap() error {
	return ErrMissingRequiredField
}

type fieldMask uint8

const (
	hasUserID fieldMask = 1 << iota
	hasUUID
	hasSessionID
	hasClientTimestamp
)

// Event is an immutable user event. The With* methods return a modified copy
// and leave the receiver untouched, so a caller can keep the original for
// retry or inspection.
type Event struct {
	userID          int64
	uuid            string
	sessionID       string
	clientTimestamp int64
	present         fieldMask

	// payload holds the event-specific fields as raw wire bytes. It is never
	// modified in place, so copies may share it.
	payload []byte
}

func (e Event) HasUserID() bool          { return e.present&hasUserID != 0 }
func (e Event) HasUUID() bool            { return e.present&hasUUID != 0 }
func (e Event) HasSessionID() bool       { return e.present&hasSessionID != 0 }
func (e Event) HasClientTimestamp() bool { return e.present&hasClientTimestamp != 0 }

func (e Event) UserID() int64          { return e.userID }
func (e Event) UUID() string           { return e.uuid }
func (e Event) SessionID() string      { return e.sessionID }
func (e Event) ClientTimestamp() int64 { return e.clientTimestamp }

// Payload returns the event-specific fields in wire format.
func (e Event) Payload() []byte {
	return append([]byte(nil), e.payload...)
}

func (e Event) WithUserID(id int64) Event {
	e.userID = id
	e.present |= hasUserID
	return e
}

func (e Event) WithUUID(uuid string) Event {
	e.uuid = uuid
	e.present |= hasUUID
	return e
}

func (e Event) WithSessionID(id string) Event {
	e.sessionID = id
	e.present |= hasSessionID
	return e
}

func (e Event) WithClientTimestamp(ms int64) Event {
	e.clientTimestamp = ms
	e.present |= hasClientTimestamp
	return e
}

// WithPayload replaces the event-specific fields. The bytes must already be
// protobuf wire encoded. Fields numbered 1 to 4 are dropped so a payload can
// never override the identity fields on the wire.
func (e Event) WithPayload(raw []byte) Event {
	e.payload = stripIdentity(raw)
	return e
}

func isIdentityField(num protowire.Number) bool {
	return num >= FieldUserID && num <= FieldClientTimestamp
}

// stripIdentity copies raw without its identity fields. Bytes from the first
// malformed field on are kept as they are.
func stripIdentity(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for len(raw) > 0 {
		num, _, n := protowire.ConsumeField(raw)
		if n < 0 {
			return append(out, raw...)
		}
		if !isIdentityField(num) {
			out = append(out, raw[:n]...)
		}
		raw = raw[n:]
	}
	return out
}

// Validate reports every required field that is unset.
func (e Event) Validate() error {
	var missing []string
	if !e.HasUserID() {
		missing = append(missing, "user_id")
	}
	if !e.HasUUID() {
		missing = append(missing, "uuid")
	}
	if !e.HasSessionID() {
		missing = append(missing, "session_id")
	}
	if !e.HasClientTimestamp() {
		missing = append(missing, "client_timestamp")
	}
	if len(missing) > 0 {
		return &MissingFieldError{Fields: missing}
	}
	return nil
}

// Marshal encodes a complete event. Known fields are written in field number
// order followed by the payload, so equal events always encode to equal bytes.
func (e Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e.appendWire(make([]byte, 0, 48+len(e.uuid)+len(e.sessionID)+len(e.payload))), nil
}

// MarshalPartial encodes whatever fields are present without the required
// fields check. Producers use it to build events that are enriched later.
func (e Event) MarshalPartial() []byte {
	return e.appendWire(nil)
}

func (e Event) appendWire(b []byte) []byte {
	if e.HasUserID() {
		b = protowire.AppendTag(b, FieldUserID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.userID))
	}
	if e.HasUUID() {
		b = protowire.AppendTag(b, FieldUUID, protowire.BytesType)
		b = protowire.AppendString(b, e.uuid)
	}
	if e.HasSessionID() {
		b = protowire.AppendTag(b, FieldSessionID, protowire.BytesType)
		b = protowire.AppendString(b, e.sessionID)
	}
	if e.HasClientTimestamp() {
		b = protowire.AppendTag(b, FieldClientTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.clientTimestamp))
	}
	return append(b, e.payload...)
}

// Unmarshal decodes wire bytes into an Event. Fields it does not know are
// kept verbatim as payload. A repeated known field takes the last value, and
// an identity field number with the wrong wire type is dropped.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Event{}, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		body := data[n:]

		var m int
		switch {
		case num == FieldUserID && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(body)
			e.userID = int64(v)
			e.present |= hasUserID
		case num == FieldUUID && typ == protowire.BytesType:
			e.uuid, m = protowire.ConsumeString(body)
			e.present |= hasUUID
		case num == FieldSessionID && typ == protowire.BytesType:
			e.sessionID, m = protowire.ConsumeString(body)
			e.present |= hasSessionID
		case num == FieldClientTimestamp && typ == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(body)
			e.clientTimestamp = int64(v)
			e.present |= hasClientTimestamp
		default:
			m = protowire.ConsumeFieldValue(num, typ, body)
			if m >= 0 && !isIdentityField(num) {
				e.payload = append(e.payload, data[:n+m]...)
			}
		}
		if m < 0 {
			return Event{}, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(m))
		}
		data = body[m:]
	}
	return e, nil
}
