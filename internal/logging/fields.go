package logging

import "log/slog"

// Common field names for consistent logging across the warehouse.
const (
	FieldService  = "service"
	FieldConnID   = "conn_id"
	FieldPeer     = "peer"
	FieldBytes    = "bytes"
	FieldDigest   = "digest"
	FieldEventID  = "event_id"
	FieldEndpoint = "endpoint"
	FieldStatus   = "status"
	FieldDuration = "duration_ms"
	FieldError    = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// ConnID returns a slog attribute for an ingestion connection id.
func ConnID(id string) slog.Attr {
	return slog.String(FieldConnID, id)
}

// Peer returns a slog attribute for the remote address of a connection.
func Peer(addr string) slog.Attr {
	return slog.String(FieldPeer, addr)
}

// Bytes returns a slog attribute for a payload size.
func Bytes(n int) slog.Attr {
	return slog.Int(FieldBytes, n)
}

// Digest returns a slog attribute for a payload fingerprint.
func Digest(d string) slog.Attr {
	return slog.String(FieldDigest, d)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Endpoint returns a slog attribute for a collection endpoint URL.
func Endpoint(url string) slog.Attr {
	return slog.String(FieldEndpoint, url)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
