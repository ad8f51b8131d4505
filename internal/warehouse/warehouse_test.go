package warehouse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-warehouse/internal/authoriser"
	"github.com/telhawk-systems/telhawk-warehouse/internal/dlq"
	"github.com/telhawk-systems/telhawk-warehouse/internal/enricher"
	"github.com/telhawk-systems/telhawk-warehouse/internal/models"
	"github.com/telhawk-systems/telhawk-warehouse/internal/transport"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []models.Event
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, e models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, e)
	return nil
}

func (d *fakeDispatcher) events() []models.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Event(nil), d.sent...)
}

type fakeDeadLetter struct {
	mu     sync.Mutex
	failed []dlq.FailedEvent
}

func (f *fakeDeadLetter) Write(_ context.Context, failed dlq.FailedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failed)
	return nil
}

func newTestWarehouse(d Dispatcher, opts ...Option) *Warehouse {
	opts = append([]Option{
		WithEnricher(enricher.New(&enricher.SequenceGenerator{Prefix: "evt"}, enricher.FixedClock{Millis: 1700000000000})),
	}, opts...)
	return New(d, opts...)
}

func TestSend_EndToEnd(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := transport.New(server.URL, authoriser.Static{Token: "token-1"}, 5*time.Second)
	w := New(d)
	w.SetUserID(42)
	w.SetSessionID("s1")

	before := time.Now().UnixMilli()
	sent, err := w.Send(context.Background(), models.Event{})
	after := time.Now().UnixMilli()
	require.NoError(t, err)

	decoded, err := models.Unmarshal(<-bodies)
	require.NoError(t, err)

	assert.Equal(t, int64(42), decoded.UserID())
	assert.Equal(t, "s1", decoded.SessionID())
	assert.NotEmpty(t, decoded.UUID())
	assert.Equal(t, sent.UUID(), decoded.UUID())
	assert.GreaterOrEqual(t, decoded.ClientTimestamp(), before)
	assert.LessOrEqual(t, decoded.ClientTimestamp(), after)
}

func TestSend_FreshIDPerEvent(t *testing.T) {
	d := &fakeDispatcher{}
	w := New(d)
	w.SetSessionID("s1")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sent, err := w.Send(context.Background(), models.Event{})
		require.NoError(t, err)
		assert.False(t, seen[sent.UUID()], "id reused: %s", sent.UUID())
		seen[sent.UUID()] = true
	}
}

func TestSend_UnsetUserIDSentinel(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWarehouse(d)
	w.SetSessionID("s1")

	sent, err := w.Send(context.Background(), models.Event{})
	require.NoError(t, err)
	assert.Equal(t, enricher.UnsetUserID, sent.UserID())
	require.Len(t, d.events(), 1)
}

func TestSend_NeverOverwritesEventFields(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWarehouse(d)
	w.SetUserID(42)
	w.SetSessionID("s1")

	in := models.Event{}.
		WithUserID(7).
		WithUUID("caller-id").
		WithSessionID("caller-session").
		WithClientTimestamp(123)

	sent, err := w.Send(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, int64(7), sent.UserID())
	assert.Equal(t, "caller-id", sent.UUID())
	assert.Equal(t, "caller-session", sent.SessionID())
	assert.Equal(t, int64(123), sent.ClientTimestamp())
}

func TestSend_PreservesPayload(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWarehouse(d)
	w.SetSessionID("s1")

	// field 10, bytes "click"
	payload := []byte{0x52, 0x05, 'c', 'l', 'i', 'c', 'k'}
	sent, err := w.Send(context.Background(), models.Event{}.WithPayload(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, sent.Payload())
}

func TestSend_MissingSessionNotDispatched(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWarehouse(d)
	w.SetUserID(42)

	sent, err := w.Send(context.Background(), models.Event{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMissingRequiredField)

	var mfe *models.MissingFieldError
	require.True(t, errors.As(err, &mfe))
	assert.Equal(t, []string{"session_id"}, mfe.Fields)

	assert.Equal(t, int64(42), sent.UserID(), "enriched event still returned")
	assert.Empty(t, d.events())
}

func TestSend_ClearSessionID(t *testing.T) {
	d := &fakeDispatcher{}
	w := newTestWarehouse(d)
	w.SetSessionID("s1")
	w.ClearSessionID()

	_, err := w.Send(context.Background(), models.Event{})
	assert.ErrorIs(t, err, models.ErrMissingRequiredField)

	_, err = w.Send(context.Background(), models.Event{}.WithSessionID("own"))
	assert.NoError(t, err)
}

func TestSend_TransportErrorWrittenToDeadLetter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dead := &fakeDeadLetter{}
	d := transport.New(server.URL, authoriser.Static{Token: "t"}, 5*time.Second)
	w := newTestWarehouse(d, WithDeadLetter(dead))
	w.SetSessionID("s1")

	sent, err := w.Send(context.Background(), models.Event{})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrNetwork)

	require.Len(t, dead.failed, 1)
	failed := dead.failed[0]
	assert.Equal(t, sent.UUID(), failed.EventID)
	assert.Equal(t, "status", failed.Reason)
	assert.Equal(t, http.StatusServiceUnavailable, failed.StatusCode)

	want, err := sent.Marshal()
	require.NoError(t, err)
	assert.Equal(t, want, failed.Payload)
}

func TestSend_ValidationErrorSkipsDeadLetter(t *testing.T) {
	dead := &fakeDeadLetter{}
	w := newTestWarehouse(&fakeDispatcher{}, WithDeadLetter(dead))

	_, err := w.Send(context.Background(), models.Event{})
	require.Error(t, err)
	assert.Empty(t, dead.failed)
}

func TestSend_NonTransportErrorSkipsDeadLetter(t *testing.T) {
	dead := &fakeDeadLetter{}
	w := newTestWarehouse(&fakeDispatcher{err: errors.New("boom")}, WithDeadLetter(dead))
	w.SetSessionID("s1")

	_, err := w.Send(context.Background(), models.Event{})
	require.Error(t, err)
	assert.Empty(t, dead.failed)
}

func TestSend_NilDeadLetterQueue(t *testing.T) {
	var q *dlq.JetStreamQueue
	w := newTestWarehouse(&fakeDispatcher{err: &transport.TransportError{Op: "send", Err: errors.New("refused")}}, WithDeadLetter(q))
	w.SetSessionID("s1")

	_, err := w.Send(context.Background(), models.Event{})
	assert.ErrorIs(t, err, transport.ErrNetwork)
}

func TestIdentity(t *testing.T) {
	w := New(&fakeDispatcher{})
	assert.Equal(t, enricher.NewIdentity(), w.Identity())

	w.SetUserID(9)
	w.SetSessionID("abc")
	assert.Equal(t, enricher.Identity{UserID: 9, SessionID: "abc", HasSession: true}, w.Identity())

	w.ClearSessionID()
	assert.Equal(t, enricher.Identity{UserID: 9}, w.Identity())
}

func TestConcurrentSettersAndSend(t *testing.T) {
	d := &fakeDispatcher{}
	w := New(d)
	w.SetSessionID("initial")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.SetUserID(int64(i*100 + j))
				w.SetSessionID(fmt.Sprintf("s-%d-%d", i, j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := w.Send(context.Background(), models.Event{}.WithPayload([]byte(gofakeit.Word())))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, d.events(), 400)
	for _, e := range d.events() {
		assert.True(t, e.HasSessionID())
	}

	final := w.Identity()
	assert.True(t, final.HasSession)
}
