package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-warehouse/internal/cache"
)

// recordingCache remembers every Put in call order.
type recordingCache struct {
	mu   sync.Mutex
	puts [][]byte
	err  error
}

func (c *recordingCache) Put(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.puts = append(c.puts, append(make([]byte, 0, len(payload)), payload...))
	return nil
}

func (c *recordingCache) All(context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, p := range c.snapshot() {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (c *recordingCache) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.puts...)
}

func (c *recordingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.puts)
}

func startListener(t *testing.T, cfg Config, c cache.EventCache, opts ...Option) *Listener {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	l := New(cfg, c, opts...)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

func send(t *testing.T, addr string, payload []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())
}

func waitForCount(t *testing.T, c interface{ count() int }, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n }, 5*time.Second, 5*time.Millisecond)
}

func TestStart_BindFailureIsFatal(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	l := New(Config{Address: taken.Addr().String()}, cache.NewMemoryCache(10))
	err = l.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListenerFatal)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, taken.Addr().String(), fe.Address)

	assert.NoError(t, l.Stop())
}

func TestStart_Twice(t *testing.T) {
	l := startListener(t, Config{}, cache.NewMemoryCache(10))
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)
}

func TestListener_FragmentedPayloadStoredOnce(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{}, rc)

	payload := []byte(gofakeit.LetterN(64 * 1024))

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	for chunk := payload; len(chunk) > 0; {
		n := min(len(chunk), 1000)
		_, err := conn.Write(chunk[:n])
		require.NoError(t, err)
		chunk = chunk[n:]
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, conn.Close())

	waitForCount(t, rc, 1)
	time.Sleep(20 * time.Millisecond)

	puts := rc.snapshot()
	require.Len(t, puts, 1)
	assert.True(t, bytes.Equal(payload, puts[0]), "payload stored whole")
}

func TestListener_SequentialPreservesOrder(t *testing.T) {
	store := cache.NewMemoryCache(10)
	l := startListener(t, Config{}, store)

	for _, p := range []string{"A", "B", "C"} {
		send(t, l.Addr(), []byte(p))
	}

	require.Eventually(t, func() bool {
		n, _ := store.Len(context.Background())
		return n == 3
	}, 5*time.Second, 5*time.Millisecond)

	var got []string
	for payload, err := range store.All(context.Background()) {
		require.NoError(t, err)
		got = append(got, string(payload))
	}
	assert.Equal(t, []string{"A", "B", "C"}, got)
}

func TestListener_ConcurrentStoresEveryPayload(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{Concurrent: true, MaxConnections: 4}, rc)

	want := make(map[string]bool)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		payload := gofakeit.UUID() + gofakeit.Sentence(10)
		mu.Lock()
		want[payload] = true
		mu.Unlock()

		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			send(t, l.Addr(), []byte(p))
		}(payload)
	}
	wg.Wait()

	waitForCount(t, rc, 20)
	got := make(map[string]bool)
	for _, p := range rc.snapshot() {
		got[string(p)] = true
	}
	assert.Equal(t, want, got)
}

func TestListener_OversizePayloadDropped(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{MaxPayloadBytes: 16}, rc)

	send(t, l.Addr(), bytes.Repeat([]byte("x"), 17))
	send(t, l.Addr(), []byte("exactly-16-bytes"))

	waitForCount(t, rc, 1)
	assert.Equal(t, [][]byte{[]byte("exactly-16-bytes")}, rc.snapshot())
}

func TestListener_EmptyConnectionStoresEmptyPayload(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{}, rc)

	send(t, l.Addr(), nil)
	send(t, l.Addr(), []byte("after-empty"))

	waitForCount(t, rc, 2)
	assert.Equal(t, [][]byte{{}, []byte("after-empty")}, rc.snapshot())
}

func TestListener_StalledPeerTimesOut(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{ReadTimeout: 100 * time.Millisecond}, rc)

	stalled, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	defer stalled.Close()
	_, err = stalled.Write([]byte("partial"))
	require.NoError(t, err)

	send(t, l.Addr(), []byte("next"))

	waitForCount(t, rc, 1)
	assert.Equal(t, [][]byte{[]byte("next")}, rc.snapshot(), "partial payload is never stored")
}

func TestListener_CacheErrorDoesNotStopLoop(t *testing.T) {
	rc := &recordingCache{err: errors.New("disk full")}
	l := startListener(t, Config{}, rc)

	send(t, l.Addr(), []byte("lost"))
	time.Sleep(50 * time.Millisecond)

	rc.mu.Lock()
	rc.err = nil
	rc.mu.Unlock()

	send(t, l.Addr(), []byte("kept"))
	waitForCount(t, rc, 1)
	assert.Equal(t, [][]byte{[]byte("kept")}, rc.snapshot())
}

type denyLimiter struct{ err error }

func (d denyLimiter) Allow(context.Context, string) (bool, error) { return false, d.err }
func (d denyLimiter) Close() error                                 { return nil }

func TestListener_RateLimitedPeerRejected(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{}, rc, WithRateLimiter(denyLimiter{}))

	send(t, l.Addr(), []byte("denied"))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, rc.count())
}

func TestListener_RateLimiterErrorFailsOpen(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{}, rc, WithRateLimiter(denyLimiter{err: errors.New("redis down")}))

	send(t, l.Addr(), []byte("allowed"))
	waitForCount(t, rc, 1)
}

func TestListener_LoopbackOnlyAcceptsLocalPeers(t *testing.T) {
	rc := &recordingCache{}
	l := startListener(t, Config{LoopbackOnly: true}, rc)

	send(t, l.Addr(), []byte("local"))
	waitForCount(t, rc, 1)
}

func TestStop(t *testing.T) {
	l := New(Config{Address: "127.0.0.1:0"}, cache.NewMemoryCache(10))
	require.NoError(t, l.Start(context.Background()))
	addr := l.Addr()

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)

	assert.ErrorIs(t, l.Start(context.Background()), net.ErrClosed)
}

func TestStop_StalledPeerWithoutReadTimeout(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			rc := &recordingCache{}
			l := New(Config{Address: "127.0.0.1:0", Concurrent: concurrent}, rc)
			require.NoError(t, l.Start(context.Background()))

			stalled, err := net.Dial("tcp", l.Addr())
			require.NoError(t, err)
			defer stalled.Close()
			_, err = stalled.Write([]byte("partial"))
			require.NoError(t, err)
			time.Sleep(20 * time.Millisecond)

			stopped := make(chan error, 1)
			go func() { stopped <- l.Stop() }()

			select {
			case err := <-stopped:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Stop blocked on a stalled peer")
			}
			assert.Zero(t, rc.count(), "partial payload is never stored")
		})
	}
}

func TestStop_FinishesPeerWithinGrace(t *testing.T) {
	rc := &recordingCache{}
	l := New(Config{Address: "127.0.0.1:0"}, rc)
	require.NoError(t, l.Start(context.Background()))

	conn, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte("late"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- l.Stop() }()
	require.NoError(t, conn.Close())

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, [][]byte{[]byte("late")}, rc.snapshot())
}

func TestStartStop_Concurrent(t *testing.T) {
	for i := 0; i < 50; i++ {
		l := New(Config{Address: "127.0.0.1:0"}, cache.NewMemoryCache(1))

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); _ = l.Start(context.Background()) }()
		go func() { defer wg.Done(); _ = l.Stop() }()
		go func() { defer wg.Done(); _ = l.Stop() }()

		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: Start and Stop deadlocked", i)
		}

		if addr := l.Addr(); addr != "" {
			require.NoError(t, l.Stop())
			_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
			assert.Error(t, err, "socket closed once Stop returns")
		}
	}
}

func TestStop_BeforeStart(t *testing.T) {
	l := New(Config{}, cache.NewMemoryCache(10))
	assert.NoError(t, l.Stop())
}

func TestStart_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(Config{Address: "127.0.0.1:0"}, cache.NewMemoryCache(10))
	require.NoError(t, l.Start(ctx))
	addr := l.Addr()

	cancel()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestErrors(t *testing.T) {
	ce := &ConnError{Peer: "127.0.0.1:5000", Op: "read", Err: ErrPayloadTooLarge}
	assert.ErrorIs(t, ce, ErrListenerTransient)
	assert.ErrorIs(t, ce, ErrPayloadTooLarge)
	assert.False(t, errors.Is(ce, ErrListenerFatal))
	assert.Equal(t, "connection from 127.0.0.1:5000: read: payload too large", ce.Error())

	fe := &FatalError{Address: "127.0.0.1:62666", Err: errors.New("address in use")}
	assert.ErrorIs(t, fe, ErrListenerFatal)
	assert.Equal(t, "bind 127.0.0.1:62666: address in use", fe.Error())
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr net.Addr
		want bool
	}{
		{&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, true},
		{&net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}, true},
		{&net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1}, false},
		{&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.addr.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, isLoopback(tt.addr))
		})
	}
}

func TestNextDelay(t *testing.T) {
	assert.Equal(t, minAcceptDelay, nextDelay(0))
	assert.Equal(t, 2*minAcceptDelay, nextDelay(minAcceptDelay))
	assert.Equal(t, maxAcceptDelay, nextDelay(maxAcceptDelay))
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{}, cache.NewMemoryCache(1))
	assert.Equal(t, DefaultAddress, l.cfg.Address)
	assert.Equal(t, int64(DefaultMaxPayloadBytes), l.cfg.MaxPayloadBytes)
	assert.Equal(t, DefaultMaxConnections, l.cfg.MaxConnections)
}
