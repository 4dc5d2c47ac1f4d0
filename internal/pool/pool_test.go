package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu       sync.Mutex
	unusable bool
	closed   bool
}

func (h *fakeHandle) Usable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.unusable && !h.closed
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type testPool struct {
	*Pool
	handles []*fakeHandle
	clock   time.Time
}

func newTestPool(maxSize int) *testPool {
	tp := &testPool{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tp.Pool = New(Config{MaxSize: maxSize, KeepAlive: 300 * time.Second}, func(string) (Handle, error) {
		h := &fakeHandle{}
		tp.handles = append(tp.handles, h)
		return h, nil
	}, nil, nil)
	tp.Pool.now = func() time.Time { return tp.clock }
	return tp
}

func TestAcquireReusesWithinKeepAlive(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	first, err := p.Acquire(ctx, "https://api.example.com")
	require.NoError(t, err)
	assert.True(t, first.Pooled())
	assert.Equal(t, uint(1), first.RequestCount)
	first.Release()

	p.clock = p.clock.Add(299 * time.Second)
	second, err := p.Acquire(ctx, "https://api.example.com")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, uint(2), second.RequestCount)
	assert.Equal(t, p.clock, second.LastUsedAt)
	second.Release()

	assert.Len(t, p.handles, 1)
}

func TestAcquireAfterExpiryCreatesNew(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	first, err := p.Acquire(ctx, "k")
	require.NoError(t, err)
	first.Release()

	p.clock = p.clock.Add(300 * time.Second)
	second, err := p.Acquire(ctx, "k")
	require.NoError(t, err)
	defer second.Release()

	assert.NotSame(t, first, second)
	assert.Equal(t, uint(1), second.RequestCount)
	assert.True(t, p.handles[0].isClosed())
	assert.Equal(t, 1, p.Stats().Evicted)
}

func TestAcquireUnusableHandleReplaced(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	first, _ := p.Acquire(ctx, "k")
	first.Release()
	p.handles[0].unusable = true

	second, err := p.Acquire(ctx, "k")
	require.NoError(t, err)
	defer second.Release()
	assert.NotSame(t, first, second)
}

func TestAcquireCheckedOutKeyGetsTransient(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	owned, err := p.Acquire(ctx, "k")
	require.NoError(t, err)

	other, err := p.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.NotSame(t, owned, other)
	assert.False(t, other.Pooled())

	other.Release()
	assert.True(t, p.handles[1].isClosed())
	assert.False(t, p.handles[0].isClosed())

	owned.Release()
	assert.Equal(t, 1, p.Stats().Size)
}

func TestAcquireFullPoolDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(2)

	for _, key := range []string{"a", "b"} {
		c, err := p.Acquire(ctx, key)
		require.NoError(t, err)
		c.Release()
	}

	extra, err := p.Acquire(ctx, "c")
	require.NoError(t, err)
	assert.False(t, extra.Pooled())
	extra.Release()

	stats := p.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 0, stats.Evicted)
	assert.True(t, p.handles[2].isClosed())
}

func TestMarkBrokenEvictsOnRelease(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	c, _ := p.Acquire(ctx, "k")
	c.MarkBroken()
	c.Release()
	c.Release()

	assert.True(t, p.handles[0].isClosed())
	assert.Equal(t, 0, p.Stats().Size)
	assert.Equal(t, 1, p.Stats().Evicted)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	idle, _ := p.Acquire(ctx, "idle")
	idle.Release()
	busy, _ := p.Acquire(ctx, "busy")

	p.clock = p.clock.Add(10 * time.Minute)
	fresh, _ := p.Acquire(ctx, "fresh")
	fresh.Release()

	assert.Equal(t, 1, p.Cleanup())
	stats := p.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 1, stats.InUse)

	busy.Release()
	assert.Equal(t, 1, p.Cleanup())
	assert.Equal(t, 0, p.Cleanup())
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(5)

	held, _ := p.Acquire(ctx, "held")
	idle, _ := p.Acquire(ctx, "idle")
	idle.Release()

	p.Close()
	assert.True(t, p.handles[1].isClosed())
	assert.False(t, p.handles[0].isClosed())

	held.Release()
	assert.True(t, p.handles[0].isClosed())

	_, err := p.Acquire(ctx, "held")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAcquireCanceledContext(t *testing.T) {
	p := newTestPool(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireDialError(t *testing.T) {
	p := New(Config{MaxSize: 1}, func(string) (Handle, error) {
		return nil, errors.New("no route")
	}, nil, nil)

	_, err := p.Acquire(context.Background(), "k")
	assert.ErrorContains(t, err, "no route")
}

func TestConcurrentAcquireSingleOwner(t *testing.T) {
	ctx := context.Background()
	p := New(Config{MaxSize: 5}, func(string) (Handle, error) { return &fakeHandle{}, nil }, nil, nil)

	var (
		mu     sync.Mutex
		owners = map[*Conn]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(ctx, "k")
			if err != nil {
				return
			}
			mu.Lock()
			owners[c]++
			n := owners[c]
			mu.Unlock()
			assert.Equal(t, 1, n)
			mu.Lock()
			owners[c]--
			mu.Unlock()
			c.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Stats().Size, 1)
}

func TestHTTPHandle(t *testing.T) {
	redirects := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/loop" {
			redirects++
			http.Redirect(w, r, "/loop", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{MaxSize: 1, ConnectionTimeout: 5 * time.Second}, nil, nil, nil)
	key, err := EndpointKey(srv.URL + "/ok")
	require.NoError(t, err)

	conn, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer conn.Release()

	h, err := conn.HTTP()
	require.NoError(t, err)

	resp, err := h.Client.Get(srv.URL + "/ok")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = h.Client.Get(srv.URL + "/loop")
	assert.Error(t, err)
	assert.Equal(t, maxRedirects, redirects)

	assert.True(t, h.Usable())
	h.Fail()
	assert.False(t, h.Usable())
}

func TestEndpointKey(t *testing.T) {
	key, err := EndpointKey("HTTPS://API.Example.com:8443/api/v1/bookings?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com:8443", key)

	_, err = EndpointKey("/relative")
	assert.Error(t, err)
}
