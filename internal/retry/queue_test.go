package retry

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bronisync/internal/database"
	"bronisync/internal/domain"
	"bronisync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	result models.DeliveryResult
	panics bool
	calls  []string
}

func (s *fakeSender) Send(_ context.Context, endpoint string, payload []byte) models.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, endpoint+" "+string(payload))
	if s.panics {
		panic("sink exploded")
	}
	return s.result
}

type fixture struct {
	db     *database.DB
	sender *fakeSender
	queue  *Queue
	logs   *bytes.Buffer
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "retry.db"), &nop)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:     db,
		sender: &fakeSender{result: models.Delivered()},
		logs:   &bytes.Buffer{},
		now:    time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := zerolog.New(f.logs)
	f.queue = NewQueue(db, f.sender, DefaultPolicy(), &logger, nil)
	f.queue.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) insert(t *testing.T, attempts int, lastTry time.Time, payload string) int64 {
	t.Helper()
	item := &models.RetryItem{
		Endpoint:  "https://hooks.example.com/in",
		Payload:   payload,
		Attempts:  attempts,
		LastError: "http 503",
		LastTryAt: lastTry,
	}
	require.NoError(t, f.db.CreateRetryItem(context.Background(), item))
	return item.ID
}

func (f *fixture) items(t *testing.T) []models.RetryItem {
	t.Helper()
	items, err := f.db.ListRetryItems(context.Background())
	require.NoError(t, err)
	return items
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 15*time.Minute, p.Delay(1))
	assert.Equal(t, 30*time.Minute, p.Delay(2))
	assert.Equal(t, 2*time.Hour, p.Delay(4))
	assert.Equal(t, 7*time.Minute+30*time.Second, p.Delay(0))
	assert.Equal(t, p.Delay(0), p.Delay(-3))

	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, Policy{}.Exhausted(5))
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.queue.Enqueue(context.Background(), "telegram:42", []byte(`{"a":1}`), "timeout"))

	items := f.items(t)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "timeout", items[0].LastError)
	assert.True(t, items[0].LastTryAt.Equal(f.now))
}

func TestDrainDeliversDueItem(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, f.now.Add(-16*time.Minute), `{"id":"b1"}`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 1, report.Delivered)
	assert.Empty(t, f.items(t))
	assert.Len(t, f.sender.calls, 1)
}

func TestDrainLeavesItemNotDue(t *testing.T) {
	f := newFixture(t)
	lastTry := f.now.Add(-29 * time.Minute)
	f.insert(t, 2, lastTry, `{"id":"b1"}`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 1, report.NotDue)
	assert.Empty(t, f.sender.calls)
	items := f.items(t)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
	assert.True(t, items[0].LastTryAt.Equal(lastTry))
}

func TestDrainFailureAtFourthAttemptDeletes(t *testing.T) {
	f := newFixture(t)
	f.sender.result = models.DeliveryErr(models.ErrTransient, "http 502")
	f.insert(t, 4, f.now.Add(-3*time.Hour), `{"id":"b1"}`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 1, report.Exhausted)
	assert.Empty(t, f.items(t))
}

func TestDrainFailureIncrementsAttempts(t *testing.T) {
	f := newFixture(t)
	f.sender.result = models.DeliveryErr(models.ErrTransient, "http 502")
	f.insert(t, 1, f.now.Add(-time.Hour), `{"id":"b1"}`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 1, report.Failed)
	items := f.items(t)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)
	assert.Equal(t, "transient: http 502", items[0].LastError)
	assert.True(t, items[0].LastTryAt.Equal(f.now))

	// not due again until 30 minutes pass
	report = f.queue.Drain(context.Background())
	assert.Equal(t, 1, report.NotDue)
	assert.Len(t, f.sender.calls, 1)
}

func TestDrainExhaustedItemDeletedWithoutSend(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 5, f.now, `{"id":"b1"}`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 1, report.Exhausted)
	assert.Empty(t, f.sender.calls)
	assert.Empty(t, f.items(t))
}

func TestDrainCorruptPayload(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, f.now.Add(-time.Hour), `{"id":`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 1, report.Corrupt)
	assert.Empty(t, f.sender.calls)
	assert.Empty(t, f.items(t))
	assert.Equal(t, 1, strings.Count(f.logs.String(), `"level":"error"`))
}

func TestDrainIsolatesItems(t *testing.T) {
	f := newFixture(t)
	f.sender.panics = true
	f.insert(t, 1, f.now.Add(-time.Hour), `{"id":"b1"}`)
	f.insert(t, 1, f.now.Add(-time.Hour), `{"id":"b2"}`)
	f.insert(t, 1, f.now.Add(-time.Hour), `not json`)

	report := f.queue.Drain(context.Background())

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Corrupt)
	for _, item := range f.items(t) {
		assert.Equal(t, 2, item.Attempts)
		assert.Contains(t, item.LastError, "sender panic")
	}
}

type listFailStore struct{ domain.RetryStore }

func (listFailStore) ListRetryItems(context.Context) ([]models.RetryItem, error) {
	return nil, errors.New("database is locked")
}

func TestDrainStoreErrorNeverRaises(t *testing.T) {
	q := NewQueue(listFailStore{}, &fakeSender{}, DefaultPolicy(), nil, nil)
	report := q.Drain(context.Background())
	assert.Equal(t, 1, report.Errors)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, f.now.AddDate(0, 0, -31), `{}`)
	f.insert(t, 2, f.now.AddDate(0, 0, -29), `{}`)

	deleted, err := f.queue.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, f.items(t), 1)
}

func TestSweeperRunsUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, f.now.Add(-time.Hour), `{"id":"b1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewSweeper(f.queue, time.Hour, 30).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		items, err := f.db.ListRetryItems(context.Background())
		return err == nil && len(items) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
