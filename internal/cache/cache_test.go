package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfi/leakguard/internal/audit"
	"github.com/hfi/leakguard/internal/interceptor"
	"github.com/hfi/leakguard/internal/metrics"
	"github.com/hfi/leakguard/internal/storage"
)

// flakyStore wraps a MemoryStore and fails ReadAll while failing is set
type flakyStore struct {
	*storage.MemoryStore
	failing atomic.Bool
	reads   atomic.Int32
}

func (f *flakyStore) ReadAll(ctx context.Context) (storage.Document, error) {
	f.reads.Add(1)
	if f.failing.Load() {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.ReadAll(ctx)
}

func newTestCache(store storage.Store) *Cache {
	return New(store, Options{PrimeDelay: time.Millisecond, PrimeMaxDelay: 5 * time.Millisecond}, zerolog.Nop())
}

func TestFlatten(t *testing.T) {
	doc := map[string]any{
		"api": map[string]any{
			"key":    "sk_live_ABC123",
			"blank":  "  ",
			"port":   8080,
			"hosts":  []any{"a", "b"},
			"nested": map[string]any{"deep": "value"},
		},
		"db":                   map[any]any{"pass": "Xk9f2Qz8"},
		"enabled":              true,
		"environmentVariables": map[string]any{"API_KEY": "sk_live_ABC123"},
		"top":                  "plain",
		"empty":                map[string]any{},
	}

	got, skipped := Flatten(doc, DefaultReservedKey)
	assert.Empty(t, skipped)
	assert.Equal(t, map[string]string{
		"api.key":         "sk_live_ABC123",
		"api.nested.deep": "value",
		"db.pass":         "Xk9f2Qz8",
		"top":             "plain",
	}, got)
}

func TestFlatten_ReservedKeyOnlyAtTopLevel(t *testing.T) {
	doc := map[string]any{
		"svc": map[string]any{"environmentVariables": "kept"},
	}
	got, _ := Flatten(doc, DefaultReservedKey)
	assert.Equal(t, map[string]string{"svc.environmentVariables": "kept"}, got)
}

func TestFlatten_SkipsDottedKeys(t *testing.T) {
	doc := map[string]any{
		"api.example.com": "Tok3nValue99",
		"svc": map[string]any{
			"v1.2":  map[string]any{"token": "inner1"},
			"plain": "kept1234",
		},
	}

	got, skipped := Flatten(doc, DefaultReservedKey)
	assert.Equal(t, map[string]string{"svc.plain": "kept1234"}, got)
	assert.Equal(t, []string{"api.example.com", "svc.v1.2"}, skipped)
}

func TestCache_RefreshLeavesOutDottedKeys(t *testing.T) {
	store := storage.NewMemoryStore(storage.Document{
		"api.example.com": "Tok3nValue99",
		"db":              map[string]any{"pass": "Xk9f2Qz8"},
	})
	c := newTestCache(store)

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"db.pass": "Xk9f2Qz8"}, snap.Values())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheUnaddressableKeys))

	// Every path in the snapshot must be readable by the remediation re-check.
	for path := range snap.Values() {
		_, err := store.ReadPath(context.Background(), path)
		assert.NoError(t, err, path)
	}
}

func TestCache_UnprimedCurrentIsNil(t *testing.T) {
	c := newTestCache(storage.NewMemoryStore(nil))

	assert.Nil(t, c.Current())
	assert.False(t, c.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.WaitReady(ctx)
	assert.ErrorIs(t, err, ErrCacheNotReady)
}

func TestCache_RefreshMatchesStore(t *testing.T) {
	store := storage.NewMemoryStore(storage.Document{
		"api":                  map[string]any{"key": "sk_live_ABC123"},
		"db":                   map[string]any{"pass": "Xk9f2Qz8", "port": 5432},
		"environmentVariables": map[string]any{"DB_PASS": "Xk9f2Qz8"},
	})
	rec := &audit.Recorder{}
	c := New(store, Options{Auditor: rec}, zerolog.Nop())

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, c.Current())
	assert.True(t, c.Ready())
	assert.Equal(t, map[string]string{
		"api.key": "sk_live_ABC123",
		"db.pass": "Xk9f2Qz8",
	}, c.Current().Values())
	assert.Equal(t, []audit.EventType{audit.EventCacheRefreshed}, rec.Types())

	require.NoError(t, store.UpdatePath(context.Background(), "api.key", "rotated"))
	snap2, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Greater(t, snap2.Version, snap.Version)

	_, ok := interceptor.Scan("sk_live_ABC123", c.Current())
	assert.False(t, ok)
	v, _ := snap.Value("api.key")
	assert.Equal(t, "sk_live_ABC123", v, "old snapshot must not change")
}

func TestCache_FailedRefreshKeepsSnapshot(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(storage.Document{"k": "value1"})}
	rec := &audit.Recorder{}
	c := New(store, Options{Auditor: rec}, zerolog.Nop())

	before, err := c.Refresh(context.Background())
	require.NoError(t, err)

	store.failing.Store(true)
	_, err = c.Refresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Same(t, before, c.Current())
	assert.Contains(t, rec.Types(), audit.EventCacheRefreshFailed)
}

func TestCache_PrimeRetriesUntilStoreRecovers(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(storage.Document{"k": "value1"})}
	store.failing.Store(true)
	c := newTestCache(store)

	go func() {
		for store.reads.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		store.failing.Store(false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Prime(ctx))
	assert.True(t, c.Ready())
	assert.GreaterOrEqual(t, store.reads.Load(), int32(3))
}

func TestCache_PrimeGivesUpWithContext(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(nil)}
	store.failing.Store(true)
	c := newTestCache(store)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Prime(ctx)
	assert.ErrorIs(t, err, ErrCacheNotReady)
	assert.Nil(t, c.Current())
}

func TestCache_WaitReadyUnblocksOnPrime(t *testing.T) {
	c := newTestCache(storage.NewMemoryStore(storage.Document{"k": "value1"}))

	done := make(chan *interceptor.Snapshot, 1)
	go func() {
		snap, err := c.WaitReady(context.Background())
		assert.NoError(t, err)
		done <- snap
	}()

	require.NoError(t, c.Prime(context.Background()))

	select {
	case snap := <-done:
		assert.Equal(t, 1, snap.Len())
	case <-time.After(time.Second):
		t.Fatal("WaitReady did not return after prime")
	}
}

func TestCache_ConcurrentReadersDuringRefresh(t *testing.T) {
	store := storage.NewMemoryStore(storage.Document{"a": "value_a", "b": "value_b"})
	c := newTestCache(store)
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := c.Current()
				// A snapshot is always complete.
				assert.Equal(t, 2, snap.Len())
			}
		}()
	}

	for i := 0; i < 50; i++ {
		_, err := c.Refresh(context.Background())
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestCache_Run(t *testing.T) {
	store := storage.NewMemoryStore(storage.Document{"k": "value1"})
	clk := testclock.NewClock(time.Now())
	c := New(store, Options{Clock: clk}, zerolog.Nop())
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Minute)
		close(done)
	}()

	require.NoError(t, store.UpdatePath(context.Background(), "k", "value2"))

	// Nothing is reloaded until the interval elapses on the cache clock.
	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	v, _ := c.Current().Value("k")
	assert.Equal(t, "value1", v)

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	assert.Eventually(t, func() bool {
		v, _ := c.Current().Value("k")
		return v == "value2"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCache_RunDisabled(t *testing.T) {
	c := newTestCache(storage.NewMemoryStore(nil))
	c.Run(context.Background(), 0)
}
