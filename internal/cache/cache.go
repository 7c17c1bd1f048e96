// Package cache keeps an in-process, flattened snapshot of the secret store.
//
// The snapshot is replaced wholesale on every refresh and published through an
// atomic pointer, so scanners never observe a partially built view and never
// block on store I/O.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"github.com/hfi/leakguard/internal/audit"
	"github.com/hfi/leakguard/internal/interceptor"
	"github.com/hfi/leakguard/internal/metrics"
	"github.com/hfi/leakguard/internal/storage"
)

// ErrCacheNotReady is returned when no snapshot has been installed yet
var ErrCacheNotReady = errors.New("secret cache not ready")

// DefaultReservedKey is the top-level store key holding operational metadata
const DefaultReservedKey = "environmentVariables"

// Options configures a Cache
type Options struct {
	// ReservedKey is excluded from flattening; empty selects DefaultReservedKey
	ReservedKey string
	// ReadTimeout bounds each store read
	ReadTimeout time.Duration
	// PrimeDelay is the first retry delay while priming
	PrimeDelay time.Duration
	// PrimeMaxDelay caps the priming backoff
	PrimeMaxDelay time.Duration
	// Clock defaults to the wall clock
	Clock clock.Clock
	// Auditor receives refresh events; defaults to a no-op
	Auditor audit.Auditor
}

// Cache owns the current secret snapshot
type Cache struct {
	store   storage.Store
	opts    Options
	logger  zerolog.Logger
	auditor audit.Auditor

	current atomic.Pointer[interceptor.Snapshot]
	version atomic.Uint64

	// refreshMu orders refreshes so an older read never replaces a newer one
	refreshMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an empty, unprimed cache over store
func New(store storage.Store, opts Options, logger zerolog.Logger) *Cache {
	if opts.ReservedKey == "" {
		opts.ReservedKey = DefaultReservedKey
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.PrimeDelay <= 0 {
		opts.PrimeDelay = 500 * time.Millisecond
	}
	if opts.PrimeMaxDelay <= 0 {
		opts.PrimeMaxDelay = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}

	return &Cache{
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "cache").Logger(),
		auditor: auditor,
		ready:   make(chan struct{}),
	}
}

// Refresh reads the whole store and installs a new snapshot.
// On failure the previous snapshot stays current.
func (c *Cache) Refresh(ctx context.Context) (*interceptor.Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := c.opts.Clock.Now()
	readCtx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()

	doc, err := c.store.ReadAll(readCtx)
	if err != nil {
		if !errors.Is(err, storage.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
		}
		metrics.RecordCacheRefresh(false)
		c.auditor.Log(&audit.Event{
			Type:  audit.EventCacheRefreshFailed,
			Error: err.Error(),
		})
		return nil, err
	}

	values, skipped := Flatten(doc, c.opts.ReservedKey)
	snap := interceptor.NewSnapshot(values, c.version.Add(1), c.opts.Clock.Now())
	c.current.Store(snap)
	c.readyOnce.Do(func() { close(c.ready) })

	metrics.RecordCacheRefresh(true)
	metrics.CacheEntries.Set(float64(snap.Len()))
	metrics.CacheDuplicateValues.Set(float64(len(snap.Duplicates())))
	metrics.CacheUnaddressableKeys.Set(float64(len(skipped)))

	for _, path := range skipped {
		c.logger.Warn().
			Str("path", path).
			Msg("store key contains a dot; its secrets are not watched")
	}

	for _, group := range snap.Duplicates() {
		c.logger.Warn().
			Strs("paths", group).
			Str("rotates", group[0]).
			Msg("secret value stored under more than one path")
	}

	elapsed := c.opts.Clock.Now().Sub(start)
	c.logger.Debug().
		Uint64("version", snap.Version).
		Int("entries", snap.Len()).
		Dur("took", elapsed).
		Msg("snapshot installed")
	c.auditor.Log(&audit.Event{
		Type:     audit.EventCacheRefreshed,
		Count:    snap.Len(),
		Duration: float64(elapsed.Microseconds()) / 1000,
	})

	return snap, nil
}

// Current returns the installed snapshot, or nil before the first refresh
func (c *Cache) Current() *interceptor.Snapshot {
	return c.current.Load()
}

// Ready reports whether a snapshot has been installed
func (c *Cache) Ready() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until a snapshot is installed or ctx ends
func (c *Cache) WaitReady(ctx context.Context) (*interceptor.Snapshot, error) {
	select {
	case <-c.ready:
		return c.current.Load(), nil
	default:
	}

	select {
	case <-c.ready:
		return c.current.Load(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCacheNotReady, ctx.Err())
	}
}

// Prime refreshes until the first snapshot is installed, backing off between
// failed attempts. It gives up only when ctx ends.
func (c *Cache) Prime(ctx context.Context) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			_, err := c.Refresh(ctx)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("priming secret cache failed, retrying")
		},
		Attempts:    -1,
		Delay:       c.opts.PrimeDelay,
		MaxDelay:    c.opts.PrimeMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.opts.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheNotReady, retry.LastError(err))
	}

	c.logger.Info().Int("entries", c.Current().Len()).Msg("secret cache primed")
	return nil
}

// Run refreshes every interval until ctx ends. A zero interval returns at once.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(interval):
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("periodic refresh failed, keeping previous snapshot")
			}
		}
	}
}
