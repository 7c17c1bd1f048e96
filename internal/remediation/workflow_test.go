package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfi/leakguard/internal/audit"
	"github.com/hfi/leakguard/internal/cache"
	"github.com/hfi/leakguard/internal/interceptor"
	"github.com/hfi/leakguard/internal/rotation"
	"github.com/hfi/leakguard/internal/storage"
	"github.com/hfi/leakguard/internal/transport"
)

// recordingStore counts writes and can fail or stall them
type recordingStore struct {
	*storage.MemoryStore
	updates     atomic.Int32
	updateErr   error
	readErr     error
	stall       bool
	afterUpdate func()
}

func (s *recordingStore) ReadPath(ctx context.Context, path string) (any, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.MemoryStore.ReadPath(ctx, path)
}

func (s *recordingStore) UpdatePath(ctx context.Context, path, value string) error {
	if s.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	if err := s.MemoryStore.UpdatePath(ctx, path, value); err != nil {
		return err
	}
	s.updates.Add(1)
	if s.afterUpdate != nil {
		s.afterUpdate()
	}
	return nil
}

type alertCall struct {
	ChatID   int64
	Path     string
	OldValue string
	CtxErr   error
}

type deleteCall struct {
	ChatID    int64
	MessageID int64
}

// fakeOutbound records alerts and deletions
type fakeOutbound struct {
	mu        sync.Mutex
	alerts    []alertCall
	deletes   []deleteCall
	alertErr  error
	deleteErr error
}

func (f *fakeOutbound) SendAdminAlert(ctx context.Context, chatID int64, path, oldValue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alertCall{ChatID: chatID, Path: path, OldValue: oldValue, CtxErr: ctx.Err()})
	return f.alertErr
}

func (f *fakeOutbound) DeleteMessage(_ context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{ChatID: chatID, MessageID: messageID})
	return f.deleteErr
}

type failingRefresher struct{}

func (failingRefresher) Current() *interceptor.Snapshot { return nil }

func (failingRefresher) Refresh(context.Context) (*interceptor.Snapshot, error) {
	return nil, storage.ErrStoreUnavailable
}

// sequenceGenerator returns the given values in order, then repeats the last
type sequenceGenerator struct {
	mu     sync.Mutex
	values []string
	calls  int
}

func (g *sequenceGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	if i >= len(g.values) {
		i = len(g.values) - 1
	}
	g.calls++
	return g.values[i], nil
}

type fixture struct {
	store    *recordingStore
	cache    *cache.Cache
	outbound *fakeOutbound
	auditor  *audit.Recorder
	gen      *rotation.Alphanumeric
	workflow *Workflow
}

func newFixture(t *testing.T, doc storage.Document) *fixture {
	t.Helper()
	f := &fixture{
		store:    &recordingStore{MemoryStore: storage.NewMemoryStore(doc)},
		outbound: &fakeOutbound{},
		auditor:  &audit.Recorder{},
	}
	f.cache = cache.New(f.store, cache.Options{}, zerolog.Nop())
	_, err := f.cache.Refresh(context.Background())
	require.NoError(t, err)

	f.gen, err = rotation.NewAlphanumeric(0)
	require.NoError(t, err)

	f.workflow = New(f.store, f.cache, f.outbound, f.gen, rotation.NewLocalLocker(),
		Options{Auditor: f.auditor}, zerolog.Nop())
	return f
}

func (f *fixture) detect(t *testing.T, text string) interceptor.DetectedSecret {
	t.Helper()
	match, ok := interceptor.Scan(text, f.cache.Current())
	require.True(t, ok, "expected %q to leak", text)
	return match
}

func leakDoc() storage.Document {
	return storage.Document{
		"api": map[string]any{"key": "sk_live_ABC123"},
		"db":  map[string]any{"pass": "Xk9f2Qz8"},
	}
}

func TestRemediate_Scenario(t *testing.T) {
	f := newFixture(t, leakDoc())
	msg := transport.Message{ChatID: 42, SenderID: 9, MessageID: 77, Text: "here is the key sk_live_ABC123"}

	res := f.workflow.Remediate(context.Background(), msg, f.detect(t, msg.Text))

	require.NoError(t, res.Errors())
	assert.Equal(t, OutcomeRotated, res.Outcome)
	assert.True(t, res.Rotated)
	assert.True(t, res.Notified)
	assert.True(t, res.Suppressed)
	assert.Equal(t, "api.key", res.Path)
	assert.Equal(t, []State{
		StateDetected, StateRotating, StateUpdated, StateRefreshing, StateNotified, StateSuppressed,
	}, res.Transitions)

	assert.Equal(t, int32(1), f.store.updates.Load())
	assert.NotEqual(t, "sk_live_ABC123", res.NewValue)
	assert.Regexp(t, `^[a-zA-Z0-9]{24}$`, res.NewValue)

	stored, err := f.store.ReadPath(context.Background(), "api.key")
	require.NoError(t, err)
	assert.Equal(t, res.NewValue, stored)

	require.Len(t, f.outbound.alerts, 1)
	assert.Equal(t, int64(42), f.outbound.alerts[0].ChatID)
	assert.Equal(t, "api.key", f.outbound.alerts[0].Path)
	assert.Equal(t, "sk_live_ABC123", f.outbound.alerts[0].OldValue)
	assert.Equal(t, []deleteCall{{ChatID: 42, MessageID: 77}}, f.outbound.deletes)

	_, leaked := interceptor.Scan(msg.Text, f.cache.Current())
	assert.False(t, leaked, "old value must no longer match after remediation")

	_, leaked = interceptor.Scan(res.NewValue, f.cache.Current())
	assert.True(t, leaked, "new value is now a known secret")

	assert.Equal(t, []audit.EventType{
		audit.EventLeakDetected, audit.EventSecretRotated, audit.EventAdminNotified, audit.EventMessageSuppressed,
	}, f.auditor.Types())
	assert.NotEmpty(t, res.Event.ID)
	assert.False(t, res.Event.Timestamp.IsZero())
}

func TestRemediate_ConcurrentDetectionsRotateOnce(t *testing.T) {
	f := newFixture(t, leakDoc())
	match := f.detect(t, "Xk9f2Qz8")

	const n = 10
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := transport.Message{ChatID: 1, MessageID: int64(100 + i), Text: "Xk9f2Qz8"}
			results[i] = f.workflow.Remediate(context.Background(), msg, match)
		}(i)
	}
	wg.Wait()

	rotated, duplicates := 0, 0
	for _, r := range results {
		switch r.Outcome {
		case OutcomeRotated:
			rotated++
		case OutcomeDuplicate:
			duplicates++
			assert.Empty(t, r.NewValue)
		}
	}
	assert.Equal(t, 1, rotated)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, int32(1), f.store.updates.Load())
	assert.Len(t, f.outbound.alerts, 1)
	assert.Len(t, f.outbound.deletes, 1)
}

func TestRemediate_StaleDetectionIsDuplicate(t *testing.T) {
	f := newFixture(t, leakDoc())
	match := f.detect(t, "Xk9f2Qz8")

	// Rotated out of band after the snapshot was taken.
	require.NoError(t, f.store.MemoryStore.UpdatePath(context.Background(), "db.pass", "changedElsewhere1"))

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 1, MessageID: 2}, match)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.False(t, res.Rotated)
	assert.NoError(t, res.Errors())
	assert.Equal(t, int32(0), f.store.updates.Load())
	assert.Empty(t, f.outbound.alerts)
	assert.Contains(t, f.auditor.Types(), audit.EventRotationDuplicate)
}

func TestRemediate_PathRemovedIsDuplicate(t *testing.T) {
	f := newFixture(t, leakDoc())
	match := interceptor.DetectedSecret{Path: "gone.key", Value: "whatever1"}

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 1, MessageID: 2}, match)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, int32(0), f.store.updates.Load())
}

func TestRemediate_WatchedPathNotAddressableFails(t *testing.T) {
	f := newFixture(t, leakDoc())
	match := f.detect(t, "sk_live_ABC123")
	f.store.readErr = fmt.Errorf("%w: api.key", storage.ErrPathNotFound)

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 42, MessageID: 77}, match)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateRotating, res.FailedStep)
	assert.ErrorIs(t, res.Err, storage.ErrPathNotFound)
	assert.Equal(t, int32(0), f.store.updates.Load())
	assert.Contains(t, f.auditor.Types(), audit.EventRotationFailed)
	assert.NotContains(t, f.auditor.Types(), audit.EventRotationDuplicate)
}

func TestRemediate_DottedStoreKeyIsNotWatched(t *testing.T) {
	f := newFixture(t, storage.Document{
		"api.example.com": "Tok3nValue99",
		"db":              map[string]any{"pass": "Xk9f2Qz8"},
	})

	_, ok := interceptor.Scan("token Tok3nValue99", f.cache.Current())
	assert.False(t, ok)

	// Every watched path can be re-read and rotated.
	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 42, MessageID: 77}, f.detect(t, "Xk9f2Qz8"))
	assert.Equal(t, OutcomeRotated, res.Outcome)
}

func TestRemediate_StoreFailureAborts(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "unavailable", err: storage.ErrStoreUnavailable, wantErr: ErrStoreUnavailable},
		{name: "conflict", err: storage.ErrStoreConflict, wantErr: ErrStoreConflict},
		{name: "unclassified", err: errors.New("boom"), wantErr: ErrStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, leakDoc())
			f.store.updateErr = tt.err

			res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 42, MessageID: 77}, f.detect(t, "sk_live_ABC123"))

			assert.Equal(t, OutcomeFailed, res.Outcome)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, StateUpdated, res.FailedStep)
			assert.ErrorIs(t, res.Err, tt.wantErr)
			assert.False(t, res.Rotated)
			assert.Empty(t, res.NewValue)
			assert.Empty(t, f.outbound.alerts)
			assert.Empty(t, f.outbound.deletes)

			v, _ := f.cache.Current().Value("api.key")
			assert.Equal(t, "sk_live_ABC123", v)
			assert.Contains(t, f.auditor.Types(), audit.EventRotationFailed)
		})
	}
}

func TestRemediate_StoreWriteTimeoutIsUnavailable(t *testing.T) {
	f := newFixture(t, leakDoc())
	f.store.stall = true
	f.workflow.opts.Timeouts.Store = 20 * time.Millisecond

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 42, MessageID: 77}, f.detect(t, "sk_live_ABC123"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, StateUpdated, res.FailedStep)
	assert.ErrorIs(t, res.Err, ErrStoreUnavailable)
	assert.Empty(t, f.outbound.alerts)
}

func TestRemediate_CommittedDespiteLaterFailures(t *testing.T) {
	f := newFixture(t, leakDoc())
	f.outbound.alertErr = errors.New("telegram down")
	f.outbound.deleteErr = errors.New("message too old")
	f.workflow.cache = failingRefresher{}

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 42, MessageID: 77}, f.detect(t, "sk_live_ABC123"))

	assert.Equal(t, OutcomeRotated, res.Outcome)
	assert.True(t, res.Rotated)
	assert.False(t, res.Notified)
	assert.False(t, res.Suppressed)
	assert.NoError(t, res.Err)
	assert.Equal(t, StateSuppressed, res.State)
	require.Len(t, res.Warnings, 3)
	assert.ErrorIs(t, res.Warnings[0], ErrCacheRefreshFailed)
	assert.ErrorIs(t, res.Warnings[1], ErrNotifyFailed)
	assert.ErrorIs(t, res.Warnings[2], ErrSuppressFailed)
	assert.ErrorIs(t, res.Errors(), ErrNotifyFailed)

	// Exactly one write, and the store keeps the new value.
	assert.Equal(t, int32(1), f.store.updates.Load())
	stored, err := f.store.ReadPath(context.Background(), "api.key")
	require.NoError(t, err)
	assert.Equal(t, res.NewValue, stored)

	// Both outbound calls were still attempted.
	assert.Len(t, f.outbound.alerts, 1)
	assert.Len(t, f.outbound.deletes, 1)

	types := f.auditor.Types()
	assert.Contains(t, types, audit.EventNotifyFailed)
	assert.Contains(t, types, audit.EventSuppressFailed)
	assert.NotContains(t, types, audit.EventRotationFailed)
}

func TestRemediate_CallerCancelAfterCommit(t *testing.T) {
	f := newFixture(t, leakDoc())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.store.afterUpdate = cancel

	res := f.workflow.Remediate(ctx, transport.Message{ChatID: 42, MessageID: 77}, f.detect(t, "sk_live_ABC123"))

	assert.Equal(t, OutcomeRotated, res.Outcome)
	assert.True(t, res.Notified)
	assert.True(t, res.Suppressed)
	require.Len(t, f.outbound.alerts, 1)
	assert.NoError(t, f.outbound.alerts[0].CtxErr)

	_, leaked := interceptor.Scan("sk_live_ABC123", f.cache.Current())
	assert.False(t, leaked)
}

func TestRemediate_GeneratorCollision(t *testing.T) {
	f := newFixture(t, leakDoc())
	gen := &sequenceGenerator{values: []string{"sk_live_ABC123", "sk_live_ABC123", "freshValue42"}}
	f.workflow.generator = gen

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 1, MessageID: 1}, f.detect(t, "sk_live_ABC123"))

	assert.Equal(t, OutcomeRotated, res.Outcome)
	assert.Equal(t, "freshValue42", res.NewValue)
	assert.Equal(t, 3, gen.calls)
}

func TestRemediate_GeneratorExhausted(t *testing.T) {
	f := newFixture(t, leakDoc())
	f.workflow.generator = &sequenceGenerator{values: []string{"sk_live_ABC123"}}

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 1, MessageID: 1}, f.detect(t, "sk_live_ABC123"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrGenerationFailed)
	assert.Equal(t, int32(0), f.store.updates.Load())
}

func TestRemediate_LockTimeout(t *testing.T) {
	f := newFixture(t, leakDoc())
	locker := rotation.NewLocalLocker()
	f.workflow.locker = locker
	f.workflow.opts.Timeouts.Lock = 20 * time.Millisecond

	release, err := locker.Lock(context.Background(), "api.key")
	require.NoError(t, err)
	defer release()

	res := f.workflow.Remediate(context.Background(), transport.Message{ChatID: 1, MessageID: 1}, f.detect(t, "sk_live_ABC123"))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, rotation.ErrLockUnavailable)
	assert.Equal(t, int32(0), f.store.updates.Load())
}

func TestResult_ErrorsEmpty(t *testing.T) {
	r := &Result{}
	assert.NoError(t, r.Errors())
}
