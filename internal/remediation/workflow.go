package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/hfi/leakguard/internal/audit"
	"github.com/hfi/leakguard/internal/interceptor"
	"github.com/hfi/leakguard/internal/logging"
	"github.com/hfi/leakguard/internal/metrics"
	"github.com/hfi/leakguard/internal/rotation"
	"github.com/hfi/leakguard/internal/storage"
	"github.com/hfi/leakguard/internal/transport"
)

// Refresher rebuilds the secret snapshot from the store
type Refresher interface {
	Current() *interceptor.Snapshot
	Refresh(ctx context.Context) (*interceptor.Snapshot, error)
}

// Timeouts bounds every external call of a remediation
type Timeouts struct {
	Lock     time.Duration `yaml:"lock"`
	Store    time.Duration `yaml:"store"`
	Refresh  time.Duration `yaml:"refresh"`
	Notify   time.Duration `yaml:"notify"`
	Suppress time.Duration `yaml:"suppress"`
}

// DefaultTimeouts returns the default per-step timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Lock:     30 * time.Second,
		Store:    10 * time.Second,
		Refresh:  10 * time.Second,
		Notify:   5 * time.Second,
		Suppress: 5 * time.Second,
	}
}

// Options configures a Workflow
type Options struct {
	Timeouts Timeouts
	// GenerateAttempts bounds regeneration when a candidate equals the old value
	GenerateAttempts int
	Clock            clock.Clock
	Auditor          audit.Auditor
}

// Workflow remediates detected leaks
type Workflow struct {
	store     storage.Store
	cache     Refresher
	outbound  transport.Outbound
	generator rotation.Generator
	locker    rotation.Locker
	opts      Options
	logger    zerolog.Logger
	auditor   audit.Auditor
}

// New creates a remediation workflow
func New(
	store storage.Store,
	cache Refresher,
	outbound transport.Outbound,
	generator rotation.Generator,
	locker rotation.Locker,
	opts Options,
	logger zerolog.Logger,
) *Workflow {
	defaults := DefaultTimeouts()
	if opts.Timeouts.Lock <= 0 {
		opts.Timeouts.Lock = defaults.Lock
	}
	if opts.Timeouts.Store <= 0 {
		opts.Timeouts.Store = defaults.Store
	}
	if opts.Timeouts.Refresh <= 0 {
		opts.Timeouts.Refresh = defaults.Refresh
	}
	if opts.Timeouts.Notify <= 0 {
		opts.Timeouts.Notify = defaults.Notify
	}
	if opts.Timeouts.Suppress <= 0 {
		opts.Timeouts.Suppress = defaults.Suppress
	}
	if opts.GenerateAttempts <= 0 {
		opts.GenerateAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.NewNopLogger()
	}
	if locker == nil {
		locker = rotation.NewLocalLocker()
	}

	return &Workflow{
		store:     store,
		cache:     cache,
		outbound:  outbound,
		generator: generator,
		locker:    locker,
		opts:      opts,
		logger:    logger.With().Str("component", "remediation").Logger(),
		auditor:   auditor,
	}
}

// Remediate runs the workflow for one detection in msg
func (w *Workflow) Remediate(ctx context.Context, msg transport.Message, match interceptor.DetectedSecret) *Result {
	start := w.opts.Clock.Now()
	event := LeakEvent{
		ID:        uuid.NewString(),
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		MessageID: msg.MessageID,
		Path:      match.Path,
		OldValue:  match.Value,
		Timestamp: start,
	}
	res := &Result{Event: event, Path: match.Path}
	res.enter(StateDetected)

	log := w.logger.With().
		Str("event_id", event.ID).
		Int64("chat_id", event.ChatID).
		Int64("message_id", event.MessageID).
		Str("path", event.Path).
		Logger()

	metrics.LeaksDetectedTotal.Inc()
	log.Warn().Str("old_value", logging.Redact(event.OldValue)).Msg("leaked secret detected")
	w.audit(audit.EventLeakDetected, event, "", nil)

	w.rotate(ctx, res, log)
	if res.Outcome == OutcomeRotated {
		w.report(ctx, res, log)
	}

	metrics.RecordRemediation(string(res.Outcome), w.opts.Clock.Now().Sub(start).Seconds())
	return res
}

// rotate holds the path lock from the freshness check through the refresh
func (w *Workflow) rotate(ctx context.Context, res *Result, log zerolog.Logger) {
	event := res.Event
	res.enter(StateRotating)

	lockCtx, cancel := context.WithTimeout(ctx, w.opts.Timeouts.Lock)
	release, err := w.locker.Lock(lockCtx, event.Path)
	cancel()
	if err != nil {
		w.fail(res, log, StateRotating, err)
		return
	}
	defer release()

	current, err := w.readCurrent(ctx, event.Path)
	if err != nil {
		if errors.Is(err, storage.ErrPathNotFound) {
			// A watched path the store cannot address would never be rotated.
			if _, watched := w.cache.Current().Value(event.Path); watched {
				w.fail(res, log, StateRotating, fmt.Errorf("%w: watched path is not addressable in the store", err))
				return
			}
			w.duplicate(res, log, "path no longer exists")
			return
		}
		w.fail(res, log, StateRotating, err)
		return
	}
	if current != event.OldValue {
		w.duplicate(res, log, "value already rotated")
		return
	}

	newValue, err := w.generate(event.OldValue)
	if err != nil {
		w.fail(res, log, StateRotating, err)
		return
	}

	if err := w.write(ctx, event.Path, newValue); err != nil {
		w.fail(res, log, StateUpdated, err)
		return
	}

	// Committed. Nothing below may undo the write or fail the remediation.
	res.NewValue = newValue
	res.Rotated = true
	res.Outcome = OutcomeRotated
	res.enter(StateUpdated)
	log.Info().Msg("secret rotated")
	w.audit(audit.EventSecretRotated, event, "", nil)

	res.enter(StateRefreshing)
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.Timeouts.Refresh)
	_, err = w.cache.Refresh(refreshCtx)
	cancel()
	if err != nil {
		w.warn(res, log, StateRefreshing, fmt.Errorf("%w: %v", ErrCacheRefreshFailed, err))
	}
}

// report notifies the admin and removes the leaked message
func (w *Workflow) report(ctx context.Context, res *Result, log zerolog.Logger) {
	event := res.Event
	base := context.WithoutCancel(ctx)

	notifyCtx, cancel := context.WithTimeout(base, w.opts.Timeouts.Notify)
	err := w.outbound.SendAdminAlert(notifyCtx, event.ChatID, event.Path, event.OldValue)
	cancel()
	if err != nil {
		w.warn(res, log, StateNotified, fmt.Errorf("%w: %v", ErrNotifyFailed, err))
	} else {
		res.Notified = true
		w.audit(audit.EventAdminNotified, event, "", nil)
	}
	res.enter(StateNotified)

	suppressCtx, cancel := context.WithTimeout(base, w.opts.Timeouts.Suppress)
	err = w.outbound.DeleteMessage(suppressCtx, event.ChatID, event.MessageID)
	cancel()
	if err != nil {
		w.warn(res, log, StateSuppressed, fmt.Errorf("%w: %v", ErrSuppressFailed, err))
	} else {
		res.Suppressed = true
		w.audit(audit.EventMessageSuppressed, event, "", nil)
	}
	res.enter(StateSuppressed)

	log.Info().
		Bool("notified", res.Notified).
		Bool("suppressed", res.Suppressed).
		Msg("remediation complete")
}

func (w *Workflow) readCurrent(ctx context.Context, path string) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, w.opts.Timeouts.Store)
	defer cancel()

	v, err := w.store.ReadPath(readCtx, path)
	if err != nil {
		return "", storeError(readCtx, err)
	}
	s, _ := v.(string)
	return s, nil
}

func (w *Workflow) write(ctx context.Context, path, value string) error {
	writeCtx, cancel := context.WithTimeout(ctx, w.opts.Timeouts.Store)
	defer cancel()

	if err := w.store.UpdatePath(writeCtx, path, value); err != nil {
		return storeError(writeCtx, err)
	}
	return nil
}

// storeError makes sure every store failure carries a store sentinel. A write
// that timed out is unavailable, never assumed applied.
func storeError(ctx context.Context, err error) error {
	if errors.Is(err, storage.ErrStoreUnavailable) ||
		errors.Is(err, storage.ErrStoreConflict) ||
		errors.Is(err, storage.ErrPathNotFound) {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, ctx.Err())
	}
	return fmt.Errorf("%w: %v", storage.ErrStoreUnavailable, err)
}

func (w *Workflow) generate(oldValue string) (string, error) {
	var lastErr error
	for i := 0; i < w.opts.GenerateAttempts; i++ {
		v, err := w.generator.Generate()
		if err != nil {
			lastErr = err
			continue
		}
		if v != "" && v != oldValue {
			return v, nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, lastErr)
	}
	return "", fmt.Errorf("%w: no distinct value after %d attempts", ErrGenerationFailed, w.opts.GenerateAttempts)
}

func (w *Workflow) fail(res *Result, log zerolog.Logger, step State, err error) {
	res.Outcome = OutcomeFailed
	res.FailedStep = step
	res.Err = err
	res.enter(StateFailed)

	metrics.RecordStepFailure(string(step))
	log.Error().Err(err).Str("step", string(step)).Msg("rotation aborted, secret unchanged")
	w.audit(audit.EventRotationFailed, res.Event, step, err)
}

func (w *Workflow) duplicate(res *Result, log zerolog.Logger, reason string) {
	res.Outcome = OutcomeDuplicate
	log.Info().Str("reason", reason).Msg("detection already remediated")
	w.audit(audit.EventRotationDuplicate, res.Event, "", nil)
}

func (w *Workflow) warn(res *Result, log zerolog.Logger, step State, err error) {
	res.Warnings = append(res.Warnings, err)
	metrics.RecordStepFailure(string(step))
	log.Error().Err(err).Str("step", string(step)).Msg("remediation step failed")

	switch {
	case errors.Is(err, ErrNotifyFailed):
		w.audit(audit.EventNotifyFailed, res.Event, step, err)
	case errors.Is(err, ErrSuppressFailed):
		w.audit(audit.EventSuppressFailed, res.Event, step, err)
	}
}

func (w *Workflow) audit(typ audit.EventType, event LeakEvent, step State, err error) {
	e := &audit.Event{
		Timestamp: w.opts.Clock.Now(),
		Type:      typ,
		EventID:   event.ID,
		ChatID:    event.ChatID,
		MessageID: event.MessageID,
		SenderID:  event.SenderID,
		Path:      event.Path,
		Step:      string(step),
	}
	if err != nil {
		e.Error = err.Error()
	}
	w.auditor.Log(e)
}
