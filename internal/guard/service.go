// Package guard scans inbound messages and hands leaks to remediation.
package guard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfi/leakguard/internal/interceptor"
	"github.com/hfi/leakguard/internal/metrics"
	"github.com/hfi/leakguard/internal/remediation"
	"github.com/hfi/leakguard/internal/transport"
)

// Verdict tells the transport what to do with a message
type Verdict int

const (
	// VerdictPass lets the message continue through the transport
	VerdictPass Verdict = iota
	// VerdictHandled stops the message; a leak was dealt with
	VerdictHandled
)

func (v Verdict) String() string {
	if v == VerdictHandled {
		return "handled"
	}
	return "pass"
}

// SnapshotSource provides the current secret snapshot
type SnapshotSource interface {
	Current() *interceptor.Snapshot
	WaitReady(ctx context.Context) (*interceptor.Snapshot, error)
}

// Remediator handles one detected leak
type Remediator interface {
	Remediate(ctx context.Context, msg transport.Message, match interceptor.DetectedSecret) *remediation.Result
}

// HandleResult contains the result of handling one message
type HandleResult struct {
	Verdict Verdict
	// Match is set when the message leaked a known value
	Match *interceptor.DetectedSecret
	// Remediation is set when a remediation ran
	Remediation *remediation.Result
	// Err is set when the message could not be scanned
	Err error
}

// Service coordinates scanning and remediation
type Service struct {
	cache      SnapshotSource
	remediator Remediator
	readyWait  time.Duration
	logger     zerolog.Logger
}

// NewService creates a new guard service. readyWait bounds how long a message
// waits for an unprimed cache before it is passed through.
func NewService(cache SnapshotSource, remediator Remediator, readyWait time.Duration, logger zerolog.Logger) *Service {
	if readyWait <= 0 {
		readyWait = 30 * time.Second
	}
	return &Service{
		cache:      cache,
		remediator: remediator,
		readyWait:  readyWait,
		logger:     logger.With().Str("component", "guard").Logger(),
	}
}

// HandleMessage scans msg and remediates a leak if one is found
func (s *Service) HandleMessage(ctx context.Context, msg transport.Message) *HandleResult {
	result := &HandleResult{Verdict: VerdictPass}

	if msg.Text == "" {
		return result
	}
	metrics.MessagesScannedTotal.Inc()

	snap := s.cache.Current()
	if snap == nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.readyWait)
		var err error
		snap, err = s.cache.WaitReady(waitCtx)
		cancel()
		if err != nil {
			s.logger.Warn().
				Err(err).
				Int64("chat_id", msg.ChatID).
				Int64("message_id", msg.MessageID).
				Msg("message passed unscanned")
			result.Err = err
			return result
		}
	}

	start := time.Now()
	match, found := interceptor.Scan(msg.Text, snap)
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	if !found {
		return result
	}
	result.Match = &match

	res := s.remediator.Remediate(ctx, msg, match)
	result.Remediation = res
	if res.Outcome != remediation.OutcomeFailed {
		result.Verdict = VerdictHandled
	}
	return result
}
