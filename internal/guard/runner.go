package guard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hfi/leakguard/internal/transport"
)

// Runner feeds inbound messages through the service on a bounded worker group
type Runner struct {
	inbound     transport.Inbound
	service     *Service
	concurrency int
	logger      zerolog.Logger
}

// NewRunner creates a runner with at most concurrency messages in flight
func NewRunner(inbound transport.Inbound, service *Service, concurrency int, logger zerolog.Logger) *Runner {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Runner{
		inbound:     inbound,
		service:     service,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "runner").Logger(),
	}
}

// Run consumes messages until ctx ends or the inbound stream closes, then
// waits for in-flight messages.
func (r *Runner) Run(ctx context.Context) error {
	msgs, err := r.inbound.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to open inbound stream: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	r.logger.Info().Int("concurrency", r.concurrency).Msg("consuming messages")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-msgs:
			if !ok {
				break loop
			}
			g.Go(func() error {
				r.handle(ctx, msg)
				return nil
			})
		}
	}

	return g.Wait()
}

func (r *Runner) handle(ctx context.Context, msg transport.Message) {
	res := r.service.HandleMessage(ctx, msg)
	if res.Verdict != VerdictPass {
		return
	}
	if err := r.inbound.Pass(ctx, msg); err != nil {
		r.logger.Warn().
			Err(err).
			Int64("chat_id", msg.ChatID).
			Int64("message_id", msg.MessageID).
			Msg("failed to pass message on")
	}
}
