// Package natsbus carries chat messages, alerts and deletion requests over NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hfi/leakguard/internal/transport"
)

const defaultTimeout = 5 * time.Second

// ErrDeleteRejected is returned when the deletion responder reports failure
var ErrDeleteRejected = errors.New("delete request rejected")

// Config holds NATS transport settings
type Config struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	Queue         string `yaml:"queue"`
	AlertSubject  string `yaml:"alert_subject"`
	DeleteSubject string `yaml:"delete_subject"`
	// PassSubject receives clean messages; empty drops them
	PassSubject string `yaml:"pass_subject"`
	BufferSize  int    `yaml:"buffer_size"`
}

// DefaultConfig returns the default NATS transport configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       "leakguard.messages",
		Queue:         "leakguard",
		AlertSubject:  "leakguard.alerts",
		DeleteSubject: "leakguard.delete",
		BufferSize:    64,
	}
}

// Transport implements transport.Inbound and transport.Outbound
type Transport struct {
	nc     *nats.Conn
	cfg    Config
	logger zerolog.Logger
}

type alertPayload struct {
	transport.Alert
	Text string `json:"text"`
}

type deleteRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

type deleteReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Connect dials the NATS server and returns a transport
func Connect(cfg Config, logger zerolog.Logger) (*Transport, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("leakguard"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return New(nc, cfg, logger), nil
}

// New wraps an existing connection
func New(nc *nats.Conn, cfg Config, logger zerolog.Logger) *Transport {
	defaults := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = defaults.Subject
	}
	if cfg.AlertSubject == "" {
		cfg.AlertSubject = defaults.AlertSubject
	}
	if cfg.DeleteSubject == "" {
		cfg.DeleteSubject = defaults.DeleteSubject
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaults.BufferSize
	}
	return &Transport{
		nc:     nc,
		cfg:    cfg,
		logger: logger.With().Str("component", "natsbus").Logger(),
	}
}

// Messages subscribes to the inbound subject. Replicas sharing a queue group
// split the stream between them.
func (t *Transport) Messages(ctx context.Context) (<-chan transport.Message, error) {
	raw := make(chan *nats.Msg, t.cfg.BufferSize)

	var (
		sub *nats.Subscription
		err error
	)
	if t.cfg.Queue != "" {
		sub, err = t.nc.ChanQueueSubscribe(t.cfg.Subject, t.cfg.Queue, raw)
	} else {
		sub, err = t.nc.ChanSubscribe(t.cfg.Subject, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.cfg.Subject, err)
	}

	out := make(chan transport.Message)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				t.logger.Debug().Err(err).Msg("unsubscribe failed")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-raw:
				var msg transport.Message
				if err := json.Unmarshal(m.Data, &msg); err != nil {
					t.logger.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Pass republishes a clean message on the pass subject, if configured
func (t *Transport) Pass(ctx context.Context, msg transport.Message) error {
	if t.cfg.PassSubject == "" {
		return nil
	}
	return t.publish(ctx, t.cfg.PassSubject, msg)
}

// SendAdminAlert publishes the alert and waits for the server to accept it
func (t *Transport) SendAdminAlert(ctx context.Context, chatID int64, path, oldValue string) error {
	payload := alertPayload{
		Alert: transport.Alert{
			ChatID:   chatID,
			Path:     path,
			OldValue: oldValue,
			Rotated:  true,
		},
		Text: transport.FormatAlert(chatID, path, oldValue),
	}
	return t.publish(ctx, t.cfg.AlertSubject, payload)
}

// DeleteMessage asks the chat bridge to delete a message and waits for its reply
func (t *Transport) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	data, err := json.Marshal(deleteRequest{ChatID: chatID, MessageID: messageID})
	if err != nil {
		return err
	}

	ctx, cancel := withDefaultDeadline(ctx)
	defer cancel()
	resp, err := t.nc.RequestWithContext(ctx, t.cfg.DeleteSubject, data)
	if err != nil {
		return fmt.Errorf("delete request on %s: %w", t.cfg.DeleteSubject, err)
	}

	var reply deleteReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return fmt.Errorf("%w: malformed reply: %v", ErrDeleteRejected, err)
	}
	if !reply.OK {
		return fmt.Errorf("%w: %s", ErrDeleteRejected, reply.Error)
	}
	return nil
}

// Close drains the connection
func (t *Transport) Close() error {
	return t.nc.Drain()
}

func (t *Transport) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := t.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	ctx, cancel := withDefaultDeadline(ctx)
	defer cancel()
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// withDefaultDeadline bounds ctx when the caller set no deadline
func withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
