// Package telegram implements the chat transport on the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hfi/leakguard/internal/transport"
)

// ErrAPI is returned when the Bot API answers ok:false
var ErrAPI = errors.New("telegram api error")

const maxResponseBytes = 8 << 20

const introText = `👋 Hello, I watch this chat for *leaked secrets* 🔐 such as API keys, credentials and tokens.

If a known secret is posted, I will:
1️⃣ Rotate the secret
2️⃣ Alert the admin
3️⃣ Delete the leaked message (if possible)`

// Config holds Telegram transport settings
type Config struct {
	APIURL      string        `yaml:"api_url"`
	Token       string        `yaml:"token"`
	AdminChatID int64         `yaml:"admin_chat_id"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// RateLimit is the sustained outbound call rate per second
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns the default Telegram configuration
func DefaultConfig() Config {
	return Config{
		APIURL:      "https://api.telegram.org",
		PollTimeout: 30 * time.Second,
		RateLimit:   20,
		Burst:       5,
	}
}

// Bot implements transport.Inbound and transport.Outbound
type Bot struct {
	cfg     Config
	base    string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

type update struct {
	UpdateID int64        `json:"update_id"`
	Message  *chatMessage `json:"message"`
}

type chatMessage struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Chat struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"chat"`
	Text    string `json:"text"`
	Caption string `json:"caption"`
}

// New creates a bot client. The token must already be resolved.
func New(cfg Config, logger zerolog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if cfg.AdminChatID == 0 {
		return nil, errors.New("telegram admin chat id is required")
	}
	defaults := DefaultConfig()
	if cfg.APIURL == "" {
		cfg.APIURL = defaults.APIURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaults.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	return &Bot{
		cfg:     cfg,
		base:    strings.TrimRight(cfg.APIURL, "/") + "/bot" + cfg.Token + "/",
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  logger.With().Str("component", "telegram").Logger(),
	}, nil
}

// Messages long-polls getUpdates until ctx ends
func (b *Bot) Messages(ctx context.Context) (<-chan transport.Message, error) {
	out := make(chan transport.Message)
	go func() {
		defer close(out)
		b.poll(ctx, out)
	}()
	return out, nil
}

func (b *Bot) poll(ctx context.Context, out chan<- transport.Message) {
	var offset int64
	backoff := time.Second

	for ctx.Err() == nil {
		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.Message == nil {
				continue
			}
			msg := transport.Message{
				ChatID:    u.Message.Chat.ID,
				MessageID: u.Message.MessageID,
				Text:      u.Message.Text,
			}
			if msg.Text == "" {
				msg.Text = u.Message.Caption
			}
			if u.Message.From != nil {
				msg.SenderID = u.Message.From.ID
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollTimeout+10*time.Second)
	defer cancel()

	params := map[string]any{
		"timeout":         int(b.cfg.PollTimeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		params["offset"] = offset
	}

	var updates []update
	if err := b.call(pollCtx, "getUpdates", params, &updates, false); err != nil {
		return nil, err
	}
	return updates, nil
}

// Pass runs the bot's own command handling for a clean message
func (b *Bot) Pass(ctx context.Context, msg transport.Message) error {
	cmd, _, _ := strings.Cut(strings.TrimSpace(msg.Text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	switch cmd {
	case "/start", "/help":
		return b.sendMessage(ctx, msg.ChatID, introText)
	}
	return nil
}

// SendAdminAlert sends the Markdown alert to the admin chat. chatID is the
// chat the leak happened in.
func (b *Bot) SendAdminAlert(ctx context.Context, chatID int64, path, oldValue string) error {
	return b.sendMessage(ctx, b.cfg.AdminChatID, transport.FormatAlert(chatID, path, oldValue))
}

// DeleteMessage deletes a message from a chat
func (b *Bot) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return b.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil, true)
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) error {
	return b.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	}, nil, true)
}

// call invokes a Bot API method. Outbound calls wait on the rate limiter;
// polling does not.
func (b *Bot) call(ctx context.Context, method string, params any, result any, limited bool) error {
	if limited {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram %s: %w", method, err)
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, b.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, b.redact(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return fmt.Errorf("telegram %s: HTTP %d: malformed response: %w", method, resp.StatusCode, err)
	}
	if !ar.OK {
		return fmt.Errorf("%w: %s: %d %s", ErrAPI, method, ar.ErrorCode, ar.Description)
	}
	if result != nil {
		if err := json.Unmarshal(ar.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the URL
func (b *Bot) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = strings.ReplaceAll(ue.URL, b.cfg.Token, "<token>")
		return ue
	}
	return errors.New(strings.ReplaceAll(err.Error(), b.cfg.Token, "<token>"))
}
