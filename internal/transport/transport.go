// Package transport defines the message channels the guard reads from and
// reports to. Concrete adapters live in subpackages.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// Message is one inbound chat message
type Message struct {
	ChatID    int64  `json:"chat_id"`
	SenderID  int64  `json:"sender_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

// Inbound yields messages and takes back the ones the guard let through
type Inbound interface {
	// Messages streams inbound messages until ctx ends or the source closes
	Messages(ctx context.Context) (<-chan Message, error)
	// Pass hands a clean message to the transport's own dispatch
	Pass(ctx context.Context, msg Message) error
}

// Outbound reports leaks and removes leaked messages
type Outbound interface {
	SendAdminAlert(ctx context.Context, chatID int64, path, oldValue string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// Alert is the structured form of an admin alert
type Alert struct {
	ChatID   int64  `json:"chat_id"`
	Path     string `json:"path"`
	OldValue string `json:"old_value"`
	Rotated  bool   `json:"rotated"`
}

// FormatAlert renders the Markdown admin alert
func FormatAlert(chatID int64, path, oldValue string) string {
	var b strings.Builder
	b.WriteString("🚨 *Leaked Secret Detected!*\n")
	fmt.Fprintf(&b, "📍 Chat: %d\n", chatID)
	fmt.Fprintf(&b, "🔑 Key: %s\n", escapeMarkdown(path))
	fmt.Fprintf(&b, "🕵️ Old: `%s`\n", strings.ReplaceAll(oldValue, "`", "'"))
	b.WriteString("🔁 Secret has been rotated.")
	return b.String()
}

// escapeMarkdown escapes the characters legacy Markdown treats as entities
func escapeMarkdown(s string) string {
	r := strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)
	return r.Replace(s)
}
