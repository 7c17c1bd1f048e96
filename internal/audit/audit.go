package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents the type of audit event
type EventType string

const (
	EventLeakDetected       EventType = "leak_detected"
	EventSecretRotated      EventType = "secret_rotated"
	EventRotationFailed     EventType = "rotation_failed"
	EventRotationDuplicate  EventType = "rotation_duplicate"
	EventAdminNotified      EventType = "admin_notified"
	EventNotifyFailed       EventType = "notify_failed"
	EventMessageSuppressed  EventType = "message_suppressed"
	EventSuppressFailed     EventType = "suppress_failed"
	EventCacheRefreshed     EventType = "cache_refreshed"
	EventCacheRefreshFailed EventType = "cache_refresh_failed"
)

// Event represents an audit log event. It never carries secret values.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	EventID   string            `json:"event_id,omitempty"`
	ChatID    int64             `json:"chat_id,omitempty"`
	MessageID int64             `json:"message_id,omitempty"`
	SenderID  int64             `json:"sender_id,omitempty"`
	Path      string            `json:"path,omitempty"`
	Step      string            `json:"step,omitempty"`
	Count     int               `json:"count,omitempty"`
	Duration  float64           `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Auditor records audit events
type Auditor interface {
	Log(event *Event)
}

// Config holds audit logger configuration
type Config struct {
	// Enabled enables/disables audit logging
	Enabled bool `yaml:"enabled"`

	// Level controls what events are logged
	// "minimal" - detections and rotation outcomes only
	// "standard" - everything except routine cache refreshes
	// "verbose" - all events
	Level string `yaml:"level"`

	// Output specifies where to write logs
	// "stdout", "stderr", or a file path
	Output string `yaml:"output"`

	// Format specifies log format: "json" or "text"
	Format string `yaml:"format"`

	// IncludeChatDetails includes chat/message/sender ids in logs
	IncludeChatDetails bool `yaml:"include_chat_details"`
}

// DefaultConfig returns the default audit configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		Level:              "standard",
		Output:             "stdout",
		Format:             "json",
		IncludeChatDetails: true,
	}
}

// Logger handles audit logging
type Logger struct {
	mu      sync.RWMutex
	config  *Config
	logger  zerolog.Logger
	output  io.Writer
	enabled bool
}

// NewLogger creates a new audit logger
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config:  cfg,
		enabled: cfg.Enabled,
	}

	if err := l.setupOutput(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Logger) setupOutput() error {
	var output io.Writer

	switch l.config.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(l.config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //#nosec G304 -- audit path comes from operator config
		if err != nil {
			return err
		}
		output = f
	}

	l.output = output

	var w io.Writer = output
	if l.config.Format == "text" {
		w = zerolog.ConsoleWriter{Out: output, NoColor: true, TimeFormat: time.RFC3339}
	}

	l.logger = zerolog.New(w).With().Str("log", "audit").Logger()
	return nil
}

// Log logs an audit event
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	config := l.config
	logger := l.logger
	l.mu.RUnlock()

	if !enabled || event == nil {
		return
	}

	if !l.shouldLog(event.Type) {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e := logger.Info().
		Time("timestamp", event.Timestamp).
		Str("type", string(event.Type))

	if event.EventID != "" {
		e = e.Str("event_id", event.EventID)
	}
	if config.IncludeChatDetails {
		if event.ChatID != 0 {
			e = e.Int64("chat_id", event.ChatID)
		}
		if event.MessageID != 0 {
			e = e.Int64("message_id", event.MessageID)
		}
		if event.SenderID != 0 {
			e = e.Int64("sender_id", event.SenderID)
		}
	}
	if event.Path != "" {
		e = e.Str("path", event.Path)
	}
	if event.Step != "" {
		e = e.Str("step", event.Step)
	}
	if event.Count > 0 {
		e = e.Int("count", event.Count)
	}
	if event.Duration > 0 {
		e = e.Float64("duration_ms", event.Duration)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	for k, v := range event.Metadata {
		e = e.Str(k, v)
	}

	e.Msg("audit")
}

func (l *Logger) shouldLog(eventType EventType) bool {
	l.mu.RLock()
	level := l.config.Level
	l.mu.RUnlock()

	switch level {
	case "minimal":
		return eventType == EventLeakDetected ||
			eventType == EventSecretRotated ||
			eventType == EventRotationFailed
	case "standard":
		return eventType != EventCacheRefreshed
	default:
		return true
	}
}

// Enable enables audit logging
func (l *Logger) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
}

// Disable disables audit logging
func (l *Logger) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config.Level = level
}

// Close closes the logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if closer, ok := l.output.(io.Closer); ok {
		if l.output != os.Stdout && l.output != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

// ToJSON converts an event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NopLogger is a logger that does nothing
type NopLogger struct{}

// NewNopLogger creates a no-op logger
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Log does nothing
func (l *NopLogger) Log(_ *Event) {}

// Recorder keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Log stores a copy of the event
func (r *Recorder) Log(event *Event) {
	if event == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
}

// Events returns the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
