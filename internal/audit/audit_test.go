package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileLogger(t *testing.T, cfg *Config) (*Logger, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "audit.log")
	cfg.Output = logFile
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	return logger, logFile
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestNewLogger(t *testing.T) {
	logger, _ := newFileLogger(t, &Config{Enabled: true, Level: "standard"})
	defer logger.Close()
	assert.NotNil(t, logger)
}

func TestNewLogger_NilConfig(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	defer logger.Close()
	assert.Equal(t, "standard", logger.config.Level)
}

func TestLogger_WritesStructuredEvent(t *testing.T) {
	logger, logFile := newFileLogger(t, &Config{Enabled: true, Level: "verbose", IncludeChatDetails: true})

	logger.Log(&Event{
		Type:      EventSecretRotated,
		EventID:   "evt-1",
		ChatID:    42,
		MessageID: 77,
		Path:      "api.key",
		Duration:  12.5,
	})
	require.NoError(t, logger.Close())

	content := readLog(t, logFile)
	assert.Contains(t, content, `"type":"secret_rotated"`)
	assert.Contains(t, content, `"event_id":"evt-1"`)
	assert.Contains(t, content, `"chat_id":42`)
	assert.Contains(t, content, `"message_id":77`)
	assert.Contains(t, content, `"path":"api.key"`)
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		logged  []EventType
		skipped []EventType
	}{
		{
			level:   "minimal",
			logged:  []EventType{EventLeakDetected, EventSecretRotated, EventRotationFailed},
			skipped: []EventType{EventNotifyFailed, EventCacheRefreshed, EventRotationDuplicate},
		},
		{
			level:   "standard",
			logged:  []EventType{EventLeakDetected, EventNotifyFailed, EventCacheRefreshFailed},
			skipped: []EventType{EventCacheRefreshed},
		},
		{
			level:  "verbose",
			logged: []EventType{EventCacheRefreshed, EventMessageSuppressed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, logFile := newFileLogger(t, &Config{Enabled: true, Level: tt.level})
			for _, typ := range append(append([]EventType{}, tt.logged...), tt.skipped...) {
				logger.Log(&Event{Type: typ})
			}
			require.NoError(t, logger.Close())

			content := readLog(t, logFile)
			for _, typ := range tt.logged {
				assert.Contains(t, content, `"type":"`+string(typ)+`"`)
			}
			for _, typ := range tt.skipped {
				assert.NotContains(t, content, `"type":"`+string(typ)+`"`)
			}
		})
	}
}

func TestLogger_Disabled(t *testing.T) {
	logger, logFile := newFileLogger(t, &Config{Enabled: false, Level: "verbose"})

	logger.Log(&Event{Type: EventLeakDetected, EventID: "evt-1"})
	require.NoError(t, logger.Close())

	assert.Empty(t, readLog(t, logFile))
}

func TestLogger_EnableDisable(t *testing.T) {
	logger, logFile := newFileLogger(t, &Config{Enabled: true, Level: "verbose"})

	logger.Log(&Event{Type: EventLeakDetected, EventID: "evt-1"})
	logger.Disable()
	logger.Log(&Event{Type: EventLeakDetected, EventID: "evt-2"})
	logger.Enable()
	logger.Log(&Event{Type: EventLeakDetected, EventID: "evt-3"})
	require.NoError(t, logger.Close())

	content := readLog(t, logFile)
	assert.Contains(t, content, "evt-1")
	assert.NotContains(t, content, "evt-2")
	assert.Contains(t, content, "evt-3")
}

func TestLogger_SetLevel(t *testing.T) {
	logger, logFile := newFileLogger(t, &Config{Enabled: true, Level: "minimal"})

	logger.Log(&Event{Type: EventNotifyFailed, EventID: "evt-1"})
	logger.SetLevel("verbose")
	logger.Log(&Event{Type: EventNotifyFailed, EventID: "evt-2"})
	require.NoError(t, logger.Close())

	content := readLog(t, logFile)
	assert.NotContains(t, content, "evt-1")
	assert.Contains(t, content, "evt-2")
}

func TestLogger_IncludeChatDetails(t *testing.T) {
	logger, logFile := newFileLogger(t, &Config{Enabled: true, Level: "verbose", IncludeChatDetails: false})

	logger.Log(&Event{Type: EventLeakDetected, ChatID: 424242, MessageID: 777777, Path: "api.key"})
	require.NoError(t, logger.Close())

	content := readLog(t, logFile)
	assert.NotContains(t, content, "424242")
	assert.NotContains(t, content, "777777")
	assert.Contains(t, content, "api.key")
}

func TestLogger_TextFormat(t *testing.T) {
	logger, logFile := newFileLogger(t, &Config{Enabled: true, Level: "verbose", Format: "text"})

	logger.Log(&Event{Type: EventCacheRefreshed, Count: 3})
	require.NoError(t, logger.Close())

	content := readLog(t, logFile)
	assert.Contains(t, content, "cache_refreshed")
	assert.False(t, strings.HasPrefix(content, "{"))
}

func TestLogger_StdoutOutput(t *testing.T) {
	logger, err := NewLogger(&Config{Enabled: true, Level: "verbose", Output: "stdout", Format: "json"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		logger.Log(&Event{Type: EventLeakDetected})
		logger.Log(nil)
	})
	assert.NoError(t, logger.Close())
}

func TestNopLogger(t *testing.T) {
	var a Auditor = NewNopLogger()
	assert.NotPanics(t, func() {
		a.Log(&Event{Type: EventLeakDetected})
	})
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Log(&Event{Type: EventLeakDetected})
	r.Log(nil)
	r.Log(&Event{Type: EventSecretRotated, Path: "api.key"})

	assert.Equal(t, []EventType{EventLeakDetected, EventSecretRotated}, r.Types())
	assert.Equal(t, "api.key", r.Events()[1].Path)
}

func TestEvent_ToJSON(t *testing.T) {
	event := &Event{Type: EventRotationFailed, Step: "rotating", Error: "store unavailable"}

	data, err := event.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotation_failed")
	assert.Contains(t, string(data), `"step":"rotating"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "standard", cfg.Level)
	assert.Equal(t, "stdout", cfg.Output)
	assert.Equal(t, "json", cfg.Format)
}
