package logging

import (
	"bytes"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New()
	l.SetLevel(level)
	l.SetOutput(log.New(&buf, "", 0))
	return l, &buf
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		minLevel  Level
		logLevel  Level
		shouldLog bool
	}{
		{"debug allowed at debug", LevelDebug, LevelDebug, true},
		{"info blocked at warn", LevelWarn, LevelInfo, false},
		{"warn allowed at warn", LevelWarn, LevelWarn, true},
		{"error allowed at info", LevelInfo, LevelError, true},
		{"warn blocked at error", LevelError, LevelWarn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := newBufferLogger(tt.minLevel)

			switch tt.logLevel {
			case LevelDebug:
				logger.Debug("test message")
			case LevelInfo:
				logger.Info("test message")
			case LevelWarn:
				logger.Warn("test message")
			case LevelError:
				logger.Error("test message")
			}

			if tt.shouldLog {
				assert.Contains(t, buf.String(), "test message")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerWith_PreservesFieldOrder(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	child := logger.With("session", "warden-feature", "iteration", 3)
	child.Warn("sync failed", "document", "tasks.json", "err", errors.New("connection reset"))

	assert.Equal(t,
		`WARN: sync failed | session=warden-feature iteration=3 document=tasks.json err="connection reset"`+"\n",
		buf.String())
}

func TestLoggerWith_OverridesDuplicateKey(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.With("iteration", 1).Info("pass", "iteration", 2)

	assert.Equal(t, "INFO: pass | iteration=2\n", buf.String())
}

func TestLoggerWith_SharesLevel(t *testing.T) {
	logger, buf := newBufferLogger(LevelWarn)
	child := logger.With("component", "sync")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelDebug)
	child.Debug("visible")
	assert.Contains(t, buf.String(), "DEBUG: visible")
}

func TestLoggerIgnoresMalformedKeyVals(t *testing.T) {
	logger, buf := newBufferLogger(LevelDebug)

	logger.Info("msg", 42, "value", "dangling")

	assert.Equal(t, "INFO: msg\n", buf.String())
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"plain string", "abc", "abc"},
		{"string with space", "a b", `"a b"`},
		{"empty string", "", `""`},
		{"error", errors.New("boom"), `"boom"`},
		{"int", 7, "7"},
		{"nil", nil, "<nil>"},
		{"stringer", LevelInfo, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.in))
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		" warn ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(LevelError))
	l.Error("nothing")
}
