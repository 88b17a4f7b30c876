package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapLoggerFrom(zap.New(core))

	l.Info("payment verified", map[string]any{"signature": "5sig", "amount": int64(36006)})
	l.Warn("publish failed", map[string]any{"error": errors.New("broker down")})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "payment verified", entries[0].Message)
	assert.Equal(t, "5sig", entries[0].ContextMap()["signature"])
	assert.Equal(t, int64(36006), entries[0].ContextMap()["amount"])
	assert.Equal(t, "broker down", entries[1].ContextMap()["error"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zap.InfoLevel, parseLevel(""))
	assert.Equal(t, zap.InfoLevel, parseLevel("verbose"))
}

func TestNoopLoggerSatisfiesInterface(t *testing.T) {
	var l Logger = NoopLogger{}
	l.Error("ignored", nil)
	var _ Logger = NewZapLogger("info", "x402-gate")
}
