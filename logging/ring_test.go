package logging

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRingKeepsMostRecent(t *testing.T) {
	ring := NewRing(3)
	logger := zap.New(ring.Core(zapcore.DebugLevel))

	for i := range 5 {
		logger.Info(fmt.Sprintf("message %d", i))
	}

	entries := ring.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "message 2", entries[0].Message)
	assert.Equal(t, "message 4", entries[2].Message)
}

func TestRingPartiallyFilled(t *testing.T) {
	ring := NewRing(10)
	logger := zap.New(ring.Core(zapcore.InfoLevel))

	logger.Debug("hidden")
	logger.Warn("Disk almost full", zap.Int64("free", 1024))

	entries := ring.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].Level)
	assert.Equal(t, int64(1024), entries[0].Fields["free"])
}

func TestRingCarriesContextFields(t *testing.T) {
	ring := NewRing(10)
	logger := zap.New(ring.Core(zapcore.InfoLevel)).
		Named("manager").
		With(zap.String("component", "manager"))

	logger.Error("Task failed", zap.String("task_id", "t1"), zap.Error(errors.New("boom")))

	entries := ring.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "manager", e.Logger)
	assert.Equal(t, "manager", e.Fields["component"])
	assert.Equal(t, "t1", e.Fields["task_id"])
	assert.Equal(t, "boom", e.Fields["error"])
	assert.False(t, e.Time.IsZero())
}

func TestNewTeesIntoRing(t *testing.T) {
	logger, ring, err := New(Options{Level: "warn", Format: "json", RingSize: 5})
	require.NoError(t, err)

	logger.Info("skipped")
	logger.Warn("kept")

	entries := ring.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}
