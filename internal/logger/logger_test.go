package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFromDebugValue(t *testing.T) {
	assert.Equal(t, LevelWarn, LevelFromDebugValue(0))
	assert.Equal(t, LevelWarn, LevelFromDebugValue(-1))
	assert.Equal(t, LevelInfo, LevelFromDebugValue(1))
	assert.Equal(t, LevelDebug, LevelFromDebugValue(2))
	assert.Equal(t, LevelDebug, LevelFromDebugValue(9))
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "FATAL", LevelFatal.String())
	assert.Equal(t, "UNSPECIFIED", LevelUnspecified.String())
}

func TestSetMinLevelSuppressesBelowThreshold(t *testing.T) {
	l := New("test-service", "0.0.0")
	l.DisableConsoleOutput()
	l.SetMinLevel(LevelWarn)

	ch := l.Subscribe()
	l.Debug("should be suppressed")
	l.Info("should be suppressed too")
	l.Warn("should arrive")

	entry := <-ch
	assert.Equal(t, "WARN", entry.Level)
	assert.Equal(t, "should arrive", entry.Message)

	select {
	case e := <-ch:
		t.Fatalf("expected no further entries below the min level, got %+v", e)
	default:
	}
}

func TestDefaultMinLevelSuppressesNothing(t *testing.T) {
	l := New("test-service", "0.0.0")
	l.DisableConsoleOutput()

	ch := l.Subscribe()
	l.Debug("debug entry")
	entry := <-ch
	assert.Equal(t, "DEBUG", entry.Level)
}
