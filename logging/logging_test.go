package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetupWritesFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	var console bytes.Buffer
	log, closer, err := Setup(Config{
		Process: "worker",
		Path:    path,
		Level:   slog.LevelInfo,
		Console: true,
		Stderr:  &console,
	})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("session reset", "viewport", 3)
	require.NoError(t, closer.Close())

	file, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(file), "session reset")
	assert.Contains(t, string(file), "process=worker")
	assert.Contains(t, string(file), "viewport=3")
	assert.NotContains(t, string(file), "hidden")

	assert.Contains(t, console.String(), "session reset process=worker viewport=3")
	assert.NotContains(t, console.String(), "hidden")
}

func TestConsoleHandlerGroups(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, slog.LevelDebug, termenv.WithProfile(termenv.Ascii))
	log := slog.New(h).WithGroup("gpu").With("device", "soft")
	log.Warn("fence timeout", slog.Group("pbo", "slot", 2))

	line := buf.String()
	assert.Contains(t, line, "WARN")
	assert.Contains(t, line, "fence timeout gpu.device=soft gpu.pbo.slot=2")
	assert.NotContains(t, line, "\x1b[", "ascii profile has no escapes")
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.False(t, log.Enabled(t.Context(), slog.LevelError))
	log.Error("dropped")
}
