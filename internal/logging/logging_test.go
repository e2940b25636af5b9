package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestCLIHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCLIHandler(&buf, slog.LevelInfo, false)).With("run", "r1")

	log.Info("scored", "dice", 0.5)
	assert.Equal(t, "scored: run=r1 dice=0.5\n", buf.String())
}

func TestCLIHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCLIHandler(&buf, slog.LevelWarn, false))

	log.Info("hidden")
	log.Warn("shown")
	assert.Equal(t, "shown\n", buf.String())
}

func TestCLIHandlerGroupAndColor(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewCLIHandler(&buf, slog.LevelInfo, true)).WithGroup("eval")

	log.Error("failed")
	assert.Equal(t, colorRed+"[eval] failed"+colorReset+"\n", buf.String())
}
