// Package logger_test contains tests for the logger package
package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/flowq/flowq/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSetupLevels verifies that Setup parses each supported level string and
// produces a logger that filters records accordingly.
func TestSetupLevels(t *testing.T) {
	testCases := []struct {
		name       string
		level      string
		debugShown bool
		infoShown  bool
	}{
		{name: "debug level", level: "debug", debugShown: true, infoShown: true},
		{name: "info level", level: "info", debugShown: false, infoShown: true},
		{name: "warn level", level: "warn", debugShown: false, infoShown: false},
		{name: "error level", level: "error", debugShown: false, infoShown: false},
		{name: "mixed case", level: "DeBuG", debugShown: true, infoShown: true},
		{name: "empty defaults to info", level: "", debugShown: false, infoShown: true},
		{name: "invalid defaults to info", level: "verbose", debugShown: false, infoShown: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			log := logger.Setup(tc.level)
			require.NotNil(t, log, "Setup should return a non-nil logger")

			assert.Equal(t, tc.debugShown, log.Enabled(context.Background(), slog.LevelDebug),
				"debug enablement should match configured level")
			assert.Equal(t, tc.infoShown, log.Enabled(context.Background(), slog.LevelInfo),
				"info enablement should match configured level")
		})
	}
}

// TestSetupSetsDefault verifies that Setup installs the returned logger as
// the process default so package-level slog functions use it.
func TestSetupSetsDefault(t *testing.T) {
	log := logger.Setup("warn")
	assert.Same(t, log, slog.Default(), "Setup should install the logger as slog default")
}

// TestWithContextRoundTrip verifies that a logger stored in a context is the
// one retrieved from it, including attached attributes.
func TestWithContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	scoped := base.With("run_id", "abc-123")

	ctx := logger.WithContext(context.Background(), scoped)
	got := logger.FromContext(ctx)
	require.Same(t, scoped, got, "FromContext should return the stored logger")

	got.Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
	assert.Equal(t, "abc-123", entry["run_id"], "attached attributes should survive the context round trip")
}

// TestFromContextFallbacks verifies the fallback behavior when no logger is
// stored in the context.
func TestFromContextFallbacks(t *testing.T) {
	ctx := context.Background()

	assert.Same(t, slog.Default(), logger.FromContext(ctx),
		"FromContext should fall back to the process default")

	def := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, def, logger.FromContextOrDefault(ctx, def),
		"FromContextOrDefault should prefer the provided fallback")
	assert.Same(t, slog.Default(), logger.FromContextOrDefault(ctx, nil),
		"FromContextOrDefault with nil fallback should use the process default")
}
