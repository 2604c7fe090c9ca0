// Package testutils holds small helpers shared by package tests.
package testutils

import (
	"io"
	"log/slog"
	"testing"
)

// TestLogger returns a logger that records everything and prints
// nothing. Debug level keeps component log paths exercised in tests.
func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
