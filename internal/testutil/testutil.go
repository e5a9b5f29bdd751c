// Package testutil holds helpers shared by the service test suites.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"example.com/nfcstats/internal/storage/sqlite"
)

// Epoch is the instant mock clocks start at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewStore opens a fresh SQLite document store under t.TempDir.
func NewStore(t testing.TB, clock quartz.Clock) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "docs.db"), clock, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewClock returns a mock clock set to Epoch.
func NewClock(t testing.TB) *quartz.Mock {
	t.Helper()
	c := quartz.NewMock(t)
	c.Set(Epoch)
	return c
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Context returns a context cancelled when the test ends.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
