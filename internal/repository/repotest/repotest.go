// Package repotest opens throwaway databases for package tests.
package repotest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/joseph-ayodele/formsign/internal/repository"
)

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Open returns an in-memory SQLite database with the schema applied, closed with the test.
func Open(t testing.TB) *repository.DB {
	t.Helper()
	ctx := context.Background()
	logger := Logger()
	db, err := repository.OpenSQLite(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close(logger) })
	if err := repository.EnsureSchema(ctx, db, logger); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

// Clock is a settable time source for tests that exercise expiry.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
