// Package testutil holds the shared test fixtures: a migrated scratch
// database and a scripted engine.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/atelierhq/atelier/internal/engine"
	"github.com/atelierhq/atelier/internal/state"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := state.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := state.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}

// StubEngine replays a scripted message sequence. The zero value emits
// nothing and closes immediately.
type StubEngine struct {
	// Messages is the full sequence to emit, in order.
	Messages []engine.Message
	// Delay is inserted before each message, so tests can interleave
	// cancellation with the stream.
	Delay time.Duration
	// BlockUntilCancel, when set, makes Execute emit its messages and then
	// hang until ctx is cancelled instead of closing the stream.
	BlockUntilCancel bool
	// Err is returned from Execute itself, before any message is emitted.
	Err error
	// FailAfterCancel makes Execute wait for ctx cancellation and then
	// return an error, mimicking an engine that surfaces aborts as errors.
	FailAfterCancel bool

	// LastPrompt and LastOptions record the most recent invocation.
	LastPrompt  string
	LastOptions engine.Options
}

func (s *StubEngine) Execute(ctx context.Context, prompt string, opts engine.Options) (<-chan engine.Message, error) {
	s.LastPrompt = prompt
	s.LastOptions = opts
	if s.Err != nil {
		return nil, s.Err
	}
	if s.FailAfterCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ch := make(chan engine.Message)
	go func() {
		defer close(ch)
		for _, msg := range s.Messages {
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
		if s.BlockUntilCancel {
			<-ctx.Done()
		}
	}()
	return ch, nil
}
