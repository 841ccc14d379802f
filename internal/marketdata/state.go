// Package marketdata buffers quotes pushed by the streaming layer and exposes
// the latest observed quote to the bucket loop.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/metrics"
	"github.com/alejandrodnm/exitbot/internal/ports"
)

const (
	defaultFlushEvery  = 100
	defaultMaxPending  = 10_000
	defaultHistorySize = 5_000
)

// Config controls buffering and persistence.
type Config struct {
	Location      *time.Location
	StoreAllTicks bool // drain every queued quote; otherwise keep only the newest
	FlushEvery    int  // persist unsaved history every N quotes
	MaxPending    int  // producer-side cap; oldest quotes are dropped past it
	HistorySize   int  // in-memory history cap
}

// State is the Market Data State. Ingest is the producer entry point and may
// be called from any goroutine. Advance, Latest and Flush belong to the single
// consumer (the bucket loop).
type State struct {
	cfg   Config
	store ports.TickStore // nil disables persistence

	mu      sync.Mutex
	pending []domain.Quote

	history  []domain.Quote
	unsaved  []domain.Quote
	received int
}

// New creates a State. store may be nil.
func New(cfg Config, store ports.TickStore) *State {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &State{cfg: cfg, store: store}
}

// Ingest queues quotes and returns how many were accepted. Malformed quotes
// are logged and dropped; Ingest never fails and never blocks beyond a short
// critical section.
func (s *State) Ingest(quotes ...domain.Quote) int {
	valid := quotes[:0:0]
	for _, q := range quotes {
		if err := q.Validate(); err != nil {
			slog.Warn("mktdata: dropping quote", "err", err)
			metrics.AddQuotes("dropped", 1)
			continue
		}
		valid = append(valid, q)
	}
	if len(valid) == 0 {
		return 0
	}

	s.mu.Lock()
	s.pending = append(s.pending, valid...)
	overflow := len(s.pending) - s.cfg.MaxPending
	if overflow > 0 {
		s.pending = append(s.pending[:0], s.pending[overflow:]...)
	}
	s.mu.Unlock()

	metrics.AddQuotes("accepted", len(valid))
	if overflow > 0 {
		metrics.AddQuotes("overflow", overflow)
	}
	return len(valid)
}

// Advance moves queued quotes into history. It never waits: with nothing
// queued it returns 0 immediately. Persistence errors are returned but the
// quotes stay in history and in the unsaved batch for the next attempt.
func (s *State) Advance(ctx context.Context) (int, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if !s.cfg.StoreAllTicks {
		batch = batch[len(batch)-1:]
	}

	for i := range batch {
		batch[i].Timestamp = batch[i].Timestamp.In(s.cfg.Location)
	}
	s.history = append(s.history, batch...)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}

	prev := s.received
	s.received += len(batch)
	if s.store == nil {
		return len(batch), nil
	}
	s.unsaved = append(s.unsaved, batch...)
	if s.received/s.cfg.FlushEvery > prev/s.cfg.FlushEvery {
		if err := s.Flush(ctx); err != nil {
			return len(batch), err
		}
	}
	return len(batch), nil
}

// Latest returns the newest quote in history.
func (s *State) Latest() (domain.Quote, error) {
	if len(s.history) == 0 {
		return domain.Quote{}, domain.ErrNoQuote
	}
	return s.history[len(s.history)-1], nil
}

// History returns a copy of the in-memory quote history, oldest first.
func (s *State) History() []domain.Quote {
	out := make([]domain.Quote, len(s.history))
	copy(out, s.history)
	return out
}

// Received counts quotes moved into history since start.
func (s *State) Received() int { return s.received }

// Flush persists quotes not yet saved.
func (s *State) Flush(ctx context.Context) error {
	if s.store == nil || len(s.unsaved) == 0 {
		return nil
	}
	if err := s.store.SaveTicks(ctx, s.unsaved); err != nil {
		return fmt.Errorf("marketdata.Flush: %w", err)
	}
	slog.Info("mktdata: ticks saved", "count", len(s.unsaved), "total", s.received)
	s.unsaved = nil
	return nil
}
