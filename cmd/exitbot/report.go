package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/exitbot/config"
	"github.com/alejandrodnm/exitbot/internal/adapters/notify"
	"github.com/alejandrodnm/exitbot/internal/adapters/storage"
	"github.com/alejandrodnm/exitbot/internal/domain"
)

// runReport imprime el progreso de la salida desde el CSV y el SQLite.
func runReport(ctx context.Context, cfg *config.Config, csvLog *storage.CSVLog, store *storage.SQLiteStorage) error {
	symbol := cfg.Position.InstrumentID

	plan, err := domain.Bucketize(cfg.Position.StartingPositionQuantity, cfg.Trading.SellBuckets, cfg.Trading.CloseStrategy)
	if err != nil {
		return fmt.Errorf("runReport: plan: %w", err)
	}
	records, err := csvLog.Load(ctx)
	if err != nil {
		return fmt.Errorf("runReport: %w", err)
	}
	journal, err := store.GetClosedBuckets(ctx, symbol)
	if err != nil {
		return fmt.Errorf("runReport: %w", err)
	}
	stats, err := store.TickStats(ctx, symbol)
	if err != nil {
		return fmt.Errorf("runReport: %w", err)
	}

	notify.NewConsole().PrintReport(notify.Report{
		Symbol:      symbol,
		LogPath:     csvLog.Path(),
		Plan:        plan,
		Records:     records,
		Journal:     journal,
		TickCount:   stats.Count,
		FirstTick:   stats.First,
		LastTick:    stats.Last,
		MinBid:      stats.MinBid,
		MaxBid:      stats.MaxBid,
		GeneratedAt: time.Now(),
	})
	return nil
}
