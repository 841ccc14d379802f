package storage

// sqlite.go — histórico de ticks y journal de buckets.
//
// Estrategia:
//   - `ticks`: una fila por cotización persistida por marketdata en batches
//     (una transacción por batch). Precios como TEXT para no perder decimales.
//   - `closed_buckets`: journal append-only de cada resolución (filled y
//     cancelled). El CSV es el registro de reanudación; esto es para reporting.
//   - Prune automático al arrancar: ticks > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol       TEXT    NOT NULL,
    ts           TEXT    NOT NULL,
    bid_price    TEXT    NOT NULL,
    bid_size     INTEGER NOT NULL DEFAULT 0,
    bid_exchange TEXT,
    ask_price    TEXT    NOT NULL,
    ask_size     INTEGER NOT NULL DEFAULT 0,
    ask_exchange TEXT,
    condition    TEXT,
    saved_at     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS closed_buckets (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id     TEXT    NOT NULL,
    symbol       TEXT    NOT NULL,
    bucket_index INTEGER NOT NULL,
    status       TEXT    NOT NULL,
    qty          INTEGER NOT NULL,
    fill_price   TEXT,
    reason       TEXT,
    resolved_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, ts);
CREATE INDEX IF NOT EXISTS idx_closed_symbol   ON closed_buckets(symbol, resolved_at);
`

const retentionTicks = 30 * 24 * time.Hour

// tsLayout es de ancho fijo (siempre UTC) para que ORDER BY / MIN / MAX sobre
// TEXT respeten el orden temporal.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// TickStats resume los ticks guardados de un símbolo.
type TickStats struct {
	Symbol string
	Count  int
	First  time.Time
	Last   time.Time
	MinBid decimal.Decimal
	MaxBid decimal.Decimal
}

// SQLiteStorage implementa ports.TickStore y ports.BucketJournal usando
// SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica el schema y limpia datos antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// SaveTicks inserta un batch de cotizaciones en una sola transacción.
func (s *SQLiteStorage) SaveTicks(ctx context.Context, quotes []domain.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.SaveTicks: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks
			(symbol, ts, bid_price, bid_size, bid_exchange,
			 ask_price, ask_size, ask_exchange, condition, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("storage.SaveTicks: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(tsLayout)
	for _, q := range quotes {
		if _, err := stmt.ExecContext(ctx,
			q.Symbol,
			q.Timestamp.UTC().Format(tsLayout),
			q.BidPrice.String(),
			q.BidSize,
			q.BidExchange,
			q.AskPrice.String(),
			q.AskSize,
			q.AskExchange,
			q.Condition,
			now,
		); err != nil {
			return fmt.Errorf("storage.SaveTicks: insert %s: %w", q.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.SaveTicks: commit: %w", err)
	}
	return nil
}

// SaveClosedBucket agrega una resolución al journal.
func (s *SQLiteStorage) SaveClosedBucket(ctx context.Context, rec domain.ClosedBucketRecord) error {
	var price *string
	if rec.FillPrice.Valid {
		p := rec.FillPrice.Decimal.String()
		price = &p
	}
	resolved := rec.Timestamp
	if resolved.IsZero() {
		resolved = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO closed_buckets
			(order_id, symbol, bucket_index, status, qty, fill_price, reason, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.OrderID, rec.Symbol, rec.BucketIndex, string(rec.Status), rec.Qty,
		price, string(rec.Reason), resolved.UTC().Format(tsLayout),
	); err != nil {
		return fmt.Errorf("storage.SaveClosedBucket: insert %s: %w", rec.OrderID, err)
	}
	return nil
}

// GetClosedBuckets devuelve el journal de un símbolo (o de todos si symbol
// está vacío), del más antiguo al más reciente.
func (s *SQLiteStorage) GetClosedBuckets(ctx context.Context, symbol string) ([]domain.ClosedBucketRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, bucket_index, status, qty, fill_price, reason, resolved_at
		FROM closed_buckets
		WHERE ? = '' OR symbol = ?
		ORDER BY resolved_at ASC, id ASC
	`, symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("storage.GetClosedBuckets: query: %w", err)
	}
	defer rows.Close()

	var out []domain.ClosedBucketRecord
	for rows.Next() {
		var (
			rec            domain.ClosedBucketRecord
			status, reason string
			price          sql.NullString
			resolvedAt     string
		)
		if err := rows.Scan(&rec.OrderID, &rec.Symbol, &rec.BucketIndex, &status, &rec.Qty, &price, &reason, &resolvedAt); err != nil {
			return nil, fmt.Errorf("storage.GetClosedBuckets: scan row: %w", err)
		}
		rec.Status = domain.OrderStatus(status)
		rec.Reason = domain.CloseReason(reason)
		rec.Timestamp, _ = time.Parse(tsLayout, resolvedAt)
		if price.Valid {
			if d, err := decimal.NewFromString(price.String); err == nil {
				rec.FillPrice = decimal.NewNullDecimal(d)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TickStats resume los ticks guardados para symbol. Count es 0 si no hay datos.
func (s *SQLiteStorage) TickStats(ctx context.Context, symbol string) (TickStats, error) {
	stats := TickStats{Symbol: symbol}

	var first, last sql.NullString
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(ts), MAX(ts) FROM ticks WHERE symbol = ?`, symbol,
	).Scan(&stats.Count, &first, &last); err != nil {
		return stats, fmt.Errorf("storage.TickStats: query: %w", err)
	}
	if stats.Count == 0 {
		return stats, nil
	}
	stats.First, _ = time.Parse(tsLayout, first.String)
	stats.Last, _ = time.Parse(tsLayout, last.String)

	// MIN/MAX sobre TEXT compara lexicográficamente; se calcula en Go.
	rows, err := s.db.QueryContext(ctx, `SELECT bid_price FROM ticks WHERE symbol = ?`, symbol)
	if err != nil {
		return stats, fmt.Errorf("storage.TickStats: bids: %w", err)
	}
	defer rows.Close()
	firstRow := true
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return stats, fmt.Errorf("storage.TickStats: scan bid: %w", err)
		}
		d, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if firstRow || d.LessThan(stats.MinBid) {
			stats.MinBid = d
		}
		if firstRow || d.GreaterThan(stats.MaxBid) {
			stats.MaxBid = d
		}
		firstRow = false
	}
	return stats, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// pruneOld elimina ticks antiguos para mantener la DB ligera.
// El journal de buckets no se poda.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionTicks).Format(tsLayout)
	s.db.ExecContext(ctx, `DELETE FROM ticks WHERE ts < ?`, cutoff)
}
