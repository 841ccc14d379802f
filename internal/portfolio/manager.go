// Package portfolio tracks the single in-flight closing order and the durable
// record of resolved buckets.
//
// OnOrderStatus is the only method the streaming goroutine may call. Every
// other method belongs to the bucket loop, which keeps order placement and
// log persistence on one goroutine.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/metrics"
	"github.com/alejandrodnm/exitbot/internal/ports"
)

const (
	defaultOrderTimeout = 10 * time.Second
	maxTrackedStatuses  = 256
)

// Config for a Manager.
type Config struct {
	Symbol       string
	Location     *time.Location
	OrderTimeout time.Duration
	Now          func() time.Time
}

// Manager is the Portfolio Manager.
type Manager struct {
	cfg     Config
	closer  ports.OrderCloser
	log     ports.BucketLog
	journal ports.BucketJournal // optional

	// producer side
	mu       sync.Mutex
	statuses map[string]domain.OrderUpdate
	order    []string // insertion order of statuses, for eviction
	watch    string   // pending order id, never evicted
	notify   chan struct{}

	// consumer side
	pending  *domain.PendingOrder
	records  map[int]domain.ClosedBucketRecord
	retained []domain.ClosedBucketRecord // rows for other instruments
	startIdx int
	carried  map[int]int // qty already sold by cancelled partial fills
}

// New creates a Manager. journal may be nil.
func New(cfg Config, closer ports.OrderCloser, log ports.BucketLog, journal ports.BucketJournal) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		closer:   closer,
		log:      log,
		journal:  journal,
		statuses: make(map[string]domain.OrderUpdate),
		notify:   make(chan struct{}, 1),
		records:  make(map[int]domain.ClosedBucketRecord),
		carried:  make(map[int]int),
	}
}

// PopulateFromLog restores progress. Filled rows for the configured symbol
// take bucket indices 0..n-1 in file order and set the resume index to n.
// Cancelled rows for the symbol are not carried over: the bucket is retried.
func (m *Manager) PopulateFromLog(ctx context.Context) error {
	rows, err := m.log.Load(ctx)
	if err != nil {
		return fmt.Errorf("portfolio.PopulateFromLog: %w", err)
	}

	m.records = make(map[int]domain.ClosedBucketRecord)
	m.retained = m.retained[:0]
	soldQty := 0
	for _, r := range rows {
		if r.Symbol != m.cfg.Symbol {
			r.BucketIndex = -1
			m.retained = append(m.retained, r)
			continue
		}
		if r.Status != domain.OrderStatusFilled {
			continue
		}
		r.BucketIndex = len(m.records)
		m.records[r.BucketIndex] = r
		soldQty += r.Qty
	}
	m.startIdx = len(m.records)
	metrics.SetResumeIndex(m.startIdx)

	slog.Info("portfolio: restored from log",
		"symbol", m.cfg.Symbol,
		"filled_buckets", m.startIdx,
		"qty_sold", soldQty,
		"other_rows", len(m.retained),
	)
	return nil
}

// StartingIndex is the resume index computed by PopulateFromLog.
func (m *Manager) StartingIndex() int { return m.startIdx }

// IsResolved reports whether bucket idx has a filled record.
func (m *Manager) IsResolved(idx int) bool {
	r, ok := m.records[idx]
	return ok && r.Status == domain.OrderStatusFilled
}

// RemainingQty is the quantity still to sell for bucket idx, net of partial
// fills on cancelled attempts.
func (m *Manager) RemainingQty(idx, bucketQty int) int {
	return max(bucketQty-m.carried[idx], 0)
}

// OnOrderStatus records the latest status for an order. Safe for concurrent
// use; never blocks. A terminal status is never replaced by a non-terminal
// one, so a late duplicate cannot reopen an order.
func (m *Manager) OnOrderStatus(u domain.OrderUpdate) {
	if u.OrderID == "" {
		return
	}
	m.mu.Lock()
	prev, seen := m.statuses[u.OrderID]
	if seen && prev.Status.IsTerminal() && !u.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	if !seen {
		m.order = append(m.order, u.OrderID)
		if len(m.order) > maxTrackedStatuses {
			m.evictOldestLocked()
		}
	}
	m.statuses[u.OrderID] = u
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) evictOldestLocked() {
	for i, id := range m.order {
		if id == m.watch {
			continue
		}
		delete(m.statuses, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
		return
	}
}

func (m *Manager) status(id string) (domain.OrderUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.statuses[id]
	return u, ok
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// ClosePosition sells qty for bucket idx and waits, up to the order timeout,
// for the first status of the new order. It returns domain.ErrOrderPending
// while a previous closing order is unresolved and a wrapped
// domain.ErrOrderTimeout when no status arrived in time; the order stays
// pending in that case and later statuses are still honoured.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, qty, idx int, reason domain.CloseReason) error {
	if m.pending != nil && !m.pending.Resolved {
		return fmt.Errorf("portfolio.ClosePosition: bucket %d: order %s: %w", idx, m.pending.OrderID, domain.ErrOrderPending)
	}
	if qty <= 0 {
		return fmt.Errorf("portfolio.ClosePosition: bucket %d qty %d: %w", idx, qty, domain.ErrInvalidArgument)
	}

	order, err := m.closer.ClosePosition(ctx, symbol, qty)
	if err != nil {
		return fmt.Errorf("portfolio.ClosePosition: bucket %d: %w", idx, err)
	}
	metrics.IncOrder("close")

	m.mu.Lock()
	m.watch = order.ID
	m.mu.Unlock()
	m.pending = &domain.PendingOrder{
		OrderID:     order.ID,
		BucketIndex: idx,
		Qty:         qty,
		Reason:      reason,
		PlacedAt:    m.cfg.Now(),
	}
	slog.Info("portfolio: close order placed",
		"order_id", order.ID,
		"symbol", symbol,
		"bucket", idx,
		"qty", qty,
		"reason", reason,
	)

	if err := m.WaitForOrder(ctx, order.ID); err != nil {
		return fmt.Errorf("portfolio.ClosePosition: bucket %d: %w", idx, err)
	}
	return nil
}

// WaitForOrder blocks until a status for id has been observed, the order
// timeout elapses (domain.ErrOrderTimeout) or ctx is done.
func (m *Manager) WaitForOrder(ctx context.Context, id string) error {
	timer := time.NewTimer(m.cfg.OrderTimeout)
	defer timer.Stop()
	for {
		if _, ok := m.status(id); ok {
			return nil
		}
		select {
		case <-m.notify:
		case <-timer.C:
			return fmt.Errorf("order %s: no status after %s: %w", id, m.cfg.OrderTimeout, domain.ErrOrderTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LatestOrderPending is true while the pending order's latest known status is
// neither filled nor cancelled. An order with no status yet counts as pending.
func (m *Manager) LatestOrderPending() bool {
	if m.pending == nil || m.pending.Resolved {
		return false
	}
	u, ok := m.status(m.pending.OrderID)
	if !ok {
		return true
	}
	return u.Status != domain.OrderStatusFilled && u.Status != domain.OrderStatusCancelled
}

// Pending returns a copy of the current pending order, if any.
func (m *Manager) Pending() (domain.PendingOrder, bool) {
	if m.pending == nil {
		return domain.PendingOrder{}, false
	}
	return *m.pending, true
}

// ProcessLatestOrder resolves the pending order once its status is terminal.
// It returns true exactly once per filled order. A cancelled order is recorded
// and returns false so the bucket is retried. A rejected order is an
// unexpected status and is returned as an error.
func (m *Manager) ProcessLatestOrder(ctx context.Context) (bool, error) {
	p := m.pending
	if p == nil || p.Resolved {
		return false, nil
	}
	u, ok := m.status(p.OrderID)
	if !ok {
		return false, nil
	}

	switch u.Status {
	case domain.OrderStatusFilled:
		qty := u.Qty
		if qty <= 0 {
			qty = p.Qty
		}
		if err := m.resolve(ctx, p, u, qty); err != nil {
			return false, err
		}
		delete(m.carried, p.BucketIndex)
		return true, nil

	case domain.OrderStatusCancelled:
		if err := m.resolve(ctx, p, u, u.Qty); err != nil {
			return false, err
		}
		if u.FilledQty > 0 {
			m.carried[p.BucketIndex] += u.FilledQty
			slog.Warn("portfolio: cancelled order was partially filled",
				"order_id", u.OrderID,
				"bucket", p.BucketIndex,
				"filled_qty", u.FilledQty,
			)
		}
		return false, nil

	case domain.OrderStatusRejected:
		p.Resolved = true
		m.forget(p.OrderID)
		metrics.IncBucketResolved(string(u.Status), string(p.Reason))
		return false, fmt.Errorf("portfolio.ProcessLatestOrder: order %s bucket %d: %s: %w",
			u.OrderID, p.BucketIndex, u.Status, domain.ErrUnexpectedOrderStatus)
	}
	return false, nil
}

// resolve writes the record for p's bucket, superseding any earlier record at
// the same index, and persists the full snapshot.
func (m *Manager) resolve(ctx context.Context, p *domain.PendingOrder, u domain.OrderUpdate, qty int) error {
	symbol := u.Symbol
	if symbol == "" {
		symbol = m.cfg.Symbol
	}
	rec := domain.ClosedBucketRecord{
		BucketIndex: p.BucketIndex,
		OrderID:     p.OrderID,
		Symbol:      symbol,
		Status:      u.Status,
		Qty:         qty,
		Timestamp:   m.cfg.Now().In(m.cfg.Location),
		Reason:      p.Reason,
	}
	if u.FilledAvgPrice.Valid && u.FilledQty > 0 {
		rec.FillPrice = u.FilledAvgPrice
	}
	m.records[p.BucketIndex] = rec

	if err := m.log.Save(ctx, m.Records()); err != nil {
		return fmt.Errorf("portfolio.ProcessLatestOrder: persist bucket %d: %w", p.BucketIndex, err)
	}
	p.Resolved = true
	m.forget(p.OrderID)
	metrics.IncBucketResolved(string(rec.Status), string(rec.Reason))

	slog.Info("portfolio: bucket record persisted",
		"order_id", rec.OrderID,
		"bucket", rec.BucketIndex,
		"status", rec.Status,
		"qty", rec.Qty,
		"fill_price", fillPrice(rec.FillPrice),
		"reason", rec.Reason,
	)

	if m.journal != nil {
		if err := m.journal.SaveClosedBucket(ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("portfolio: journal write failed", "err", err, "order_id", rec.OrderID)
		}
	}
	return nil
}

// Records returns the full snapshot written to the log: rows for other
// instruments first, then this instrument's buckets by index.
func (m *Manager) Records() []domain.ClosedBucketRecord {
	out := make([]domain.ClosedBucketRecord, 0, len(m.retained)+len(m.records))
	out = append(out, m.retained...)
	idx := make([]int, 0, len(m.records))
	for i := range m.records {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		out = append(out, m.records[i])
	}
	return out
}

func fillPrice(p decimal.NullDecimal) string {
	if !p.Valid {
		return "-"
	}
	return p.Decimal.StringFixed(2)
}
