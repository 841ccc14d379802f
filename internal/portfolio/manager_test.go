package portfolio_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/portfolio"
)

const sym = "SPY250117C00600000"

type fakeCloser struct {
	mu      sync.Mutex
	calls   []int
	err     error
	onClose func(orderID string) // runs before ClosePosition returns
}

func (f *fakeCloser) ClosePosition(_ context.Context, symbol string, qty int) (domain.Order, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return domain.Order{}, f.err
	}
	f.calls = append(f.calls, qty)
	id := fmt.Sprintf("order-%d", len(f.calls))
	hook := f.onClose
	f.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return domain.Order{ID: id, Symbol: symbol, Qty: qty, Side: domain.SideSell, Status: domain.OrderStatusNew}, nil
}

func (f *fakeCloser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memLog struct {
	rows    []domain.ClosedBucketRecord
	saves   int
	saveErr error
}

func (l *memLog) Load(context.Context) ([]domain.ClosedBucketRecord, error) {
	return append([]domain.ClosedBucketRecord(nil), l.rows...), nil
}

func (l *memLog) Save(_ context.Context, records []domain.ClosedBucketRecord) error {
	if l.saveErr != nil {
		return l.saveErr
	}
	l.saves++
	l.rows = append([]domain.ClosedBucketRecord(nil), records...)
	return nil
}

type memJournal struct{ recs []domain.ClosedBucketRecord }

func (j *memJournal) SaveClosedBucket(_ context.Context, r domain.ClosedBucketRecord) error {
	j.recs = append(j.recs, r)
	return nil
}

func newManager(t *testing.T, closer *fakeCloser, log *memLog) *portfolio.Manager {
	t.Helper()
	fixed := time.Date(2025, 1, 17, 15, 30, 0, 0, time.UTC)
	return portfolio.New(portfolio.Config{
		Symbol:       sym,
		OrderTimeout: 50 * time.Millisecond,
		Now:          func() time.Time { return fixed },
	}, closer, log, nil)
}

// statusOnClose makes the fake broker echo status for every new order.
func statusOnClose(m *portfolio.Manager, status domain.OrderStatus) func(string) {
	return func(id string) {
		m.OnOrderStatus(domain.OrderUpdate{Event: string(status), OrderID: id, Symbol: sym, Status: status})
	}
}

func filled(id string, qty int, price string) domain.OrderUpdate {
	return domain.OrderUpdate{
		Event:          "fill",
		OrderID:        id,
		Symbol:         sym,
		Status:         domain.OrderStatusFilled,
		Qty:            qty,
		FilledQty:      qty,
		FilledAvgPrice: decimal.NewNullDecimal(decimal.RequireFromString(price)),
	}
}

func TestPopulateFromLog_CountsOnlyFilledRowsForInstrument(t *testing.T) {
	log := &memLog{rows: []domain.ClosedBucketRecord{
		{OrderID: "a", Symbol: sym, Status: domain.OrderStatusFilled, Qty: 2},
		{OrderID: "b", Symbol: "QQQ250117C00500000", Status: domain.OrderStatusFilled, Qty: 1},
		{OrderID: "c", Symbol: sym, Status: domain.OrderStatusCancelled, Qty: 2},
		{OrderID: "d", Symbol: sym, Status: domain.OrderStatusFilled, Qty: 2},
	}}
	m := newManager(t, &fakeCloser{}, log)

	require.NoError(t, m.PopulateFromLog(context.Background()))

	assert.Equal(t, 2, m.StartingIndex())
	assert.True(t, m.IsResolved(0))
	assert.True(t, m.IsResolved(1))
	assert.False(t, m.IsResolved(2))

	recs := m.Records()
	require.Len(t, recs, 3, "other instrument rows are kept, superseded cancels are not")
	assert.Equal(t, "b", recs[0].OrderID)
	assert.Equal(t, "a", recs[1].OrderID)
	assert.Equal(t, "d", recs[2].OrderID)
}

func TestPopulateFromLog_EmptyLog(t *testing.T) {
	m := newManager(t, &fakeCloser{}, &memLog{})
	require.NoError(t, m.PopulateFromLog(context.Background()))
	assert.Zero(t, m.StartingIndex())
}

func TestProcessLatestOrder_NoPendingOrder(t *testing.T) {
	m := newManager(t, &fakeCloser{}, &memLog{})
	done, err := m.ProcessLatestOrder(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.False(t, m.LatestOrderPending())
}

func TestProcessLatestOrder_FilledIsRecordedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	log := &memLog{}
	journal := &memJournal{}
	m := portfolio.New(portfolio.Config{Symbol: sym, OrderTimeout: 50 * time.Millisecond}, closer, log, journal)
	closer.onClose = statusOnClose(m, domain.OrderStatusNew)

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	assert.True(t, m.LatestOrderPending())

	done, err := m.ProcessLatestOrder(ctx)
	require.NoError(t, err)
	assert.False(t, done, "still open")

	m.OnOrderStatus(filled("order-1", 2, "2.25"))
	assert.False(t, m.LatestOrderPending())

	done, err = m.ProcessLatestOrder(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	// at-least-once delivery: the same fill arrives again
	m.OnOrderStatus(filled("order-1", 2, "2.25"))
	for i := 0; i < 3; i++ {
		done, err = m.ProcessLatestOrder(ctx)
		require.NoError(t, err)
		assert.False(t, done)
	}

	assert.Equal(t, 1, log.saves)
	require.Len(t, log.rows, 1)
	rec := log.rows[0]
	assert.Equal(t, "order-1", rec.OrderID)
	assert.Equal(t, domain.OrderStatusFilled, rec.Status)
	assert.Equal(t, 2, rec.Qty)
	assert.Equal(t, domain.ReasonProfitTarget, rec.Reason)
	assert.True(t, rec.FillPrice.Valid)
	assert.Equal(t, "2.25", rec.FillPrice.Decimal.String())
	assert.True(t, m.IsResolved(0))
	assert.Len(t, journal.recs, 1)
}

func TestClosePosition_SingleFlight(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := newManager(t, closer, &memLog{})
	closer.onClose = statusOnClose(m, domain.OrderStatusNew)

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	require.True(t, m.LatestOrderPending())

	err := m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget)
	assert.ErrorIs(t, err, domain.ErrOrderPending)
	assert.Equal(t, 1, closer.count())
}

func TestClosePosition_FilledButUnprocessedStillBlocks(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := newManager(t, closer, &memLog{})
	closer.onClose = func(id string) { m.OnOrderStatus(filled(id, 2, "1.5")) }

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	assert.False(t, m.LatestOrderPending())

	err := m.ClosePosition(ctx, sym, 2, 1, domain.ReasonProfitTarget)
	assert.ErrorIs(t, err, domain.ErrOrderPending, "the fill must be recorded first")
}

func TestProcessLatestOrder_CancelledIsRetried(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	log := &memLog{}
	m := newManager(t, closer, log)
	closer.onClose = statusOnClose(m, domain.OrderStatusCancelled)

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	assert.False(t, m.LatestOrderPending())

	done, err := m.ProcessLatestOrder(ctx)
	require.NoError(t, err)
	assert.False(t, done, "cancelled does not satisfy the bucket")
	assert.False(t, m.IsResolved(0))
	require.Len(t, log.rows, 1)
	assert.Equal(t, domain.OrderStatusCancelled, log.rows[0].Status)
	assert.False(t, log.rows[0].FillPrice.Valid)

	// retry the same bucket; the fill supersedes the cancellation
	closer.onClose = func(id string) { m.OnOrderStatus(filled(id, 2, "2.10")) }
	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	done, err = m.ProcessLatestOrder(ctx)
	require.NoError(t, err)
	assert.True(t, done)

	require.Len(t, log.rows, 1)
	assert.Equal(t, "order-2", log.rows[0].OrderID)
	assert.Equal(t, domain.OrderStatusFilled, log.rows[0].Status)
}

func TestProcessLatestOrder_CancelledPartialFillReducesRetryQty(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := newManager(t, closer, &memLog{})
	closer.onClose = func(id string) {
		m.OnOrderStatus(domain.OrderUpdate{OrderID: id, Symbol: sym, Status: domain.OrderStatusCancelled, Qty: 4, FilledQty: 1,
			FilledAvgPrice: decimal.NewNullDecimal(decimal.RequireFromString("2.00"))})
	}

	require.NoError(t, m.ClosePosition(ctx, sym, 4, 3, domain.ReasonExpiry))
	_, err := m.ProcessLatestOrder(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, m.RemainingQty(3, 4))
	assert.Equal(t, 2, m.RemainingQty(0, 2))
}

func TestProcessLatestOrder_RejectedIsUnexpected(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	log := &memLog{}
	m := newManager(t, closer, log)
	closer.onClose = statusOnClose(m, domain.OrderStatusRejected)

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	_, err := m.ProcessLatestOrder(ctx)
	assert.ErrorIs(t, err, domain.ErrUnexpectedOrderStatus)
	assert.Zero(t, log.saves)
}

func TestClosePosition_TimeoutKeepsOrderPending(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := newManager(t, closer, &memLog{})

	err := m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget)
	require.ErrorIs(t, err, domain.ErrOrderTimeout)
	assert.True(t, m.LatestOrderPending(), "no status yet counts as pending")

	p, ok := m.Pending()
	require.True(t, ok)
	assert.Equal(t, "order-1", p.OrderID)

	// a late status is still honoured
	m.OnOrderStatus(filled("order-1", 2, "2.00"))
	done, err := m.ProcessLatestOrder(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestClosePosition_StatusArrivesWhileWaiting(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := portfolio.New(portfolio.Config{Symbol: sym, OrderTimeout: 2 * time.Second}, closer, &memLog{}, nil)
	closer.onClose = func(id string) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.OnOrderStatus(domain.OrderUpdate{OrderID: "unrelated", Status: domain.OrderStatusNew})
			time.Sleep(20 * time.Millisecond)
			m.OnOrderStatus(domain.OrderUpdate{OrderID: id, Symbol: sym, Status: domain.OrderStatusNew})
		}()
	}

	start := time.Now()
	require.NoError(t, m.ClosePosition(ctx, sym, 1, 0, domain.ReasonProfitTarget))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClosePosition_BrokerError(t *testing.T) {
	closer := &fakeCloser{err: errors.New("403 forbidden")}
	m := newManager(t, closer, &memLog{})

	err := m.ClosePosition(context.Background(), sym, 2, 0, domain.ReasonProfitTarget)
	require.Error(t, err)
	_, ok := m.Pending()
	assert.False(t, ok)
}

func TestOnOrderStatus_TerminalNotRegressed(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := newManager(t, closer, &memLog{})
	closer.onClose = func(id string) { m.OnOrderStatus(filled(id, 2, "2.00")) }

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	// out-of-order "new" after the fill
	m.OnOrderStatus(domain.OrderUpdate{OrderID: "order-1", Symbol: sym, Status: domain.OrderStatusNew})

	assert.False(t, m.LatestOrderPending())
	done, err := m.ProcessLatestOrder(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestProcessLatestOrder_PersistFailure(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	log := &memLog{saveErr: errors.New("read-only filesystem")}
	m := newManager(t, closer, log)
	closer.onClose = func(id string) { m.OnOrderStatus(filled(id, 2, "2.00")) }

	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))
	done, err := m.ProcessLatestOrder(ctx)
	require.Error(t, err)
	assert.False(t, done)
}

func TestOnOrderStatus_ConcurrentWithConsumer(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}
	m := newManager(t, closer, &memLog{})
	closer.onClose = statusOnClose(m, domain.OrderStatusNew)
	require.NoError(t, m.ClosePosition(ctx, sym, 2, 0, domain.ReasonProfitTarget))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.OnOrderStatus(domain.OrderUpdate{OrderID: fmt.Sprintf("noise-%d", i), Status: domain.OrderStatusNew})
		}
		m.OnOrderStatus(filled("order-1", 2, "2.00"))
	}()

	resolved := false
	for !resolved {
		var err error
		resolved, err = m.ProcessLatestOrder(ctx)
		require.NoError(t, err)
	}
	wg.Wait()
	assert.True(t, m.IsResolved(0))
}
