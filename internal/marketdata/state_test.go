package marketdata_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/marketdata"
)

type fakeTickStore struct {
	mu      sync.Mutex
	batches [][]domain.Quote
	err     error
}

func (f *fakeTickStore) SaveTicks(_ context.Context, quotes []domain.Quote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, append([]domain.Quote(nil), quotes...))
	return nil
}

func (f *fakeTickStore) saved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

var base = time.Date(2025, 1, 17, 15, 0, 0, 0, time.UTC)

func quote(i int, bid string) domain.Quote {
	return domain.Quote{
		Symbol:    "SPY250117C00600000",
		Timestamp: base.Add(time.Duration(i) * time.Second),
		BidPrice:  decimal.RequireFromString(bid),
		AskPrice:  decimal.RequireFromString(bid).Add(decimal.RequireFromString("0.05")),
		BidSize:   1,
		AskSize:   1,
	}
}

func TestLatest_EmptyState(t *testing.T) {
	s := marketdata.New(marketdata.Config{}, nil)
	_, err := s.Latest()
	assert.ErrorIs(t, err, domain.ErrNoQuote)
}

func TestAdvance_EmptyQueueIsNoop(t *testing.T) {
	s := marketdata.New(marketdata.Config{}, nil)
	n, err := s.Advance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdvance_LatestOnly(t *testing.T) {
	s := marketdata.New(marketdata.Config{}, nil)
	assert.Equal(t, 3, s.Ingest(quote(0, "1.00"), quote(1, "1.10"), quote(2, "1.20")))

	n, err := s.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "1.2", q.BidPrice.String())
	assert.Len(t, s.History(), 1)
}

func TestAdvance_StoreAllTicks(t *testing.T) {
	s := marketdata.New(marketdata.Config{StoreAllTicks: true}, nil)
	s.Ingest(quote(0, "1.00"), quote(1, "1.10"))
	s.Ingest(quote(2, "1.20"))

	n, err := s.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	q, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, "1.2", q.BidPrice.String())
	assert.Len(t, s.History(), 3)
}

func TestAdvance_NormalizesTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	s := marketdata.New(marketdata.Config{Location: ny}, nil)
	s.Ingest(quote(0, "1.00"))
	_, err = s.Advance(context.Background())
	require.NoError(t, err)

	q, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, ny, q.Timestamp.Location())
	assert.True(t, q.Timestamp.Equal(base))
	assert.Equal(t, 10, q.Timestamp.Hour())
}

func TestIngest_DropsMalformed(t *testing.T) {
	s := marketdata.New(marketdata.Config{StoreAllTicks: true}, nil)
	bad := quote(1, "1.00")
	bad.Symbol = ""
	noTime := quote(2, "1.00")
	noTime.Timestamp = time.Time{}

	assert.Equal(t, 1, s.Ingest(quote(0, "1.00"), bad, noTime))

	n, err := s.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// quoteCount reads exitbot_quotes_total{result} from the default registry.
func quoteCount(t *testing.T, result string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "exitbot_quotes_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestIngest_CountsEveryQuoteOfABatch(t *testing.T) {
	s := marketdata.New(marketdata.Config{StoreAllTicks: true, MaxPending: 3}, nil)
	bad := quote(9, "1.00")
	bad.Symbol = ""

	accepted, dropped, overflow := quoteCount(t, "accepted"), quoteCount(t, "dropped"), quoteCount(t, "overflow")
	s.Ingest(quote(0, "1.00"), quote(1, "1.10"), bad, quote(2, "1.20"), quote(3, "1.30"))

	assert.Equal(t, accepted+4, quoteCount(t, "accepted"))
	assert.Equal(t, dropped+1, quoteCount(t, "dropped"))
	assert.Equal(t, overflow+1, quoteCount(t, "overflow"))
}

func TestIngest_OverflowDropsOldest(t *testing.T) {
	s := marketdata.New(marketdata.Config{StoreAllTicks: true, MaxPending: 2}, nil)
	s.Ingest(quote(0, "1.00"), quote(1, "1.10"), quote(2, "1.20"))

	_, err := s.Advance(context.Background())
	require.NoError(t, err)
	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, "1.1", h[0].BidPrice.String())
}

func TestAdvance_FlushesEveryN(t *testing.T) {
	store := &fakeTickStore{}
	s := marketdata.New(marketdata.Config{StoreAllTicks: true, FlushEvery: 3}, store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s.Ingest(quote(i, "1.00"))
		_, err := s.Advance(ctx)
		require.NoError(t, err)
	}
	assert.Zero(t, store.saved())

	s.Ingest(quote(2, "1.00"))
	_, err := s.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, store.saved())

	s.Ingest(quote(3, "1.00"))
	_, err = s.Advance(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 4, store.saved())
}

func TestAdvance_FlushErrorKeepsBatch(t *testing.T) {
	store := &fakeTickStore{err: errors.New("disk full")}
	s := marketdata.New(marketdata.Config{FlushEvery: 1}, store)
	ctx := context.Background()

	s.Ingest(quote(0, "1.00"))
	_, err := s.Advance(ctx)
	require.Error(t, err)

	// the quote is still visible to signal evaluation
	_, err = s.Latest()
	require.NoError(t, err)

	store.err = nil
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, store.saved())
}

func TestIngest_ConcurrentProducers(t *testing.T) {
	s := marketdata.New(marketdata.Config{StoreAllTicks: true}, nil)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				s.Ingest(quote(p*1000+i, "1.00"))
			}
		}(p)
	}

	total := 0
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		n, err := s.Advance(context.Background())
		require.NoError(t, err)
		total += n
		select {
		case <-done:
			n, err := s.Advance(context.Background())
			require.NoError(t, err)
			total += n
			assert.Equal(t, 1000, total)
			return
		default:
		}
	}
}
