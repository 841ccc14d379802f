package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a top-of-book snapshot for an option contract.
type Quote struct {
	Symbol      string
	Timestamp   time.Time
	BidPrice    decimal.Decimal
	BidSize     int64
	BidExchange string
	AskPrice    decimal.Decimal
	AskSize     int64
	AskExchange string
	Condition   string
}

// Validate rejects payloads missing the fields signal evaluation depends on.
func (q Quote) Validate() error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("quote: missing symbol: %w", ErrDataQuality)
	}
	if q.Timestamp.IsZero() {
		return fmt.Errorf("quote %s: missing timestamp: %w", q.Symbol, ErrDataQuality)
	}
	if q.BidPrice.IsNegative() || q.AskPrice.IsNegative() {
		return fmt.Errorf("quote %s: negative price bid=%s ask=%s: %w", q.Symbol, q.BidPrice, q.AskPrice, ErrDataQuality)
	}
	if q.BidSize < 0 || q.AskSize < 0 {
		return fmt.Errorf("quote %s: negative size: %w", q.Symbol, ErrDataQuality)
	}
	return nil
}
