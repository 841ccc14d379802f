package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the brokerage snapshot of the held instrument. Read-only.
type Position struct {
	Symbol        string
	Qty           int
	AvgEntryPrice decimal.Decimal
	Side          string
}

// OptionContract carries the contract metadata the exit loop needs.
type OptionContract struct {
	Symbol         string
	Underlying     string
	ExpirationDate time.Time // date only, UTC midnight
}

// IsExpiryDay compares calendar dates with now expressed in its own location.
func (c OptionContract) IsExpiryDay(now time.Time) bool {
	y, m, d := now.Date()
	ey, em, ed := c.ExpirationDate.Date()
	return y == ey && m == em && d == ed
}

// Signal is a trading decision.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)
