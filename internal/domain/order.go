package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the normalized lifecycle of a brokerage order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusOther           OrderStatus = "other"
)

// IsTerminal reports whether no further status change is expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// CloseReason explains why a bucket was liquidated.
type CloseReason string

const (
	ReasonProfitTarget CloseReason = "profit_target"
	ReasonExpiry       CloseReason = "expiry"
)

// Order is the brokerage acknowledgement of a submitted order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Qty           int
	Side          Side
	Status        OrderStatus
	SubmittedAt   time.Time
}

// OrderUpdate is one order-status event pushed by the streaming layer.
// Delivery is at-least-once.
type OrderUpdate struct {
	Event          string
	OrderID        string
	Symbol         string
	Status         OrderStatus
	Qty            int
	FilledQty      int
	FilledAvgPrice decimal.NullDecimal
	Timestamp      time.Time
}

// PendingOrder is the single in-flight closing order.
type PendingOrder struct {
	OrderID     string
	BucketIndex int
	Qty         int
	Reason      CloseReason
	PlacedAt    time.Time
	Resolved    bool
}

// ClosedBucketRecord is the persisted outcome of a bucket. BucketIndex is kept
// in memory only; rows loaded from the log carry the index implied by their
// position among the instrument's filled rows, or -1.
type ClosedBucketRecord struct {
	BucketIndex int
	OrderID     string
	Symbol      string
	Status      OrderStatus
	Qty         int
	FillPrice   decimal.NullDecimal
	Timestamp   time.Time
	Reason      CloseReason
}
