package alpaca

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// mapStatus normaliza el status de Alpaca al ciclo de vida del dominio.
// canceled y expired se tratan igual: el bucket queda abierto.
func mapStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held":
		return domain.OrderStatusNew
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "cancelled", "expired":
		return domain.OrderStatusCancelled
	case "rejected":
		return domain.OrderStatusRejected
	}
	return domain.OrderStatusOther
}

func intQty(d decimal.NullDecimal) int {
	if !d.Valid {
		return 0
	}
	return int(d.Decimal.IntPart())
}

func mapOrder(r orderResponse) domain.Order {
	o := domain.Order{
		ID:            r.ID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Qty:           intQty(r.Qty),
		Side:          domain.Side(strings.ToLower(r.Side)),
		Status:        mapStatus(r.Status),
	}
	if r.SubmittedAt != nil {
		o.SubmittedAt = *r.SubmittedAt
	}
	return o
}

// mapOrderUpdate convierte una orden (del stream o de GET /v2/orders/{id})
// en el evento que consume el portfolio manager.
func mapOrderUpdate(event string, ts *time.Time, r orderResponse) domain.OrderUpdate {
	u := domain.OrderUpdate{
		Event:          event,
		OrderID:        r.ID,
		Symbol:         r.Symbol,
		Status:         mapStatus(r.Status),
		Qty:            intQty(r.Qty),
		FilledQty:      intQty(r.FilledQty),
		FilledAvgPrice: r.FilledAvgPrice,
	}
	switch {
	case ts != nil:
		u.Timestamp = *ts
	case r.UpdatedAt != nil:
		u.Timestamp = *r.UpdatedAt
	}
	return u
}

func mapPosition(r positionResponse) domain.Position {
	return domain.Position{
		Symbol:        r.Symbol,
		Qty:           int(r.Qty.IntPart()),
		AvgEntryPrice: r.AvgEntryPrice,
		Side:          strings.ToLower(r.Side),
	}
}

func mapOptionContract(r optionContractResponse) (domain.OptionContract, error) {
	exp, err := time.Parse("2006-01-02", r.ExpirationDate)
	if err != nil {
		return domain.OptionContract{}, fmt.Errorf("expiration_date %q: %w", r.ExpirationDate, err)
	}
	return domain.OptionContract{
		Symbol:         r.Symbol,
		Underlying:     r.UnderlyingSymbol,
		ExpirationDate: exp,
	}, nil
}

// mapQuote convierte un mensaje T=q. La validación la hace marketdata.
func mapQuote(m dataMessage) domain.Quote {
	return domain.Quote{
		Symbol:      m.Symbol,
		Timestamp:   m.Timestamp,
		BidPrice:    decimal.NewFromFloat(m.BidPrice),
		BidSize:     m.BidSize,
		BidExchange: m.BidExchange,
		AskPrice:    decimal.NewFromFloat(m.AskPrice),
		AskSize:     m.AskSize,
		AskExchange: m.AskExchange,
		Condition:   m.Condition,
	}
}
