package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// TakeProfitName es el nombre con el que se registra TakeProfit.
const TakeProfitName = "take_profit"

// TakeProfit vende cuando el bid alcanza el objetivo (igualdad incluida).
type TakeProfit struct{}

// Name implementa Strategy.
func (TakeProfit) Name() string { return TakeProfitName }

// Generate implementa Strategy.
func (TakeProfit) Generate(quote domain.Quote, target decimal.Decimal) domain.Signal {
	if quote.BidPrice.GreaterThanOrEqual(target) {
		return domain.SignalSell
	}
	return domain.SignalHold
}
