package alpaca

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DTOs raw de la API de Alpaca. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- Trading REST ---

// accountResponse es la respuesta de GET /v2/account.
type accountResponse struct {
	ID                   string `json:"id"`
	AccountNumber        string `json:"account_number"`
	Status               string `json:"status"`
	OptionsApprovedLevel int    `json:"options_approved_level"`
	OptionsTradingLevel  int    `json:"options_trading_level"`
	TradingBlocked       bool   `json:"trading_blocked"`
}

// orderRequest es el body de POST /v2/orders. Alpaca acepta qty como string.
type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

// orderResponse es una orden tal como la devuelven REST y el stream.
type orderResponse struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	Symbol         string              `json:"symbol"`
	Qty            decimal.NullDecimal `json:"qty"`
	FilledQty      decimal.NullDecimal `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	Side           string              `json:"side"`
	Type           string              `json:"type"`
	Status         string              `json:"status"`
	SubmittedAt    *time.Time          `json:"submitted_at"`
	UpdatedAt      *time.Time          `json:"updated_at"`
}

// positionResponse es la respuesta de GET /v2/positions/{symbol}.
type positionResponse struct {
	Symbol        string          `json:"symbol"`
	AssetClass    string          `json:"asset_class"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Side          string          `json:"side"`
}

// closeAllResult es cada elemento de DELETE /v2/positions (multi-status).
type closeAllResult struct {
	Symbol string `json:"symbol"`
	Status int    `json:"status"`
}

// optionContractResponse es la respuesta de GET /v2/options/contracts/{symbol}.
type optionContractResponse struct {
	ID               string `json:"id"`
	Symbol           string `json:"symbol"`
	UnderlyingSymbol string `json:"underlying_symbol"`
	ExpirationDate   string `json:"expiration_date"`
	Type             string `json:"type"`
	StrikePrice      string `json:"strike_price"`
}

// errorResponse es el body de los errores 4xx.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// --- Trading stream (JSON) ---

type streamAction struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
	Secret string `json:"secret,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type listenData struct {
	Streams []string `json:"streams"`
}

// tradeEnvelope es el sobre de todos los mensajes del trading stream.
type tradeEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authorizationData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

type tradeUpdate struct {
	Event     string        `json:"event"`
	Timestamp *time.Time    `json:"timestamp"`
	Order     orderResponse `json:"order"`
}

// --- Option market data stream (msgpack) ---

// dataAction es un mensaje cliente→servidor del stream de opciones.
type dataAction struct {
	Action string   `msgpack:"action"`
	Key    string   `msgpack:"key,omitempty"`
	Secret string   `msgpack:"secret,omitempty"`
	Quotes []string `msgpack:"quotes,omitempty"`
}

// dataMessage cubre control (success, error, subscription) y quotes (T=q).
// Los campos que no aplican a un tipo quedan en cero.
type dataMessage struct {
	T    string `msgpack:"T"`
	Msg  string `msgpack:"msg"`
	Code int    `msgpack:"code"`

	Symbol      string    `msgpack:"S"`
	Timestamp   time.Time `msgpack:"t"`
	BidExchange string    `msgpack:"bx"`
	BidPrice    float64   `msgpack:"bp"`
	BidSize     int64     `msgpack:"bs"`
	AskExchange string    `msgpack:"ax"`
	AskPrice    float64   `msgpack:"ap"`
	AskSize     int64     `msgpack:"as"`
	Condition   string    `msgpack:"c"`
}
