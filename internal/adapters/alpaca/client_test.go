package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

const testSymbol = "SPY250117C00600000"

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(Config{Key: "key", Secret: "secret", TradingBase: srv.URL, Paper: true})
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

func TestConfig_Defaults(t *testing.T) {
	paper := Config{Paper: true}.withDefaults()
	assert.Equal(t, paperTradingBase, paper.TradingBase)
	assert.Equal(t, paperTradingStream, paper.TradingStream)
	assert.Equal(t, defaultDataStream, paper.DataStream)

	live := Config{TradingBase: "http://localhost:1234/"}.withDefaults()
	assert.Equal(t, "http://localhost:1234", live.TradingBase)
	assert.Equal(t, liveTradingStream, live.TradingStream)
}

func TestGetOpenPosition_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v2/positions/"+testSymbol, r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		w.Write([]byte(`{"symbol":"` + testSymbol + `","asset_class":"us_option","qty":"10","avg_entry_price":"1.85","side":"long"}`))
	}))
	defer srv.Close()

	pos, err := newTestClient(srv).GetOpenPosition(context.Background(), testSymbol)
	require.NoError(t, err)
	assert.Equal(t, 10, pos.Qty)
	assert.Equal(t, "1.85", pos.AvgEntryPrice.String())
	assert.Equal(t, "long", pos.Side)
}

func TestGetOpenPosition_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":40410000,"message":"position does not exist"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetOpenPosition(context.Background(), testSymbol)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoPosition))
}

func TestAPIError_Decoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":40310000,"message":"insufficient qty available for order"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetOptionsTradingLevel(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, 40310000, apiErr.Code)
	assert.Contains(t, apiErr.Error(), "insufficient qty")
}

func TestGet_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"account_number":"PA1","status":"ACTIVE","options_trading_level":3}`))
	}))
	defer srv.Close()

	level, err := newTestClient(srv).GetOptionsTradingLevel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, level)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClosePosition_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v2/positions/"+testSymbol, r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("qty"))
		w.Write([]byte(`{"id":"ord-1","client_order_id":"c-1","symbol":"` + testSymbol + `",
			"qty":"2","filled_qty":"0","filled_avg_price":null,"side":"sell","type":"market",
			"status":"accepted","submitted_at":"2025-01-17T15:31:05.123Z"}`))
	}))
	defer srv.Close()

	o, err := newTestClient(srv).ClosePosition(context.Background(), testSymbol, 2)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", o.ID)
	assert.Equal(t, 2, o.Qty)
	assert.Equal(t, domain.SideSell, o.Side)
	assert.Equal(t, domain.OrderStatusNew, o.Status)
	assert.False(t, o.SubmittedAt.IsZero())
}

func TestClosePosition_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ClosePosition(context.Background(), testSymbol, 2)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a close must never be sent twice")
}

func TestClosePosition_InvalidQty(t *testing.T) {
	c := NewClient(Config{TradingBase: "http://127.0.0.1:0"})
	_, err := c.ClosePosition(context.Background(), testSymbol, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestPlaceMarketOrder_Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body orderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, testSymbol, body.Symbol)
		assert.Equal(t, "3", body.Qty)
		assert.Equal(t, "buy", body.Side)
		assert.Equal(t, "market", body.Type)
		assert.Equal(t, "day", body.TimeInForce)
		_, err := uuid.Parse(body.ClientOrderID)
		assert.NoError(t, err)

		w.Write([]byte(`{"id":"ord-9","client_order_id":"` + body.ClientOrderID + `","symbol":"` + testSymbol + `","qty":"3","side":"buy","status":"new"}`))
	}))
	defer srv.Close()

	o, err := newTestClient(srv).PlaceMarketOrder(context.Background(), testSymbol, 3, domain.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, "ord-9", o.ID)
	assert.Equal(t, domain.SideBuy, o.Side)
}

func TestCloseAllPositions_PartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("cancel_orders"))
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`[{"symbol":"` + testSymbol + `","status":200},{"symbol":"QQQ","status":500}]`))
	}))
	defer srv.Close()

	err := newTestClient(srv).CloseAllPositions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QQQ=500")
	assert.NotContains(t, err.Error(), testSymbol)
}

func TestGetOptionContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/options/contracts/"+testSymbol, r.URL.Path)
		w.Write([]byte(`{"symbol":"` + testSymbol + `","underlying_symbol":"SPY","expiration_date":"2025-01-17","type":"call","strike_price":"600"}`))
	}))
	defer srv.Close()

	oc, err := newTestClient(srv).GetOptionContract(context.Background(), testSymbol)
	require.NoError(t, err)
	assert.Equal(t, "SPY", oc.Underlying)
	assert.Equal(t, 2025, oc.ExpirationDate.Year())
	assert.Equal(t, 17, oc.ExpirationDate.Day())
}

func TestGetOrder_Filled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders/ord-1", r.URL.Path)
		w.Write([]byte(`{"id":"ord-1","symbol":"` + testSymbol + `","qty":"2","filled_qty":"2",
			"filled_avg_price":"2.35","status":"filled","updated_at":"2025-01-17T15:31:06Z"}`))
	}))
	defer srv.Close()

	u, err := newTestClient(srv).GetOrder(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, u.Status)
	assert.Equal(t, 2, u.FilledQty)
	assert.Equal(t, "2.35", u.FilledAvgPrice.Decimal.String())
	assert.False(t, u.Timestamp.IsZero())
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusNew,
		"accepted":         domain.OrderStatusNew,
		"partially_filled": domain.OrderStatusPartiallyFilled,
		"filled":           domain.OrderStatusFilled,
		"canceled":         domain.OrderStatusCancelled,
		"expired":          domain.OrderStatusCancelled,
		"rejected":         domain.OrderStatusRejected,
		"done_for_day":     domain.OrderStatusOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}
