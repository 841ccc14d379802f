package alpaca

// trading.go — operaciones REST de trading (cuenta, órdenes, posiciones,
// contratos de opciones).

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// Connect verifica las credenciales, arranca el trading stream y espera a
// que quede escuchando trade_updates.
func (c *Client) Connect(ctx context.Context) error {
	var acct accountResponse
	if err := c.get(ctx, "/v2/account", &acct); err != nil {
		return fmt.Errorf("alpaca.Connect: account: %w", err)
	}
	if acct.TradingBlocked {
		return fmt.Errorf("alpaca.Connect: trading blocked for account %s", acct.AccountNumber)
	}
	slog.Info("alpaca: connected",
		"account", acct.AccountNumber,
		"status", acct.Status,
		"paper", c.cfg.Paper,
		"options_level", acct.OptionsTradingLevel,
	)

	c.startTradeStream(ctx)

	wait, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	defer cancel()
	select {
	case <-c.ready:
		return nil
	case <-wait.Done():
		return fmt.Errorf("alpaca.Connect: trade stream not ready after %s: %w", c.cfg.ReadyTimeout, wait.Err())
	}
}

// PlaceMarketOrder envía una orden a mercado DAY con client_order_id único.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, qty int, side domain.Side) (domain.Order, error) {
	if qty <= 0 {
		return domain.Order{}, fmt.Errorf("alpaca.PlaceMarketOrder: qty %d: %w", qty, domain.ErrInvalidArgument)
	}
	req := orderRequest{
		Symbol:        symbol,
		Qty:           strconv.Itoa(qty),
		Side:          string(side),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: uuid.NewString(),
	}
	var resp orderResponse
	if err := c.mutate(ctx, "POST", "/v2/orders", req, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("alpaca.PlaceMarketOrder: %s %d %s: %w", side, qty, symbol, err)
	}
	slog.Info("alpaca: market order placed",
		"order_id", resp.ID,
		"client_order_id", req.ClientOrderID,
		"symbol", symbol,
		"side", side,
		"qty", qty,
	)
	return mapOrder(resp), nil
}

// ClosePosition vende qty contratos de symbol (DELETE /v2/positions/{symbol}).
func (c *Client) ClosePosition(ctx context.Context, symbol string, qty int) (domain.Order, error) {
	if qty <= 0 {
		return domain.Order{}, fmt.Errorf("alpaca.ClosePosition: qty %d: %w", qty, domain.ErrInvalidArgument)
	}
	path := "/v2/positions/" + url.PathEscape(symbol) + "?qty=" + strconv.Itoa(qty)
	var resp orderResponse
	if err := c.mutate(ctx, "DELETE", path, nil, &resp); err != nil {
		if isNotFound(err) {
			return domain.Order{}, fmt.Errorf("alpaca.ClosePosition: %s: %w", symbol, domain.ErrNoPosition)
		}
		return domain.Order{}, fmt.Errorf("alpaca.ClosePosition: %s qty=%d: %w", symbol, qty, err)
	}
	return mapOrder(resp), nil
}

// CloseAllPositions liquida todas las posiciones y cancela órdenes abiertas.
func (c *Client) CloseAllPositions(ctx context.Context) error {
	var results []closeAllResult
	if err := c.mutate(ctx, "DELETE", "/v2/positions?cancel_orders=true", nil, &results); err != nil {
		return fmt.Errorf("alpaca.CloseAllPositions: %w", err)
	}
	var failed []string
	for _, r := range results {
		if r.Status >= 400 {
			failed = append(failed, fmt.Sprintf("%s=%d", r.Symbol, r.Status))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("alpaca.CloseAllPositions: failed for %s", strings.Join(failed, ", "))
	}
	slog.Warn("alpaca: all positions closed", "count", len(results))
	return nil
}

// GetOpenPosition devuelve domain.ErrNoPosition si symbol no está en cartera.
func (c *Client) GetOpenPosition(ctx context.Context, symbol string) (domain.Position, error) {
	var resp positionResponse
	if err := c.get(ctx, "/v2/positions/"+url.PathEscape(symbol), &resp); err != nil {
		if isNotFound(err) {
			return domain.Position{}, fmt.Errorf("alpaca.GetOpenPosition: %s: %w", symbol, domain.ErrNoPosition)
		}
		return domain.Position{}, fmt.Errorf("alpaca.GetOpenPosition: %s: %w", symbol, err)
	}
	return mapPosition(resp), nil
}

// GetOrder consulta una orden por id. Sirve de respaldo cuando el stream
// perdió el evento de status.
func (c *Client) GetOrder(ctx context.Context, orderID string) (domain.OrderUpdate, error) {
	var resp orderResponse
	if err := c.get(ctx, "/v2/orders/"+url.PathEscape(orderID), &resp); err != nil {
		return domain.OrderUpdate{}, fmt.Errorf("alpaca.GetOrder: %s: %w", orderID, err)
	}
	return mapOrderUpdate("poll", nil, resp), nil
}

// GetOptionContract devuelve la metadata del contrato (expiración).
func (c *Client) GetOptionContract(ctx context.Context, symbol string) (domain.OptionContract, error) {
	var resp optionContractResponse
	if err := c.get(ctx, "/v2/options/contracts/"+url.PathEscape(symbol), &resp); err != nil {
		return domain.OptionContract{}, fmt.Errorf("alpaca.GetOptionContract: %s: %w", symbol, err)
	}
	oc, err := mapOptionContract(resp)
	if err != nil {
		return domain.OptionContract{}, fmt.Errorf("alpaca.GetOptionContract: %s: %w", symbol, err)
	}
	return oc, nil
}

// GetOptionsTradingLevel devuelve options_trading_level de la cuenta.
func (c *Client) GetOptionsTradingLevel(ctx context.Context) (int, error) {
	var acct accountResponse
	if err := c.get(ctx, "/v2/account", &acct); err != nil {
		return 0, fmt.Errorf("alpaca.GetOptionsTradingLevel: %w", err)
	}
	return acct.OptionsTradingLevel, nil
}
