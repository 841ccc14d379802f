package alpaca

// stream.go — sesiones websocket con reconexión (backoff + jitter).
//
//   - Trade updates: JSON. auth → authorization → listen trade_updates.
//   - Quotes de opciones: msgpack. connected → auth → authenticated →
//     subscribe quotes. Cada frame es un array de mensajes.
//
// Los handlers corren en la goroutine del stream y no deben bloquear.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

const (
	backoffMin  = 500 * time.Millisecond
	backoffMax  = 15 * time.Second
	stableAfter = time.Minute

	authTimeout  = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
)

var errUnauthorized = errors.New("stream unauthorized")

// SubscribeOrderStatus registra el handler de trade updates.
func (c *Client) SubscribeOrderStatus(handler func(domain.OrderUpdate)) {
	c.mu.Lock()
	c.orderHandler = handler
	c.mu.Unlock()
}

// SubscribeQuotes registra el handler de quotes y arranca el stream de
// opciones para symbols. Requiere Connect previo.
func (c *Client) SubscribeQuotes(handler func(domain.Quote), symbols ...string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("alpaca.SubscribeQuotes: no symbols: %w", domain.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamCtx == nil {
		return errors.New("alpaca.SubscribeQuotes: not connected")
	}
	if c.quotesStarted {
		return errors.New("alpaca.SubscribeQuotes: already subscribed")
	}
	c.quoteHandler = handler
	c.quoteSymbols = append([]string(nil), symbols...)
	c.quotesStarted = true

	header := http.Header{}
	header.Set("Content-Type", "application/msgpack")
	c.wg.Add(1)
	go func(ctx context.Context) {
		defer c.wg.Done()
		c.runStream(ctx, "quotes", c.cfg.DataStream, header, c.quoteSession)
	}(c.streamCtx)
	slog.Info("alpaca: subscribed to quotes", "symbols", symbols)
	return nil
}

// Close detiene los streams y espera a que terminen.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) startTradeStream(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamCtx == nil {
		c.streamCtx, c.cancel = context.WithCancel(ctx)
	}
	if c.tradeStarted {
		return
	}
	c.tradeStarted = true
	c.wg.Add(1)
	go func(ctx context.Context) {
		defer c.wg.Done()
		c.runStream(ctx, "trade_updates", c.cfg.TradingStream, nil, c.tradeSession)
	}(c.streamCtx)
}

func (c *Client) handleOrder(u domain.OrderUpdate) {
	c.mu.Lock()
	h := c.orderHandler
	c.mu.Unlock()
	if h != nil {
		h(u)
	}
}

func (c *Client) handleQuote(q domain.Quote) {
	c.mu.Lock()
	h := c.quoteHandler
	c.mu.Unlock()
	if h != nil {
		h(q)
	}
}

// runStream mantiene una sesión viva hasta que ctx se cancela.
func (c *Client) runStream(
	ctx context.Context,
	name, url string,
	header http.Header,
	session func(context.Context, *websocket.Conn) error,
) {
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("alpaca: stream dial failed", "stream", name, "err", err, "retry_in", backoff)
			sleepWithJitter(ctx, backoff)
			backoff = nextBackoff(backoff, backoffMax)
			continue
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()

		started := time.Now()
		err = session(ctx, conn)
		close(done)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) > stableAfter {
			backoff = backoffMin
		}
		if errors.Is(err, errUnauthorized) {
			slog.Error("alpaca: stream rejected credentials", "stream", name, "err", err)
		} else {
			slog.Warn("alpaca: stream disconnected", "stream", name, "err", err, "retry_in", backoff)
		}
		sleepWithJitter(ctx, backoff)
		backoff = nextBackoff(backoff, backoffMax)
	}
}

// keepAlive envía pings y extiende el read deadline con cada pong.
func keepAlive(ctx context.Context, conn *websocket.Conn) func() {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(3*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}

// --- trade updates ---

func (c *Client) tradeSession(ctx context.Context, conn *websocket.Conn) error {
	auth := streamAction{Action: "auth", Key: c.cfg.Key, Secret: c.cfg.Secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("trade stream auth write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	for authorized := false; !authorized; {
		env, err := readTradeEnvelope(conn)
		if err != nil {
			return fmt.Errorf("trade stream auth read: %w", err)
		}
		if env.Stream != "authorization" {
			continue
		}
		var a authorizationData
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return fmt.Errorf("trade stream auth decode: %w", err)
		}
		if a.Status != "authorized" {
			return fmt.Errorf("trade stream: status %q: %w", a.Status, errUnauthorized)
		}
		authorized = true
	}

	listen := streamAction{Action: "listen", Data: listenData{Streams: []string{"trade_updates"}}}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("trade stream listen write: %w", err)
	}

	stop := keepAlive(ctx, conn)
	defer stop()

	for {
		env, err := readTradeEnvelope(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("trade stream read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch env.Stream {
		case "listening":
			slog.Info("alpaca: listening to trade updates")
			c.readyOnce.Do(func() { close(c.ready) })
		case "trade_updates":
			var tu tradeUpdate
			if err := json.Unmarshal(env.Data, &tu); err != nil {
				slog.Warn("alpaca: bad trade update", "err", err)
				continue
			}
			u := mapOrderUpdate(tu.Event, tu.Timestamp, tu.Order)
			slog.Debug("alpaca: trade update",
				"event", u.Event,
				"order_id", u.OrderID,
				"status", u.Status,
				"filled_qty", u.FilledQty,
			)
			c.handleOrder(u)
		}
	}
}

// readTradeEnvelope acepta frames de texto o binarios (paper envía binario).
func readTradeEnvelope(conn *websocket.Conn) (tradeEnvelope, error) {
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return tradeEnvelope{}, err
		}
		if (typ != websocket.TextMessage && typ != websocket.BinaryMessage) || len(msg) == 0 {
			continue
		}
		var env tradeEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			slog.Warn("alpaca: trade stream decode", "err", err)
			continue
		}
		return env, nil
	}
}

// --- option quotes ---

func (c *Client) quoteSession(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	symbols := append([]string(nil), c.quoteSymbols...)
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	if err := c.awaitControl(conn, "connected"); err != nil {
		return err
	}
	if err := writeMsgpack(conn, dataAction{Action: "auth", Key: c.cfg.Key, Secret: c.cfg.Secret}); err != nil {
		return fmt.Errorf("quote stream auth write: %w", err)
	}
	if err := c.awaitControl(conn, "authenticated"); err != nil {
		return err
	}
	if err := writeMsgpack(conn, dataAction{Action: "subscribe", Quotes: symbols}); err != nil {
		return fmt.Errorf("quote stream subscribe write: %w", err)
	}

	stop := keepAlive(ctx, conn)
	defer stop()

	for {
		msgs, err := readDataMessages(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quote stream read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		for _, m := range msgs {
			switch m.T {
			case "q":
				c.handleQuote(mapQuote(m))
			case "subscription":
				slog.Info("alpaca: quote subscription confirmed", "symbols", symbols)
			case "error":
				slog.Warn("alpaca: quote stream error", "code", m.Code, "msg", m.Msg)
			}
		}
	}
}

// awaitControl lee hasta recibir success/msg. Un error del servidor corta la sesión.
func (c *Client) awaitControl(conn *websocket.Conn, msg string) error {
	for {
		msgs, err := readDataMessages(conn)
		if err != nil {
			return fmt.Errorf("quote stream await %s: %w", msg, err)
		}
		for _, m := range msgs {
			switch {
			case m.T == "success" && m.Msg == msg:
				return nil
			case m.T == "error" && (m.Code == 401 || m.Code == 402 || m.Code == 404):
				return fmt.Errorf("quote stream: %d %s: %w", m.Code, m.Msg, errUnauthorized)
			case m.T == "error":
				return fmt.Errorf("quote stream: %d %s", m.Code, m.Msg)
			}
		}
	}
}

func writeMsgpack(conn *websocket.Conn, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func readDataMessages(conn *websocket.Conn) ([]dataMessage, error) {
	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if (typ != websocket.TextMessage && typ != websocket.BinaryMessage) || len(msg) == 0 {
			continue
		}
		var msgs []dataMessage
		if err := msgpack.Unmarshal(msg, &msgs); err != nil {
			slog.Warn("alpaca: quote stream decode", "err", err)
			continue
		}
		return msgs, nil
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	j := int64(d) / 7
	if j > 0 {
		d = time.Duration(int64(d) + rand.Int64N(2*j+1) - j)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
