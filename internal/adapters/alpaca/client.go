package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/ports"
)

var _ ports.Broker = (*Client)(nil)

const (
	paperTradingBase   = "https://paper-api.alpaca.markets"
	liveTradingBase    = "https://api.alpaca.markets"
	paperTradingStream = "wss://paper-api.alpaca.markets/stream"
	liveTradingStream  = "wss://api.alpaca.markets/stream"
	defaultDataStream  = "wss://stream.data.alpaca.markets/v1beta1/indicative"

	// Rate limit al 60% del documentado: 200 req/min → 120/min → 2/s.
	restRatePerSec = 2
	restBurst      = 5

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond

	defaultReadyTimeout = 10 * time.Second
)

// Config agrupa credenciales y endpoints. Los endpoints vacíos toman el
// valor de producción según Paper.
type Config struct {
	Key    string
	Secret string
	Paper  bool

	TradingBase   string
	TradingStream string
	DataStream    string

	// ReadyTimeout acota cuánto espera Connect a que el trading stream
	// quede escuchando trade_updates.
	ReadyTimeout time.Duration

	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TradingBase == "" {
		c.TradingBase = liveTradingBase
		if c.Paper {
			c.TradingBase = paperTradingBase
		}
	}
	if c.TradingStream == "" {
		c.TradingStream = liveTradingStream
		if c.Paper {
			c.TradingStream = paperTradingStream
		}
	}
	if c.DataStream == "" {
		c.DataStream = defaultDataStream
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaultReadyTimeout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	c.TradingBase = strings.TrimRight(c.TradingBase, "/")
	return c
}

// APIError es una respuesta 4xx de la API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("alpaca: status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("alpaca: status %d: %s", e.StatusCode, e.Message)
}

// isNotFound reporta si err es un 404 de la API.
func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client es el broker de Alpaca: REST con rate limiting y retries más los
// streams de trade updates y quotes de opciones. Implementa ports.Broker.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter

	mu            sync.Mutex
	orderHandler  func(domain.OrderUpdate)
	quoteHandler  func(domain.Quote)
	quoteSymbols  []string
	tradeStarted  bool
	quotesStarted bool
	streamCtx     context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan struct{}
	readyOnce     sync.Once
}

// NewClient crea un Client. No abre conexiones hasta Connect.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter: rate.NewLimiter(restRatePerSec, restBurst),
		ready:   make(chan struct{}),
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.TradingBase+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.Key)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.Secret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, true, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil)
	}, out)
}

// mutate hace un POST/DELETE. Solo se reintenta ante 429: tras un error de
// transporte o un 5xx la orden pudo haberse aceptado y un reintento vendería
// dos veces.
func (c *Client) mutate(ctx context.Context, method, path string, body, out any) error {
	return c.doWithRetry(ctx, false, func() (*http.Request, error) {
		return c.newRequest(ctx, method, path, body)
	}, out)
}

// doWithRetry ejecuta la request con backoff exponencial, respetando el contexto.
func (c *Client) doWithRetry(ctx context.Context, idempotent bool, build func() (*http.Request, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := build()
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if !idempotent || attempt == maxRetries || ctx.Err() != nil {
				return fmt.Errorf("request failed after %d attempts: %w", attempt+1, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("alpaca: rate limited by API", "path", req.URL.Path, "attempt", attempt+1)
			if attempt == maxRetries {
				return fmt.Errorf("rate limited after %d attempts", attempt+1)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if !idempotent || attempt == maxRetries {
				return fmt.Errorf("server error %d after %d attempts", resp.StatusCode, attempt+1)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
			var er errorResponse
			if json.Unmarshal(body, &er) == nil && er.Message != "" {
				apiErr.Code = er.Code
				apiErr.Message = er.Message
			}
			return apiErr
		}

		defer resp.Body.Close()
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
