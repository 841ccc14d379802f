// Package exit is the Execution Orchestrator: it drives the bucketed exit of
// a single option position through the session, entry and bucket-loop
// states, and liquidates everything on an unrecoverable fault.
package exit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/exitbot/internal/application/engine"
	"github.com/alejandrodnm/exitbot/internal/domain"
	"github.com/alejandrodnm/exitbot/internal/marketdata"
	"github.com/alejandrodnm/exitbot/internal/metrics"
	"github.com/alejandrodnm/exitbot/internal/portfolio"
	"github.com/alejandrodnm/exitbot/internal/ports"
	"github.com/alejandrodnm/exitbot/internal/session"
	"github.com/alejandrodnm/exitbot/internal/strategy"
)

const (
	defaultPollInterval      = 100 * time.Millisecond
	defaultSessionCheck      = 60 * time.Second
	defaultReconcileInterval = 10 * time.Second
	defaultEntryTimeout      = 60 * time.Second
	defaultMinOptionsLevel   = 3
	liquidateTimeout         = 30 * time.Second
	debugEvery               = 1000
)

// Config holds the orchestrator's trading parameters.
type Config struct {
	Symbol              string
	StartingQty         int
	OpenPosition        bool // buy StartingQty at session start when nothing is held
	ProfitTargets       []float64
	BucketCount         int
	ClosePolicy         string // risk_on | risk_off
	Runner              bool   // last bucket only closes on the expiry path
	ExpiryCutoffMinutes int
	MinOptionsLevel     int

	PollInterval      time.Duration // bucket loop iteration pause
	SessionCheck      time.Duration // re-check interval outside trading hours
	ReconcileInterval time.Duration // REST fallback for a pending order with no status
	EntryTimeout      time.Duration // wait for the opening order to show up as a position
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SessionCheck <= 0 {
		c.SessionCheck = defaultSessionCheck
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = defaultEntryTimeout
	}
	if c.MinOptionsLevel <= 0 {
		c.MinOptionsLevel = defaultMinOptionsLevel
	}
	return c
}

// Deps are the collaborators wired by main.
type Deps struct {
	Broker    ports.Broker
	Session   *session.Manager
	Market    *marketdata.State
	Portfolio *portfolio.Manager
	Strategy  strategy.Strategy

	// Now defaults to time.Now.
	Now func() time.Time
	// OnNewDay runs when the calendar day in the session timezone changes.
	OnNewDay func(day time.Time)
}

// bucketOutcome is what one bucket's inner loop ended with.
type bucketOutcome int

const (
	outcomeFilled bucketOutcome = iota
	outcomeSessionClosed
	outcomeRunnerLeftOpen
)

// Engine is the Execution Orchestrator.
type Engine struct {
	cfg  Config
	deps Deps

	stateMu sync.RWMutex
	state   engine.State
	lastDay time.Time

	// set in ENTERING_POSITION, recomputed on every session entry
	buckets      []domain.Bucket
	expiryDay    bool
	expiryCutoff time.Time

	lastReconcile time.Time
	iterations    int
}

// New creates an Engine. It does not touch the broker until Run.
func New(cfg Config, deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Strategy == nil {
		deps.Strategy = strategy.TakeProfit{}
	}
	return &Engine{cfg: cfg.withDefaults(), deps: deps, state: engine.StateInit}
}

// State returns the current state. Only meaningful from the Run goroutine or
// after Run returned.
func (e *Engine) State() engine.State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Buckets returns the plan computed on the last session entry.
func (e *Engine) Buckets() []domain.Bucket { return e.buckets }

// Run drives the state machine until DONE, a fatal error, or ctx is done.
// Cancellation is an operator shutdown: it is logged and returned without
// liquidating. Faults after INIT go through LIQUIDATE_ALL and are returned.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.init(ctx); err != nil {
		if ctx.Err() != nil {
			return e.shutdown(ctx)
		}
		return fmt.Errorf("exit.Run: init: %w", err)
	}

	for {
		var (
			next engine.State
			err  error
		)
		switch e.state {
		case engine.StateAwaitingSession:
			next, err = e.awaitSession(ctx)
		case engine.StateEnteringPosition:
			next, err = e.enterPosition(ctx)
		case engine.StateBucketLoop:
			next, err = e.bucketLoop(ctx)
		case engine.StateDone:
			e.finish(ctx)
			slog.Info("exit: all buckets resolved", "symbol", e.cfg.Symbol)
			return nil
		default:
			return fmt.Errorf("exit.Run: unexpected state %s", e.state)
		}

		if err != nil {
			if ctx.Err() != nil {
				return e.shutdown(ctx)
			}
			return e.fail(ctx, err)
		}
		e.transition(next)
	}
}

func (e *Engine) transition(to engine.State) {
	if to == e.state {
		return
	}
	slog.Info("exit: state transition", "from", e.state.String(), "to", to.String())
	e.stateMu.Lock()
	e.state = to
	e.stateMu.Unlock()
	metrics.SetEngineState(to.String())
}

// init subscribes, connects, checks the account and restores progress.
func (e *Engine) init(ctx context.Context) error {
	metrics.SetEngineState(e.state.String())
	b := e.deps.Broker

	// Status handler first so no update is lost between connect and subscribe.
	b.SubscribeOrderStatus(e.deps.Portfolio.OnOrderStatus)
	if err := b.Connect(ctx); err != nil {
		return err
	}

	level, err := b.GetOptionsTradingLevel(ctx)
	if err != nil {
		return err
	}
	if level < e.cfg.MinOptionsLevel {
		return fmt.Errorf("account level %d < required %d: %w", level, e.cfg.MinOptionsLevel, domain.ErrOptionsLevel)
	}

	if err := b.SubscribeQuotes(func(q domain.Quote) { e.deps.Market.Ingest(q) }, e.cfg.Symbol); err != nil {
		return err
	}
	if err := e.deps.Portfolio.PopulateFromLog(ctx); err != nil {
		return err
	}

	e.lastDay = e.deps.Session.Day(e.deps.Now())
	e.transition(engine.StateAwaitingSession)
	return nil
}

// checkDay fires OnNewDay when the session-local date changes.
func (e *Engine) checkDay(now time.Time) {
	day := e.deps.Session.Day(now)
	if day.Equal(e.lastDay) {
		return
	}
	e.lastDay = day
	slog.Info("exit: new trading day", "day", day.Format("2006-01-02"))
	if e.deps.OnNewDay != nil {
		e.deps.OnNewDay(day)
	}
}

func (e *Engine) awaitSession(ctx context.Context) (engine.State, error) {
	logged := false
	for {
		now := e.deps.Now()
		e.checkDay(now)
		if e.deps.Session.IsOpen(now) {
			return engine.StateEnteringPosition, nil
		}
		if !logged {
			slog.Info("exit: outside trading session, waiting",
				"now", now.In(e.deps.Session.Location()).Format(time.DateTime),
				"trading_day", e.deps.Session.IsTradingDay(now),
				"check_every", e.cfg.SessionCheck,
			)
			logged = true
		}
		if err := engine.Sleep(ctx, e.cfg.SessionCheck); err != nil {
			return e.state, err
		}
	}
}

// enterPosition confirms (or opens) the position and builds the bucket plan.
func (e *Engine) enterPosition(ctx context.Context) (engine.State, error) {
	b := e.deps.Broker
	now := e.deps.Now()
	loc := e.deps.Session.Location()

	contract, err := b.GetOptionContract(ctx, e.cfg.Symbol)
	if err != nil {
		return e.state, err
	}
	e.expiryDay = contract.IsExpiryDay(now.In(loc))
	if e.expiryDay {
		e.expiryCutoff = e.deps.Session.ExpiryCutoff(now, e.cfg.ExpiryCutoffMinutes)
	}

	if err := e.settlePending(ctx); err != nil {
		return e.state, err
	}

	pos, err := b.GetOpenPosition(ctx, e.cfg.Symbol)
	switch {
	case errors.Is(err, domain.ErrNoPosition) && e.shouldOpen():
		if pos, err = e.openPosition(ctx); err != nil {
			return e.state, err
		}
	case errors.Is(err, domain.ErrNoPosition):
		pos = domain.Position{Symbol: e.cfg.Symbol}
	case err != nil:
		return e.state, err
	}

	quantities, err := domain.Bucketize(e.cfg.StartingQty, e.cfg.BucketCount, e.cfg.ClosePolicy)
	if err != nil {
		return e.state, err
	}
	targets := domain.ProfitTargetLevels(pos.AvgEntryPrice, e.cfg.ProfitTargets)
	e.buckets, err = domain.BuildBuckets(quantities, targets, e.cfg.Runner)
	if err != nil {
		return e.state, err
	}

	pm := e.deps.Portfolio
	required := domain.RequiredQty(e.buckets, func(bk domain.Bucket) int {
		if bk.Index < pm.StartingIndex() || pm.IsResolved(bk.Index) {
			return 0
		}
		return pm.RemainingQty(bk.Index, bk.Qty)
	})
	// an open close order may already be partly filled at the broker
	if p, ok := pm.Pending(); ok && !p.Resolved {
		required = max(required-p.Qty, 0)
	}
	if pos.Qty < required {
		return e.state, fmt.Errorf("held %d of %s but %d still to sell: %w", pos.Qty, e.cfg.Symbol, required, domain.ErrPositionMismatch)
	}

	slog.Info("exit: position confirmed",
		"symbol", e.cfg.Symbol,
		"held", pos.Qty,
		"entry", pos.AvgEntryPrice.StringFixed(2),
		"required", required,
		"resume_index", pm.StartingIndex(),
		"expiry_day", e.expiryDay,
	)
	for _, bk := range e.buckets {
		target := bk.Target.StringFixed(2)
		if bk.Runner {
			target = "runner"
		}
		slog.Info("exit: bucket plan", "bucket", bk.Index, "qty", bk.Qty, "target", target)
	}
	if e.expiryDay {
		slog.Warn("exit: contract expires today", "cutoff", e.expiryCutoff.In(loc).Format("15:04:05"))
	}
	return engine.StateBucketLoop, nil
}

// settlePending resolves a close order left in flight by an earlier session,
// asking the broker when the stream has no terminal status for it.
func (e *Engine) settlePending(ctx context.Context) error {
	pm := e.deps.Portfolio
	p, ok := pm.Pending()
	if !ok || p.Resolved {
		return nil
	}
	if pm.LatestOrderPending() {
		u, err := e.deps.Broker.GetOrder(ctx, p.OrderID)
		if err != nil {
			slog.Warn("exit: pending order lookup failed", "order_id", p.OrderID, "err", err)
		} else {
			pm.OnOrderStatus(u)
		}
	}
	filled, err := pm.ProcessLatestOrder(ctx)
	if err != nil {
		return err
	}
	if filled {
		slog.Info("exit: pending order settled", "order_id", p.OrderID, "bucket", p.BucketIndex)
	}
	return nil
}

// shouldOpen is true only for a fresh run: a resumed exit never re-buys.
func (e *Engine) shouldOpen() bool {
	return e.cfg.OpenPosition && e.deps.Portfolio.StartingIndex() == 0 && len(e.deps.Portfolio.Records()) == 0
}

// openPosition buys the starting quantity and waits for the position to appear.
func (e *Engine) openPosition(ctx context.Context) (domain.Position, error) {
	b := e.deps.Broker
	order, err := b.PlaceMarketOrder(ctx, e.cfg.Symbol, e.cfg.StartingQty, domain.SideBuy)
	if err != nil {
		return domain.Position{}, err
	}
	metrics.IncOrder("open")
	slog.Info("exit: opening order placed", "order_id", order.ID, "qty", e.cfg.StartingQty)

	deadline := e.deps.Now().Add(e.cfg.EntryTimeout)
	for {
		pos, err := b.GetOpenPosition(ctx, e.cfg.Symbol)
		if err == nil && pos.Qty >= e.cfg.StartingQty {
			return pos, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNoPosition) {
			return domain.Position{}, err
		}
		if !e.deps.Now().Before(deadline) {
			return domain.Position{}, fmt.Errorf("opening order %s not filled after %s: %w", order.ID, e.cfg.EntryTimeout, domain.ErrOrderTimeout)
		}
		if err := engine.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return domain.Position{}, err
		}
	}
}

func (e *Engine) bucketLoop(ctx context.Context) (engine.State, error) {
	pm := e.deps.Portfolio
	for _, bk := range e.buckets {
		if bk.Index < pm.StartingIndex() || pm.IsResolved(bk.Index) {
			continue
		}
		if bk.Runner && !e.expiryDay {
			slog.Info("exit: runner bucket left open", "bucket", bk.Index, "qty", bk.Qty)
			return engine.StateDone, nil
		}

		outcome, err := e.runBucket(ctx, bk)
		if err != nil {
			return e.state, err
		}
		switch outcome {
		case outcomeSessionClosed:
			slog.Info("exit: session closed mid-bucket", "bucket", bk.Index)
			return engine.StateAwaitingSession, nil
		case outcomeRunnerLeftOpen:
			return engine.StateDone, nil
		}
		slog.Info("exit: bucket filled", "bucket", bk.Index, "qty", bk.Qty)
	}
	return engine.StateDone, nil
}

// runBucket polls until bucket bk is filled or the session closes.
func (e *Engine) runBucket(ctx context.Context, bk domain.Bucket) (bucketOutcome, error) {
	pm := e.deps.Portfolio
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		now := e.deps.Now()
		e.checkDay(now)

		filled, err := pm.ProcessLatestOrder(ctx)
		if err != nil {
			return 0, err
		}
		if filled {
			return outcomeFilled, nil
		}
		if !e.deps.Session.IsOpen(now) {
			return outcomeSessionClosed, nil
		}
		e.reconcile(ctx, now)

		if _, err := e.deps.Market.Advance(ctx); err != nil {
			slog.Warn("exit: tick persistence failed", "err", err)
		}

		acted, err := e.evaluate(ctx, bk, now)
		if err != nil {
			return 0, err
		}
		if !acted {
			if err := engine.Sleep(ctx, e.cfg.PollInterval); err != nil {
				return 0, err
			}
		}
	}
}

// evaluate runs one iteration's decision. The expiry cutoff takes precedence
// over the price signal. It reports whether an order was sent.
func (e *Engine) evaluate(ctx context.Context, bk domain.Bucket, now time.Time) (bool, error) {
	pm := e.deps.Portfolio
	e.iterations++

	if e.expiryDay && !now.Before(e.expiryCutoff) {
		if pm.LatestOrderPending() {
			return false, nil
		}
		slog.Info("exit: expiry cutoff reached, closing bucket", "bucket", bk.Index)
		return true, e.close(ctx, bk, domain.ReasonExpiry)
	}
	if bk.Runner {
		return false, nil
	}

	quote, err := e.deps.Market.Latest()
	if errors.Is(err, domain.ErrNoQuote) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	signal := e.deps.Strategy.Generate(quote, bk.Target)
	if e.iterations%debugEvery == 0 {
		slog.Debug("exit: loop",
			"bucket", bk.Index,
			"bid", quote.BidPrice.StringFixed(2),
			"ask", quote.AskPrice.StringFixed(2),
			"target", bk.Target.StringFixed(2),
			"signal", signal,
			"quotes", e.deps.Market.Received(),
		)
	}
	if signal != domain.SignalSell || pm.LatestOrderPending() {
		return false, nil
	}

	metrics.IncSignal(string(signal))
	slog.Info("exit: profit target hit",
		"bucket", bk.Index,
		"bid", quote.BidPrice.StringFixed(2),
		"target", bk.Target.StringFixed(2),
	)
	return true, e.close(ctx, bk, domain.ReasonProfitTarget)
}

// close sends the closing order for bk. A status timeout is transient: the
// order stays pending and the loop keeps polling.
func (e *Engine) close(ctx context.Context, bk domain.Bucket, reason domain.CloseReason) error {
	pm := e.deps.Portfolio
	qty := pm.RemainingQty(bk.Index, bk.Qty)
	err := pm.ClosePosition(ctx, e.cfg.Symbol, qty, bk.Index, reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrOrderTimeout):
		slog.Warn("exit: no order status yet, continuing", "bucket", bk.Index, "err", err)
		return nil
	case errors.Is(err, domain.ErrOrderPending):
		return nil
	}
	return err
}

// reconcile asks the broker for the pending order's state when the stream
// has been silent about it for a while.
func (e *Engine) reconcile(ctx context.Context, now time.Time) {
	p, ok := e.deps.Portfolio.Pending()
	if !ok || p.Resolved || !e.deps.Portfolio.LatestOrderPending() {
		return
	}
	if now.Sub(p.PlacedAt) < e.cfg.ReconcileInterval || now.Sub(e.lastReconcile) < e.cfg.ReconcileInterval {
		return
	}
	e.lastReconcile = now

	u, err := e.deps.Broker.GetOrder(ctx, p.OrderID)
	if err != nil {
		slog.Warn("exit: order reconcile failed", "order_id", p.OrderID, "err", err)
		return
	}
	slog.Info("exit: order reconciled", "order_id", p.OrderID, "status", u.Status)
	e.deps.Portfolio.OnOrderStatus(u)
}

func (e *Engine) finish(ctx context.Context) {
	if err := e.deps.Market.Flush(ctx); err != nil {
		slog.Warn("exit: final tick flush failed", "err", err)
	}
}

func (e *Engine) shutdown(ctx context.Context) error {
	slog.Info("exit: shutdown requested, leaving positions untouched", "state", e.state.String())
	e.finish(context.WithoutCancel(ctx))
	return ctx.Err()
}

// fail routes a fault through ERROR and LIQUIDATE_ALL and returns it.
func (e *Engine) fail(ctx context.Context, cause error) error {
	slog.Error("exit: fatal error", "state", e.state.String(), "err", cause)
	e.transition(engine.StateError)
	e.transition(engine.StateLiquidateAll)
	metrics.IncLiquidation()

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), liquidateTimeout)
	defer cancel()
	if err := e.deps.Broker.CloseAllPositions(lctx); err != nil {
		slog.Error("exit: liquidation failed", "err", err)
		return fmt.Errorf("exit.Run: %w (liquidation failed: %v)", cause, err)
	}
	slog.Warn("exit: all positions liquidated")
	e.finish(lctx)
	return fmt.Errorf("exit.Run: %w", cause)
}
