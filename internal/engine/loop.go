// Package engine runs the reconciliation loop: a single worker drains price
// ticks, execution events, and timer ticks one at a time, so the ledger and
// strategy state only ever see one writer. Gateway calls are the only blocking
// operations and each carries a bounded timeout.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"infinity-grid/internal/alert"
	"infinity-grid/internal/core"
	"infinity-grid/internal/exchange"
	"infinity-grid/internal/ledger"
	"infinity-grid/internal/metrics"
	"infinity-grid/internal/safety"
	"infinity-grid/internal/strategy"
)

// ErrFatalPersistence means state could not be durably recorded after retries;
// the process must stop rather than keep acting on unrecorded state.
var ErrFatalPersistence = errors.New("persistence failure")

const (
	gatewayCallTimeout  = 15 * time.Second
	persistRetries      = 3
	persistRetryBackoff = 200 * time.Millisecond
)

type Options struct {
	Pair              string
	UserRef           int64
	ReconcileInterval time.Duration
	PlaceAttempts     int
	PlaceBackoff      time.Duration
}

type Engine struct {
	params    strategy.Params
	policy    strategy.Policy
	ledger    *ledger.Ledger
	gateway   exchange.Gateway
	tickFeed  exchange.TickerFeed
	execFeed  exchange.ExecutionFeed
	alerter   alert.Alerter
	breaker   *safety.Breaker
	lifecycle *Lifecycle
	opts      Options

	tickCh chan core.PriceTick
	connCh chan exchange.ConnState

	lastPrice decimal.Decimal
	paused    bool
}

func New(params strategy.Params, policy strategy.Policy, led *ledger.Ledger,
	gateway exchange.Gateway, tickFeed exchange.TickerFeed, execFeed exchange.ExecutionFeed,
	alerter alert.Alerter, breaker *safety.Breaker, opts Options) *Engine {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Minute
	}
	if opts.PlaceAttempts < 1 {
		opts.PlaceAttempts = 3
	}
	if opts.PlaceBackoff <= 0 {
		opts.PlaceBackoff = 500 * time.Millisecond
	}
	return &Engine{
		params:    params,
		policy:    policy,
		ledger:    led,
		gateway:   gateway,
		tickFeed:  tickFeed,
		execFeed:  execFeed,
		alerter:   alerter,
		breaker:   breaker,
		lifecycle: NewLifecycle(),
		opts:      opts,
		tickCh:    make(chan core.PriceTick, 1),
		connCh:    make(chan exchange.ConnState, 8),
	}
}

func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Run drives the loop until ctx is cancelled or a fatal error occurs. Open
// orders are deliberately left on the exchange at shutdown; they are durable
// and the next start reconciles against them.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.lifecycle.Transition(StateConnecting); err != nil {
		return err
	}
	feedCtx, cancelFeeds := context.WithCancel(ctx)
	defer cancelFeeds()
	go e.runFeed(feedCtx, "ticker", e.tickFeed.Run)
	go e.runFeed(feedCtx, "executions", e.execFeed.Run)
	go e.forwardTicks(feedCtx)
	go e.forwardConn(feedCtx, e.tickFeed.Conn())
	go e.forwardConn(feedCtx, e.execFeed.Conn())

	if err := e.lifecycle.Transition(StateSyncing); err != nil {
		return err
	}
	if err := e.reconcile(ctx); err != nil {
		if errors.Is(err, ErrFatalPersistence) {
			return err
		}
		// Transient; the periodic pass retries.
		log.Printf("level=WARN event=initial_reconcile_failed err=%q", err)
	}
	if err := e.lifecycle.Transition(StateReady); err != nil {
		return err
	}
	log.Printf("level=INFO event=engine_ready pair=%q strategy=%q", e.opts.Pair, e.policy.Name())
	e.alerter.Info("engine_ready", map[string]string{"pair": e.opts.Pair, "strategy": e.policy.Name()})

	timer := time.NewTicker(e.opts.ReconcileInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case tick := <-e.tickCh:
			if err := e.onTick(ctx, tick); err != nil {
				return err
			}
		case ev, ok := <-e.execFeed.Events():
			if !ok {
				return e.shutdown()
			}
			if err := e.onExecution(ctx, ev); err != nil {
				return err
			}
		case state := <-e.connCh:
			e.onConnState(ctx, state)
		case <-timer.C:
			if err := e.onTimerTick(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) shutdown() error {
	if err := e.lifecycle.Transition(StateShuttingDown); err != nil {
		return err
	}
	log.Printf("level=INFO event=engine_shutdown open_buys=%d open_sells=%d",
		e.ledger.CountOpen(core.Buy), e.ledger.CountOpen(core.Sell))
	e.alerter.Info("engine_shutdown", nil)
	return nil
}

func (e *Engine) runFeed(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("level=ERROR event=feed_stopped feed=%q err=%q", name, err)
	}
}

// forwardTicks coalesces the ticker stream to latest-wins: grid recomputation
// is a pure function of current state, so intermediate prices carry no
// information the latest one doesn't.
func (e *Engine) forwardTicks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-e.tickFeed.Ticks():
			if !ok {
				return
			}
			select {
			case e.tickCh <- tick:
			default:
				select {
				case <-e.tickCh:
				default:
				}
				e.tickCh <- tick
			}
		}
	}
}

func (e *Engine) forwardConn(ctx context.Context, ch <-chan exchange.ConnState) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-ch:
			if !ok {
				return
			}
			select {
			case e.connCh <- state:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) onConnState(ctx context.Context, state exchange.ConnState) {
	switch state {
	case exchange.ConnLost:
		if !e.paused {
			e.paused = true
			log.Printf("level=WARN event=connection_lost action=%q", "pause_placements")
			e.alerter.Important("connection_lost", nil)
		}
	case exchange.ConnRestored:
		if e.paused {
			e.paused = false
			log.Printf("level=INFO event=connection_restored action=%q", "resume_placements")
			e.alerter.Info("connection_restored", nil)
			// The gap may hide fills; reconcile immediately rather than
			// waiting for the timer.
			if err := e.reconcile(ctx); err != nil {
				log.Printf("level=WARN event=post_reconnect_reconcile_failed err=%q", err)
			}
		}
	}
}

func (e *Engine) onTick(ctx context.Context, tick core.PriceTick) error {
	e.lastPrice = tick.Price
	metrics.SetLastPrice(tick.Price.InexactFloat64())
	if e.paused || e.lifecycle.State() != StateReady {
		return nil
	}
	// A placement in flight means the ladder is about to change; wait for the
	// acknowledgement before re-evaluating to keep placement idempotent.
	if e.ledger.CountPending() > 0 {
		return nil
	}

	if strategy.ShouldShiftUp(e.ledger.HighestOpenBuy(), e.params.Interval, tick.Price) {
		e.shiftUp(ctx, tick.Price)
		return nil
	}
	e.cancelNearBuys(ctx)

	for _, d := range e.ledger.TakeDeferredSells() {
		if err := e.submitSell(ctx, d); err != nil {
			return err
		}
	}
	if err := e.topUpBuys(ctx, tick.Price); err != nil {
		return err
	}
	e.cancelOverflow(ctx)
	if err := e.extraSell(ctx, tick.Price); err != nil {
		return err
	}
	if _, err := e.ledger.CommitReinvest(); err != nil {
		return e.persistFatal(err)
	}
	e.publishGauges()
	return nil
}

// shiftUp cancels the entire buy ladder; replacement happens on the next tick
// once the cancel acknowledgements have landed. A failed cancel is retried by
// the next shift-up evaluation, not escalated.
func (e *Engine) shiftUp(ctx context.Context, price decimal.Decimal) {
	log.Printf("level=INFO event=grid_shift_up price=%q highest_buy=%q",
		price, e.ledger.HighestOpenBuy())
	e.alerter.Info("grid_shift_up", map[string]string{"price": price.String()})
	for _, o := range e.ledger.OpenOrders(core.Buy) {
		if err := e.cancelOrder(ctx, o); err != nil {
			log.Printf("level=WARN event=shift_up_cancel_failed order_id=%q err=%q", o.ID, err)
		}
	}
}

// cancelNearBuys removes buy orders spaced closer than half an interval from
// their neighbor above; duplicated levels appear when the ladder is rebuilt
// around adopted orders.
func (e *Engine) cancelNearBuys(ctx context.Context) {
	buys := e.ledger.OpenOrders(core.Buy)
	if len(buys) < 2 {
		return
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price.Cmp(buys[j].Price) > 0 })
	half := decimal.NewFromInt(1).Add(e.params.Interval.Div(decimal.NewFromInt(2)))
	for i := 1; i < len(buys); i++ {
		floor := buys[i-1].Price.Div(half)
		if buys[i].Price.Cmp(floor) > 0 {
			if err := e.cancelOrder(ctx, buys[i]); err != nil {
				log.Printf("level=WARN event=near_buy_cancel_failed order_id=%q err=%q", buys[i].ID, err)
			}
		}
	}
}

func (e *Engine) topUpBuys(ctx context.Context, price decimal.Decimal) error {
	if e.breaker.BuysPaused() {
		return nil
	}
	missing := e.params.NOpenBuyOrders - e.ledger.CountOpen(core.Buy)
	if missing <= 0 {
		return nil
	}
	levels := strategy.BuyLevels(e.params, price, e.ledger.OpenBuyPrices(), missing)
	for _, level := range levels {
		volume := strategy.BuyVolume(e.params, e.ledger.State(), level)
		if err := e.submitOrder(ctx, core.Buy, level, volume); err != nil {
			if errors.Is(err, ErrFatalPersistence) {
				return err
			}
			// Gateway trouble is owned by the breaker and the next tick;
			// stop this pass instead of hammering the remaining levels.
			return nil
		}
	}
	return nil
}

// cancelOverflow requests cancellation of the lowest buy orders until the
// ladder is back at n. Overflow appears when snapshot adoption recovers more
// orders than the cap. The ledger only drops an order when the cancel event
// arrives, so this sends one request per excess order and moves on.
func (e *Engine) cancelOverflow(ctx context.Context) {
	buys := e.ledger.OpenOrders(core.Buy)
	excess := len(buys) - e.params.NOpenBuyOrders
	if excess <= 0 {
		return
	}
	sort.Slice(buys, func(i, j int) bool { return buys[i].Price.Cmp(buys[j].Price) < 0 })
	for _, o := range buys[:excess] {
		if err := e.cancelOrder(ctx, o); err != nil {
			log.Printf("level=WARN event=overflow_cancel_failed order_id=%q err=%q", o.ID, err)
		}
	}
}

func (e *Engine) extraSell(ctx context.Context, price decimal.Decimal) error {
	openSells := e.ledger.CountOpen(core.Sell)
	if openSells > 0 {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	balance, err := e.gateway.Balance(callCtx)
	cancel()
	if err != nil {
		log.Printf("level=WARN event=balance_query_failed err=%q", err)
		return nil
	}
	d, ok := e.policy.ExtraSell(e.params, e.ledger.State(), price, balance.BaseAvailable, openSells)
	if !ok {
		return nil
	}
	return e.submitSell(ctx, d)
}

func (e *Engine) onExecution(ctx context.Context, ev core.ExecutionEvent) error {
	res, err := e.applyWithPersistRetry(ev)
	if err != nil {
		return err
	}
	if res.Duplicate {
		metrics.IncEventDuplicates()
		return nil
	}
	if ev.Kind == core.ExecFill && res.Order.Status == core.OrderFilled {
		metrics.IncFilled(string(res.Order.Side))
	}
	if res.HasSell {
		if err := e.submitSell(ctx, res.Sell); err != nil {
			return err
		}
	}
	e.publishGauges()
	return nil
}

func (e *Engine) applyWithPersistRetry(ev core.ExecutionEvent) (ledger.ApplyResult, error) {
	var lastErr error
	for attempt := 0; attempt < persistRetries; attempt++ {
		res, err := e.ledger.ApplyExecution(ev, e.lastPrice)
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Printf("level=WARN event=persist_retry attempt=%d err=%q", attempt+1, err)
		time.Sleep(persistRetryBackoff << attempt)
	}
	return ledger.ApplyResult{}, e.persistFatal(lastErr)
}

func (e *Engine) persistFatal(err error) error {
	if err == nil {
		return nil
	}
	e.alerter.Important("persistence_failure", map[string]string{"err": err.Error()})
	return fmt.Errorf("%w: %v", ErrFatalPersistence, err)
}

func (e *Engine) onTimerTick(ctx context.Context) error {
	if err := e.reconcile(ctx); err != nil {
		if errors.Is(err, ErrFatalPersistence) {
			return err
		}
		log.Printf("level=WARN event=reconcile_failed err=%q", err)
	}
	return nil
}

func (e *Engine) reconcile(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	open, err := e.gateway.OpenOrders(callCtx, e.opts.UserRef)
	cancel()
	if err != nil {
		return fmt.Errorf("open orders snapshot: %w", err)
	}
	sells, err := e.ledger.ReconcileSnapshot(open, func(orderID string) (core.Order, error) {
		qctx, qcancel := context.WithTimeout(ctx, gatewayCallTimeout)
		defer qcancel()
		return e.gateway.QueryOrder(qctx, orderID)
	}, e.lastPrice)
	if err != nil {
		if ledgerPersistErr(err) {
			return e.persistFatal(err)
		}
		return err
	}
	metrics.IncReconcileRuns()
	for _, d := range sells {
		if err := e.submitSell(ctx, d); err != nil {
			return err
		}
	}
	e.publishGauges()
	return nil
}

func ledgerPersistErr(err error) bool {
	// Gateway errors from the targeted query are retryable; anything else out
	// of the reconcile path is a persistence write that failed.
	return !core.Retryable(err) && !errors.Is(err, core.ErrOrderNotFound)
}

func (e *Engine) submitSell(ctx context.Context, d strategy.SellDecision) error {
	if err := e.submitOrder(ctx, core.Sell, d.Price, d.Volume); err != nil {
		if errors.Is(err, ErrFatalPersistence) {
			return err
		}
		if deferErr := e.ledger.DeferSell(d); deferErr != nil {
			return e.persistFatal(deferErr)
		}
		return nil
	}
	return nil
}

// submitOrder runs the full placement path: ledger admission, gateway call
// with bounded retry, then acknowledgement or failure back into the ledger.
func (e *Engine) submitOrder(ctx context.Context, side core.Side, price, volume decimal.Decimal) error {
	candidate, result, err := e.ledger.Place(side, price, volume)
	if err != nil {
		return e.persistFatal(err)
	}
	if result != ledger.Placed {
		return nil
	}
	placed, placeErr := e.placeWithRetry(ctx, candidate)
	if placeErr != nil {
		if err := e.ledger.FailPlacement(candidate.ClientID); err != nil {
			return e.persistFatal(err)
		}
		log.Printf("level=ERROR event=order_place_failed side=%q price=%q err=%q",
			side, candidate.Price, placeErr)
		if !core.Retryable(placeErr) {
			e.alerter.Important("order_rejected", map[string]string{
				"side":  string(side),
				"price": candidate.Price.String(),
				"err":   placeErr.Error(),
			})
		}
		return fmt.Errorf("place %s@%s: %w", side, candidate.Price, placeErr)
	}
	if err := e.ledger.ConfirmPlacement(candidate.ClientID, placed.ID); err != nil {
		return e.persistFatal(err)
	}
	if side == core.Sell {
		if err := e.ledger.RecordSellOpen(candidate.Volume); err != nil {
			return e.persistFatal(err)
		}
	}
	metrics.IncPlaced(string(side))
	log.Printf("level=INFO event=order_placed side=%q price=%q volume=%q order_id=%q",
		side, candidate.Price, candidate.Volume, placed.ID)
	return nil
}

func (e *Engine) placeWithRetry(ctx context.Context, order core.Order) (core.Order, error) {
	var lastErr error
	backoff := e.opts.PlaceBackoff
	for attempt := 0; attempt < e.opts.PlaceAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return core.Order{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		placed, err := e.gateway.Place(callCtx, order)
		cancel()
		if err == nil {
			return placed, nil
		}
		lastErr = err
		if !core.Retryable(err) {
			break
		}
		log.Printf("level=WARN event=order_place_retry attempt=%d side=%q err=%q",
			attempt+1, order.Side, err)
	}
	return core.Order{}, lastErr
}

func (e *Engine) cancelOrder(ctx context.Context, o core.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	err := e.gateway.Cancel(callCtx, o.ID)
	cancel()
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			// Already gone; the snapshot reconciler settles the ledger row.
			return nil
		}
		return fmt.Errorf("cancel %s: %w", o.ID, err)
	}
	metrics.IncCancelled(string(o.Side))
	log.Printf("level=INFO event=order_cancel_requested order_id=%q side=%q price=%q",
		o.ID, o.Side, o.Price)
	return nil
}

func (e *Engine) publishGauges() {
	metrics.SetOpenOrders(string(core.Buy), e.ledger.CountOpen(core.Buy))
	metrics.SetOpenOrders(string(core.Sell), e.ledger.CountOpen(core.Sell))
	metrics.SetCommittedQuote(e.ledger.CommittedQuote().InexactFloat64())
}
