// Package ledger tracks the local view of exchange orders for one bot
// instance. It is mutated by a single writer (the engine loop) and therefore
// carries no internal locking. All methods are idempotent under redelivery:
// the execution feeds are at-least-once and the snapshot reconciler may
// re-observe transitions the feeds already delivered.
package ledger

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"infinity-grid/internal/core"
	"infinity-grid/internal/strategy"
)

// Store is the slice of persistence the ledger needs. Every write the ledger
// performs must be durable before the triggering event counts as processed;
// callers treat a returned error as a persistence failure to retry or halt on.
type Store interface {
	UpsertOrder(o core.Order) error
	SaveState(st strategy.State) error
	SaveSurplus(s SurplusRecord) error
	SaveDeferredSell(d DeferredSell) error
	DeleteDeferredSell(id string) error
}

// SurplusRecord holds the base-currency residue of a partially filled buy
// order that was cancelled. Each record is consumed by exactly one subsequent
// sell placement.
type SurplusRecord struct {
	ID        string
	Volume    decimal.Decimal
	Price     decimal.Decimal
	Consumed  bool
	CreatedAt time.Time
}

// DeferredSell is a sell decision whose placement failed. It is persisted
// before being queued so a crash between a buy fill and the paired sell
// placement cannot drop the sell.
type DeferredSell struct {
	ID        string
	Price     decimal.Decimal
	Volume    decimal.Decimal
	CreatedAt time.Time
}

// PlaceResult reports what Place did with a candidate.
type PlaceResult int

const (
	// Placed means the candidate was accepted and recorded as Pending.
	Placed PlaceResult = iota
	// SkippedDuplicate means a live order already occupies the dedupe key.
	SkippedDuplicate
	// SkippedBuyCap means placing would exceed the open-buy-order cap.
	SkippedBuyCap
	// SkippedInvestmentCap means placing would exceed max investment.
	SkippedInvestmentCap
	// SkippedInvalid means the candidate failed precision normalization.
	SkippedInvalid
)

// ApplyResult is the outcome of one execution event.
type ApplyResult struct {
	// Sell is the variant's paired sell decision when a buy order reached
	// Filled, to be submitted by the caller. The ledger performs no gateway
	// I/O itself.
	Sell    strategy.SellDecision
	HasSell bool
	// Duplicate is set when the event was discarded as redelivery.
	Duplicate bool
	// Order is the post-transition snapshot of the affected order.
	Order core.Order
}

type Ledger struct {
	params  strategy.Params
	policy  strategy.Policy
	rules   core.Rules
	store   Store
	userRef int64

	// orders is keyed by ClientID; byExchangeID maps acknowledged exchange
	// ids back to the client key.
	orders       map[string]*core.Order
	byExchangeID map[string]string
	liveKeys     map[string]string
	seenEvents   map[string]struct{}
	surplus      []SurplusRecord
	deferred     []DeferredSell
	state        strategy.State

	// pendingSurplus maps a Pending sell's ClientID to the surplus record ids
	// it carries, so a failed placement can release them again.
	pendingSurplus map[string][]string
}

func New(params strategy.Params, policy strategy.Policy, rules core.Rules, store Store, userRef int64) *Ledger {
	return &Ledger{
		params:       params,
		policy:       policy,
		rules:        rules,
		store:        store,
		userRef:      userRef,
		orders:         make(map[string]*core.Order),
		byExchangeID:   make(map[string]string),
		liveKeys:       make(map[string]string),
		seenEvents:     make(map[string]struct{}),
		pendingSurplus: make(map[string][]string),
	}
}

// Restore seeds the ledger from persisted rows at startup. Terminal orders are
// kept for event dedupe but do not occupy a dedupe key.
func (l *Ledger) Restore(orders []core.Order, st strategy.State, surplus []SurplusRecord, deferred []DeferredSell) {
	for i := range orders {
		o := orders[i]
		l.orders[o.ClientID] = &o
		if o.ID != "" {
			l.byExchangeID[o.ID] = o.ClientID
		}
		if !o.Status.Terminal() {
			l.liveKeys[l.dedupeKey(o.Side, o.Price)] = o.ClientID
		}
	}
	l.state = st
	l.surplus = append(l.surplus[:0], surplus...)
	l.deferred = append(l.deferred[:0], deferred...)
}

func (l *Ledger) State() strategy.State { return l.state }

// SetRules replaces the precision metadata, refreshed from the gateway.
func (l *Ledger) SetRules(rules core.Rules) { l.rules = rules }

func (l *Ledger) dedupeKey(side core.Side, price decimal.Decimal) string {
	rounded := core.RoundDown(price, l.rules.PriceStep)
	return string(side) + "@" + rounded.String()
}

// Place records a new Pending order for the candidate unless doing so would
// duplicate a live order's (side, rounded price) key, exceed the open-buy cap,
// or push committed quote past max investment. Those cases are silent no-ops
// so callers may re-submit the same grid target on every tick. Sell
// placements absorb any unconsumed surplus at or below the sell price; the
// records are only marked consumed once the Pending order is durable, and
// FailPlacement releases them again.
func (l *Ledger) Place(side core.Side, price, volume decimal.Decimal) (core.Order, PlaceResult, error) {
	var surplusIDs []string
	if side == core.Sell {
		extra, ids := l.peekSurplus(price)
		volume = volume.Add(extra)
		surplusIDs = ids
	}
	candidate, err := core.NormalizeOrder(core.Order{
		Side:   side,
		Price:  price,
		Volume: volume,
	}, l.rules)
	if err != nil {
		log.Printf("level=WARN event=order_candidate_invalid side=%q price=%q volume=%q err=%q",
			side, price, volume, err)
		return core.Order{}, SkippedInvalid, nil
	}
	key := l.dedupeKey(candidate.Side, candidate.Price)
	if _, ok := l.liveKeys[key]; ok {
		return core.Order{}, SkippedDuplicate, nil
	}
	if candidate.Side == core.Buy {
		if l.CountOpen(core.Buy) >= l.params.NOpenBuyOrders {
			return core.Order{}, SkippedBuyCap, nil
		}
		notional := candidate.Price.Mul(candidate.Volume)
		if l.committedQuote().Add(notional).Cmp(l.params.MaxInvestment) > 0 {
			return core.Order{}, SkippedInvestmentCap, nil
		}
	}
	candidate.ClientID = uuid.NewString()
	candidate.Status = core.OrderPending
	candidate.CreatedAt = time.Now().UTC()
	candidate.UserRef = l.userRef
	if err := l.store.UpsertOrder(candidate); err != nil {
		return core.Order{}, SkippedInvalid, fmt.Errorf("persist pending order: %w", err)
	}
	l.orders[candidate.ClientID] = &candidate
	l.liveKeys[key] = candidate.ClientID
	if len(surplusIDs) > 0 {
		l.markSurplus(surplusIDs, true)
		l.pendingSurplus[candidate.ClientID] = surplusIDs
	}
	return candidate, Placed, nil
}

// ConfirmPlacement binds the exchange-assigned id to a Pending order after
// the gateway acknowledged the placement synchronously. The feed's ack event
// for the same order becomes a harmless duplicate. Any surplus carried by the
// order is now consumed for good.
func (l *Ledger) ConfirmPlacement(clientID, exchangeID string) error {
	o, ok := l.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, clientID)
	}
	o.ID = exchangeID
	l.byExchangeID[exchangeID] = clientID
	if o.Status == core.OrderPending {
		o.Status = core.OrderOpen
	}
	delete(l.pendingSurplus, clientID)
	return l.store.UpsertOrder(*o)
}

// FailPlacement marks a Pending order as Failed after the gateway rejected it
// and releases any surplus the order carried back to the accumulator, so the
// base volume rides along on the retry instead of being lost.
func (l *Ledger) FailPlacement(clientID string) error {
	o, ok := l.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: client id %q", core.ErrOrderNotFound, clientID)
	}
	o.Status = core.OrderFailed
	delete(l.liveKeys, l.dedupeKey(o.Side, o.Price))
	if ids := l.pendingSurplus[clientID]; len(ids) > 0 {
		l.markSurplus(ids, false)
		delete(l.pendingSurplus, clientID)
	}
	return l.store.UpsertOrder(*o)
}

// ApplyExecution drives the order state machine for one feed event. Events
// against unknown orders are discarded (the snapshot reconciler adopts them),
// as are redeliveries and any event against a terminal order.
func (l *Ledger) ApplyExecution(ev core.ExecutionEvent, ticker decimal.Decimal) (ApplyResult, error) {
	key := eventKey(ev)
	if _, ok := l.seenEvents[key]; ok {
		return ApplyResult{Duplicate: true}, nil
	}
	o := l.lookup(ev)
	if o == nil {
		log.Printf("level=WARN event=execution_for_unknown_order order_id=%q kind=%q", ev.OrderID, ev.Kind)
		l.seenEvents[key] = struct{}{}
		return ApplyResult{Duplicate: true}, nil
	}
	if o.Status.Terminal() {
		log.Printf("level=INFO event=execution_after_terminal order_id=%q status=%q kind=%q",
			o.ID, o.Status, ev.Kind)
		l.seenEvents[key] = struct{}{}
		return ApplyResult{Duplicate: true}, nil
	}

	var res ApplyResult
	switch ev.Kind {
	case core.ExecAck:
		if o.Status == core.OrderPending {
			o.Status = core.OrderOpen
		}
		if o.ID == "" && ev.OrderID != "" {
			o.ID = ev.OrderID
			l.byExchangeID[ev.OrderID] = o.ClientID
		}
	case core.ExecFill:
		var err error
		res, err = l.applyFill(o, ev, ticker)
		if err != nil {
			return ApplyResult{}, err
		}
	case core.ExecCancel:
		if err := l.applyCancel(o); err != nil {
			return ApplyResult{}, err
		}
	case core.ExecReject:
		o.Status = core.OrderFailed
		delete(l.liveKeys, l.dedupeKey(o.Side, o.Price))
	default:
		log.Printf("level=WARN event=execution_kind_unknown kind=%q order_id=%q", ev.Kind, ev.OrderID)
		return ApplyResult{Duplicate: true}, nil
	}

	if err := l.store.UpsertOrder(*o); err != nil {
		return ApplyResult{}, fmt.Errorf("persist order transition: %w", err)
	}
	if err := l.store.SaveState(l.state); err != nil {
		return ApplyResult{}, fmt.Errorf("persist strategy state: %w", err)
	}
	l.seenEvents[key] = struct{}{}
	res.Order = *o
	return res, nil
}

func (l *Ledger) applyFill(o *core.Order, ev core.ExecutionEvent, ticker decimal.Decimal) (ApplyResult, error) {
	delta := ev.FilledDelta
	if delta.Cmp(decimal.Zero) <= 0 {
		return ApplyResult{}, nil
	}
	if remaining := o.Remaining(); delta.Cmp(remaining) > 0 {
		delta = remaining
	}
	price := ev.Price
	if price.Cmp(decimal.Zero) <= 0 {
		price = o.Price
	}
	o.FilledVolume = o.FilledVolume.Add(delta)
	full := o.Remaining().Cmp(decimal.Zero) == 0
	if full {
		o.Status = core.OrderFilled
		delete(l.liveKeys, l.dedupeKey(o.Side, o.Price))
	} else {
		o.Status = core.OrderPartiallyFilled
	}

	notional := delta.Mul(price)
	switch o.Side {
	case core.Buy:
		l.state.TotalInvested = l.state.TotalInvested.Add(notional)
		if price.Cmp(l.state.HighestBuyPrice) > 0 {
			l.state.HighestBuyPrice = price
		}
	case core.Sell:
		l.state.OpenSellVolume = l.state.OpenSellVolume.Sub(delta)
		if l.state.OpenSellVolume.IsNegative() {
			l.state.OpenSellVolume = decimal.Zero
		}
		// Cost basis sits one interval below the sell price; the rest of
		// the notional is realized grid profit available for reinvestment.
		step := decimal.NewFromInt(1).Add(l.params.Interval)
		basis := notional.Div(step)
		l.state.TotalInvested = l.state.TotalInvested.Sub(basis)
		if l.state.TotalInvested.IsNegative() {
			l.state.TotalInvested = decimal.Zero
		}
		l.state.AccruedProceeds = l.state.AccruedProceeds.Add(notional.Sub(basis))
	}

	if full && o.Side == core.Buy {
		if sell, ok := l.policy.SellOnBuyFill(l.params, l.state, price, o.FilledVolume, ticker); ok {
			return ApplyResult{Sell: sell, HasSell: true}, nil
		}
	}
	return ApplyResult{}, nil
}

func (l *Ledger) applyCancel(o *core.Order) error {
	o.Status = core.OrderCancelled
	delete(l.liveKeys, l.dedupeKey(o.Side, o.Price))
	if o.Side == core.Buy && o.FilledVolume.Cmp(decimal.Zero) > 0 {
		rec := SurplusRecord{
			ID:        uuid.NewString(),
			Volume:    o.FilledVolume,
			Price:     o.Price,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.store.SaveSurplus(rec); err != nil {
			return fmt.Errorf("persist surplus: %w", err)
		}
		l.surplus = append(l.surplus, rec)
		log.Printf("level=INFO event=surplus_recorded order_id=%q volume=%q price=%q",
			o.ID, rec.Volume, rec.Price)
	}
	return nil
}

// peekSurplus reports the combined base volume of every unconsumed surplus
// record priced at or below the sell price, without consuming anything.
// Records above the price stay queued for a later, higher sell.
func (l *Ledger) peekSurplus(sellPrice decimal.Decimal) (decimal.Decimal, []string) {
	total := decimal.Zero
	var ids []string
	for i := range l.surplus {
		rec := &l.surplus[i]
		if rec.Consumed || rec.Price.Cmp(sellPrice) > 0 {
			continue
		}
		total = total.Add(rec.Volume)
		ids = append(ids, rec.ID)
	}
	return total, ids
}

// markSurplus flips the consumed flag on the given records and persists each.
func (l *Ledger) markSurplus(ids []string, consumed bool) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range l.surplus {
		rec := &l.surplus[i]
		if _, ok := want[rec.ID]; !ok {
			continue
		}
		rec.Consumed = consumed
		if err := l.store.SaveSurplus(*rec); err != nil {
			// The in-memory flag stands; the engine halts on the order write
			// that follows if the store is truly gone.
			log.Printf("level=ERROR event=surplus_persist_failed id=%q err=%q", rec.ID, err)
		}
		log.Printf("level=INFO event=surplus_marked id=%q consumed=%t volume=%q",
			rec.ID, consumed, rec.Volume)
	}
}

// RecordSellOpen accounts the base volume of a successfully placed sell so
// reinvestment stays gated on open sell exposure.
func (l *Ledger) RecordSellOpen(volume decimal.Decimal) error {
	l.state.OpenSellVolume = l.state.OpenSellVolume.Add(volume)
	return l.store.SaveState(l.state)
}

// DeferSell queues a sell decision whose placement failed so the next ticker
// pass retries it. The decision is persisted first: the paired buy fill is
// already durable, and a crash must not orphan its sell. The dedupe key
// prevents the retry from duplicating a sell that did make it to the exchange.
func (l *Ledger) DeferSell(d strategy.SellDecision) error {
	rec := DeferredSell{
		ID:        uuid.NewString(),
		Price:     d.Price,
		Volume:    d.Volume,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.SaveDeferredSell(rec); err != nil {
		return fmt.Errorf("persist deferred sell: %w", err)
	}
	l.deferred = append(l.deferred, rec)
	log.Printf("level=INFO event=sell_deferred id=%q price=%q volume=%q",
		rec.ID, rec.Price, rec.Volume)
	return nil
}

// TakeDeferredSells drains the retry queue, deleting each persisted row. A
// delete that fails only risks a redelivered decision after restart, which
// the dedupe key absorbs.
func (l *Ledger) TakeDeferredSells() []strategy.SellDecision {
	if len(l.deferred) == 0 {
		return nil
	}
	out := make([]strategy.SellDecision, 0, len(l.deferred))
	for _, rec := range l.deferred {
		out = append(out, strategy.SellDecision{Price: rec.Price, Volume: rec.Volume})
		if err := l.store.DeleteDeferredSell(rec.ID); err != nil {
			log.Printf("level=WARN event=deferred_sell_delete_failed id=%q err=%q", rec.ID, err)
		}
	}
	l.deferred = nil
	return out
}

// CommitReinvest folds accrued proceeds into the per-grid amount when the
// variant's threshold is crossed and no sell order is open.
func (l *Ledger) CommitReinvest() (bool, error) {
	if l.CountOpen(core.Sell) > 0 || l.state.OpenSellVolume.Cmp(decimal.Zero) > 0 {
		return false, nil
	}
	st, ok := strategy.Reinvest(l.params, l.state)
	if !ok {
		return false, nil
	}
	l.state = st
	if err := l.store.SaveState(l.state); err != nil {
		return false, fmt.Errorf("persist strategy state: %w", err)
	}
	log.Printf("level=INFO event=reinvest_committed boost=%q counter=%d",
		l.state.AmountBoost, l.state.ReinvestCounter)
	return true, nil
}

func (l *Ledger) lookup(ev core.ExecutionEvent) *core.Order {
	if ev.ClientID != "" {
		if o, ok := l.orders[ev.ClientID]; ok {
			return o
		}
	}
	if ev.OrderID != "" {
		if cid, ok := l.byExchangeID[ev.OrderID]; ok {
			return l.orders[cid]
		}
	}
	return nil
}

// committedQuote is the quote currency at risk: realized invested value plus
// the unfilled notional of every live buy order.
func (l *Ledger) committedQuote() decimal.Decimal {
	total := l.state.TotalInvested
	for _, o := range l.orders {
		if o.Side == core.Buy && !o.Status.Terminal() {
			total = total.Add(o.Remaining().Mul(o.Price))
		}
	}
	return total
}

// CommittedQuote exposes the quote-at-risk total for logging and metrics.
func (l *Ledger) CommittedQuote() decimal.Decimal { return l.committedQuote() }

// CountOpen counts live orders on one side, pending placements included.
func (l *Ledger) CountOpen(side core.Side) int {
	n := 0
	for _, o := range l.orders {
		if o.Side == side && !o.Status.Terminal() {
			n++
		}
	}
	return n
}

// CountPending counts placements not yet acknowledged by the exchange. The
// engine waits for these to drain before re-evaluating the buy ladder.
func (l *Ledger) CountPending() int {
	n := 0
	for _, o := range l.orders {
		if o.Status == core.OrderPending {
			n++
		}
	}
	return n
}

// OpenOrders returns a snapshot of live orders on one side.
func (l *Ledger) OpenOrders(side core.Side) []core.Order {
	var out []core.Order
	for _, o := range l.orders {
		if o.Side == side && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OpenBuyPrices returns the prices of live buy orders, unordered.
func (l *Ledger) OpenBuyPrices() []decimal.Decimal {
	var out []decimal.Decimal
	for _, o := range l.orders {
		if o.Side == core.Buy && !o.Status.Terminal() {
			out = append(out, o.Price)
		}
	}
	return out
}

// HighestOpenBuy returns the highest live buy price, or zero when none exist.
func (l *Ledger) HighestOpenBuy() decimal.Decimal {
	best := decimal.Zero
	for _, o := range l.orders {
		if o.Side == core.Buy && !o.Status.Terminal() && o.Price.Cmp(best) > 0 {
			best = o.Price
		}
	}
	return best
}

// LowestOpenBuy returns the lowest live buy order, used when the ladder has
// overflowed and the furthest-from-market order must be cancelled.
func (l *Ledger) LowestOpenBuy() (core.Order, bool) {
	var best core.Order
	found := false
	for _, o := range l.orders {
		if o.Side != core.Buy || o.Status.Terminal() {
			continue
		}
		if !found || o.Price.Cmp(best.Price) < 0 {
			best = *o
			found = true
		}
	}
	return best, found
}

// SurplusRecords returns a copy of the surplus accumulator, consumed included.
func (l *Ledger) SurplusRecords() []SurplusRecord {
	out := make([]SurplusRecord, len(l.surplus))
	copy(out, l.surplus)
	return out
}

func eventKey(ev core.ExecutionEvent) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		ev.OrderID, ev.ClientID, ev.Kind, ev.FilledDelta.String(), ev.Timestamp.UnixNano())
}
