package ledger

import (
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"infinity-grid/internal/core"
	"infinity-grid/internal/strategy"
)

// QueryFunc resolves one order's authoritative status on the exchange.
type QueryFunc func(orderID string) (core.Order, error)

// ReconcileSnapshot is the periodic self-healing pass. Exchange orders tagged
// with this instance's userref but unknown locally are adopted; locally-live
// orders absent from the snapshot are resolved through a targeted query and
// transitioned to Filled or Cancelled. Buy fills discovered this way produce
// the same paired sell decisions the execution feed would have, returned for
// the caller to submit.
func (l *Ledger) ReconcileSnapshot(open []core.Order, query QueryFunc, ticker decimal.Decimal) ([]strategy.SellDecision, error) {
	onExchange := make(map[string]core.Order, len(open))
	for _, o := range open {
		if o.UserRef != l.userRef {
			continue
		}
		onExchange[o.ID] = o
		l.adopt(o)
	}

	var sells []strategy.SellDecision
	for _, o := range l.orders {
		if o.Status.Terminal() || o.Status == core.OrderPending {
			continue
		}
		if o.ID == "" {
			continue
		}
		if _, ok := onExchange[o.ID]; ok {
			continue
		}
		resolved, err := query(o.ID)
		if err != nil {
			if errors.Is(err, core.ErrOrderNotFound) {
				// Never reached the book as far as the exchange is
				// concerned. Treat like a cancel so the slot frees up.
				if err := l.applyCancel(o); err != nil {
					return sells, err
				}
				if err := l.store.UpsertOrder(*o); err != nil {
					return sells, fmt.Errorf("persist order transition: %w", err)
				}
				continue
			}
			return sells, fmt.Errorf("query order %q: %w", o.ID, err)
		}
		sell, err := l.resolveAbsent(o, resolved, ticker)
		if err != nil {
			return sells, err
		}
		if sell != nil {
			sells = append(sells, *sell)
		}
	}
	if err := l.store.SaveState(l.state); err != nil {
		return sells, fmt.Errorf("persist strategy state: %w", err)
	}
	return sells, nil
}

// adopt inserts an exchange order this ledger has no record of, the recovery
// path after a restart that lost in-flight placements.
func (l *Ledger) adopt(o core.Order) {
	if o.ID != "" {
		if _, known := l.byExchangeID[o.ID]; known {
			l.syncKnown(o)
			return
		}
	}
	if o.ClientID == "" {
		o.ClientID = "adopted-" + o.ID
	}
	if o.Status == "" || o.Status == core.OrderPending {
		o.Status = core.OrderOpen
	}
	if o.FilledVolume.Cmp(decimal.Zero) > 0 && !o.Status.Terminal() {
		o.Status = core.OrderPartiallyFilled
	}
	l.orders[o.ClientID] = &o
	if o.ID != "" {
		l.byExchangeID[o.ID] = o.ClientID
	}
	l.liveKeys[l.dedupeKey(o.Side, o.Price)] = o.ClientID
	if err := l.store.UpsertOrder(o); err != nil {
		log.Printf("level=ERROR event=adopt_persist_failed order_id=%q err=%q", o.ID, err)
	}
	log.Printf("level=INFO event=order_adopted order_id=%q side=%q price=%q", o.ID, o.Side, o.Price)
}

// syncKnown folds snapshot-reported fill progress into a known live order
// without re-running fill accounting; the feed events own the economics.
func (l *Ledger) syncKnown(snap core.Order) {
	cid := l.byExchangeID[snap.ID]
	o, ok := l.orders[cid]
	if !ok || o.Status.Terminal() {
		return
	}
	if snap.FilledVolume.Cmp(o.FilledVolume) > 0 && snap.FilledVolume.Cmp(o.Volume) < 0 {
		o.FilledVolume = snap.FilledVolume
		o.Status = core.OrderPartiallyFilled
		if err := l.store.UpsertOrder(*o); err != nil {
			log.Printf("level=ERROR event=sync_persist_failed order_id=%q err=%q", o.ID, err)
		}
	}
}

// resolveAbsent settles a locally-live order the snapshot no longer shows,
// using the targeted query result as truth.
func (l *Ledger) resolveAbsent(o *core.Order, resolved core.Order, ticker decimal.Decimal) (*strategy.SellDecision, error) {
	switch resolved.Status {
	case core.OrderFilled:
		delta := o.Remaining()
		res, err := l.applyFill(o, core.ExecutionEvent{
			OrderID:     o.ID,
			Kind:        core.ExecFill,
			FilledDelta: delta,
			Price:       o.Price,
		}, ticker)
		if err != nil {
			return nil, err
		}
		if err := l.store.UpsertOrder(*o); err != nil {
			return nil, fmt.Errorf("persist order transition: %w", err)
		}
		log.Printf("level=INFO event=reconcile_resolved_filled order_id=%q side=%q", o.ID, o.Side)
		if res.HasSell {
			return &res.Sell, nil
		}
		return nil, nil
	case core.OrderCancelled, core.OrderFailed:
		if err := l.applyCancel(o); err != nil {
			return nil, err
		}
		if resolved.Status == core.OrderFailed {
			o.Status = core.OrderFailed
		}
		if err := l.store.UpsertOrder(*o); err != nil {
			return nil, fmt.Errorf("persist order transition: %w", err)
		}
		log.Printf("level=INFO event=reconcile_resolved_cancelled order_id=%q side=%q", o.ID, o.Side)
		return nil, nil
	default:
		// Still live per the query; the snapshot raced a placement.
		return nil, nil
	}
}
