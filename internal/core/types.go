package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderStatus string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderFailed          OrderStatus = "failed"
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

// Order is the ledger's view of a single exchange order. Before the exchange
// acknowledges a placement only ClientID is set; ID is assigned on ack.
type Order struct {
	ID           string
	ClientID     string
	Side         Side
	Price        decimal.Decimal
	Volume       decimal.Decimal
	FilledVolume decimal.Decimal
	Status       OrderStatus
	CreatedAt    time.Time
	UserRef      int64
}

// Remaining returns the unfilled base volume.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Volume.Sub(o.FilledVolume)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

type ExecutionKind string

const (
	ExecAck    ExecutionKind = "ack"
	ExecFill   ExecutionKind = "fill"
	ExecCancel ExecutionKind = "cancel"
	ExecReject ExecutionKind = "reject"
)

// ExecutionEvent is one at-least-once message from the execution feed.
// FilledDelta carries the base volume executed since the previous event for
// the order; it is zero for ack/cancel/reject events.
type ExecutionEvent struct {
	OrderID     string
	ClientID    string
	Kind        ExecutionKind
	FilledDelta decimal.Decimal
	Price       decimal.Decimal
	Timestamp   time.Time
}

// PriceTick is the latest observed price. Ticks are never persisted and may be
// coalesced to latest-wins before processing.
type PriceTick struct {
	Price decimal.Decimal
	Seq   uint64
}

type Balance struct {
	BaseTotal      decimal.Decimal
	BaseAvailable  decimal.Decimal
	QuoteTotal     decimal.Decimal
	QuoteAvailable decimal.Decimal
}

// Rules is the pair precision metadata supplied by the exchange gateway.
type Rules struct {
	PriceStep   decimal.Decimal
	VolumeStep  decimal.Decimal
	MinVolume   decimal.Decimal
	MinNotional decimal.Decimal
}
