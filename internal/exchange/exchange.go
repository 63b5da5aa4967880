package exchange

import (
	"context"

	"infinity-grid/internal/core"
)

// Gateway is the synchronous command surface of one exchange. Errors wrap the
// core taxonomy: core.ErrRateLimited and core.ErrNetwork are retryable,
// core.ErrRejected is not.
type Gateway interface {
	Name() string
	GetRules(ctx context.Context, pair string) (core.Rules, error)
	// Place submits the order and returns it with the exchange-assigned ID.
	Place(ctx context.Context, order core.Order) (core.Order, error)
	Cancel(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context, userRef int64) ([]core.Order, error)
	QueryOrder(ctx context.Context, orderID string) (core.Order, error)
	Balance(ctx context.Context) (core.Balance, error)
}

// ConnState signals feed connectivity. Lost pauses new placements until the
// matching Restored arrives; the snapshot reconciler covers the gap.
type ConnState int

const (
	ConnLost ConnState = iota
	ConnRestored
)

// TickerFeed streams price ticks for one pair. Reconnection is the feed's own
// responsibility; consumers only observe it through the connectivity channel.
type TickerFeed interface {
	Ticks() <-chan core.PriceTick
	Conn() <-chan ConnState
	Run(ctx context.Context) error
}

// ExecutionFeed streams at-least-once order lifecycle events for this
// instance's own orders.
type ExecutionFeed interface {
	Events() <-chan core.ExecutionEvent
	Conn() <-chan ConnState
	Run(ctx context.Context) error
}
