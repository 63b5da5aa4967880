package exchange

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"infinity-grid/internal/core"
)

// DryRunGateway logs place and cancel commands instead of sending them,
// synthesizing acknowledgements so the rest of the loop behaves normally.
// Read paths pass through to the real gateway.
type DryRunGateway struct {
	inner Gateway

	mu   sync.Mutex
	open map[string]core.Order
}

func NewDryRunGateway(inner Gateway) *DryRunGateway {
	return &DryRunGateway{
		inner: inner,
		open:  make(map[string]core.Order),
	}
}

func (g *DryRunGateway) Name() string { return g.inner.Name() + "-dryrun" }

func (g *DryRunGateway) GetRules(ctx context.Context, pair string) (core.Rules, error) {
	return g.inner.GetRules(ctx, pair)
}

func (g *DryRunGateway) Place(ctx context.Context, order core.Order) (core.Order, error) {
	order.ID = "dryrun-" + uuid.NewString()
	order.Status = core.OrderOpen
	g.mu.Lock()
	g.open[order.ID] = order
	g.mu.Unlock()
	log.Printf("level=INFO event=dryrun_place side=%q price=%q volume=%q order_id=%q",
		order.Side, order.Price, order.Volume, order.ID)
	return order, nil
}

func (g *DryRunGateway) Cancel(ctx context.Context, orderID string) error {
	g.mu.Lock()
	delete(g.open, orderID)
	g.mu.Unlock()
	log.Printf("level=INFO event=dryrun_cancel order_id=%q", orderID)
	return nil
}

func (g *DryRunGateway) OpenOrders(ctx context.Context, userRef int64) ([]core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.Order, 0, len(g.open))
	for _, o := range g.open {
		if o.UserRef == userRef {
			out = append(out, o)
		}
	}
	return out, nil
}

func (g *DryRunGateway) QueryOrder(ctx context.Context, orderID string) (core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.open[orderID]; ok {
		return o, nil
	}
	return core.Order{}, core.ErrOrderNotFound
}

func (g *DryRunGateway) Balance(ctx context.Context) (core.Balance, error) {
	return g.inner.Balance(ctx)
}

// NullExecutionFeed never produces events; dry runs use it because synthetic
// orders generate no exchange-side lifecycle.
type NullExecutionFeed struct {
	events chan core.ExecutionEvent
	conn   chan ConnState
}

func NewNullExecutionFeed() *NullExecutionFeed {
	return &NullExecutionFeed{
		events: make(chan core.ExecutionEvent),
		conn:   make(chan ConnState),
	}
}

func (f *NullExecutionFeed) Events() <-chan core.ExecutionEvent { return f.events }
func (f *NullExecutionFeed) Conn() <-chan ConnState             { return f.conn }

func (f *NullExecutionFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
