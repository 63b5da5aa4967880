// Package safety wraps the exchange gateway with circuit breakers so a
// misbehaving exchange degrades placement instead of hammering the API. A
// rejected order additionally pauses the buy side of the grid until the
// cooldown passes; sells and cancels keep flowing so exposure can only shrink.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"infinity-grid/internal/alert"
	"infinity-grid/internal/core"
	"infinity-grid/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed circuitState = "closed"
	circuitOpen   circuitState = "open"
)

const defaultBuyPauseCooldown = 5 * time.Minute

type circuit struct {
	maxFailures int
	failures    int
	state       circuitState
	openedAt    time.Time
	openErr     error
}

type Breaker struct {
	enabled bool

	mu     sync.Mutex
	place  circuit
	cancel circuit

	buyPausedUntil   time.Time
	buyPauseCooldown time.Duration

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int) *Breaker {
	return &Breaker{
		enabled: enabled,
		place: circuit{
			maxFailures: maxPlaceFailures,
			state:       circuitClosed,
		},
		cancel: circuit{
			maxFailures: maxCancelFailures,
			state:       circuitClosed,
		},
		buyPauseCooldown: defaultBuyPauseCooldown,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) SetBuyPauseCooldown(d time.Duration) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if d <= 0 {
		d = defaultBuyPauseCooldown
	}
	b.buyPauseCooldown = d
}

// RecordPlace feeds one placement outcome into the place circuit. A rejection
// on a buy order pauses the buy side for the cooldown.
func (b *Breaker) RecordPlace(side core.Side, err error) error {
	if b == nil {
		return nil
	}
	if err != nil && errors.Is(err, core.ErrRejected) && side == core.Buy {
		b.pauseBuys(err)
	}
	return b.record("place order", &b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record("cancel order", &b.cancel, err)
}

// BuysPaused reports whether buy placement is currently suspended.
func (b *Breaker) BuysPaused() bool {
	if b == nil || !b.enabled {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().UTC().Before(b.buyPausedUntil)
}

func (b *Breaker) pauseBuys(cause error) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	until := time.Now().UTC().Add(b.buyPauseCooldown)
	alreadyPaused := time.Now().UTC().Before(b.buyPausedUntil)
	b.buyPausedUntil = until
	cooldown := b.buyPauseCooldown
	alerter := b.alerter
	b.mu.Unlock()
	if alreadyPaused {
		return
	}
	log.Printf("level=ERROR event=buy_placement_paused cooldown_sec=%d cause=%q",
		int64(cooldown/time.Second), cause.Error())
	if alerter != nil {
		alerter.Important("buy_placement_paused", map[string]string{
			"cooldown_sec": strconv.FormatInt(int64(cooldown/time.Second), 10),
			"cause":        cause.Error(),
		})
	}
}

func (b *Breaker) record(name string, c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		c.state = circuitClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		alerter := b.alerter
		b.mu.Unlock()
		if prevState == circuitOpen || prevFailures > 0 {
			log.Printf(
				"level=INFO event=circuit_breaker_recovered action=%q previous_consecutive_failures=%d from_state=%q",
				name,
				prevFailures,
				string(prevState),
			)
			if alerter != nil && prevState == circuitOpen {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        name,
					"previous_consecutive_failures": strconv.Itoa(prevFailures),
					"from_state":                    string(prevState),
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := failures == limit-1
		b.mu.Unlock()
		if nearTrip {
			log.Printf(
				"level=WARN event=circuit_breaker_near_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
				name,
				failures,
				limit,
				err.Error(),
			)
		}
		return nil
	}

	c.state = circuitOpen
	c.openedAt = time.Now().UTC()
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v",
		ErrCircuitOpen, name, failures, err)
	openErr := c.openErr
	b.mu.Unlock()
	log.Printf(
		"level=ERROR event=circuit_breaker_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
		name,
		failures,
		limit,
		err.Error(),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

// GuardedGateway routes place and cancel calls through the breaker. The read
// paths pass through untouched.
type GuardedGateway struct {
	inner   exchange.Gateway
	breaker *Breaker
}

func NewGuardedGateway(inner exchange.Gateway, breaker *Breaker) *GuardedGateway {
	return &GuardedGateway{
		inner:   inner,
		breaker: breaker,
	}
}

func (g *GuardedGateway) Name() string { return g.inner.Name() }

func (g *GuardedGateway) GetRules(ctx context.Context, pair string) (core.Rules, error) {
	return g.inner.GetRules(ctx, pair)
}

func (g *GuardedGateway) Place(ctx context.Context, order core.Order) (core.Order, error) {
	placed, err := g.inner.Place(ctx, order)
	if trip := g.breaker.RecordPlace(order.Side, err); trip != nil {
		return placed, trip
	}
	return placed, err
}

func (g *GuardedGateway) Cancel(ctx context.Context, orderID string) error {
	err := g.inner.Cancel(ctx, orderID)
	if trip := g.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}

func (g *GuardedGateway) OpenOrders(ctx context.Context, userRef int64) ([]core.Order, error) {
	return g.inner.OpenOrders(ctx, userRef)
}

func (g *GuardedGateway) QueryOrder(ctx context.Context, orderID string) (core.Order, error) {
	return g.inner.QueryOrder(ctx, orderID)
}

func (g *GuardedGateway) Balance(ctx context.Context) (core.Balance, error) {
	return g.inner.Balance(ctx)
}
