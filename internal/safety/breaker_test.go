package safety

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"infinity-grid/internal/core"
)

var errBoom = fmt.Errorf("%w: boom", core.ErrNetwork)

func TestBreakerTripsAfterMaxFailures(t *testing.T) {
	b := NewBreaker(true, 3, 3)

	for i := 0; i < 2; i++ {
		if err := b.RecordPlace(core.Sell, errBoom); err != nil {
			t.Fatalf("RecordPlace(%d) error = %v, want nil below threshold", i, err)
		}
	}
	err := b.RecordPlace(core.Sell, errBoom)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordPlace at threshold error = %v, want ErrCircuitOpen", err)
	}
	// While open, every further failure returns the open error.
	if err := b.RecordPlace(core.Sell, errBoom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RecordPlace while open error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerRecoversOnSuccess(t *testing.T) {
	b := NewBreaker(true, 2, 2)

	b.RecordPlace(core.Sell, errBoom)
	if err := b.RecordPlace(core.Sell, errBoom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if err := b.RecordPlace(core.Sell, nil); err != nil {
		t.Fatalf("RecordPlace(success) error = %v", err)
	}
	// Closed again: a single failure is tolerated.
	if err := b.RecordPlace(core.Sell, errBoom); err != nil {
		t.Fatalf("RecordPlace after recovery error = %v, want nil", err)
	}
}

func TestBreakerDisabledPassesThrough(t *testing.T) {
	b := NewBreaker(false, 1, 1)
	for i := 0; i < 5; i++ {
		if err := b.RecordPlace(core.Buy, errBoom); err != nil {
			t.Fatalf("disabled breaker error = %v, want nil", err)
		}
	}
	if b.BuysPaused() {
		t.Fatal("disabled breaker must not pause buys")
	}
}

func TestPlaceAndCancelCircuitsAreIndependent(t *testing.T) {
	b := NewBreaker(true, 1, 2)
	if err := b.RecordPlace(core.Sell, errBoom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("place error = %v, want ErrCircuitOpen", err)
	}
	if err := b.RecordCancel(errBoom); err != nil {
		t.Fatalf("cancel error = %v, want nil while cancel circuit is closed", err)
	}
}

func TestBuyRejectionPausesBuySide(t *testing.T) {
	b := NewBreaker(true, 10, 10)
	b.SetBuyPauseCooldown(time.Hour)

	rejected := fmt.Errorf("%w: insufficient funds", core.ErrRejected)
	if err := b.RecordPlace(core.Buy, rejected); err != nil {
		t.Fatalf("RecordPlace error = %v", err)
	}
	if !b.BuysPaused() {
		t.Fatal("buy rejection must pause the buy side")
	}

	// A rejected sell never pauses buys.
	b2 := NewBreaker(true, 10, 10)
	b2.SetBuyPauseCooldown(time.Hour)
	if err := b2.RecordPlace(core.Sell, rejected); err != nil {
		t.Fatalf("RecordPlace error = %v", err)
	}
	if b2.BuysPaused() {
		t.Fatal("sell rejection must not pause buys")
	}
}

func TestBuyPauseExpires(t *testing.T) {
	b := NewBreaker(true, 10, 10)
	b.SetBuyPauseCooldown(time.Millisecond)
	b.RecordPlace(core.Buy, fmt.Errorf("%w: nope", core.ErrRejected))
	time.Sleep(5 * time.Millisecond)
	if b.BuysPaused() {
		t.Fatal("buy pause must expire after the cooldown")
	}
}

type stubGateway struct {
	placeErr  error
	cancelErr error
	places    int
	cancels   int
}

func (s *stubGateway) Name() string { return "stub" }
func (s *stubGateway) GetRules(context.Context, string) (core.Rules, error) {
	return core.Rules{}, nil
}
func (s *stubGateway) Place(_ context.Context, o core.Order) (core.Order, error) {
	s.places++
	return o, s.placeErr
}
func (s *stubGateway) Cancel(context.Context, string) error {
	s.cancels++
	return s.cancelErr
}
func (s *stubGateway) OpenOrders(context.Context, int64) ([]core.Order, error) { return nil, nil }
func (s *stubGateway) QueryOrder(context.Context, string) (core.Order, error) {
	return core.Order{}, core.ErrOrderNotFound
}
func (s *stubGateway) Balance(context.Context) (core.Balance, error) { return core.Balance{}, nil }

func TestGuardedGatewayRoutesThroughBreaker(t *testing.T) {
	inner := &stubGateway{placeErr: errBoom}
	g := NewGuardedGateway(inner, NewBreaker(true, 2, 2))
	order := core.Order{Side: core.Sell, Price: decimal.RequireFromString("52000")}

	if _, err := g.Place(context.Background(), order); !errors.Is(err, core.ErrNetwork) {
		t.Fatalf("first place error = %v, want wrapped network error", err)
	}
	if _, err := g.Place(context.Background(), order); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second place error = %v, want ErrCircuitOpen", err)
	}

	// The exchange coming back closes the circuit again.
	inner.placeErr = nil
	if _, err := g.Place(context.Background(), order); err != nil {
		t.Fatalf("place after recovery error = %v, want nil", err)
	}
	if inner.places != 3 {
		t.Fatalf("inner places = %d, want 3 (gateway still called)", inner.places)
	}
}
