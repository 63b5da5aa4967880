package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalizeOrderRoundsDown(t *testing.T) {
	rules := Rules{
		PriceStep:   dec("0.1"),
		VolumeStep:  dec("0.0001"),
		MinVolume:   dec("0.0001"),
		MinNotional: dec("1"),
	}
	order, err := NormalizeOrder(Order{
		Side: Buy, Price: dec("48000.17"), Volume: dec("0.00215"),
	}, rules)
	if err != nil {
		t.Fatalf("NormalizeOrder error = %v", err)
	}
	if !order.Price.Equal(dec("48000.1")) {
		t.Fatalf("price = %s, want 48000.1", order.Price)
	}
	if !order.Volume.Equal(dec("0.0021")) {
		t.Fatalf("volume = %s, want 0.0021", order.Volume)
	}
}

func TestNormalizeOrderRejectsBelowMinimums(t *testing.T) {
	rules := Rules{
		VolumeStep:  dec("0.0001"),
		MinVolume:   dec("0.001"),
		MinNotional: dec("10"),
	}
	if _, err := NormalizeOrder(Order{Price: dec("48000"), Volume: dec("0.0005")}, rules); !errors.Is(err, ErrBelowMinVolume) {
		t.Fatalf("error = %v, want ErrBelowMinVolume", err)
	}
	if _, err := NormalizeOrder(Order{Price: dec("1"), Volume: dec("0.002")}, rules); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("error = %v, want ErrBelowMinNotional", err)
	}
	if _, err := NormalizeOrder(Order{Price: dec("48000"), Volume: decimal.Zero}, rules); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("error = %v, want ErrInvalidOrder", err)
	}
}

func TestNormalizeOrderZeroRulesPassThrough(t *testing.T) {
	order, err := NormalizeOrder(Order{Price: dec("48000.17"), Volume: dec("0.00215")}, Rules{})
	if err != nil {
		t.Fatalf("NormalizeOrder error = %v", err)
	}
	if !order.Price.Equal(dec("48000.17")) || !order.Volume.Equal(dec("0.00215")) {
		t.Fatalf("order = %s@%s, want untouched values", order.Volume, order.Price)
	}
}

func TestRoundDown(t *testing.T) {
	if got := RoundDown(dec("48000.19"), dec("0.1")); !got.Equal(dec("48000.1")) {
		t.Fatalf("RoundDown = %s, want 48000.1", got)
	}
	if got := RoundDown(dec("48000.19"), decimal.Zero); !got.Equal(dec("48000.19")) {
		t.Fatalf("RoundDown with zero step = %s, want input unchanged", got)
	}
}

func TestOrderRemaining(t *testing.T) {
	o := Order{Volume: dec("0.002"), FilledVolume: dec("0.0012")}
	if !o.Remaining().Equal(dec("0.0008")) {
		t.Fatalf("Remaining = %s, want 0.0008", o.Remaining())
	}
	o.FilledVolume = dec("0.003")
	if !o.Remaining().IsZero() {
		t.Fatalf("overfilled Remaining = %s, want 0", o.Remaining())
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[OrderStatus]bool{
		OrderPending:         false,
		OrderOpen:            false,
		OrderPartiallyFilled: false,
		OrderFilled:          true,
		OrderCancelled:       true,
		OrderFailed:          true,
	} {
		if got := status.Terminal(); got != want {
			t.Fatalf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(fmt.Errorf("wrapped: %w", ErrNetwork)) {
		t.Fatal("network errors must be retryable")
	}
	if !Retryable(ErrRateLimited) {
		t.Fatal("rate limit errors must be retryable")
	}
	if Retryable(ErrRejected) || Retryable(ErrOrderNotFound) {
		t.Fatal("rejections and not-found must not be retryable")
	}
}
