package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrBelowMinVolume   = errors.New("volume below min")
	ErrBelowMinNotional = errors.New("notional below min")
)

// NormalizeOrder rounds the candidate's price and volume down to the pair's
// precision steps and rejects orders below the exchange minimums. Rounding is
// always downward so a normalized order never commits more than requested.
func NormalizeOrder(order Order, rules Rules) (Order, error) {
	if order.Volume.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.VolumeStep.Cmp(decimal.Zero) > 0 {
		order.Volume = RoundDown(order.Volume, rules.VolumeStep)
	}
	if order.Volume.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinVolume.Cmp(decimal.Zero) > 0 && order.Volume.Cmp(rules.MinVolume) < 0 {
		return order, ErrBelowMinVolume
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.PriceStep.Cmp(decimal.Zero) > 0 {
		order.Price = RoundDown(order.Price, rules.PriceStep)
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return order, ErrInvalidOrder
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := order.Price.Mul(order.Volume)
		if notional.Cmp(rules.MinNotional) < 0 {
			return order, ErrBelowMinNotional
		}
	}
	return order, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
