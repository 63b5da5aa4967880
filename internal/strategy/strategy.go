package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Params is the immutable slice of configuration the policies consume.
type Params struct {
	Interval          decimal.Decimal
	AmountPerGrid     decimal.Decimal
	NOpenBuyOrders    int
	MaxInvestment     decimal.Decimal
	Fee               decimal.Decimal
	ReinvestThreshold decimal.Decimal
}

// State is the persisted strategy state. Policies never mutate it; they return
// updated copies and the ledger decides what to commit.
type State struct {
	HighestBuyPrice decimal.Decimal
	TotalInvested   decimal.Decimal
	AccruedProceeds decimal.Decimal
	AmountBoost     decimal.Decimal
	ReinvestCounter int64
	OpenSellVolume  decimal.Decimal
}

// SellDecision is a pure instruction to place one sell order.
type SellDecision struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Policy is the per-variant decision interface. Implementations are stateless;
// everything they need is passed in.
type Policy interface {
	Name() string
	// SellOnBuyFill returns the sell order to pair with a filled buy, or
	// false when the variant places none (cDCA).
	SellOnBuyFill(p Params, st State, fillPrice, fillVolume, ticker decimal.Decimal) (SellDecision, bool)
	// ExtraSell returns an independent sell decision decoupled from any buy
	// fill. Only SWING ever returns one.
	ExtraSell(p Params, st State, ticker, baseAvailable decimal.Decimal, openSells int) (SellDecision, bool)
}

// New selects a policy implementation by variant name.
func New(name string) (Policy, error) {
	switch name {
	case "gridhodl":
		return GridHODL{}, nil
	case "gridsell":
		return GridSell{}, nil
	case "swing":
		return Swing{}, nil
	case "cdca":
		return CDCA{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy variant %q", name)
	}
}

// EffectiveAmountPerGrid is the quote value of newly placed orders. It grows
// when reinvestment triggers; orders already open keep their original size.
func EffectiveAmountPerGrid(p Params, st State) decimal.Decimal {
	return p.AmountPerGrid.Add(st.AmountBoost)
}

// Reinvest folds accrued proceeds into the per-grid amount once they cross the
// configured threshold. Callers invoke it only while no sell order is open.
// The boost is spread across the buy ladder so one reinvestment raises every
// future order slightly rather than one order a lot.
func Reinvest(p Params, st State) (State, bool) {
	if p.ReinvestThreshold.Cmp(decimal.Zero) <= 0 {
		return st, false
	}
	if st.AccruedProceeds.Cmp(p.ReinvestThreshold) < 0 {
		return st, false
	}
	n := int64(p.NOpenBuyOrders)
	if n < 1 {
		n = 1
	}
	st.AmountBoost = st.AmountBoost.Add(st.AccruedProceeds.Div(decimal.NewFromInt(n)))
	st.AccruedProceeds = decimal.Zero
	st.ReinvestCounter++
	return st, true
}
