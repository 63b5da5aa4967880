package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testParams() Params {
	return Params{
		Interval:       dec("0.04"),
		AmountPerGrid:  dec("100"),
		NOpenBuyOrders: 5,
		MaxInvestment:  dec("10000"),
		Fee:            decimal.Zero,
	}
}

func TestBuyLevelsAnchorsToTickerWhenNoOpenBuys(t *testing.T) {
	p := testParams()
	ticker := dec("50000")
	step := dec("1.04")

	levels := BuyLevels(p, ticker, nil, 3)
	if len(levels) != 3 {
		t.Fatalf("len(levels) = %d, want 3", len(levels))
	}
	want := ticker.Div(step)
	for i, level := range levels {
		if !level.Equal(want) {
			t.Fatalf("levels[%d] = %s, want %s", i, level, want)
		}
		want = want.Div(step)
	}
}

func TestBuyLevelsAnchorsToLowestOpenBuy(t *testing.T) {
	p := testParams()
	open := []decimal.Decimal{dec("48000"), dec("46000")}

	levels := BuyLevels(p, dec("50000"), open, 2)
	want := dec("46000").Div(dec("1.04"))
	if !levels[0].Equal(want) {
		t.Fatalf("levels[0] = %s, want %s", levels[0], want)
	}
	if !levels[1].Equal(want.Div(dec("1.04"))) {
		t.Fatalf("levels[1] = %s, want %s", levels[1], want.Div(dec("1.04")))
	}
}

func TestBuyLevelsCappedBelowTicker(t *testing.T) {
	p := testParams()
	// The lowest tracked buy sits above the market after a sharp drop; the
	// first new level must still land below the current price.
	open := []decimal.Decimal{dec("60000")}

	levels := BuyLevels(p, dec("50000"), open, 1)
	ceiling := dec("50000").Div(dec("1.04"))
	if !levels[0].Equal(ceiling) {
		t.Fatalf("levels[0] = %s, want ceiling %s", levels[0], ceiling)
	}
}

func TestBuyLevelsRejectsBadInput(t *testing.T) {
	p := testParams()
	if got := BuyLevels(p, decimal.Zero, nil, 3); got != nil {
		t.Fatalf("BuyLevels(zero ticker) = %v, want nil", got)
	}
	if got := BuyLevels(p, dec("50000"), nil, 0); got != nil {
		t.Fatalf("BuyLevels(n=0) = %v, want nil", got)
	}
}

func TestShouldShiftUp(t *testing.T) {
	interval := dec("0.04")
	highest := dec("100000")
	// threshold = 100000 * 1.04^2 * 1.001 = 108268.16
	if ShouldShiftUp(highest, interval, dec("108268.16")) {
		t.Fatal("price at threshold must not trigger shift-up")
	}
	if !ShouldShiftUp(highest, interval, dec("108268.17")) {
		t.Fatal("price above threshold must trigger shift-up")
	}
	if ShouldShiftUp(decimal.Zero, interval, dec("200000")) {
		t.Fatal("no open buys must never trigger shift-up")
	}
}

func TestGridHODLSellOnBuyFill(t *testing.T) {
	p := testParams()
	d, ok := GridHODL{}.SellOnBuyFill(p, State{}, dec("48000"), dec("0.0021"), dec("48000"))
	if !ok {
		t.Fatal("expected a sell decision")
	}
	if !d.Price.Equal(dec("49920")) {
		t.Fatalf("sell price = %s, want 49920", d.Price)
	}
	// Quote value of the sell equals amount_per_grid at zero fee.
	if !d.Volume.Mul(d.Price).Round(10).Equal(dec("100")) {
		t.Fatalf("sell quote value = %s, want 100", d.Volume.Mul(d.Price))
	}
}

func TestGridHODLSellBumpedAboveTicker(t *testing.T) {
	p := testParams()
	d, ok := GridHODL{}.SellOnBuyFill(p, State{}, dec("48000"), dec("0.0021"), dec("51000"))
	if !ok {
		t.Fatal("expected a sell decision")
	}
	want := dec("51000").Mul(dec("1.04"))
	if !d.Price.Equal(want) {
		t.Fatalf("sell price = %s, want %s (bumped above ticker)", d.Price, want)
	}
}

func TestGridSellSellsEntireVolume(t *testing.T) {
	p := testParams()
	p.Fee = dec("0.0025")
	v := dec("0.00208333")
	d, ok := GridSell{}.SellOnBuyFill(p, State{}, dec("48000"), v, dec("48000"))
	if !ok {
		t.Fatal("expected a sell decision")
	}
	if !d.Price.Equal(dec("49920")) {
		t.Fatalf("sell price = %s, want 49920", d.Price)
	}
	want := v.Mul(dec("0.9975"))
	if !d.Volume.Equal(want) {
		t.Fatalf("sell volume = %s, want %s", d.Volume, want)
	}
}

func TestSwingExtraSell(t *testing.T) {
	p := testParams()
	st := State{HighestBuyPrice: dec("50000")}
	ticker := dec("53000")
	baseAvailable := dec("1")

	d, ok := Swing{}.ExtraSell(p, st, ticker, baseAvailable, 0)
	if !ok {
		t.Fatal("expected an extra sell above the highest buy price")
	}
	want := ticker.Mul(dec("1.04")).Mul(dec("1.04"))
	if !d.Price.Equal(want) {
		t.Fatalf("extra sell price = %s, want %s", d.Price, want)
	}
}

func TestSwingExtraSellGated(t *testing.T) {
	p := testParams()
	st := State{HighestBuyPrice: dec("50000")}

	if _, ok := (Swing{}).ExtraSell(p, st, dec("53000"), dec("1"), 1); ok {
		t.Fatal("extra sell must not fire while sells are open")
	}
	if _, ok := (Swing{}).ExtraSell(p, st, dec("51000"), dec("1"), 0); ok {
		t.Fatal("extra sell must not fire at or below highest buy * (1+interval)")
	}
	if _, ok := (Swing{}).ExtraSell(p, st, dec("53000"), dec("0.0001"), 0); ok {
		t.Fatal("extra sell must not fire when the base balance cannot cover a grid slot")
	}
}

func TestCDCANeverSells(t *testing.T) {
	p := testParams()
	if _, ok := (CDCA{}).SellOnBuyFill(p, State{}, dec("48000"), dec("1"), dec("48000")); ok {
		t.Fatal("cdca must not produce a paired sell")
	}
	if _, ok := (CDCA{}).ExtraSell(p, State{}, dec("53000"), dec("1"), 0); ok {
		t.Fatal("cdca must not produce an extra sell")
	}
}

func TestBuyVolumeRespectsFee(t *testing.T) {
	p := testParams()
	p.Fee = dec("0.0025")
	got := BuyVolume(p, State{}, dec("50000"))
	want := dec("100").Div(dec("50000").Mul(dec("0.995")))
	if !got.Equal(want) {
		t.Fatalf("BuyVolume = %s, want %s", got, want)
	}
}

func TestReinvestFoldsProceedsIntoBoost(t *testing.T) {
	p := testParams()
	p.ReinvestThreshold = dec("50")
	st := State{AccruedProceeds: dec("60")}

	out, ok := Reinvest(p, st)
	if !ok {
		t.Fatal("expected reinvestment to trigger")
	}
	if !out.AmountBoost.Equal(dec("12")) {
		t.Fatalf("amount boost = %s, want 12 (60 over 5 slots)", out.AmountBoost)
	}
	if !out.AccruedProceeds.IsZero() {
		t.Fatalf("accrued proceeds = %s, want 0", out.AccruedProceeds)
	}
	if out.ReinvestCounter != 1 {
		t.Fatalf("reinvest counter = %d, want 1", out.ReinvestCounter)
	}
	if !EffectiveAmountPerGrid(p, out).Equal(dec("112")) {
		t.Fatalf("effective amount = %s, want 112", EffectiveAmountPerGrid(p, out))
	}
}

func TestReinvestBelowThresholdNoop(t *testing.T) {
	p := testParams()
	p.ReinvestThreshold = dec("50")
	st := State{AccruedProceeds: dec("49")}
	if _, ok := Reinvest(p, st); ok {
		t.Fatal("reinvestment must not trigger below the threshold")
	}
}

func TestNewSelectsVariant(t *testing.T) {
	for _, name := range []string{"gridhodl", "gridsell", "swing", "cdca"} {
		policy, err := New(name)
		if err != nil {
			t.Fatalf("New(%q) error = %v", name, err)
		}
		if policy.Name() != name {
			t.Fatalf("policy.Name() = %q, want %q", policy.Name(), name)
		}
	}
	if _, err := New("martingale"); err == nil {
		t.Fatal("New must reject unknown variants")
	}
}
