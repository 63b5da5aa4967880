package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"infinity-grid/internal/core"
	"infinity-grid/internal/ledger"
	"infinity-grid/internal/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openTestStore(t *testing.T, userRef int64) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "grid.db"), userRef)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOrderRoundTrip(t *testing.T) {
	st := openTestStore(t, 42)

	order := core.Order{
		ID:        "TX1",
		ClientID:  "c-1",
		Side:      core.Buy,
		Price:     dec("48000.5"),
		Volume:    dec("0.002"),
		Status:    core.OrderOpen,
		CreatedAt: time.Unix(0, 1700000000000000000).UTC(),
	}
	if err := st.UpsertOrder(order); err != nil {
		t.Fatalf("UpsertOrder error = %v", err)
	}

	// Status transition rewrites the same row.
	order.FilledVolume = dec("0.002")
	order.Status = core.OrderFilled
	if err := st.UpsertOrder(order); err != nil {
		t.Fatalf("UpsertOrder (transition) error = %v", err)
	}

	orders, err := st.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders error = %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("len(orders) = %d, want 1", len(orders))
	}
	got := orders[0]
	if got.ID != "TX1" || got.ClientID != "c-1" || got.Status != core.OrderFilled {
		t.Fatalf("order = %+v, want TX1/c-1/filled", got)
	}
	if !got.Price.Equal(order.Price) || !got.FilledVolume.Equal(order.FilledVolume) {
		t.Fatalf("decimals = %s/%s, want %s/%s", got.Price, got.FilledVolume, order.Price, order.FilledVolume)
	}
	if !got.CreatedAt.Equal(order.CreatedAt) {
		t.Fatalf("created at = %s, want %s", got.CreatedAt, order.CreatedAt)
	}
	if got.UserRef != 42 {
		t.Fatalf("user ref = %d, want 42", got.UserRef)
	}
}

func TestOrdersScopedByUserRef(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grid.db")
	a, err := Open(path, 42)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer a.Close()
	b, err := Open(path, 7)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	defer b.Close()

	if err := a.UpsertOrder(core.Order{ClientID: "c-1", Side: core.Buy,
		Price: dec("48000"), Volume: dec("0.002"), Status: core.OrderOpen}); err != nil {
		t.Fatalf("UpsertOrder error = %v", err)
	}
	orders, err := b.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders error = %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("len(orders) for other instance = %d, want 0", len(orders))
	}
}

func TestStateRoundTrip(t *testing.T) {
	st := openTestStore(t, 42)

	// A fresh instance starts from a zero state.
	state, err := st.LoadState()
	if err != nil {
		t.Fatalf("LoadState error = %v", err)
	}
	if !state.TotalInvested.IsZero() || state.ReinvestCounter != 0 {
		t.Fatalf("fresh state = %+v, want zero", state)
	}

	want := strategy.State{
		HighestBuyPrice: dec("48000"),
		TotalInvested:   dec("300.5"),
		AccruedProceeds: dec("1.25"),
		AmountBoost:     dec("0.25"),
		ReinvestCounter: 3,
		OpenSellVolume:  dec("0.004"),
	}
	if err := st.SaveState(want); err != nil {
		t.Fatalf("SaveState error = %v", err)
	}
	got, err := st.LoadState()
	if err != nil {
		t.Fatalf("LoadState error = %v", err)
	}
	if !got.HighestBuyPrice.Equal(want.HighestBuyPrice) ||
		!got.TotalInvested.Equal(want.TotalInvested) ||
		!got.AccruedProceeds.Equal(want.AccruedProceeds) ||
		!got.AmountBoost.Equal(want.AmountBoost) ||
		got.ReinvestCounter != want.ReinvestCounter ||
		!got.OpenSellVolume.Equal(want.OpenSellVolume) {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestSurplusLoadSkipsConsumed(t *testing.T) {
	st := openTestStore(t, 42)

	live := ledger.SurplusRecord{
		ID: "s-1", Volume: dec("0.0012"), Price: dec("48000"),
		CreatedAt: time.Unix(0, 1700000000000000000).UTC(),
	}
	spent := ledger.SurplusRecord{
		ID: "s-2", Volume: dec("0.001"), Price: dec("47000"),
		CreatedAt: time.Unix(0, 1700000001000000000).UTC(),
	}
	for _, rec := range []ledger.SurplusRecord{live, spent} {
		if err := st.SaveSurplus(rec); err != nil {
			t.Fatalf("SaveSurplus error = %v", err)
		}
	}
	spent.Consumed = true
	if err := st.SaveSurplus(spent); err != nil {
		t.Fatalf("SaveSurplus (consume) error = %v", err)
	}

	records, err := st.LoadSurplus()
	if err != nil {
		t.Fatalf("LoadSurplus error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].ID != "s-1" || !records[0].Volume.Equal(live.Volume) {
		t.Fatalf("record = %+v, want s-1 with volume %s", records[0], live.Volume)
	}
}

func TestDeferredSellRoundTrip(t *testing.T) {
	st := openTestStore(t, 42)

	older := ledger.DeferredSell{
		ID: "d-1", Price: dec("49920"), Volume: dec("0.002"),
		CreatedAt: time.Unix(0, 1700000000000000000).UTC(),
	}
	newer := ledger.DeferredSell{
		ID: "d-2", Price: dec("52000"), Volume: dec("0.0019"),
		CreatedAt: time.Unix(0, 1700000001000000000).UTC(),
	}
	for _, rec := range []ledger.DeferredSell{newer, older} {
		if err := st.SaveDeferredSell(rec); err != nil {
			t.Fatalf("SaveDeferredSell error = %v", err)
		}
	}

	records, err := st.LoadDeferredSells()
	if err != nil {
		t.Fatalf("LoadDeferredSells error = %v", err)
	}
	if len(records) != 2 || records[0].ID != "d-1" {
		t.Fatalf("records = %+v, want d-1 first (oldest)", records)
	}
	if !records[0].Price.Equal(older.Price) || !records[0].Volume.Equal(older.Volume) {
		t.Fatalf("record = %+v, want price %s volume %s", records[0], older.Price, older.Volume)
	}

	if err := st.DeleteDeferredSell("d-1"); err != nil {
		t.Fatalf("DeleteDeferredSell error = %v", err)
	}
	records, err = st.LoadDeferredSells()
	if err != nil {
		t.Fatalf("LoadDeferredSells error = %v", err)
	}
	if len(records) != 1 || records[0].ID != "d-2" {
		t.Fatalf("records after delete = %+v, want only d-2", records)
	}
}

func TestGridConfigRoundTrip(t *testing.T) {
	st := openTestStore(t, 42)

	payload, err := st.LoadGridConfig()
	if err != nil {
		t.Fatalf("LoadGridConfig error = %v", err)
	}
	if payload != "" {
		t.Fatalf("fresh payload = %q, want empty", payload)
	}

	if err := st.SaveGridConfig("interval: 0.04\n"); err != nil {
		t.Fatalf("SaveGridConfig error = %v", err)
	}
	if err := st.SaveGridConfig("interval: 0.05\n"); err != nil {
		t.Fatalf("SaveGridConfig (update) error = %v", err)
	}
	payload, err = st.LoadGridConfig()
	if err != nil {
		t.Fatalf("LoadGridConfig error = %v", err)
	}
	if payload != "interval: 0.05\n" {
		t.Fatalf("payload = %q, want latest write", payload)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grid.db")
	st, err := Open(path, 42)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if err := st.UpsertOrder(core.Order{ClientID: "c-1", Side: core.Sell,
		Price: dec("52000"), Volume: dec("0.0019"), Status: core.OrderOpen}); err != nil {
		t.Fatalf("UpsertOrder error = %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	st2, err := Open(path, 42)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer st2.Close()
	orders, err := st2.LoadOrders()
	if err != nil {
		t.Fatalf("LoadOrders error = %v", err)
	}
	if len(orders) != 1 || orders[0].ClientID != "c-1" {
		t.Fatalf("orders after reopen = %+v, want the stored sell", orders)
	}
}
