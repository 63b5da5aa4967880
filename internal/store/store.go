// Package store persists ledger and strategy state to SQLite. One file may be
// shared by several bot processes trading different pairs; every statement is
// scoped by user_ref so instances never see each other's rows.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"infinity-grid/internal/core"
	"infinity-grid/internal/ledger"
	"infinity-grid/internal/strategy"
)

type Store struct {
	db      *sql.DB
	userRef int64
}

// Open opens (creating if needed) the SQLite file and runs migrations.
func Open(path string, userRef int64) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, userRef: userRef}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			client_id TEXT NOT NULL,
			user_ref INTEGER NOT NULL,
			exchange_id TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			price TEXT NOT NULL,
			volume TEXT NOT NULL,
			filled_volume TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_ref, client_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (user_ref, status);`,
		`CREATE TABLE IF NOT EXISTS strategy_state (
			user_ref INTEGER PRIMARY KEY,
			highest_buy_price TEXT NOT NULL,
			total_invested TEXT NOT NULL,
			accrued_proceeds TEXT NOT NULL,
			amount_boost TEXT NOT NULL,
			reinvest_counter INTEGER NOT NULL,
			open_sell_volume TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS surplus (
			id TEXT NOT NULL,
			user_ref INTEGER NOT NULL,
			volume TEXT NOT NULL,
			price TEXT NOT NULL,
			consumed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_ref, id)
		);`,
		`CREATE TABLE IF NOT EXISTS deferred_sells (
			id TEXT NOT NULL,
			user_ref INTEGER NOT NULL,
			price TEXT NOT NULL,
			volume TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_ref, id)
		);`,
		`CREATE TABLE IF NOT EXISTS grid_config (
			user_ref INTEGER PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UpsertOrder writes one order row atomically; a status transition is a single
// statement so readers never observe a half-applied transition.
func (s *Store) UpsertOrder(o core.Order) error {
	_, err := s.db.Exec(`INSERT INTO orders
		(client_id, user_ref, exchange_id, side, price, volume, filled_volume, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_ref, client_id) DO UPDATE SET
			exchange_id=excluded.exchange_id,
			filled_volume=excluded.filled_volume,
			status=excluded.status`,
		o.ClientID, s.userRef, o.ID, string(o.Side),
		o.Price.String(), o.Volume.String(), o.FilledVolume.String(),
		string(o.Status), o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert order %q: %w", o.ClientID, err)
	}
	return nil
}

// LoadOrders returns every stored order for this instance, terminal included;
// the ledger needs terminal rows to dedupe redelivered events after restart.
func (s *Store) LoadOrders() ([]core.Order, error) {
	rows, err := s.db.Query(`SELECT client_id, exchange_id, side, price, volume,
		filled_volume, status, created_at FROM orders WHERE user_ref = ?`, s.userRef)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer rows.Close()

	var out []core.Order
	for rows.Next() {
		var o core.Order
		var side, price, volume, filled, status string
		var createdAt int64
		if err := rows.Scan(&o.ClientID, &o.ID, &side, &price, &volume, &filled, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Side = core.Side(side)
		o.Status = core.OrderStatus(status)
		o.CreatedAt = time.Unix(0, createdAt).UTC()
		o.UserRef = s.userRef
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if o.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("parse volume %q: %w", volume, err)
		}
		if o.FilledVolume, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("parse filled volume %q: %w", filled, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) SaveState(st strategy.State) error {
	_, err := s.db.Exec(`INSERT INTO strategy_state
		(user_ref, highest_buy_price, total_invested, accrued_proceeds, amount_boost, reinvest_counter, open_sell_volume, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_ref) DO UPDATE SET
			highest_buy_price=excluded.highest_buy_price,
			total_invested=excluded.total_invested,
			accrued_proceeds=excluded.accrued_proceeds,
			amount_boost=excluded.amount_boost,
			reinvest_counter=excluded.reinvest_counter,
			open_sell_volume=excluded.open_sell_volume,
			updated_at=excluded.updated_at`,
		s.userRef, st.HighestBuyPrice.String(), st.TotalInvested.String(),
		st.AccruedProceeds.String(), st.AmountBoost.String(),
		st.ReinvestCounter, st.OpenSellVolume.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save strategy state: %w", err)
	}
	return nil
}

// LoadState returns the persisted strategy state, or a zero state when this
// instance has never run before.
func (s *Store) LoadState() (strategy.State, error) {
	var st strategy.State
	var highest, invested, proceeds, boost, sellVol string
	err := s.db.QueryRow(`SELECT highest_buy_price, total_invested, accrued_proceeds,
		amount_boost, reinvest_counter, open_sell_volume
		FROM strategy_state WHERE user_ref = ?`, s.userRef).
		Scan(&highest, &invested, &proceeds, &boost, &st.ReinvestCounter, &sellVol)
	if err == sql.ErrNoRows {
		return strategy.State{
			HighestBuyPrice: decimal.Zero,
			TotalInvested:   decimal.Zero,
			AccruedProceeds: decimal.Zero,
			AmountBoost:     decimal.Zero,
			OpenSellVolume:  decimal.Zero,
		}, nil
	}
	if err != nil {
		return st, fmt.Errorf("load strategy state: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&st.HighestBuyPrice, highest},
		{&st.TotalInvested, invested},
		{&st.AccruedProceeds, proceeds},
		{&st.AmountBoost, boost},
		{&st.OpenSellVolume, sellVol},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return st, fmt.Errorf("parse state field %q: %w", f.src, err)
		}
	}
	return st, nil
}

func (s *Store) SaveSurplus(rec ledger.SurplusRecord) error {
	consumed := 0
	if rec.Consumed {
		consumed = 1
	}
	_, err := s.db.Exec(`INSERT INTO surplus (id, user_ref, volume, price, consumed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_ref, id) DO UPDATE SET consumed=excluded.consumed`,
		rec.ID, s.userRef, rec.Volume.String(), rec.Price.String(), consumed, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save surplus %q: %w", rec.ID, err)
	}
	return nil
}

// LoadSurplus returns unconsumed surplus records for this instance.
func (s *Store) LoadSurplus() ([]ledger.SurplusRecord, error) {
	rows, err := s.db.Query(`SELECT id, volume, price, created_at
		FROM surplus WHERE user_ref = ? AND consumed = 0`, s.userRef)
	if err != nil {
		return nil, fmt.Errorf("load surplus: %w", err)
	}
	defer rows.Close()

	var out []ledger.SurplusRecord
	for rows.Next() {
		var rec ledger.SurplusRecord
		var volume, price string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &volume, &price, &createdAt); err != nil {
			return nil, fmt.Errorf("scan surplus: %w", err)
		}
		if rec.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("parse surplus volume %q: %w", volume, err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse surplus price %q: %w", price, err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDeferredSell records a sell decision awaiting retry so it survives a
// restart between the buy fill and the eventual sell placement.
func (s *Store) SaveDeferredSell(rec ledger.DeferredSell) error {
	_, err := s.db.Exec(`INSERT INTO deferred_sells (id, user_ref, price, volume, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_ref, id) DO NOTHING`,
		rec.ID, s.userRef, rec.Price.String(), rec.Volume.String(), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save deferred sell %q: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) DeleteDeferredSell(id string) error {
	_, err := s.db.Exec(`DELETE FROM deferred_sells WHERE user_ref = ? AND id = ?`, s.userRef, id)
	if err != nil {
		return fmt.Errorf("delete deferred sell %q: %w", id, err)
	}
	return nil
}

// LoadDeferredSells returns pending sell retries for this instance, oldest
// first.
func (s *Store) LoadDeferredSells() ([]ledger.DeferredSell, error) {
	rows, err := s.db.Query(`SELECT id, price, volume, created_at
		FROM deferred_sells WHERE user_ref = ? ORDER BY created_at`, s.userRef)
	if err != nil {
		return nil, fmt.Errorf("load deferred sells: %w", err)
	}
	defer rows.Close()

	var out []ledger.DeferredSell
	for rows.Next() {
		var rec ledger.DeferredSell
		var price, volume string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &price, &volume, &createdAt); err != nil {
			return nil, fmt.Errorf("scan deferred sell: %w", err)
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse deferred sell price %q: %w", price, err)
		}
		if rec.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("parse deferred sell volume %q: %w", volume, err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveGridConfig records the serialized grid configuration so a restart can
// detect parameter changes against what the ledger state was built with.
func (s *Store) SaveGridConfig(payload string) error {
	_, err := s.db.Exec(`INSERT INTO grid_config (user_ref, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_ref) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
		s.userRef, payload, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save grid config: %w", err)
	}
	return nil
}

// LoadGridConfig returns the previously stored configuration payload, empty
// when none exists.
func (s *Store) LoadGridConfig() (string, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM grid_config WHERE user_ref = ?`, s.userRef).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load grid config: %w", err)
	}
	return payload, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
