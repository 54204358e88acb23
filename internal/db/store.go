// Package db is the relational persistence layer behind the engine:
// Postgres via database/sql + lib/pq for mutations, sqlx for the
// read-heavy list/get paths, migrated with golang-migrate.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"yesno-exchange/internal/model"
)

type Store struct{ DB *sqlx.DB }

func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return s.DB.BeginTxx(ctx, nil)
}

// ── Users ────────────────────────────────────────────
// User CRUD/auth is an external collaborator's concern (spec.md §1);
// the engine reads only existence. Kept minimal for the HTTP boundary.

type User struct {
	ID           string    `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *Store) CreateUser(ctx context.Context, email, hash string) (*User, error) {
	u := &User{}
	err := s.DB.QueryRowxContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1,$2)
		 RETURNING id, email, password_hash, created_at`, email, hash,
	).StructScan(u)
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := s.DB.GetContext(ctx, u, `SELECT id, email, password_hash, created_at FROM users WHERE email=$1`, email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.DB.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, userID)
	return exists, err
}

// ── Wallets ──────────────────────────────────────────
// Wallet creation is implicit (spec.md §3): GetWalletForUpdate lazily
// inserts a zero-balance row the first time a user is referenced.

func (s *Store) GetWalletForUpdate(ctx context.Context, tx *sqlx.Tx, userID string) (*model.Wallet, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, available, locked) VALUES ($1,0,0) ON CONFLICT DO NOTHING`, userID)
	if err != nil {
		return nil, err
	}
	w := &model.Wallet{}
	err = tx.QueryRowxContext(ctx,
		`SELECT user_id, available, locked FROM wallets WHERE user_id=$1 FOR UPDATE`, userID,
	).StructScan(w)
	return w, err
}

// LockWalletsOrdered locks two wallets for update in lexicographic
// order of user ID, the deadlock-free discipline spec.md §5 requires
// when a single match touches two wallets.
func (s *Store) LockWalletsOrdered(ctx context.Context, tx *sqlx.Tx, userA, userB string) (a, b *model.Wallet, err error) {
	if userA == userB {
		w, err := s.GetWalletForUpdate(ctx, tx, userA)
		return w, w, err
	}
	first, second := userA, userB
	if second < first {
		first, second = second, first
	}
	wFirst, err := s.GetWalletForUpdate(ctx, tx, first)
	if err != nil {
		return nil, nil, err
	}
	wSecond, err := s.GetWalletForUpdate(ctx, tx, second)
	if err != nil {
		return nil, nil, err
	}
	if first == userA {
		return wFirst, wSecond, nil
	}
	return wSecond, wFirst, nil
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.GetContext(ctx, w, `SELECT user_id, available, locked FROM wallets WHERE user_id=$1`, userID)
	if err == sql.ErrNoRows {
		return &model.Wallet{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero}, nil
	}
	return w, err
}

func AddAvailable(ctx context.Context, tx *sqlx.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `UPDATE wallets SET available = available + $1 WHERE user_id=$2`, delta, userID)
	return err
}

func AddLocked(ctx context.Context, tx *sqlx.Tx, userID string, delta decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `UPDATE wallets SET locked = locked + $1 WHERE user_id=$2`, delta, userID)
	return err
}

// ── Events ───────────────────────────────────────────

func (s *Store) GetEventState(ctx context.Context, eventID string) (model.EventState, error) {
	var st model.EventState
	err := s.DB.GetContext(ctx, &st, `SELECT state FROM events WHERE id=$1`, eventID)
	return st, err
}

// ── Markets ──────────────────────────────────────────

func (s *Store) CreateMarket(ctx context.Context, id, eventID, outcomeLabel string) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.QueryRowxContext(ctx,
		`INSERT INTO markets (id, event_id, outcome_label, state) VALUES ($1,$2,$3,'ACTIVE')
		 RETURNING id, event_id, outcome_label, state, last_price, created_at`,
		id, eventID, outcomeLabel,
	).StructScan(m)
	return m, err
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.GetContext(ctx, m,
		`SELECT id, event_id, outcome_label, state, last_price, created_at FROM markets WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *Store) GetMarketForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Market, error) {
	m := &model.Market{}
	err := tx.QueryRowxContext(ctx,
		`SELECT id, event_id, outcome_label, state, last_price, created_at FROM markets WHERE id=$1 FOR UPDATE`, id,
	).StructScan(m)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *Store) ListActiveMarkets(ctx context.Context) ([]model.Market, error) {
	var out []model.Market
	err := s.DB.SelectContext(ctx, &out,
		`SELECT id, event_id, outcome_label, state, last_price, created_at FROM markets WHERE state='ACTIVE'`)
	return out, err
}

func SetMarketState(ctx context.Context, tx *sqlx.Tx, marketID string, state model.MarketState) error {
	_, err := tx.ExecContext(ctx, `UPDATE markets SET state=$1 WHERE id=$2`, state, marketID)
	return err
}

func SetLastPrice(ctx context.Context, tx *sqlx.Tx, marketID string, price decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `UPDATE markets SET last_price=$1 WHERE id=$2`, price, marketID)
	return err
}

// ── Orders ───────────────────────────────────────────

func InsertOrder(ctx context.Context, tx *sqlx.Tx, o *model.Order) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, market_id, side, price, quantity, filled_quantity, state, execution_price, locked_amount, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.UserID, o.MarketID, o.Side, o.Price, o.Quantity, o.FilledQuantity, o.State, o.ExecutionPrice, o.LockedAmount, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func UpdateOrder(ctx context.Context, tx *sqlx.Tx, o *model.Order) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE orders SET filled_quantity=$1, state=$2, execution_price=$3, locked_amount=$4, updated_at=$5 WHERE id=$6`,
		o.FilledQuantity, o.State, o.ExecutionPrice, o.LockedAmount, o.UpdatedAt, o.ID,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o := &model.Order{}
	err := s.DB.GetContext(ctx, o,
		`SELECT id, user_id, market_id, side, price, quantity, filled_quantity, state, execution_price, locked_amount, created_at, updated_at
		 FROM orders WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) GetOrderForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*model.Order, error) {
	o := &model.Order{}
	err := tx.QueryRowxContext(ctx,
		`SELECT id, user_id, market_id, side, price, quantity, filled_quantity, state, execution_price, locked_amount, created_at, updated_at
		 FROM orders WHERE id=$1 FOR UPDATE`, id,
	).StructScan(o)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// GetOpenOrders returns live orders for a market oldest first
// (createdAt, then id); the OrderBook sorts them by price per side on
// load, so this order becomes the FIFO order within each price level.
func (s *Store) GetOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	var out []model.Order
	err := s.DB.SelectContext(ctx,
		`SELECT id, user_id, market_id, side, price, quantity, filled_quantity, state, execution_price, locked_amount, created_at, updated_at
		 FROM orders WHERE market_id=$1 AND state IN ('PENDING','PARTIALLY_FILLED') ORDER BY created_at, id`, marketID)
	return out, err
}

func (s *Store) GetUserOrders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	var out []model.Order
	err := s.DB.SelectContext(ctx,
		`SELECT id, user_id, market_id, side, price, quantity, filled_quantity, state, execution_price, locked_amount, created_at, updated_at
		 FROM orders WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	return out, err
}

// ── Positions ────────────────────────────────────────

func (s *Store) GetPositionForUpdate(ctx context.Context, tx *sqlx.Tx, userID, marketID string) (*model.Position, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, market_id, yes_shares, no_shares) VALUES ($1,$2,0,0) ON CONFLICT DO NOTHING`,
		userID, marketID)
	if err != nil {
		return nil, err
	}
	p := &model.Position{}
	err = tx.QueryRowxContext(ctx,
		`SELECT user_id, market_id, yes_shares, no_shares, avg_yes_cost, avg_no_cost FROM positions WHERE user_id=$1 AND market_id=$2 FOR UPDATE`,
		userID, marketID,
	).StructScan(p)
	return p, err
}

func UpsertPosition(ctx context.Context, tx *sqlx.Tx, p *model.Position) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE positions SET yes_shares=$1, no_shares=$2, avg_yes_cost=$3, avg_no_cost=$4 WHERE user_id=$5 AND market_id=$6`,
		p.YesShares, p.NoShares, p.AvgYesCost, p.AvgNoCost, p.UserID, p.MarketID,
	)
	return err
}

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	var out []model.Position
	err := s.DB.SelectContext(ctx,
		`SELECT user_id, market_id, yes_shares, no_shares, avg_yes_cost, avg_no_cost FROM positions WHERE market_id=$1`, marketID)
	return out, err
}

func (s *Store) ListPositionsForUpdate(ctx context.Context, tx *sqlx.Tx, marketID string) ([]model.Position, error) {
	var out []model.Position
	rows, err := tx.QueryxContext(ctx,
		`SELECT user_id, market_id, yes_shares, no_shares, avg_yes_cost, avg_no_cost FROM positions WHERE market_id=$1 FOR UPDATE`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p model.Position
		if err := rows.StructScan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ── Transactions ─────────────────────────────────────

func InsertTransaction(ctx context.Context, tx *sqlx.Tx, t *model.Transaction) error {
	return tx.QueryRowxContext(ctx,
		`INSERT INTO transactions (user_id, type, amount, order_id, description, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		t.UserID, t.Type, t.Amount, t.OrderID, t.Description, t.CreatedAt,
	).Scan(&t.ID)
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	err := s.DB.SelectContext(ctx,
		`SELECT id, user_id, type, amount, order_id, description, created_at
		 FROM transactions WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	return out, err
}
