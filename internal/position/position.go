// Package position tracks each user's YES/NO share holding in a
// market as a weighted-average cost, per spec.md §3. It never keeps
// individual lots: every fill folds into a single running average for
// the side it adds to.
package position

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/model"
)

type Store struct {
	store *db.Store
}

func New(store *db.Store) *Store {
	return &Store{store: store}
}

// GetForUpdateTx loads (creating if needed) and row-locks a position
// inside the caller's transaction.
func (s *Store) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, userID, marketID string) (*model.Position, error) {
	return s.store.GetPositionForUpdate(ctx, tx, userID, marketID)
}

// AddSharesTx folds q additional shares, bought at costPerShare, into
// the named side of the position and recomputes its weighted-average
// cost: (s0*c0 + q*costPerShare) / (s0+q). q must be > 0.
func (s *Store) AddSharesTx(ctx context.Context, tx *sqlx.Tx, userID, marketID string, side model.Side, q int, costPerShare decimal.Decimal) error {
	if q <= 0 {
		return apperr.InvalidInputf("share delta must be > 0, got %d", q)
	}
	p, err := s.store.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load position", err)
	}

	switch side {
	case model.SideBuy: // adds to YES shares
		p.AvgYesCost = weightedAvg(p.YesShares, p.AvgYesCost, q, costPerShare)
		p.YesShares += q
	case model.SideSell: // adds to NO shares
		p.AvgNoCost = weightedAvg(p.NoShares, p.AvgNoCost, q, costPerShare)
		p.NoShares += q
	default:
		return apperr.InvalidInputf("unknown side %q", side)
	}

	return db.UpsertPosition(ctx, tx, p)
}

// weightedAvg folds q new shares bought at newCost into an existing
// s0-share position with average cost c0 (nil when s0 is zero).
func weightedAvg(s0 int, c0 *decimal.Decimal, q int, newCost decimal.Decimal) *decimal.Decimal {
	if s0 == 0 || c0 == nil {
		avg := newCost.Round(4)
		return &avg
	}
	oldTotal := c0.Mul(decimal.NewFromInt(int64(s0)))
	newTotal := newCost.Mul(decimal.NewFromInt(int64(q)))
	total := oldTotal.Add(newTotal)
	avg := total.DivRound(decimal.NewFromInt(int64(s0+q)), 4)
	return &avg
}

// ClearTx zeroes both sides of a position, used by settlement once a
// market's winning outcome has been paid out.
func (s *Store) ClearTx(ctx context.Context, tx *sqlx.Tx, userID, marketID string) error {
	p, err := s.store.GetPositionForUpdate(ctx, tx, userID, marketID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load position", err)
	}
	p.YesShares = 0
	p.NoShares = 0
	p.AvgYesCost = nil
	p.AvgNoCost = nil
	return db.UpsertPosition(ctx, tx, p)
}

// ListForSettlement returns every position row in a market, including
// rows whose share counts are zero, row-locked for the settlement pass.
func (s *Store) ListForSettlement(ctx context.Context, tx *sqlx.Tx, marketID string) ([]model.Position, error) {
	return s.store.ListPositionsForUpdate(ctx, tx, marketID)
}

// List returns all positions in a market, unlocked, for read APIs.
func (s *Store) List(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.store.ListPositions(ctx, marketID)
}
