// Package settlement implements spec.md §4.7: the terminal operation
// that resolves a market to YES or NO, cancels every live order on it
// and pays out winning shares before marking it read-only.
package settlement

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"yesno-exchange/internal/admission"
	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/position"
	"yesno-exchange/internal/txnlog"
)

type Settlement struct {
	store     *db.Store
	ledger    *ledger.Ledger
	positions *position.Store
}

func New(store *db.Store, l *ledger.Ledger, p *position.Store) *Settlement {
	return &Settlement{store: store, ledger: l, positions: p}
}

// Settle runs the four steps of spec.md §4.7 in one transaction.
// Per-order cancellation and per-position payout failures are
// independent of one another; Settle aggregates them with
// go-multierror so one bad row doesn't hide the rest, but any error
// at all rolls the whole settlement back (spec.md §4.8: settlement is
// atomic, never partially applied).
func (s *Settlement) Settle(ctx context.Context, marketID string, winningOutcome model.Outcome) (*model.Market, error) {
	if winningOutcome != model.OutcomeYes && winningOutcome != model.OutcomeNo {
		return nil, apperr.InvalidInputf("winningOutcome must be YES or NO, got %q", winningOutcome)
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	market, err := s.store.GetMarketForUpdate(ctx, tx, marketID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load market", err)
	}
	if market == nil {
		return nil, apperr.NotFoundf("market %s not found", marketID)
	}
	if market.State == model.MarketSettled {
		return nil, apperr.IllegalStatef("market %s already settled", marketID)
	}

	var agg *multierror.Error

	openOrders, err := s.store.GetOpenOrders(ctx, marketID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load open orders", err)
	}
	for i := range openOrders {
		o, err := s.store.GetOrderForUpdate(ctx, tx, openOrders[i].ID)
		if err != nil {
			agg = multierror.Append(agg, err)
			continue
		}
		if o == nil || !o.IsLive() {
			continue
		}
		if err := admission.CancelTx(ctx, tx, s.ledger, o); err != nil {
			agg = multierror.Append(agg, err)
		}
	}
	if agg.ErrorOrNil() != nil {
		return nil, apperr.Wrap(apperr.Internal, "settlement order cancellation failed", agg)
	}

	positions, err := s.positions.ListForSettlement(ctx, tx, marketID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load positions", err)
	}
	for _, p := range positions {
		payout := p.YesShares
		if winningOutcome == model.OutcomeNo {
			payout = p.NoShares
		}
		if payout > 0 {
			amount := decimal.NewFromInt(int64(payout))
			if err := s.ledger.CreditTx(ctx, tx, p.UserID, amount); err != nil {
				agg = multierror.Append(agg, err)
				continue
			}
			if err := txnlog.Append(ctx, tx, p.UserID, model.TxnSettlement, amount, nil, "settlement payout"); err != nil {
				agg = multierror.Append(agg, err)
				continue
			}
		}
		if err := s.positions.ClearTx(ctx, tx, p.UserID, marketID); err != nil {
			agg = multierror.Append(agg, err)
		}
	}
	if agg.ErrorOrNil() != nil {
		return nil, apperr.Wrap(apperr.Internal, "settlement payout failed", agg)
	}

	if err := db.SetMarketState(ctx, tx, marketID, model.MarketSettled); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "set market settled", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "commit", err)
	}

	market.State = model.MarketSettled
	return market, nil
}
