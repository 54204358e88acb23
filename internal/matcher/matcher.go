// Package matcher implements the continuous double-auction loop of
// spec.md §4.4: it drains crossing orders from a market's order book,
// settling each fill through the ledger, the position store and the
// transaction log in one atomic effect.
package matcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/money"
	"yesno-exchange/internal/orderbook"
	"yesno-exchange/internal/position"
	"yesno-exchange/internal/txnlog"

	"github.com/jmoiron/sqlx"
)

type Matcher struct {
	store     *db.Store
	ledger    *ledger.Ledger
	positions *position.Store
}

func New(store *db.Store, l *ledger.Ledger, p *position.Store) *Matcher {
	return &Matcher{store: store, ledger: l, positions: p}
}

// Run drains every crossing pair at the top of book, applying matches
// until one side empties or the top no longer crosses. Each match
// commits in its own transaction, so a failure partway through a Run
// call never rolls back matches already executed — it only stops the
// drain short, leaving the remaining cross (if any) for the next Run.
// book is mutated only once a match's transaction has actually
// committed, so it never drifts ahead of persisted order state. Run
// returns the number of matches executed. Callers hold the market's
// serialization unit (a per-market actor or a row lock on the market)
// for the duration of the call.
func (m *Matcher) Run(ctx context.Context, book *orderbook.Book, marketID string) (int, error) {
	executed := 0
	for {
		bid := book.TopBid()
		ask := book.TopAsk()
		if bid == nil || ask == nil {
			break
		}
		if bid.UserID == ask.UserID {
			ask = book.BestAskExcluding(bid.UserID)
			if ask == nil {
				break
			}
		}
		if bid.Price.LessThan(ask.Price) {
			break // no cross: p_b < p_s
		}

		x := bid.Price
		if !bid.Before(ask) {
			x = ask.Price
		}
		q := bid.RemainingQty
		if ask.RemainingQty < q {
			q = ask.RemainingQty
		}
		if q <= 0 {
			break
		}

		if err := m.runOne(ctx, marketID, bid, ask, x, q); err != nil {
			return executed, err
		}
		executed++
		book.ApplyFill(bid.OrderID, q)
		book.ApplyFill(ask.OrderID, q)
	}
	return executed, nil
}

// runOne executes a single match in its own transaction.
func (m *Matcher) runOne(ctx context.Context, marketID string, bid, ask *orderbook.Entry, x decimal.Decimal, q int) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin match tx", err)
	}
	defer tx.Rollback()
	if err := m.applyMatch(ctx, tx, marketID, bid, ask, x, q); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, "commit match", err)
	}
	return nil
}

func (m *Matcher) applyMatch(ctx context.Context, tx *sqlx.Tx, marketID string, bid, ask *orderbook.Entry, x decimal.Decimal, q int) error {
	buyOrder, err := m.store.GetOrderForUpdate(ctx, tx, bid.OrderID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load buy order", err)
	}
	sellOrder, err := m.store.GetOrderForUpdate(ctx, tx, ask.OrderID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load sell order", err)
	}

	qd := decimal.NewFromInt(int64(q))
	payBuy := money.Round4(x.Mul(qd))
	paySell := money.Round4(money.Invert(x).Mul(qd))
	refundBuy := money.Round4(buyOrder.Price.Sub(x).Mul(qd))
	refundSell := money.Round4(x.Sub(sellOrder.Price).Mul(qd))
	notional := money.Round4(x.Mul(qd))

	// Lock both wallets in a deadlock-free global order before any
	// mutation touches either one (spec.md §5).
	if _, _, err := m.ledger.LockTwoTx(ctx, tx, buyOrder.UserID, sellOrder.UserID); err != nil {
		return apperr.Wrap(apperr.Internal, "lock wallets", err)
	}

	if err := m.ledger.ConsumeLockedTx(ctx, tx, buyOrder.UserID, payBuy); err != nil {
		return apperr.Wrap(apperr.Internal, "consume buyer lock", err)
	}
	if refundBuy.Sign() > 0 {
		if err := m.ledger.UnlockTx(ctx, tx, buyOrder.UserID, refundBuy); err != nil {
			return apperr.Wrap(apperr.Internal, "refund buyer", err)
		}
	}
	if err := m.ledger.ConsumeLockedTx(ctx, tx, sellOrder.UserID, paySell); err != nil {
		return apperr.Wrap(apperr.Internal, "consume seller lock", err)
	}
	if refundSell.Sign() > 0 {
		if err := m.ledger.UnlockTx(ctx, tx, sellOrder.UserID, refundSell); err != nil {
			return apperr.Wrap(apperr.Internal, "refund seller", err)
		}
	}

	now := time.Now().UTC()
	applyFill(buyOrder, q, x, now)
	applyFill(sellOrder, q, x, now)
	if err := db.UpdateOrder(ctx, tx, buyOrder); err != nil {
		return apperr.Wrap(apperr.Internal, "update buy order", err)
	}
	if err := db.UpdateOrder(ctx, tx, sellOrder); err != nil {
		return apperr.Wrap(apperr.Internal, "update sell order", err)
	}

	if err := db.SetLastPrice(ctx, tx, marketID, x); err != nil {
		return apperr.Wrap(apperr.Internal, "update last price", err)
	}

	if err := m.positions.AddSharesTx(ctx, tx, buyOrder.UserID, marketID, model.SideBuy, q, x); err != nil {
		return apperr.Wrap(apperr.Internal, "update buyer position", err)
	}
	if err := m.positions.AddSharesTx(ctx, tx, sellOrder.UserID, marketID, model.SideSell, q, money.Invert(x)); err != nil {
		return apperr.Wrap(apperr.Internal, "update seller position", err)
	}

	buyOrderID := buyOrder.ID
	sellOrderID := sellOrder.ID
	if err := txnlog.Append(ctx, tx, buyOrder.UserID, model.TxnOrderExecuted, notional, &buyOrderID, "order executed"); err != nil {
		return apperr.Wrap(apperr.Internal, "append buyer execution txn", err)
	}
	if err := txnlog.Append(ctx, tx, sellOrder.UserID, model.TxnOrderExecuted, notional, &sellOrderID, "order executed"); err != nil {
		return apperr.Wrap(apperr.Internal, "append seller execution txn", err)
	}
	return nil
}

func applyFill(o *model.Order, q int, x decimal.Decimal, now time.Time) {
	o.FilledQuantity += q
	xp := x
	o.ExecutionPrice = &xp
	if o.FilledQuantity >= o.Quantity {
		o.State = model.OrderFilled
	} else {
		o.State = model.OrderPartiallyFilled
	}
	o.UpdatedAt = now
}
