// Package admission implements spec.md §4.2: the validation and
// fund-locking pipeline a new order passes through before it reaches
// the book, plus the shared cancel procedure of §4.6 that both the
// cancel endpoint and settlement use to unwind a live order's lock.
package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/txnlog"
)

type Admission struct {
	store  *db.Store
	ledger *ledger.Ledger
}

func New(store *db.Store, l *ledger.Ledger) *Admission {
	return &Admission{store: store, ledger: l}
}

// SuspendMarket and ResumeMarket toggle ACTIVE ↔ SUSPENDED, a
// supplemented administrative operation: a market's lifecycle state
// is named in spec.md §3 but no operation in spec.md §4 moves it
// except into SETTLED. Suspending blocks new admissions and matching
// (both already require ACTIVE) without touching resting orders.

func (a *Admission) SuspendMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return a.transitionMarket(ctx, marketID, model.MarketActive, model.MarketSuspended)
}

func (a *Admission) ResumeMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return a.transitionMarket(ctx, marketID, model.MarketSuspended, model.MarketActive)
}

func (a *Admission) transitionMarket(ctx context.Context, marketID string, from, to model.MarketState) (*model.Market, error) {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	market, err := a.store.GetMarketForUpdate(ctx, tx, marketID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load market", err)
	}
	if market == nil {
		return nil, apperr.NotFoundf("market %s not found", marketID)
	}
	if market.State != from {
		return nil, apperr.IllegalStatef("market %s is %s, expected %s", marketID, market.State, from)
	}
	if err := db.SetMarketState(ctx, tx, marketID, to); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "set market state", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "commit", err)
	}
	market.State = to
	return market, nil
}

// Validate checks the request shape and market tradability outside
// any transaction, so a doomed placement never opens one.
func (a *Admission) Validate(ctx context.Context, req model.PlaceOrderReq) error {
	if req.Price.Sign() <= 0 || req.Price.GreaterThan(decimal.NewFromInt(1)) {
		return apperr.InvalidInputf("price must be in (0,1], got %s", req.Price)
	}
	if req.Quantity < 1 {
		return apperr.InvalidInputf("quantity must be >= 1, got %d", req.Quantity)
	}
	market, err := a.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load market", err)
	}
	if market == nil {
		return apperr.NotFoundf("market %s not found", req.MarketID)
	}
	if market.State != model.MarketActive {
		return apperr.IllegalStatef("market %s is not tradable (state=%s)", req.MarketID, market.State)
	}
	return nil
}

// PlaceOrder runs steps 1–7 of spec.md §4.2 inside one transaction:
// existence/state checks already passed in Validate are re-verified
// under the market's row lock, required funds are computed and
// locked, the order persists PENDING, and an ORDER_PLACED txn is
// appended. It does not invoke the matcher — the caller does that
// once this transaction commits, handing off per §4.2 step 8.
func (a *Admission) PlaceOrder(ctx context.Context, req model.PlaceOrderReq, userID string) (*model.Order, error) {
	if err := a.Validate(ctx, req); err != nil {
		return nil, err
	}
	exists, err := a.store.UserExists(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "check user", err)
	}
	if !exists {
		return nil, apperr.NotFoundf("user %s not found", userID)
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	market, err := a.store.GetMarketForUpdate(ctx, tx, req.MarketID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load market", err)
	}
	if market == nil {
		return nil, apperr.NotFoundf("market %s not found", req.MarketID)
	}
	if market.State != model.MarketActive {
		return nil, apperr.IllegalStatef("market %s is not tradable (state=%s)", req.MarketID, market.State)
	}

	required := model.CalcRequiredFunds(req.Side, req.Price, req.Quantity)
	if err := a.ledger.LockTx(ctx, tx, userID, required); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		MarketID:       req.MarketID,
		Side:           req.Side,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: 0,
		State:          model.OrderPending,
		LockedAmount:   required,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.InsertOrder(ctx, tx, order); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "persist order", err)
	}
	if err := txnlog.Append(ctx, tx, userID, model.TxnOrderPlaced, required, &order.ID, "order placed"); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "append txn", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "commit", err)
	}
	return order, nil
}

// CancelTx runs the cancel procedure of spec.md §4.6 against an
// order already loaded and row-locked by the caller (Admission's
// standalone Cancel, or Settlement unwinding every live order on a
// market). It mutates order in place and persists it.
func CancelTx(ctx context.Context, tx *sqlx.Tx, l *ledger.Ledger, order *model.Order) error {
	if !order.IsLive() {
		return apperr.IllegalStatef("order %s cannot be cancelled from state %s", order.ID, order.State)
	}
	unfilled := order.Quantity - order.FilledQuantity
	var refund decimal.Decimal
	if order.Side == model.SideBuy {
		refund = order.Price.Mul(decimal.NewFromInt(int64(unfilled))).Round(4)
	} else {
		refund = decimal.NewFromInt(1).Sub(order.Price).Mul(decimal.NewFromInt(int64(unfilled))).Round(4)
	}
	if refund.Sign() > 0 {
		if err := l.UnlockTx(ctx, tx, order.UserID, refund); err != nil {
			return err
		}
	}
	if err := txnlog.Append(ctx, tx, order.UserID, model.TxnOrderCancelled, refund, &order.ID, "order cancelled"); err != nil {
		return apperr.Wrap(apperr.Internal, "append txn", err)
	}
	order.State = model.OrderCancelled
	order.UpdatedAt = time.Now().UTC()
	return db.UpdateOrder(ctx, tx, order)
}

// Cancel loads, row-locks and cancels a single order in its own
// transaction — the path the `/orders/{id}/cancel` endpoint drives.
func (a *Admission) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	order, err := a.store.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load order", err)
	}
	if order == nil {
		return nil, apperr.NotFoundf("order %s not found", orderID)
	}
	if err := CancelTx(ctx, tx, a.ledger, order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "commit", err)
	}
	return order, nil
}
