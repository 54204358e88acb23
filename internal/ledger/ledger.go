// Package ledger implements the wallet operations of spec.md §4.1:
// deposit, withdraw, lock, unlock, consumeLocked and credit. Every
// operation is atomic against the wallet(s) it touches — the *Tx
// variants participate in a caller-managed transaction so Admission,
// the Matcher and Settlement can combine a wallet mutation with an
// order/position/txn-log write in one commit.
package ledger

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"yesno-exchange/internal/apperr"
	"yesno-exchange/internal/db"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/txnlog"
)

type Ledger struct {
	store *db.Store
}

func New(store *db.Store) *Ledger {
	return &Ledger{store: store}
}

func requirePositive(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.InvalidInputf("amount must be > 0, got %s", amount.String())
	}
	return nil
}

// Deposit credits available funds and records a DEPOSIT transaction.
// It owns its own database transaction — callers never need to wrap
// a bare deposit with anything else.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	w, err := l.store.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load wallet", err)
	}
	if err := db.AddAvailable(ctx, tx, userID, amount); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "credit available", err)
	}
	if err := txnlog.Append(ctx, tx, userID, model.TxnDeposit, amount, nil, "deposit"); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "append txn", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "commit", err)
	}
	w.Available = w.Available.Add(amount)
	return w, nil
}

// Withdraw debits available funds, failing InsufficientFunds when the
// wallet cannot cover it, and records a WITHDRAWAL transaction.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	w, err := l.store.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "load wallet", err)
	}
	if w.Available.LessThan(amount) {
		return nil, apperr.InsufficientFundsf("withdraw %s exceeds available %s", amount, w.Available)
	}
	if err := db.AddAvailable(ctx, tx, userID, amount.Neg()); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "debit available", err)
	}
	if err := txnlog.Append(ctx, tx, userID, model.TxnWithdrawal, amount, nil, "withdrawal"); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "append txn", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "commit", err)
	}
	w.Available = w.Available.Sub(amount)
	return w, nil
}

// Balance returns the wallet's current state. A user with no wallet
// row yet gets a zero-balance wallet; no row is inserted by this read.
func (l *Ledger) Balance(ctx context.Context, userID string) (*model.Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// ── In-transaction primitives ────────────────────────

// GetForUpdateTx loads (creating if needed) and row-locks a wallet
// inside the caller's transaction.
func (l *Ledger) GetForUpdateTx(ctx context.Context, tx *sqlx.Tx, userID string) (*model.Wallet, error) {
	return l.store.GetWalletForUpdate(ctx, tx, userID)
}

// LockTwoTx locks both wallets touched by a single match in
// lexicographic order of user ID, satisfying the deadlock-free
// ordering spec.md §5 requires.
func (l *Ledger) LockTwoTx(ctx context.Context, tx *sqlx.Tx, userA, userB string) (a, b *model.Wallet, err error) {
	return l.store.LockWalletsOrdered(ctx, tx, userA, userB)
}

// LockTx reserves funds against an open order: available -= amount,
// locked += amount. No transaction is emitted; the caller (Admission)
// emits ORDER_PLACED.
func (l *Ledger) LockTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	w, err := l.store.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load wallet", err)
	}
	if w.Available.LessThan(amount) {
		return apperr.InsufficientFundsf("lock %s exceeds available %s", amount, w.Available)
	}
	if err := db.AddAvailable(ctx, tx, userID, amount.Neg()); err != nil {
		return apperr.Wrap(apperr.Internal, "debit available", err)
	}
	if err := db.AddLocked(ctx, tx, userID, amount); err != nil {
		return apperr.Wrap(apperr.Internal, "credit locked", err)
	}
	return nil
}

// UnlockTx releases a reservation back to available funds: locked -=
// amount, available += amount. No transaction is emitted; the caller
// decides (ORDER_CANCELLED, a match refund, or nothing).
func (l *Ledger) UnlockTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	w, err := l.store.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load wallet", err)
	}
	if w.Locked.LessThan(amount) {
		return apperr.Wrap(apperr.Internal, "unlock exceeds locked",
			fmt.Errorf("user=%s unlock=%s locked=%s", userID, amount, w.Locked))
	}
	if err := db.AddLocked(ctx, tx, userID, amount.Neg()); err != nil {
		return apperr.Wrap(apperr.Internal, "debit locked", err)
	}
	if err := db.AddAvailable(ctx, tx, userID, amount); err != nil {
		return apperr.Wrap(apperr.Internal, "credit available", err)
	}
	return nil
}

// ConsumeLockedTx removes funds from the wallet entirely (they paid
// for a fill): locked -= amount. No transaction is emitted; the
// caller emits ORDER_EXECUTED.
func (l *Ledger) ConsumeLockedTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := requirePositive(amount); err != nil {
		return err
	}
	w, err := l.store.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load wallet", err)
	}
	if w.Locked.LessThan(amount) {
		return apperr.Wrap(apperr.Internal, "consume exceeds locked",
			fmt.Errorf("user=%s consume=%s locked=%s", userID, amount, w.Locked))
	}
	if err := db.AddLocked(ctx, tx, userID, amount.Neg()); err != nil {
		return apperr.Wrap(apperr.Internal, "debit locked", err)
	}
	return nil
}

// CreditTx adds funds to available balance, used by Settlement to pay
// winning shares. No transaction is emitted; the caller emits
// SETTLEMENT.
func (l *Ledger) CreditTx(ctx context.Context, tx *sqlx.Tx, userID string, amount decimal.Decimal) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if _, err := l.store.GetWalletForUpdate(ctx, tx, userID); err != nil {
		return apperr.Wrap(apperr.Internal, "load wallet", err)
	}
	if err := db.AddAvailable(ctx, tx, userID, amount); err != nil {
		return apperr.Wrap(apperr.Internal, "credit available", err)
	}
	return nil
}
