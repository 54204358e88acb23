// Package txnlog appends audit records of every monetary event. It is
// the only writer of model.Transaction rows; callers never update or
// delete one once written (spec.md §3).
package txnlog

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"yesno-exchange/internal/db"
	"yesno-exchange/internal/model"
)

// Append writes one audit record within the caller's transaction.
// amount must be positive; callers decide the Type and description.
func Append(ctx context.Context, tx *sqlx.Tx, userID string, typ model.TxnType, amount decimal.Decimal, orderID *string, description string) error {
	t := &model.Transaction{
		UserID:      userID,
		Type:        typ,
		Amount:      amount,
		OrderID:     orderID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	return db.InsertTransaction(ctx, tx, t)
}
