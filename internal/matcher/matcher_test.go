package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yesno-exchange/internal/db"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/orderbook"
	"yesno-exchange/internal/position"
)

func newMock(t *testing.T) (*Matcher, *db.Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	sx := sqlx.NewDb(mockDB, "postgres")
	store := &db.Store{DB: sx}
	l := ledger.New(store)
	pos := position.New(store)
	return New(store, l, pos), store, mock
}

var orderCols = []string{"id", "user_id", "market_id", "side", "price", "quantity", "filled_quantity", "state", "execution_price", "locked_amount", "created_at", "updated_at"}

func orderRow(id, userID, side string, price string, qty int) *sqlmock.Rows {
	return sqlmock.NewRows(orderCols).AddRow(id, userID, "m1", side, price, qty, 0, "PENDING", nil, "0", time.Now(), time.Now())
}

func walletRow(userID, available, locked string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "available", "locked"}).AddRow(userID, available, locked)
}

func positionRow(userID, marketID string, yes, no int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "market_id", "yes_shares", "no_shares", "avg_yes_cost", "avg_no_cost"}).
		AddRow(userID, marketID, yes, no, nil, nil)
}

// TestRunExactCross exercises an exact crossing match (an S1-style
// scenario): a resting bid at 0.60 meets an incoming ask at 0.60 for
// the same quantity, executing at the older order's price with no
// refund on either side.
func TestRunExactCross(t *testing.T) {
	m, _, mock := newMock(t)

	now := time.Now()
	book := orderbook.New()
	book.Add(&orderbook.Entry{OrderID: "buy1", UserID: "alice", Side: model.SideBuy, Price: decimal.RequireFromString("0.6"), RemainingQty: 10, CreatedAt: now})
	book.Add(&orderbook.Entry{OrderID: "sell1", UserID: "bob", Side: model.SideSell, Price: decimal.RequireFromString("0.6"), RemainingQty: 10, CreatedAt: now.Add(time.Second)})

	mock.ExpectBegin()
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("buy1").WillReturnRows(orderRow("buy1", "alice", "BUY", "0.6", 10))
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("sell1").WillReturnRows(orderRow("sell1", "bob", "SELL", "0.6", 10))

	// LockTwoTx: alice < bob, locked in that order
	mock.ExpectExec("INSERT INTO wallets").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("alice").WillReturnRows(walletRow("alice", "94", "6"))
	mock.ExpectExec("INSERT INTO wallets").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("bob").WillReturnRows(walletRow("bob", "96", "4"))

	// ConsumeLockedTx(alice, payBuy=6.0000)
	mock.ExpectExec("INSERT INTO wallets").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("alice").WillReturnRows(walletRow("alice", "94", "6"))
	mock.ExpectExec("UPDATE wallets SET locked").WithArgs(decimal.RequireFromString("-6.0000"), "alice").WillReturnResult(sqlmock.NewResult(0, 1))

	// ConsumeLockedTx(bob, paySell=4.0000)
	mock.ExpectExec("INSERT INTO wallets").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("bob").WillReturnRows(walletRow("bob", "96", "4"))
	mock.ExpectExec("UPDATE wallets SET locked").WithArgs(decimal.RequireFromString("-4.0000"), "bob").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE orders SET filled_quantity").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET filled_quantity").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE markets SET last_price").WithArgs(decimal.RequireFromString("0.6"), "m1").WillReturnResult(sqlmock.NewResult(0, 1))

	// AddSharesTx(alice, BUY)
	mock.ExpectExec("INSERT INTO positions").WithArgs("alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").WithArgs("alice", "m1").WillReturnRows(positionRow("alice", "m1", 0, 0))
	mock.ExpectExec("UPDATE positions SET yes_shares").WithArgs(10, 0, decimal.RequireFromString("0.6000"), nil, "alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))

	// AddSharesTx(bob, SELL)
	mock.ExpectExec("INSERT INTO positions").WithArgs("bob", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").WithArgs("bob", "m1").WillReturnRows(positionRow("bob", "m1", 0, 0))
	mock.ExpectExec("UPDATE positions SET yes_shares").WithArgs(0, 10, nil, decimal.RequireFromString("0.4000"), "bob", "m1").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	executed, err := m.Run(context.Background(), book, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 0, book.Size())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunNoCrossWhenSpreadOpen(t *testing.T) {
	m, _, mock := newMock(t)
	book := orderbook.New()
	book.Add(&orderbook.Entry{OrderID: "buy1", UserID: "alice", Side: model.SideBuy, Price: decimal.RequireFromString("0.4"), RemainingQty: 10, CreatedAt: time.Now()})
	book.Add(&orderbook.Entry{OrderID: "sell1", UserID: "bob", Side: model.SideSell, Price: decimal.RequireFromString("0.6"), RemainingQty: 10, CreatedAt: time.Now()})

	executed, err := m.Run(context.Background(), book, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0, executed)
	assert.Equal(t, 2, book.Size())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRunSkipsSelfTrade verifies the matcher will not cross a user's
// own resting bid against their own resting ask, instead matching
// through to the next-best ask from a different user.
func TestRunSkipsSelfTrade(t *testing.T) {
	m, _, mock := newMock(t)

	now := time.Now()
	book := orderbook.New()
	book.Add(&orderbook.Entry{OrderID: "buy1", UserID: "alice", Side: model.SideBuy, Price: decimal.RequireFromString("0.6"), RemainingQty: 10, CreatedAt: now})
	book.Add(&orderbook.Entry{OrderID: "sell1", UserID: "alice", Side: model.SideSell, Price: decimal.RequireFromString("0.5"), RemainingQty: 10, CreatedAt: now.Add(time.Second)})
	book.Add(&orderbook.Entry{OrderID: "sell2", UserID: "bob", Side: model.SideSell, Price: decimal.RequireFromString("0.55"), RemainingQty: 10, CreatedAt: now.Add(2 * time.Second)})

	mock.ExpectBegin()
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("buy1").WillReturnRows(orderRow("buy1", "alice", "BUY", "0.6", 10))
	mock.ExpectQuery("FROM orders WHERE id").WithArgs("sell2").WillReturnRows(orderRow("sell2", "bob", "SELL", "0.55", 10))

	mock.ExpectExec("INSERT INTO wallets").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("alice").WillReturnRows(walletRow("alice", "94", "6"))
	mock.ExpectExec("INSERT INTO wallets").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("bob").WillReturnRows(walletRow("bob", "96", "4"))

	mock.ExpectExec("INSERT INTO wallets").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("alice").WillReturnRows(walletRow("alice", "94", "6"))
	mock.ExpectExec("UPDATE wallets SET locked").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO wallets").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("bob").WillReturnRows(walletRow("bob", "96", "4"))
	mock.ExpectExec("UPDATE wallets SET locked").WillReturnResult(sqlmock.NewResult(0, 1))

	// UnlockTx(bob, refundSell=0.5000): sell2 locked at 0.55 but executes
	// at buy1's maker price 0.60.
	mock.ExpectExec("INSERT INTO wallets").WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").WithArgs("bob").WillReturnRows(walletRow("bob", "96", "4"))
	mock.ExpectExec("UPDATE wallets SET locked").WithArgs(decimal.RequireFromString("-0.5000"), "bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE wallets SET available").WithArgs(decimal.RequireFromString("0.5000"), "bob").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE orders SET filled_quantity").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET filled_quantity").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE markets SET last_price").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO positions").WithArgs("alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").WithArgs("alice", "m1").WillReturnRows(positionRow("alice", "m1", 0, 0))
	mock.ExpectExec("UPDATE positions SET yes_shares").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO positions").WithArgs("bob", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").WithArgs("bob", "m1").WillReturnRows(positionRow("bob", "m1", 0, 0))
	mock.ExpectExec("UPDATE positions SET yes_shares").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	executed, err := m.Run(context.Background(), book, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	// buy1 and sell2 filled completely; alice's own sell1 never crossed
	// and is the only order still resting.
	assert.Equal(t, 1, book.Size())
	assert.NoError(t, mock.ExpectationsWereMet())
}
