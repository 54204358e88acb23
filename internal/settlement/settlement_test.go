package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yesno-exchange/internal/db"
	"yesno-exchange/internal/ledger"
	"yesno-exchange/internal/model"
	"yesno-exchange/internal/position"
)

func newMock(t *testing.T) (*Settlement, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	sx := sqlx.NewDb(mockDB, "postgres")
	store := &db.Store{DB: sx}
	return New(store, ledger.New(store), position.New(store)), mock
}

func marketRow(id, state string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "event_id", "outcome_label", "state", "last_price", "created_at"}).
		AddRow(id, "ev1", "YES", state, nil, time.Now())
}

func orderRows(cols []string) *sqlmock.Rows {
	return sqlmock.NewRows(cols)
}

func TestSettleRejectsAlreadySettled(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_id, outcome_label, state, last_price, created_at FROM markets").
		WithArgs("m1").
		WillReturnRows(marketRow("m1", "SETTLED"))
	mock.ExpectRollback()

	_, err := s.Settle(context.Background(), "m1", model.OutcomeYes)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleRejectsInvalidOutcome(t *testing.T) {
	s, _ := newMock(t)
	_, err := s.Settle(context.Background(), "m1", model.Outcome("MAYBE"))
	require.Error(t, err)
}

func TestSettlePaysWinningPositionsAndClosesMarket(t *testing.T) {
	s, mock := newMock(t)

	orderCols := []string{"id", "user_id", "market_id", "side", "price", "quantity", "filled_quantity", "state", "execution_price", "locked_amount", "created_at", "updated_at"}
	positionCols := []string{"user_id", "market_id", "yes_shares", "no_shares", "avg_yes_cost", "avg_no_cost"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_id, outcome_label, state, last_price, created_at FROM markets").
		WithArgs("m1").
		WillReturnRows(marketRow("m1", "ACTIVE"))

	// no open orders to unwind
	mock.ExpectQuery("FROM orders WHERE market_id").
		WithArgs("m1").
		WillReturnRows(orderRows(orderCols))

	// one winning YES position
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares, no_shares, avg_yes_cost, avg_no_cost FROM positions WHERE market_id").
		WithArgs("m1").
		WillReturnRows(positionRows("alice", "m1", 10, 0, positionCols))

	mock.ExpectExec("INSERT INTO wallets").WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, available, locked FROM wallets").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "available", "locked"}).AddRow("alice", "0", "0"))
	mock.ExpectExec("UPDATE wallets SET available").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transactions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

	mock.ExpectExec("INSERT INTO positions").WithArgs("alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares, no_shares, avg_yes_cost, avg_no_cost FROM positions WHERE user_id").
		WithArgs("alice", "m1").
		WillReturnRows(positionRows("alice", "m1", 10, 0, positionCols))
	mock.ExpectExec("UPDATE positions SET yes_shares").WithArgs(0, 0, nil, nil, "alice", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE markets SET state").WithArgs(model.MarketSettled, "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	market, err := s.Settle(context.Background(), "m1", model.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, model.MarketSettled, market.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func positionRows(userID, marketID string, yes, no int, cols []string) *sqlmock.Rows {
	return sqlmock.NewRows(cols).AddRow(userID, marketID, yes, no, nil, nil)
}
