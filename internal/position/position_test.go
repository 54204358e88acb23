package position

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yesno-exchange/internal/db"
	"yesno-exchange/internal/model"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	sx := sqlx.NewDb(mockDB, "postgres")
	return New(&db.Store{DB: sx}), mock
}

func positionRows(userID, marketID string, yes, no int, avgYes, avgNo *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "market_id", "yes_shares", "no_shares", "avg_yes_cost", "avg_no_cost"}).
		AddRow(userID, marketID, yes, no, avgYes, avgNo)
}

func TestAddSharesTxFirstFillSetsAvgCost(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO positions").WithArgs("alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").
		WithArgs("alice", "m1").
		WillReturnRows(positionRows("alice", "m1", 0, 0, nil, nil))
	mock.ExpectExec("UPDATE positions SET yes_shares").
		WithArgs(10, 0, decimal.RequireFromString("0.6000"), sqlmock.AnyArg(), "alice", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.store.DB.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	err = s.AddSharesTx(context.Background(), tx, "alice", "m1", model.SideBuy, 10, decimal.RequireFromString("0.6"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddSharesTxFoldsWeightedAverage(t *testing.T) {
	s, mock := newMock(t)

	avgYes := "0.5000"
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO positions").WithArgs("alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").
		WithArgs("alice", "m1").
		WillReturnRows(positionRows("alice", "m1", 10, 0, &avgYes, nil))
	// existing 10 @ 0.50, adding 10 @ 0.70 -> (5+7)/20 = 0.6000
	mock.ExpectExec("UPDATE positions SET yes_shares").
		WithArgs(20, 0, decimal.RequireFromString("0.6000"), sqlmock.AnyArg(), "alice", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.store.DB.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	err = s.AddSharesTx(context.Background(), tx, "alice", "m1", model.SideBuy, 10, decimal.RequireFromString("0.7"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddSharesTxRejectsNonPositiveDelta(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	tx, err := s.store.DB.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()

	err = s.AddSharesTx(context.Background(), tx, "alice", "m1", model.SideBuy, 0, decimal.RequireFromString("0.5"))
	require.Error(t, err)
}

func TestClearTxZeroesPosition(t *testing.T) {
	s, mock := newMock(t)

	avgYes := "0.6000"
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO positions").WithArgs("alice", "m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, market_id, yes_shares").
		WithArgs("alice", "m1").
		WillReturnRows(positionRows("alice", "m1", 20, 0, &avgYes, nil))
	mock.ExpectExec("UPDATE positions SET yes_shares").
		WithArgs(0, 0, nil, nil, "alice", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := s.store.DB.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	err = s.ClearTx(context.Background(), tx, "alice", "m1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}
