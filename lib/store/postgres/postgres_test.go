package postgres

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/rgbwallet/lib/store"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS transfers")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	p, err := FromDB(db)
	require.NoError(t, err)

	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, p.ClosePostgres())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	return p, mock
}

func TestSaveTransfer(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC()
	tr := store.Transfer{ID: "t1", Contract: "c", Network: "regtest", Invoice: "rgb:x", Amount: 250,
		Status: store.StatusPending, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transfers")).
		WithArgs("t1", "c", "regtest", "rgb:x", int64(250), "pending", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.SaveTransfer(tr))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transfers")).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	require.ErrorIs(t, p.SaveTransfer(tr), store.ErrDuplicate)
}

func TestUpdateTransfer(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE transfers SET status")).
		WithArgs("broadcast", "txid", "", sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.UpdateTransfer("t1", store.StatusBroadcast, "txid", ""))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE transfers SET status")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, p.UpdateTransfer("t2", store.StatusFailed, "", "boom"), store.ErrDataNotFound)
}

func TestGetTransfers(t *testing.T) {
	p, mock := newMock(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "contract", "network", "invoice", "amount", "status", "txid", "error",
		"created_at", "updated_at"}).
		AddRow("t1", "c", "regtest", "rgb:x", int64(250), "committed", "ab", "", now, now).
		AddRow("t2", "c", "regtest", "rgb:y", int64(5), "partial", "cd", "flush", now, now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, contract")).WithArgs("c").WillReturnRows(rows)

	ts, err := p.GetTransfers("c")
	require.NoError(t, err)
	require.Len(t, ts, 2)
	require.Equal(t, uint64(250), ts[0].Amount)
	require.Equal(t, store.StatusPartial, ts[1].Status)
	require.Equal(t, "flush", ts[1].Error)
}
