package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/batch"
	"github.com/nodenexus/nodenexus/internal/metricswriter"
	"github.com/nodenexus/nodenexus/internal/protocol"
	"github.com/nodenexus/nodenexus/internal/reset"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestAuthenticateRejectsUnknownHost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, agent_secret FROM vps").
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	_, ok, reason := s.Authenticate(context.Background(), protocol.AgentHandshake{HostID: 42, AgentSecret: "x"})
	require.False(t, ok)
	require.Equal(t, "unknown host", reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateRejectsBadSecret(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "agent_secret"}).AddRow(int64(1), "correct-secret")
	mock.ExpectQuery("SELECT id, agent_secret FROM vps").WithArgs(int64(1)).WillReturnRows(rows)

	_, ok, reason := s.Authenticate(context.Background(), protocol.AgentHandshake{HostID: 1, AgentSecret: "wrong"})
	require.False(t, ok)
	require.Equal(t, "invalid agent secret", reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBatchStatusReturnsPreviousStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status FROM batch_command_tasks").
		WithArgs("batch-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Dispatching"))
	mock.ExpectExec("UPDATE batch_command_tasks SET status").
		WithArgs("batch-1", "CompletedSuccessfully", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prev, err := s.UpdateBatchStatus(context.Background(), "batch-1", batch.StatusCompletedSuccessfully)
	require.NoError(t, err)
	require.Equal(t, batch.Status("Dispatching"), prev)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSamplesRunsTrafficAccountingInTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO performance_metrics")
	mock.ExpectExec("INSERT INTO performance_metrics").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT cycle_rx, cycle_tx, last_processed_rx, last_processed_tx").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"cycle_rx", "cycle_tx", "last_processed_rx", "last_processed_tx"}).
			AddRow(int64(1000), int64(2000), int64(500), int64(1000)))
	mock.ExpectExec("UPDATE vps SET cycle_rx").
		WithArgs(int64(7), int64(1500), int64(3000), int64(1000), int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	samples := []metricswriter.Sample{
		{
			HostID: 7,
			PerformanceSample: protocol.PerformanceSample{
				Time:     time.Now().UnixMilli(),
				NetRxCum: 1000,
				NetTxCum: 2000,
			},
		},
	}

	err := s.InsertSamples(context.Background(), samples)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyTrafficResetZeroesCountersButKeepsLastProcessed(t *testing.T) {
	s, mock := newMockStore(t)

	last := time.Date(2025, 1, 15, 1, 0, 0, 0, time.UTC)
	next := time.Date(2025, 2, 15, 1, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT cycle_rx, cycle_tx, last_processed_rx, last_processed_tx").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"cycle_rx", "cycle_tx", "last_processed_rx", "last_processed_tx"}).
			AddRow(int64(700), int64(900), int64(5000), int64(6000)))
	mock.ExpectExec("UPDATE vps SET cycle_rx").
		WithArgs(int64(3), int64(0), int64(0), int64(5000), int64(6000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE vps SET last_reset").
		WithArgs(int64(3), last, next).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ApplyTrafficReset(context.Background(), 3, last, next))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDueTrafficResetsParsesResetConfig(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "last_reset", "next_reset", "reset_rule", "reset_day", "reset_offset_seconds", "reset_fixed_days"}).
		AddRow(int64(9), now.AddDate(0, -1, 0), now, "monthly_day_of_month", 1, 0, 0)
	mock.ExpectQuery("SELECT id, last_reset, next_reset").WithArgs(now).WillReturnRows(rows)

	due, err := s.DueTrafficResets(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, reset.RuleMonthlyDayOfMonth, due[0].Config.Rule)
	require.Equal(t, int64(9), due[0].HostID)
	require.NoError(t, mock.ExpectationsWereMet())
}
