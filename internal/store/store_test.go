package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/siwachabhi/sonic-relay/internal/model"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordSessionStart(t *testing.T) {
	mock := newMock(t)
	startedAt := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("insert into relay_sessions")).
		WithArgs("ses_1", "conn_1", "usr_1", "bedrock", startedAt, "active").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := New(mock).RecordSessionStart(context.Background(), model.RelaySession{
		ID:           "ses_1",
		ConnectionID: "conn_1",
		UserID:       "usr_1",
		Backend:      "bedrock",
		StartedAt:    startedAt,
	})
	if err != nil {
		t.Fatalf("RecordSessionStart returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordSessionEnd(t *testing.T) {
	mock := newMock(t)
	endedAt := time.Date(2026, 10, 15, 9, 45, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("update relay_sessions")).
		WithArgs("ses_1", endedAt, "ended", model.EndClientRequested, int64(12), int64(40), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := New(mock).RecordSessionEnd(context.Background(), model.SessionEnd{
		ID:        "ses_1",
		EndedAt:   endedAt,
		EndReason: model.EndClientRequested,
		Counters:  model.Counters{EventsIn: 12, EventsOut: 40, AudioChunks: 9},
	})
	if err != nil {
		t.Fatalf("RecordSessionEnd returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordSessionEnd_AlreadyClosed(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("update relay_sessions")).
		WithArgs("ses_gone", pgxmock.AnyArg(), "ended", model.EndConnectionClose, int64(0), int64(0), int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := New(mock).RecordSessionEnd(context.Background(), model.SessionEnd{
		ID:        "ses_gone",
		EndedAt:   time.Now(),
		EndReason: model.EndConnectionClose,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseAbandonedSessions(t *testing.T) {
	mock := newMock(t)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("update relay_sessions")).
		WithArgs(now, "abandoned", model.EndAbandoned, now.Add(-6*time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("ses_1").AddRow("ses_2"))

	s := New(mock)
	s.now = func() time.Time { return now }
	ids, err := s.CloseAbandonedSessions(context.Background(), 6*time.Hour)
	if err != nil {
		t.Fatalf("CloseAbandonedSessions returned err: %v", err)
	}
	if len(ids) != 2 || ids[0] != "ses_1" || ids[1] != "ses_2" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteEndedSessionsBefore(t *testing.T) {
	mock := newMock(t)
	cutoff := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("delete from relay_sessions")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 17))

	n, err := New(mock).DeleteEndedSessionsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteEndedSessionsBefore returned err: %v", err)
	}
	if n != 17 {
		t.Fatalf("expected 17 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("create table if not exists relay_sessions")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	if err := New(mock).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
