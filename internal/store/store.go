package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/siwachabhi/sonic-relay/internal/model"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db  DB
	now func() time.Time
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func New(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

const schema = `
create table if not exists relay_sessions (
  id            text primary key,
  connection_id text not null,
  user_id       text not null default '',
  backend       text not null,
  started_at    timestamptz not null,
  ended_at      timestamptz,
  status        text not null,
  end_reason    text not null default '',
  events_in     bigint not null default 0,
  events_out    bigint not null default 0,
  audio_chunks  bigint not null default 0
);
create index if not exists relay_sessions_open_idx on relay_sessions (started_at) where ended_at is null;
create index if not exists relay_sessions_ended_idx on relay_sessions (ended_at) where ended_at is not null`

// EnsureSchema creates the relay_sessions table and its indexes if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *Store) RecordSessionStart(ctx context.Context, in model.RelaySession) error {
	const q = `
insert into relay_sessions (id, connection_id, user_id, backend, started_at, status)
values ($1, $2, $3, $4, $5, $6)`
	status := in.Status
	if status == "" {
		status = model.SessionActive
	}
	_, err := s.db.Exec(ctx, q, in.ID, in.ConnectionID, in.UserID, in.Backend, in.StartedAt.UTC(), string(status))
	return err
}

// RecordSessionEnd closes an open session record. A record already closed,
// e.g. by the abandoned-session job, reports ErrNotFound.
func (s *Store) RecordSessionEnd(ctx context.Context, in model.SessionEnd) error {
	const q = `
update relay_sessions
set ended_at = $2,
    status = $3,
    end_reason = $4,
    events_in = $5,
    events_out = $6,
    audio_chunks = $7
where id = $1 and ended_at is null`
	tag, err := s.db.Exec(ctx, q,
		in.ID, in.EndedAt.UTC(), string(model.SessionEnded), in.EndReason,
		in.EventsIn, in.EventsOut, in.AudioChunks,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open session %s: %w", in.ID, ErrNotFound)
	}
	return nil
}

// CloseAbandonedSessions marks sessions that have been open longer than
// maxAge as abandoned. Such records are left behind when a process exits
// without running connection cleanup. It returns the closed session IDs.
func (s *Store) CloseAbandonedSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	const q = `
update relay_sessions
set ended_at = $1,
    status = $2,
    end_reason = $3
where ended_at is null
  and started_at < $4
returning id`
	now := s.now().UTC()
	rows, err := s.db.Query(ctx, q, now, string(model.SessionAbandoned), model.EndAbandoned, now.Add(-maxAge))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteEndedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from relay_sessions where ended_at is not null and ended_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
