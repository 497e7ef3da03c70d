package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/opsgate/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS opsgate_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		actor_id TEXT,
		actor_label TEXT,
		reason TEXT,
		detail TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opsgate_history(occurred_at, kind, action, outcome, actor_id, actor_label, reason, detail)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Kind), e.Action, e.Outcome, e.ActorID, e.ActorLabel, e.Reason, e.Detail)
	return err
}

// Recent returns up to limit events for action, newest first.
func (s *Sink) Recent(ctx context.Context, action string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, kind, action, outcome, actor_id, actor_label, reason, detail
		FROM opsgate_history WHERE action = ? ORDER BY occurred_at DESC LIMIT ?;`, action, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var e history.Event
		var kind string
		var actorID, actorLabel, reason, detail sql.NullString
		if err := rows.Scan(&e.OccurredAt, &kind, &e.Action, &e.Outcome, &actorID, &actorLabel, &reason, &detail); err != nil {
			return nil, err
		}
		e.Kind = history.Kind(kind)
		e.ActorID, e.ActorLabel, e.Reason, e.Detail = actorID.String, actorLabel.String, reason.String, detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
