package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/aiengine/internal/history"
)

// Sink writes history events to a SQLite database.
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
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + `(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			engine TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			message TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + history.Table + `_engine ON ` + history.Table + `(engine, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+history.Table+`(occurred_at, engine, state, reason, message, attempt, pid)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.Engine, e.State, nullable(e.Reason), nullable(e.Message), e.Attempt, e.PID)
	return err
}

// Recent returns up to limit events for engine, newest first.
func (s *Sink) Recent(ctx context.Context, engine string, limit int) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, engine, state, COALESCE(reason, ''), COALESCE(message, ''), attempt, pid
		FROM `+history.Table+` WHERE engine = ? ORDER BY rowid DESC LIMIT ?;`, engine, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		e := history.Event{Type: history.EventStatus}
		if err := rows.Scan(&e.OccurredAt, &e.Engine, &e.State, &e.Reason, &e.Message, &e.Attempt, &e.PID); err != nil {
			return nil, err
		}
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

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
