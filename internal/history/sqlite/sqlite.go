package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/gw2am/internal/history"
)

// Sink appends launch transitions to a SQLite table.
type Sink struct {
	db *sql.DB
}

// New opens the sink. Accepted forms: "sqlite://<path>", a bare path, or
// ":memory:".
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) Name() string { return "sqlite" }

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS launch_history(
			occurred_at TIMESTAMP NOT NULL,
			account_id TEXT NOT NULL,
			from_phase TEXT NOT NULL,
			to_phase TEXT NOT NULL,
			certainty TEXT NOT NULL,
			note TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_launch_history_account ON launch_history(account_id, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var note any
	if e.Note != "" {
		note = e.Note
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO launch_history(occurred_at, account_id, from_phase, to_phase, certainty, note)
		VALUES(?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.AccountID, e.From, e.To, e.Certainty, note)
	return err
}

// Recent returns the latest events for account, newest first.
func (s *Sink) Recent(ctx context.Context, account string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, account_id, from_phase, to_phase, certainty, note
		FROM launch_history
		WHERE account_id=?
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?;`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]history.Event, 0)
	for rows.Next() {
		var (
			e    history.Event
			note sql.NullString
		)
		if err := rows.Scan(&e.OccurredAt, &e.AccountID, &e.From, &e.To, &e.Certainty, &note); err != nil {
			return nil, err
		}
		e.Note = note.String
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
