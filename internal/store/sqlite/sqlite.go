package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/gw2am/internal/store"
)

// DB implements store.Store on SQLite (modernc.org/sqlite, CGO-free).
// The DSN is a file path; ":memory:" gives a private in-memory database.
var _ store.Store = (*DB)(nil)

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases alive and serializes writers
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			password TEXT NOT NULL,
			launch_args TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings(
			id INTEGER PRIMARY KEY CHECK (id = 1),
			executable_path TEXT NOT NULL DEFAULT '',
			storefront_uri TEXT NOT NULL DEFAULT '',
			allow_multiple BOOLEAN NULL,
			automation_options TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Accounts(ctx context.Context) ([]store.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, password, launch_args, created_at, updated_at
		FROM accounts
		ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *DB) Account(ctx context.Context, id string) (store.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password, launch_args, created_at, updated_at
		FROM accounts WHERE id=?;`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, fmt.Errorf("account %q: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (s *DB) PutAccount(ctx context.Context, a store.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts(id, name, email, password, launch_args, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			email=excluded.email,
			password=excluded.password,
			launch_args=excluded.launch_args,
			updated_at=excluded.updated_at;`,
		a.ID, a.Name, a.Email, a.Password, a.LaunchArgs, a.CreatedAt.UTC(), now)
	return err
}

func (s *DB) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *DB) Settings(ctx context.Context) (store.Settings, error) {
	var (
		out   store.Settings
		multi sql.NullBool
		opts  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT executable_path, storefront_uri, allow_multiple, automation_options
		FROM settings WHERE id=1;`).Scan(&out.ExecutablePath, &out.StorefrontURI, &multi, &opts)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Settings{}, nil
	}
	if err != nil {
		return store.Settings{}, err
	}
	if multi.Valid {
		v := multi.Bool
		out.AllowMultipleInstances = &v
	}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &out.AutomationOptions); err != nil {
			return store.Settings{}, fmt.Errorf("decode automation options: %w", err)
		}
	}
	return out, nil
}

func (s *DB) PutSettings(ctx context.Context, st store.Settings) error {
	opts, err := json.Marshal(st.AutomationOptions)
	if err != nil {
		return err
	}
	var multi any
	if st.AllowMultipleInstances != nil {
		multi = *st.AllowMultipleInstances
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings(id, executable_path, storefront_uri, allow_multiple, automation_options, updated_at)
		VALUES(1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			executable_path=excluded.executable_path,
			storefront_uri=excluded.storefront_uri,
			allow_multiple=excluded.allow_multiple,
			automation_options=excluded.automation_options,
			updated_at=excluded.updated_at;`,
		st.ExecutablePath, st.StorefrontURI, multi, string(opts), time.Now().UTC())
	return err
}

type scanner interface{ Scan(dest ...any) error }

func scanAccount(r scanner) (store.Account, error) {
	var a store.Account
	err := r.Scan(&a.ID, &a.Name, &a.Email, &a.Password, &a.LaunchArgs, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}
