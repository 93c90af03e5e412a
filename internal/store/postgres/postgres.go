package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/gw2am/internal/store"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
var _ store.Store = (*DB)(nil)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL,
			password TEXT NOT NULL,
			launch_args TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS settings(
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			executable_path TEXT NOT NULL DEFAULT '',
			storefront_uri TEXT NOT NULL DEFAULT '',
			allow_multiple BOOLEAN NULL,
			automation_options TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Accounts(ctx context.Context) ([]store.Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, email, password, launch_args, created_at, updated_at
		FROM accounts
		ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Account, 0)
	for rows.Next() {
		var a store.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.Password, &a.LaunchArgs, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *DB) Account(ctx context.Context, id string) (store.Account, error) {
	var a store.Account
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, password, launch_args, created_at, updated_at
		FROM accounts WHERE id=$1;`, id).
		Scan(&a.ID, &a.Name, &a.Email, &a.Password, &a.LaunchArgs, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, fmt.Errorf("account %q: %w", id, store.ErrNotFound)
	}
	return a, err
}

func (p *DB) PutAccount(ctx context.Context, a store.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts(id, name, email, password, launch_args, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			email=EXCLUDED.email,
			password=EXCLUDED.password,
			launch_args=EXCLUDED.launch_args,
			updated_at=EXCLUDED.updated_at;`,
		a.ID, a.Name, a.Email, a.Password, a.LaunchArgs, a.CreatedAt.UTC(), now)
	return err
}

func (p *DB) DeleteAccount(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE id=$1;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (p *DB) Settings(ctx context.Context) (store.Settings, error) {
	var (
		out   store.Settings
		multi sql.NullBool
		opts  string
	)
	err := p.db.QueryRowContext(ctx, `
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

func (p *DB) PutSettings(ctx context.Context, st store.Settings) error {
	opts, err := json.Marshal(st.AutomationOptions)
	if err != nil {
		return err
	}
	var multi sql.NullBool
	if st.AllowMultipleInstances != nil {
		multi = sql.NullBool{Bool: *st.AllowMultipleInstances, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO settings(id, executable_path, storefront_uri, allow_multiple, automation_options, updated_at)
		VALUES(1,$1,$2,$3,$4,$5)
		ON CONFLICT(id) DO UPDATE SET
			executable_path=EXCLUDED.executable_path,
			storefront_uri=EXCLUDED.storefront_uri,
			allow_multiple=EXCLUDED.allow_multiple,
			automation_options=EXCLUDED.automation_options,
			updated_at=EXCLUDED.updated_at;`,
		st.ExecutablePath, st.StorefrontURI, multi, string(opts), time.Now().UTC())
	return err
}
