// Package store persists accounts and launcher settings.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an account cannot coexist with a stored one.
var ErrConflict = errors.New("conflict")

// Account is one game login. Password holds the sealed value produced by the
// secret package, never plaintext.
type Account struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Password   string    `json:"-"`
	LaunchArgs string    `json:"launch_args"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Settings are the launcher-wide preferences. Unset fields fall back to the
// configuration file (see WithDefaults).
type Settings struct {
	ExecutablePath         string            `json:"executable_path"`
	StorefrontURI          string            `json:"storefront_uri"`
	AllowMultipleInstances *bool             `json:"allow_multiple_instances,omitempty"`
	AutomationOptions      map[string]string `json:"automation_options,omitempty"`
}

// AllowMultiple reports the multi-instance preference, false when unset.
func (s Settings) AllowMultiple() bool {
	return s.AllowMultipleInstances != nil && *s.AllowMultipleInstances
}

// Store is the account and settings persistence interface.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Accounts returns every account ordered by creation time.
	Accounts(ctx context.Context) ([]Account, error)
	Account(ctx context.Context, id string) (Account, error)
	// PutAccount inserts or replaces an account. CreatedAt is kept on update.
	PutAccount(ctx context.Context, a Account) error
	DeleteAccount(ctx context.Context, id string) error
	// Settings returns the saved settings, or zero Settings if none were saved.
	Settings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error
	Close() error
}

// IDs returns the ids of accounts in order.
func IDs(accounts []Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}
