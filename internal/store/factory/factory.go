package factory

import (
	"errors"
	"strings"

	"github.com/loykin/gw2am/internal/store"
	pg "github.com/loykin/gw2am/internal/store/postgres"
	sq "github.com/loykin/gw2am/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or a bare file path
//   - postgres: "postgres://..." or "postgresql://..."
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	switch {
	case ld == "":
		return nil, errors.New("empty DSN")
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	default:
		return sq.New(d)
	}
}
