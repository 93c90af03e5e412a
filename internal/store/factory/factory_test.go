package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pg "github.com/loykin/gw2am/internal/store/postgres"
	sq "github.com/loykin/gw2am/internal/store/sqlite"
)

func TestNewFromDSN(t *testing.T) {
	_, err := NewFromDSN("   ")
	assert.Error(t, err)

	// sql.Open does not connect, so no server is needed
	s, err := NewFromDSN("PostgreSQL://user@localhost/db")
	require.NoError(t, err)
	assert.IsType(t, &pg.DB{}, s)
	_ = s.Close()

	for _, dsn := range []string{"sqlite://:memory:", ":memory:"} {
		s, err := NewFromDSN(dsn)
		require.NoError(t, err, dsn)
		assert.IsType(t, &sq.DB{}, s)
		_ = s.Close()
	}
}
