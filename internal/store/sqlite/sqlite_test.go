package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gw2am/internal/store"
)

func open(t *testing.T, path string) *DB {
	t.Helper()
	db, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestAccountsCRUD(t *testing.T) {
	db := open(t, ":memory:")
	ctx := context.Background()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.PutAccount(ctx, store.Account{ID: "acc-2", Name: "Second", Email: "b@x", Password: "sealed-b", CreatedAt: created.Add(time.Minute)}))
	require.NoError(t, db.PutAccount(ctx, store.Account{ID: "acc-1", Name: "First", Email: "a@x", Password: "sealed-a", LaunchArgs: "-windowed", CreatedAt: created}))

	all, err := db.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []string{"acc-1", "acc-2"}, store.IDs(all))
	assert.Equal(t, "-windowed", all[0].LaunchArgs)
	assert.True(t, all[0].CreatedAt.Equal(created))

	// update keeps created_at
	require.NoError(t, db.PutAccount(ctx, store.Account{ID: "acc-1", Name: "Renamed", Email: "a@x", Password: "sealed-a2"}))
	got, err := db.Account(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "sealed-a2", got.Password)
	assert.True(t, got.CreatedAt.Equal(created))

	require.NoError(t, db.DeleteAccount(ctx, "acc-1"))
	_, err = db.Account(ctx, "acc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, db.DeleteAccount(ctx, "acc-1"), store.ErrNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	db := open(t, filepath.Join(t.TempDir(), "gw2am.db"))
	ctx := context.Background()

	s, err := db.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Settings{}, s)

	yes := true
	want := store.Settings{
		ExecutablePath:         `C:\Games\Guild Wars 2\Gw2-64.exe`,
		AllowMultipleInstances: &yes,
		AutomationOptions:      map[string]string{"delay": "3s"},
	}
	require.NoError(t, db.PutSettings(ctx, want))
	s, err = db.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, s)

	require.NoError(t, db.PutSettings(ctx, store.Settings{StorefrontURI: "steam://run/1284210//{args}/"}))
	s, err = db.Settings(ctx)
	require.NoError(t, err)
	assert.Nil(t, s.AllowMultipleInstances)
	assert.Empty(t, s.ExecutablePath)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
