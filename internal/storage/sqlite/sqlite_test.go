package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/beacon/internal/storage"
)

var _ storage.Storage = (*Storage)(nil)
var _ storage.Quarantiner = (*Storage)(nil)

func TestSQLiteStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New("sqlite://" + filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, []byte(`{"events":[]}`)))
	require.NoError(t, s.Save(ctx, []byte(`{"events":[{"Type":"a","Data":"b"}]}`)))

	b, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"events":[{"Type":"a","Data":"b"}]}`, string(b))

	exists, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx))
	exists, err = s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteStorage_InMemoryQuarantine(t *testing.T) {
	ctx := context.Background()
	s, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Save(ctx, []byte("old garbage")))
	require.NoError(t, s.Quarantine(ctx))
	require.NoError(t, s.Save(ctx, []byte("new garbage")))
	require.NoError(t, s.Quarantine(ctx))

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	var payload string
	err = s.db.QueryRowContext(ctx, `SELECT payload FROM beacon_state WHERE name = ?;`,
		storage.DefaultName+storage.CorruptSuffix).Scan(&payload)
	require.NoError(t, err)
	assert.Equal(t, "new garbage", payload)
}

func TestSQLiteStorage_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	require.Error(t, err)
}
