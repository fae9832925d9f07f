package kv

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	require.NoError(t, s.Set(ctx, "k", "v2"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Set(ctx, "empty", ""))
	v, ok, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok, "empty value is still present")
	assert.Equal(t, "", v)

	require.NoError(t, s.Remove(ctx, "k"))
	require.NoError(t, s.Remove(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryStoreFailures(t *testing.T) {
	m := NewMemory()
	boom := errors.New("disk full")
	m.FailWith = boom

	assert.ErrorIs(t, m.Set(context.Background(), "k", "v"), boom)
	_, _, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, boom)

	m.FailWith = nil
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Remove(context.Background(), "k"), ErrClosed)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("HEROES_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HEROES_TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(url, "heroes-test-"+uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseStore(t, s)
}
