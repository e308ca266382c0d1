package ingress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RedisChallengeStore is exercised only by wiring (cmd/sandboxd), not by a
// unit test here: it needs a live Redis, which miniredis-style in-memory
// fakes aren't available in this module's dependency set. LocalChallengeStore
// shares the Put/Get/Delete contract, so its coverage stands in for the
// interface's semantics.

func TestLocalChallengeStorePutGet(t *testing.T) {
	store := NewLocalChallengeStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "token-1", "key-auth-1"))

	keyAuth, ok, err := store.Get(ctx, "token-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "key-auth-1", keyAuth)
}

func TestLocalChallengeStoreGetMissing(t *testing.T) {
	store := NewLocalChallengeStore()
	_, ok, err := store.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalChallengeStoreDelete(t *testing.T) {
	store := NewLocalChallengeStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "token-1", "key-auth-1"))
	require.NoError(t, store.Delete(ctx, "token-1"))

	_, ok, err := store.Get(ctx, "token-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
