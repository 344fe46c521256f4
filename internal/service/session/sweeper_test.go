package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSweeperDisabledWithoutTTL(t *testing.T) {
	assert.Nil(t, NewSweeper(NewStore(), 0, time.Minute))
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	sess := store.Create(ctx)

	sweeper := NewSweeper(store, time.Nanosecond, time.Minute)
	require.NotNil(t, sweeper)

	time.Sleep(10 * time.Millisecond)
	sweeper.sweep(ctx)

	assert.Zero(t, store.Count(ctx))
	_, err := store.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepKeepsActiveSessions(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	store.Create(ctx)

	sweeper := NewSweeper(store, time.Hour, time.Minute)
	require.NotNil(t, sweeper)
	sweeper.sweep(ctx)

	assert.Equal(t, 1, store.Count(ctx))
}
