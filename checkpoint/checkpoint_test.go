package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	derror "github.com/hanfei1991/tuneflow/pkg/errors"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	ref, err := store.Put(ctx, []byte("state-1"), TargetMemory)
	require.NoError(t, err)
	require.Equal(t, TargetMemory, ref.Target)

	payload, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("state-1"), payload)

	require.NoError(t, store.Discard(ctx, ref))
	_, err = store.Get(ctx, ref)
	require.True(t, derror.ErrCheckpointNotFound.Equal(err))
}

func TestDiskRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	ref, err := store.Put(ctx, []byte("state-2"), TargetDisk)
	require.NoError(t, err)
	require.Equal(t, TargetDisk, ref.Target)

	payload, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("state-2"), payload)

	require.NoError(t, store.Discard(ctx, ref))
	_, err = store.Get(ctx, ref)
	require.True(t, derror.ErrCheckpointNotFound.Equal(err))
	// Discarding twice is fine.
	require.NoError(t, store.Discard(ctx, ref))
}

func TestGetIsACopy(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	ref, err := store.Put(ctx, []byte("abc"), TargetMemory)
	require.NoError(t, err)

	payload, err := store.Get(ctx, ref)
	require.NoError(t, err)
	payload[0] = 'x'

	again, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)
}
