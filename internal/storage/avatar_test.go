package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemAvatarStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemAvatarStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.PutAvatar(ctx, "u1", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "avatars/u1.png", ref)

	data, err := store.GetAvatar(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	_, err = store.GetAvatar(ctx, "avatars/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemAvatarStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemAvatarStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.PutAvatar(ctx, "u1", []byte("old"))
	require.NoError(t, err)
	ref, err := store.PutAvatar(ctx, "u1", []byte("new"))
	require.NoError(t, err)

	data, err := store.GetAvatar(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}
