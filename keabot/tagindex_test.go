package keabot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNormalizeTags(t *testing.T) {
	t.Parallel()
	got := normalizeTags([]string{" Cat", "dog", "CAT", "", "  ", "Dog", "bird"})
	assert.Equal(t, []string{"cat", "dog", "bird"}, got)
}

func TestTagIndex_EnsureTag(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Tags.EnsureTag(ctx, "s1", "Cat")
	require.NoError(t, err)
	again, err := store.Tags.EnsureTag(ctx, "s1", " cat ")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := store.Tags.EnsureTag(ctx, "s2", "cat")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = store.Tags.EnsureTag(ctx, "s1", "  ")
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestTagIndex_ListTags(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	tags, err := store.Tags.ListTags(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, tags)

	for _, name := range []string{"dog", "cat", "bird"} {
		_, err = store.Tags.EnsureTag(ctx, "s1", name)
		require.NoError(t, err)
	}
	_, err = store.Tags.EnsureTag(ctx, "s2", "fish")
	require.NoError(t, err)

	tags, err = store.Tags.ListTags(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bird", "cat", "dog"}, tags)
}

func TestTagIndex_AddMedia(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Media.Put(pngData, "png")
	require.NoError(t, err)

	media, err := store.Tags.AddMedia(ctx, "s1", ref, []string{"Cat", "cute", "cat"})
	require.NoError(t, err)
	assert.Equal(t, ref, media.FileReference)
	assert.Equal(t, "s1", media.ServerID)

	tags, err := store.Tags.MediaTags(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "cute"}, tags)

	// adding the same content again reuses the row, and only adds the
	// new tag
	again, err := store.Tags.AddMedia(ctx, "s1", ref, []string{"cat", "funny"})
	require.NoError(t, err)
	assert.Equal(t, media.ID, again.ID)

	tags, err = store.Tags.MediaTags(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "cute", "funny"}, tags)

	count, err := store.Tags.CountMedia(ctx, "s1", "CAT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// the same file in another server is a separate item
	otherServer, err := store.Tags.AddMedia(ctx, "s2", ref, []string{"cat"})
	require.NoError(t, err)
	assert.NotEqual(t, media.ID, otherServer.ID)

	count, err = store.Tags.CountMedia(ctx, "s1", "cat")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestTagIndex_AddMediaRequiresTags(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Tags.AddMedia(context.Background(), "s1", "ref.png", []string{" ", ""})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	var count int64
	require.NoError(t, store.DB().Model(&Media{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTagIndex_AttachOtherServer(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	ref, err := store.Media.Put(pngData, "png")
	require.NoError(t, err)
	media, err := store.Tags.AddMedia(ctx, "s1", ref, []string{"cat"})
	require.NoError(t, err)

	err = store.Tags.Attach(ctx, media.ID, "s2", []string{"dog"})
	require.ErrorIs(t, err, ErrNotFound)

	tags, err := store.Tags.ListTags(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, tags, "failed attach shouldn't leave tags behind")

	require.NoError(t, store.Tags.Attach(ctx, media.ID, "s1", []string{"dog", "cat"}))
	tags, err = store.Tags.MediaTags(ctx, media.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, tags)
}
