package metadata

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	mediagateway "github.com/wolfeidau/media-gateway"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	return s
}

func TestResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	err := s.DB().Create(&MediaAsset{
		ID:        id,
		Title:     "intro",
		Backend:   "remote-share",
		Locator:   "https://share.example.com/file/d/1A2b3C4d5E6f7G8h/view",
		MimeType:  "video/mp4",
		SizeBytes: 1024,
		IsPublic:  true,
	}).Error
	require.NoError(t, err)

	desc, err := s.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, mediagateway.BackendRemoteShare, desc.Backend)
	require.Equal(t, "1A2b3C4d5E6f7G8h", desc.Locator)
	require.Equal(t, "video/mp4", desc.MimeType)
	require.Equal(t, int64(1024), desc.DeclaredSize)
	require.True(t, desc.IsPublic)
	require.False(t, desc.CacheKey().IsZero())
}

func TestResolveNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Resolve(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveLocalKeepsLocatorVerbatim(t *testing.T) {
	s := newTestStore(t)

	id := uuid.New()
	require.NoError(t, s.DB().Create(&MediaAsset{
		ID:       id,
		Backend:  "local",
		Locator:  "/srv/media/clip.mp4",
		MimeType: "video/mp4",
	}).Error)

	desc, err := s.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "/srv/media/clip.mp4", desc.Locator)
}

func TestGetSubtitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, s.DB().Create(&Subtitle{
		ID:       id,
		MediaID:  uuid.New(),
		Language: "en",
		Format:   "srt",
		Content:  "1\n00:00:01,000 --> 00:00:02,000\nhello\n",
	}).Error)

	sub, err := s.GetSubtitle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "en", sub.Language)

	_, err = s.GetSubtitle(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementViews(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, s.DB().Create(&MediaAsset{
		ID:       id,
		Backend:  "local",
		Locator:  "/srv/media/clip.mp4",
		MimeType: "video/mp4",
	}).Error)

	s.IncrementViews(ctx, id)
	s.IncrementViews(ctx, id)

	var asset MediaAsset
	require.NoError(t, s.DB().Where("id = ?", id).First(&asset).Error)
	require.Equal(t, int64(2), asset.Views)
}
