package store

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*PageStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewPageStore("redis://"+mr.Addr(), ttl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func page(w, h int, tint uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = tint, uint8(i), 0xff, 0xff
	}
	return img
}

func TestPageStoreRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()
	src := page(12, 8, 0x40)

	require.NoError(t, s.Save(ctx, "abc", 3, src))

	got, ok, err := s.Load(ctx, "abc", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, src.Rect, got.Rect)
	assert.Equal(t, src.Pix, got.Pix)
}

func TestPageStoreKeepsOnlyEncodedPage(t *testing.T) {
	s, mr := newTestStore(t, time.Hour)
	require.NoError(t, s.Save(context.Background(), "abc", 1, page(4, 4, 9)))

	keys, err := mr.HKeys("doc:abc:page:1")
	require.NoError(t, err)
	assert.Equal(t, []string{"png"}, keys)
}

func TestPageStoreMiss(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)

	img, ok, err := s.Load(context.Background(), "abc", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, img)
}

func TestPageStoreTTL(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "abc", 0, page(2, 2, 1)))

	assert.Equal(t, time.Minute, mr.TTL("doc:abc:page:0"))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Load(ctx, "abc", 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageStoreForget(t *testing.T) {
	s, mr := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "abc", 0, page(2, 2, 1)))
	require.NoError(t, s.Save(ctx, "abc", 1, page(2, 2, 2)))
	require.NoError(t, s.Save(ctx, "other", 0, page(2, 2, 3)))

	require.NoError(t, s.Forget(ctx, "abc"))

	assert.False(t, mr.Exists("doc:abc:page:0"))
	assert.False(t, mr.Exists("doc:abc:page:1"))
	assert.True(t, mr.Exists("doc:other:page:0"))
}

func TestNewPageStoreBadURL(t *testing.T) {
	_, err := NewPageStore("not a url", time.Minute)
	assert.Error(t, err)
}

func TestPageStorePing(t *testing.T) {
	s, mr := newTestStore(t, time.Minute)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
