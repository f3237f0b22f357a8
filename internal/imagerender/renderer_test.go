package imagerender

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x80, A: 0xff})
		}
	}
	return img
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatPNG, "PNG": FormatPNG, "jpg": FormatJPEG, " jpeg ": FormatJPEG} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("gif")
	assert.Error(t, err)
}

func TestPNGIsLossless(t *testing.T) {
	src := testImage(32, 16)

	data, err := EncodePNG(src)
	require.NoError(t, err)
	got, err := DecodeRGBA(data)
	require.NoError(t, err)

	assert.Equal(t, src.Rect, got.Rect)
	assert.Equal(t, src.Pix, got.Pix)
}

func TestEncodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testImage(20, 10), FormatJPEG, 70))

	cfg, err := jpeg.DecodeConfig(&buf)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 10, cfg.Height)
	assert.Equal(t, "image/jpeg", FormatJPEG.ContentType())
}

func TestEncodeUnknownFormat(t *testing.T) {
	assert.Error(t, Encode(&bytes.Buffer{}, testImage(1, 1), Format("bmp"), 0))
}

func TestDecodeRGBANormalizesOrigin(t *testing.T) {
	src := image.NewNRGBA(image.Rect(5, 5, 9, 7))
	data, err := EncodePNG(src)
	require.NoError(t, err)

	got, err := DecodeRGBA(data)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 2), got.Rect)
}

func TestThumbnail(t *testing.T) {
	src := testImage(200, 100)

	thumb := Thumbnail(src, 50)
	assert.Equal(t, 50, thumb.Bounds().Dx())
	assert.Equal(t, 25, thumb.Bounds().Dy())

	assert.Same(t, src, Thumbnail(src, 400))
	assert.Same(t, src, Thumbnail(src, 0))
}
