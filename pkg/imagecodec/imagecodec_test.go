package imagecodec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	buf := bytes.Buffer{}
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	buf := bytes.Buffer{}
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func TestInferenceBufferSize(t *testing.T) {
	c := NewCodec()
	pix, err := c.PrepareForInference(encodePNG(t, solidImage(500, 500, color.NRGBA{40, 160, 60, 255})))
	require.NoError(t, err)
	require.Equal(t, 128*128*3, len(pix))
	require.Equal(t, 49152, len(pix))
}

func TestSolidColorSurvives(t *testing.T) {
	c := NewCodec()
	pix, err := c.PrepareForInference(encodePNG(t, solidImage(300, 200, color.NRGBA{40, 160, 60, 255})))
	require.NoError(t, err)
	for i := 0; i < len(pix); i += 3 {
		require.InDelta(t, 40, int(pix[i]), 2)
		require.InDelta(t, 160, int(pix[i+1]), 2)
		require.InDelta(t, 60, int(pix[i+2]), 2)
	}
}

func TestAlphaIsDropped(t *testing.T) {
	c := NewCodec()
	pix, err := c.PrepareForInference(encodePNG(t, solidImage(64, 64, color.NRGBA{200, 10, 10, 128})))
	require.NoError(t, err)
	require.Equal(t, 128*128*3, len(pix))
	require.InDelta(t, 200, int(pix[0]), 2)
}

func TestNonSquareInputs(t *testing.T) {
	c := NewCodec()
	for _, size := range [][2]int{{1000, 10}, {10, 1000}, {1, 1}, {129, 127}} {
		pix, storage, err := c.Prepare(encodePNG(t, solidImage(size[0], size[1], color.NRGBA{1, 2, 3, 255})))
		require.NoError(t, err, "%v", size)
		require.Equal(t, 128*128*3, len(pix))
		require.NotEmpty(t, storage)
	}
}

func TestCoverCrop(t *testing.T) {
	// wide source: trim left and right
	require.Equal(t, image.Rect(250, 0, 750, 500), CoverCrop(image.Rect(0, 0, 1000, 500), 128, 128))
	// tall source: trim top and bottom
	require.Equal(t, image.Rect(0, 250, 500, 750), CoverCrop(image.Rect(0, 0, 500, 1000), 128, 128))
	// already square
	require.Equal(t, image.Rect(0, 0, 300, 300), CoverCrop(image.Rect(0, 0, 300, 300), 128, 128))
	// offset origin
	require.Equal(t, image.Rect(15, 5, 25, 15), CoverCrop(image.Rect(10, 5, 30, 15), 1, 1))
}

func TestStorageIsJPEG(t *testing.T) {
	c := NewCodec()
	jpg, err := c.PrepareForStorage(encodeJPEG(t, solidImage(640, 480, color.NRGBA{90, 120, 30, 255})))
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(jpg))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 128, cfg.Width)
	require.Equal(t, 128, cfg.Height)
}

func TestDeterministic(t *testing.T) {
	c := NewCodec()
	src := encodePNG(t, solidImage(333, 222, color.NRGBA{12, 200, 99, 255}))
	a, err := c.PrepareForInference(src)
	require.NoError(t, err)
	b, err := c.PrepareForInference(src)
	require.NoError(t, err)
	require.Equal(t, a, b)

	p1, s1, err := c.Prepare(src)
	require.NoError(t, err)
	require.Equal(t, a, p1)
	s2, err := c.PrepareForStorage(src)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestMalformed(t *testing.T) {
	c := NewCodec()
	inputs := [][]byte{
		nil,
		[]byte("hello, this is not an image at all"),
		[]byte("%PDF-1.4\n%...."),
	}
	// truncated PNG
	full := encodePNG(t, solidImage(50, 50, color.NRGBA{1, 1, 1, 255}))
	inputs = append(inputs, full[:40])

	for i, in := range inputs {
		_, err := c.PrepareForInference(in)
		require.Error(t, err, "input %v", i)
		require.True(t, errors.Is(err, ErrMalformedImage), "input %v: %v", i, err)
		_, _, err = c.Prepare(in)
		require.ErrorIs(t, err, ErrMalformedImage)
	}
}

func TestPixelBudget(t *testing.T) {
	c := NewCodec()

	// A GIF whose header claims 65535 x 65535, but which is only a few bytes long
	buf := bytes.Buffer{}
	require.NoError(t, gif.Encode(&buf, solidImage(4, 4, color.NRGBA{0, 200, 0, 255}), nil))
	bomb := buf.Bytes()
	for i := 6; i < 10; i++ {
		bomb[i] = 0xff
	}
	_, err := c.PrepareForInference(bomb)
	require.ErrorIs(t, err, ErrMalformedImage)
	require.ErrorContains(t, err, "65535 x 65535")

	_, _, err = c.Prepare(bomb)
	require.ErrorIs(t, err, ErrMalformedImage)

	// The budget applies to honest images too
	small := NewCodec()
	small.MaxPixels = 100 * 100
	_, err = small.PrepareForStorage(encodePNG(t, solidImage(101, 100, color.NRGBA{40, 160, 60, 255})))
	require.ErrorIs(t, err, ErrMalformedImage)
	_, err = small.PrepareForStorage(encodePNG(t, solidImage(100, 100, color.NRGBA{40, 160, 60, 255})))
	require.NoError(t, err)
}
