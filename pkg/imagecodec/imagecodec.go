// Package imagecodec turns an uploaded photo into the two derived forms that the
// analysis pipeline needs: a raw RGB buffer at the exact size of the NN input,
// and a small JPEG that we keep permanently alongside the analysis record.
package imagecodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/bmharper/cimg/v2"
	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const DefaultSize = 128
const DefaultJPEGQuality = 80

// DefaultMaxPixels is roughly a 50 megapixel photo. A small file can claim a huge
// canvas, and we refuse to allocate for that.
const DefaultMaxPixels = 50_000_000

// NChan is the number of channels in the inference buffer (RGB)
const NChan = 3

// ErrMalformedImage is returned (wrapped) when the input cannot be decoded, or when the
// decoded pixels do not match the shape that the NN expects.
var ErrMalformedImage = errors.New("malformed image")

// Codec holds the fixed output geometry. The zero value is not usable; use NewCodec.
type Codec struct {
	Size        int   // Output images are Size x Size
	JPEGQuality int   // 1..100
	MaxPixels   int64 // Inputs with more than this many pixels are rejected before decoding
}

func NewCodec() *Codec {
	return &Codec{
		Size:        DefaultSize,
		JPEGQuality: DefaultJPEGQuality,
		MaxPixels:   DefaultMaxPixels,
	}
}

// PrepareForInference decodes the image, crops and resizes it to Size x Size,
// drops any alpha channel, and returns interleaved RGB bytes.
func (c *Codec) PrepareForInference(data []byte) ([]byte, error) {
	img, err := c.decodeAndResize(data)
	if err != nil {
		return nil, err
	}
	return c.rgbPixels(img)
}

// PrepareForStorage decodes the image, crops and resizes it to Size x Size,
// and returns it as a JPEG.
func (c *Codec) PrepareForStorage(data []byte) ([]byte, error) {
	img, err := c.decodeAndResize(data)
	if err != nil {
		return nil, err
	}
	rgb, err := c.rgbPixels(img)
	if err != nil {
		return nil, err
	}
	return c.compress(rgb)
}

// Prepare returns the inference buffer and the storage buffer, from a single decode of 'data'.
// Both outputs are derived from the same resized pixels, so they always agree with each other.
func (c *Codec) Prepare(data []byte) (inference, storage []byte, err error) {
	img, err := c.decodeAndResize(data)
	if err != nil {
		return nil, nil, err
	}
	inference, err = c.rgbPixels(img)
	if err != nil {
		return nil, nil, err
	}
	storage, err = c.compress(inference)
	if err != nil {
		return nil, nil, err
	}
	return inference, storage, nil
}

func (c *Codec) decodeAndResize(data []byte) (img image.Image, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformedImage)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: content is %v, not an image", ErrMalformedImage, mt.String())
	}

	// Some of the decoders are not hardened against hostile input
	defer func() {
		if rec := recover(); rec != nil {
			img = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrMalformedImage, rec)
		}
	}()

	// Only the header is read here, so this is cheap even for hostile input
	hdr, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v (detected %v)", ErrMalformedImage, err, mt.String())
	}
	if hdr.Width <= 0 || hdr.Height <= 0 {
		return nil, fmt.Errorf("%w: %v image has no pixels", ErrMalformedImage, format)
	}
	if npix := int64(hdr.Width) * int64(hdr.Height); npix > c.MaxPixels {
		return nil, fmt.Errorf("%w: %v image is %v x %v, which is more than %v pixels", ErrMalformedImage, format, hdr.Width, hdr.Height, c.MaxPixels)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v (detected %v)", ErrMalformedImage, err, mt.String())
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("%w: %v image has no pixels", ErrMalformedImage, format)
	}

	// Fill the whole square and trim the excess from the centre of the long edge,
	// instead of squashing the leaf.
	crop := CoverCrop(src.Bounds(), c.Size, c.Size)
	if sub, ok := src.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		src = sub.SubImage(crop)
	}

	return resize.Resize(uint(c.Size), uint(c.Size), src, resize.Lanczos3), nil
}

// rgbPixels returns the interleaved RGB bytes of img, with alpha discarded.
func (c *Codec) rgbPixels(img image.Image) ([]byte, error) {
	b := img.Bounds()
	pix := make([]byte, 0, b.Dx()*b.Dy()*NChan)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			px := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			pix = append(pix, px.R, px.G, px.B)
		}
	}
	expected := c.Size * c.Size * NChan
	if len(pix) != expected {
		return nil, fmt.Errorf("%w: expected %v bytes of RGB (%vx%vx%v), but got %v", ErrMalformedImage, expected, c.Size, c.Size, NChan, len(pix))
	}
	return pix, nil
}

func (c *Codec) compress(rgb []byte) ([]byte, error) {
	img := cimg.WrapImage(c.Size, c.Size, cimg.PixelFormatRGB, rgb)
	jpg, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling420, c.JPEGQuality, 0))
	if err != nil {
		return nil, fmt.Errorf("Failed to compress image to JPEG: %w", err)
	}
	return jpg, nil
}

// CoverCrop returns the largest centred sub-rectangle of src that has the same
// aspect ratio as width:height.
func CoverCrop(src image.Rectangle, width, height int) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw*height > sh*width {
		// source is wider than the target
		cw := max(1, (sh*width+height/2)/height)
		x0 := src.Min.X + (sw-cw)/2
		return image.Rect(x0, src.Min.Y, x0+cw, src.Max.Y)
	}
	ch := max(1, (sw*height+width/2)/width)
	y0 := src.Min.Y + (sh-ch)/2
	return image.Rect(src.Min.X, y0, src.Max.X, y0+ch)
}
