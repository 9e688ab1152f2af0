// Package raster provides the interleaved HWC sample buffer shared by the tiler,
// the stitcher and the codec.
package raster

import (
	"image"
	"image/color"

	"github.com/openfluke/esrgan/errdefs"
)

// Sample is the element type of an Image: 8-bit samples for decoded and encoded
// images, float32 for network output awaiting quantisation.
type Sample interface {
	~uint8 | ~float32
}

// Image is a height x width x channels buffer stored row-major with interleaved
// channels: Pix[(y*Width+x)*Channels+c].
type Image[T Sample] struct {
	Height   int
	Width    int
	Channels int
	Pix      []T
}

// New allocates a zeroed image.
func New[T Sample](height, width, channels int) *Image[T] {
	return &Image[T]{
		Height:   height,
		Width:    width,
		Channels: channels,
		Pix:      make([]T, height*width*channels),
	}
}

// NewRGB allocates a zeroed 3-channel image, rejecting empty dimensions.
func NewRGB(height, width int) (*Image[uint8], error) {
	if height < 1 || width < 1 {
		return nil, errdefs.Geometry("image must be at least 1x1, got %dx%d", height, width)
	}
	return New[uint8](height, width, 3), nil
}

// Validate checks that the buffer length matches the declared shape and that the
// image is a non-empty RGB image.
func (m *Image[T]) Validate() error {
	if m == nil {
		return errdefs.Geometry("nil image")
	}
	if m.Channels != 3 {
		return errdefs.Geometry("expected 3 channels, got %d", m.Channels)
	}
	if m.Height < 1 || m.Width < 1 {
		return errdefs.Geometry("image must be at least 1x1, got %dx%d", m.Height, m.Width)
	}
	if len(m.Pix) != m.Height*m.Width*m.Channels {
		return errdefs.Geometry("pixel buffer holds %d samples, shape %dx%dx%d needs %d",
			len(m.Pix), m.Height, m.Width, m.Channels, m.Height*m.Width*m.Channels)
	}
	return nil
}

// Offset returns the index of sample (y, x, 0).
func (m *Image[T]) Offset(y, x int) int {
	return (y*m.Width + x) * m.Channels
}

// At returns sample (y, x, c).
func (m *Image[T]) At(y, x, c int) T {
	return m.Pix[m.Offset(y, x)+c]
}

// Set writes sample (y, x, c).
func (m *Image[T]) Set(y, x, c int, v T) {
	m.Pix[m.Offset(y, x)+c] = v
}

// Row returns the samples of row y.
func (m *Image[T]) Row(y int) []T {
	n := m.Width * m.Channels
	return m.Pix[y*n : (y+1)*n]
}

// Clone returns a deep copy.
func (m *Image[T]) Clone() *Image[T] {
	out := New[T](m.Height, m.Width, m.Channels)
	copy(out.Pix, m.Pix)
	return out
}

// Equal reports whether a and b have the same shape and samples.
func Equal[T Sample](a, b *Image[T]) bool {
	if a.Height != b.Height || a.Width != b.Width || a.Channels != b.Channels {
		return false
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			return false
		}
	}
	return true
}

// Crop copies the h x w window whose top-left corner is (y0, x0).
// The window must lie inside m.
func Crop[T Sample](m *Image[T], y0, x0, h, w int) *Image[T] {
	out := New[T](h, w, m.Channels)
	rowLen := w * m.Channels
	for y := 0; y < h; y++ {
		src := m.Offset(y0+y, x0)
		copy(out.Pix[y*rowLen:(y+1)*rowLen], m.Pix[src:src+rowLen])
	}
	return out
}

// Paste copies src into dst with src's top-left corner at (y0, x0).
func Paste[T Sample](dst, src *Image[T], y0, x0 int) {
	rowLen := src.Width * src.Channels
	for y := 0; y < src.Height; y++ {
		d := dst.Offset(y0+y, x0)
		copy(dst.Pix[d:d+rowLen], src.Row(y))
	}
}

// FromImage converts any image.Image to an RGB buffer. Alpha is dropped without
// compositing.
func FromImage(src image.Image) *Image[uint8] {
	b := src.Bounds()
	out := New[uint8](b.Dy(), b.Dx(), 3)

	switch s := src.(type) {
	case *image.NRGBA:
		for y := 0; y < out.Height; y++ {
			row := s.Pix[s.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := out.Row(y)
			for x := 0; x < out.Width; x++ {
				copy(dst[x*3:x*3+3], row[x*4:x*4+3])
			}
		}
		return out
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			out.Pix[i] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			i += 3
		}
	}
	return out
}

// ToRGBA converts an RGB buffer to an opaque *image.RGBA.
func ToRGBA(m *Image[uint8]) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		src := m.Row(y)
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < m.Width; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 0xff
		}
	}
	return out
}
