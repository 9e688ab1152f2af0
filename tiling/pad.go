package tiling

import (
	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/raster"
)

// Pad extends img by p pixels on every side by mirror reflection. The edge pixel
// itself is not repeated: with p=2 a row a b c d becomes c b a b c d c b.
// Corners take the reflection of the already reflected rows.
//
// p must satisfy 0 <= p and 2*p < min(height, width).
func Pad(img *raster.Image[uint8], p int) (*raster.Image[uint8], error) {
	if p < 0 {
		return nil, errdefs.Geometry("reflect padding must be non-negative, got %d", p)
	}
	if 2*p >= img.Height || 2*p >= img.Width {
		return nil, errdefs.Geometry("reflect padding %d must be less than half of %dx%d",
			p, img.Height, img.Width)
	}
	if p == 0 {
		return img.Clone(), nil
	}

	out := raster.New[uint8](img.Height+2*p, img.Width+2*p, img.Channels)
	ch := img.Channels

	// Rows first: interior columns of every output row, top and bottom margins
	// mirrored from the source.
	for y := 0; y < out.Height; y++ {
		src := img.Row(reflect(y-p, img.Height))
		dst := out.Row(y)
		copy(dst[p*ch:(p+img.Width)*ch], src)
	}
	// Then columns, read back from the output so the corners are mirrored twice.
	for y := 0; y < out.Height; y++ {
		row := out.Row(y)
		for x := 0; x < p; x++ {
			l := p + reflect(x-p, img.Width)
			copy(row[x*ch:(x+1)*ch], row[l*ch:(l+1)*ch])

			rx := p + img.Width + x
			r := p + reflect(img.Width+x, img.Width)
			copy(row[rx*ch:(rx+1)*ch], row[r*ch:(r+1)*ch])
		}
	}
	return out, nil
}

// Unpad removes p pixels from every side of img.
func Unpad[T raster.Sample](img *raster.Image[T], p int) (*raster.Image[T], error) {
	if p < 0 || 2*p >= img.Height || 2*p >= img.Width {
		return nil, errdefs.Geometry("cannot strip %d pixels from %dx%d", p, img.Height, img.Width)
	}
	if p == 0 {
		return img.Clone(), nil
	}
	return raster.Crop(img, p, p, img.Height-2*p, img.Width-2*p), nil
}

// reflect maps i into [0, n) mirroring about the first and last sample without
// repeating them. Valid for -n < i < 2n-1.
func reflect(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// clamp maps i into [0, n) by edge replication.
func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
