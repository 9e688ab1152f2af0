package tiling

import (
	"github.com/openfluke/esrgan/errdefs"
)

// Grid is the patch layout of one image. All spatial fields are in pixels of the
// space the Grid describes: input space from Plan, output space after Scaled.
type Grid struct {
	PatchSize int // step between patch origins, and the trimmed patch side
	Padding   int // context margin on each side of a patch

	Height, Width       int // image handed to Split
	ExtHeight, ExtWidth int // after bottom/right extension to a multiple of PatchSize

	Rows, Cols int
}

// Plan computes the grid for a height x width image.
func Plan(height, width, patchSize, padding int) (Grid, error) {
	if patchSize <= 0 {
		return Grid{}, errdefs.Geometry("patch size must be positive, got %d", patchSize)
	}
	if padding < 0 {
		return Grid{}, errdefs.Geometry("patch overlap padding must be non-negative, got %d", padding)
	}
	if height < 1 || width < 1 {
		return Grid{}, errdefs.Geometry("cannot tile a %dx%d image", height, width)
	}
	extH := height + extension(height, patchSize)
	extW := width + extension(width, patchSize)
	return Grid{
		PatchSize: patchSize,
		Padding:   padding,
		Height:    height,
		Width:     width,
		ExtHeight: extH,
		ExtWidth:  extW,
		Rows:      extH / patchSize,
		Cols:      extW / patchSize,
	}, nil
}

// extension is the number of rows (or columns) needed to reach the next multiple
// of patchSize; zero when dim is already divisible.
func extension(dim, patchSize int) int {
	return (patchSize - dim%patchSize) % patchSize
}

// Len is the number of patches.
func (g Grid) Len() int { return g.Rows * g.Cols }

// PatchExtent is the side of a patch including its context margins.
func (g Grid) PatchExtent() int { return g.PatchSize + 2*g.Padding }

// CanvasHeight is the height of the extended and padded image patches are cut from.
func (g Grid) CanvasHeight() int { return g.ExtHeight + 2*g.Padding }

// CanvasWidth is the width of the extended and padded image patches are cut from.
func (g Grid) CanvasWidth() int { return g.ExtWidth + 2*g.Padding }

// Origin returns the top-left corner of patch i. In the padded canvas this is
// where the patch (with margins) starts; in the extended image it is where the
// trimmed patch lands.
func (g Grid) Origin(i int) (y, x int) {
	return (i / g.Cols) * g.PatchSize, (i % g.Cols) * g.PatchSize
}

// Scaled returns the grid in the coordinate space of an s-times upsampled image.
// Row and column counts are unchanged.
func (g Grid) Scaled(s int) Grid {
	return Grid{
		PatchSize: g.PatchSize * s,
		Padding:   g.Padding * s,
		Height:    g.Height * s,
		Width:     g.Width * s,
		ExtHeight: g.ExtHeight * s,
		ExtWidth:  g.ExtWidth * s,
		Rows:      g.Rows,
		Cols:      g.Cols,
	}
}
