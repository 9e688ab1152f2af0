package tiling

import (
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/raster"
)

// Split cuts img into overlapping patches of side patchSize+2*padding.
//
// The image is first extended on the bottom and right by edge replication until
// both sides are multiples of patchSize, then edge-replicated by padding on all
// four sides. Patches step by patchSize, so neighbours share 2*padding pixels of
// context. Patches are returned row-major.
func Split(img *raster.Image[uint8], patchSize, padding int) ([]*raster.Image[uint8], Grid, error) {
	g, err := Plan(img.Height, img.Width, patchSize, padding)
	if err != nil {
		return nil, Grid{}, err
	}
	canvas := extendAndPad(img, g)

	patches := make([]*raster.Image[uint8], 0, g.Len())
	side := g.PatchExtent()
	for i := 0; i < g.Len(); i++ {
		y, x := g.Origin(i)
		patches = append(patches, raster.Crop(canvas, y, x, side, side))
	}

	logging.Logger().Debug("split image into patches",
		"height", img.Height, "width", img.Width,
		"rows", g.Rows, "cols", g.Cols, "patch", side)
	return patches, g, nil
}

// extendAndPad builds the CanvasHeight x CanvasWidth image of g: the source
// edge-replicated to the extended size, then edge-replicated by the padding.
// Both steps replicate the same edge pixels, so one clamped lookup covers them.
func extendAndPad[T raster.Sample](img *raster.Image[T], g Grid) *raster.Image[T] {
	out := raster.New[T](g.CanvasHeight(), g.CanvasWidth(), img.Channels)
	ch := img.Channels
	for y := 0; y < out.Height; y++ {
		src := img.Row(clamp(y-g.Padding, img.Height))
		dst := out.Row(y)
		for x := 0; x < out.Width; x++ {
			sx := clamp(x-g.Padding, img.Width)
			copy(dst[x*ch:(x+1)*ch], src[sx*ch:(sx+1)*ch])
		}
	}
	return out
}
