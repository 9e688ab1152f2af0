package tiling

import (
	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/raster"
)

// Stitch reassembles patches produced from g by a network that upsamples by
// scale, and crops the result to scale times the size of the image given to
// Split. Use scale 1 for patches that never went through a network.
func Stitch[T raster.Sample](patches []*raster.Image[T], g Grid, scale int) (*raster.Image[T], error) {
	return StitchTo(patches, g, scale, g.Height*scale, g.Width*scale)
}

// StitchTo is Stitch with an explicit output size, which must not exceed the
// scaled extended image.
//
// Each patch must be exactly (PatchSize+2*Padding)*scale on a side: a mismatch
// means the padding actually present in the patches is not the scaled padding
// the grid expects, and trimming would silently shift every tile.
func StitchTo[T raster.Sample](patches []*raster.Image[T], g Grid, scale, targetH, targetW int) (*raster.Image[T], error) {
	if scale < 1 {
		return nil, errdefs.Geometry("scale must be positive, got %d", scale)
	}
	if len(patches) != g.Len() {
		return nil, errdefs.Geometry("grid has %dx%d patches, got %d", g.Rows, g.Cols, len(patches))
	}
	if len(patches) == 0 {
		return nil, errdefs.Geometry("no patches to stitch")
	}
	sg := g.Scaled(scale)
	if targetH < 1 || targetW < 1 || targetH > sg.ExtHeight || targetW > sg.ExtWidth {
		return nil, errdefs.Geometry("target %dx%d outside stitched area %dx%d",
			targetH, targetW, sg.ExtHeight, sg.ExtWidth)
	}

	side := sg.PatchExtent()
	channels := patches[0].Channels
	for i, p := range patches {
		if p.Height != side || p.Width != side {
			return nil, errdefs.Geometry("patch %d is %dx%d, expected %dx%d (padding %d at scale %d)",
				i, p.Height, p.Width, side, side, g.Padding, scale)
		}
		if p.Channels != channels {
			return nil, errdefs.Geometry("patch %d has %d channels, expected %d", i, p.Channels, channels)
		}
	}

	// Trimmed patches tile the extended image exactly; the padded margin of the
	// canvas would only ever hold zeros and is cropped away, so it is not
	// allocated.
	canvas := raster.New[T](sg.ExtHeight, sg.ExtWidth, channels)
	for i, p := range patches {
		y, x := sg.Origin(i)
		inner := raster.Crop(p, sg.Padding, sg.Padding, sg.PatchSize, sg.PatchSize)
		raster.Paste(canvas, inner, y, x)
	}
	if targetH == canvas.Height && targetW == canvas.Width {
		return canvas, nil
	}
	return raster.Crop(canvas, 0, 0, targetH, targetW), nil
}
