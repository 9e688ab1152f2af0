// Package upscaler runs tiled super-resolution: it pads an image, cuts it
// into overlapping patches, runs the patches through a network in batches
// and stitches the result back together.
package upscaler

import (
	"image"
	"log/slog"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/nn"
	"github.com/openfluke/esrgan/raster"
	"github.com/openfluke/esrgan/tiling"
)

var (
	ErrConfiguration = errdefs.ErrConfiguration
	ErrGeometry      = errdefs.ErrGeometry
	ErrResource      = errdefs.ErrResource
)

// SetLogger routes library logs to l. A nil logger silences them again.
func SetLogger(l *slog.Logger) { logging.SetLogger(l) }

// Upscaler applies an Evaluator to whole images. It holds no per-call state
// and may be shared between goroutines if its Evaluator may.
type Upscaler struct {
	ev Evaluator
}

// New wraps ev.
func New(ev Evaluator) *Upscaler {
	return &Upscaler{ev: ev}
}

// Scale returns the upscaling factor of the wrapped network.
func (u *Upscaler) Scale() int { return u.ev.Scale() }

// Predict upscales img by Scale(). The image is reflect-padded by
// opt.PadSize, tiled, evaluated and stitched; the padding is removed from
// the result, which is exactly Scale() times the input size.
func (u *Upscaler) Predict(img *raster.Image[uint8], opt Options) (*raster.Image[uint8], error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	scale := u.ev.Scale()
	if scale < 1 {
		return nil, errdefs.Configuration("network reports scale %d", scale)
	}
	log := logging.Logger()

	padded, err := tiling.Pad(img, opt.PadSize)
	if err != nil {
		return nil, err
	}
	patches, grid, err := tiling.Split(padded, opt.PatchSize, opt.PatchPadding)
	if err != nil {
		return nil, err
	}

	x := patchesToTensor(patches)
	y, err := RunBatches(u.ev, x, opt.BatchSize)
	if err != nil {
		return nil, err
	}
	want := grid.Scaled(scale).PatchExtent()
	if y.C != img.Channels || y.H != want || y.W != want {
		return nil, errdefs.Geometry("network output %v, want [%d %d %d %d]", y, x.N, img.Channels, want, want)
	}

	stitched, err := tiling.Stitch(tensorToPatches(y), grid, scale)
	if err != nil {
		return nil, err
	}
	out, err := tiling.Unpad(raster.Quantize(stitched), opt.PadSize*scale)
	if err != nil {
		return nil, err
	}
	log.Debug("predicted", "in", [2]int{img.Height, img.Width}, "out", [2]int{out.Height, out.Width},
		"patches", grid.Len(), "scale", scale)
	return out, nil
}

// PredictImage is Predict for standard library images. Alpha is discarded.
func (u *Upscaler) PredictImage(img image.Image, opt Options) (*image.RGBA, error) {
	out, err := u.Predict(raster.FromImage(img), opt)
	if err != nil {
		return nil, err
	}
	return raster.ToRGBA(out), nil
}

// PredictFloat is Predict for an HWC RGB float buffer of exactly
// height*width*3 samples. The value range ([0,1], [-1,1] or [0,255]) is
// detected from the samples before quantisation.
func (u *Upscaler) PredictFloat(height, width int, samples []float32, opt Options) (*raster.Image[uint8], error) {
	img, err := raster.FromFloat32(height, width, 3, samples)
	if err != nil {
		return nil, err
	}
	return u.Predict(img, opt)
}

// patchesToTensor converts HWC bytes to an NCHW batch in [0, 1].
func patchesToTensor(patches []*raster.Image[uint8]) *nn.Tensor {
	p0 := patches[0]
	x := nn.NewTensor(len(patches), p0.Channels, p0.Height, p0.Width)
	for n, p := range patches {
		for c := 0; c < p.Channels; c++ {
			plane := x.Plane(n, c)
			for i := range plane {
				plane[i] = float32(p.Pix[i*p.Channels+c]) / 255
			}
		}
	}
	return x
}

// tensorToPatches converts an NCHW batch to HWC float patches clamped to [0, 1].
func tensorToPatches(y *nn.Tensor) []*raster.Image[float32] {
	patches := make([]*raster.Image[float32], y.N)
	for n := range patches {
		p := raster.New[float32](y.H, y.W, y.C)
		for c := 0; c < y.C; c++ {
			for i, v := range y.Plane(n, c) {
				p.Pix[i*y.C+c] = min(max(v, 0), 1)
			}
		}
		patches[n] = p
	}
	return patches
}
