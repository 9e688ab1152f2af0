package nn

import (
	"math"
	"math/rand"

	"github.com/openfluke/esrgan/errdefs"
)

// Conv2D is a square convolution with unit stride and "same" zero padding.
type Conv2D struct {
	Name        string
	InChannels  int
	OutChannels int
	KernelSize  int
	Padding     int
	Activation  ActivationType // applied after the bias add

	Weight []float32 // [OutChannels][InChannels][KernelSize][KernelSize]
	Bias   []float32 // [OutChannels]
}

// NewConv2D allocates a zero 3x3 convolution with padding 1.
func NewConv2D(name string, in, out int, activation ActivationType) *Conv2D {
	return &Conv2D{
		Name:        name,
		InChannels:  in,
		OutChannels: out,
		KernelSize:  3,
		Padding:     1,
		Activation:  activation,
		Weight:      make([]float32, out*in*9),
		Bias:        make([]float32, out),
	}
}

// WeightShape returns the [out, in, k, k] shape of Weight.
func (l *Conv2D) WeightShape() []int {
	return []int{l.OutChannels, l.InChannels, l.KernelSize, l.KernelSize}
}

// OutputSize returns the spatial size produced from an h x w input.
func (l *Conv2D) OutputSize(h, w int) (int, int) {
	return h + 2*l.Padding - l.KernelSize + 1, w + 2*l.Padding - l.KernelSize + 1
}

// Forward evaluates the layer with k. x may carry more channels than the layer
// consumes: only the first InChannels of every sample are read.
func (l *Conv2D) Forward(k Kernel, x *Tensor) (*Tensor, error) {
	if x.C < l.InChannels {
		return nil, errdefs.Geometry("%s expects %d input channels, got %v", l.Name, l.InChannels, x)
	}
	return k.Conv2D(x, l)
}

// InitKaiming draws weights from N(0, 2/fanIn) scaled by scale and zeroes the bias.
func (l *Conv2D) InitKaiming(rng *rand.Rand, scale float32) {
	fanIn := l.InChannels * l.KernelSize * l.KernelSize
	KaimingNormal(rng, l.Weight, fanIn, scale)
	for i := range l.Bias {
		l.Bias[i] = 0
	}
}

// KaimingNormal fills w with He-normal values multiplied by scale.
func KaimingNormal(rng *rand.Rand, w []float32, fanIn int, scale float32) {
	stddev := float32(math.Sqrt(2.0/float64(fanIn))) * scale
	for i := range w {
		w[i] = float32(rng.NormFloat64()) * stddev
	}
}

// conv2DForwardCPU is the direct convolution loop.
func conv2DForwardCPU(x *Tensor, l *Conv2D) *Tensor {
	inH, inW := x.H, x.W
	kSize := l.KernelSize
	outH, outW := l.OutputSize(inH, inW)
	out := NewTensor(x.N, l.OutChannels, outH, outW)

	for b := 0; b < x.N; b++ {
		for f := 0; f < l.OutChannels; f++ {
			dst := out.Plane(b, f)
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := l.Bias[f]
					for ic := 0; ic < l.InChannels; ic++ {
						src := x.Plane(b, ic)
						for kh := 0; kh < kSize; kh++ {
							ih := oh + kh - l.Padding
							if ih < 0 || ih >= inH {
								continue
							}
							for kw := 0; kw < kSize; kw++ {
								iw := ow + kw - l.Padding
								if iw < 0 || iw >= inW {
									continue
								}
								kernelIdx := ((f*l.InChannels+ic)*kSize+kh)*kSize + kw
								sum += src[ih*inW+iw] * l.Weight[kernelIdx]
							}
						}
					}
					dst[oh*outW+ow] = activateCPU(sum, l.Activation)
				}
			}
		}
	}
	return out
}
