package nn

import (
	"sync"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/gpu"
	"github.com/openfluke/esrgan/internal/logging"
)

// GPUKernel runs convolutions as WebGPU compute shaders. Layer parameters are
// uploaded on first use and stay resident until Close. Batches too large for
// one storage binding are split by sample; a single sample that still does
// not fit falls back to the wrapped kernel.
type GPUKernel struct {
	fallback Kernel

	mu      sync.Mutex
	weights map[*Conv2D]*gpu.Conv2DWeights
	// serializes queue use; the device is shared process-wide
	run sync.Mutex
}

// NewGPUKernel initializes the device and returns a kernel that delegates
// oversized layers to fallback.
func NewGPUKernel(fallback Kernel) (*GPUKernel, error) {
	if err := gpu.EnsureGPU(); err != nil {
		return nil, errdefs.Resource(err, "webgpu unavailable")
	}
	if fallback == nil {
		fallback = ReferenceKernel{}
	}
	return &GPUKernel{fallback: fallback, weights: make(map[*Conv2D]*gpu.Conv2DWeights)}, nil
}

func (k *GPUKernel) Name() string { return "gpu" }

// Close frees every uploaded parameter buffer.
func (k *GPUKernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for l, w := range k.weights {
		w.Release()
		delete(k.weights, l)
	}
}

func (k *GPUKernel) upload(l *Conv2D) (*gpu.Conv2DWeights, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.weights[l]; ok {
		return w, nil
	}
	w, err := gpu.UploadConv2DWeights(l.Name, l.Weight, l.Bias)
	if err != nil {
		return nil, err
	}
	k.weights[l] = w
	return w, nil
}

func (k *GPUKernel) spec(x *Tensor, n int, l *Conv2D) gpu.Conv2DSpec {
	ctx, _ := gpu.GetContext()
	s := gpu.Conv2DSpec{
		Batch:       n,
		InChannels:  l.InChannels,
		InStride:    x.C,
		OutChannels: l.OutChannels,
		Height:      x.H,
		Width:       x.W,
		KernelSize:  l.KernelSize,
		Padding:     l.Padding,
		WorkgroupX:  int(ctx.Report.Recommended.WorkgroupX),
		GroupsX:     int(ctx.Report.Recommended.GroupsX),
	}
	if l.Activation == ActivationLeakyReLU {
		s.LeakySlope = LeakySlope
	}
	return s
}

// samplesPerDispatch returns how many samples of x fit in one dispatch, or 0
// when not even one does.
func (k *GPUKernel) samplesPerDispatch(x *Tensor, l *Conv2D) int {
	ctx, err := gpu.GetContext()
	if err != nil {
		return 0
	}
	outH, outW := l.OutputSize(x.H, x.W)
	per := uint64(max(x.C*x.H*x.W, l.OutChannels*outH*outW)) * 4
	n := x.N
	for n > 0 && !ctx.Report.Fits(per*uint64(n)) {
		n /= 2
	}
	return n
}

func (k *GPUKernel) Conv2D(x *Tensor, l *Conv2D) (*Tensor, error) {
	per := k.samplesPerDispatch(x, l)
	if per == 0 {
		logging.Logger().Warn("layer exceeds GPU binding limits, using fallback kernel",
			"layer", l.Name, "input", x.String(), "fallback", k.fallback.Name())
		return k.fallback.Conv2D(x, l)
	}
	w, err := k.upload(l)
	if err != nil {
		return nil, errdefs.Resource(err, "upload %s", l.Name)
	}

	outH, outW := l.OutputSize(x.H, x.W)
	out := NewTensor(x.N, l.OutChannels, outH, outW)
	sampleIn := x.C * x.H * x.W
	sampleOut := l.OutChannels * outH * outW

	k.run.Lock()
	defer k.run.Unlock()
	for b := 0; b < x.N; b += per {
		n := min(per, x.N-b)
		s := k.spec(x, n, l)
		res, err := gpu.RunConv2D(s, x.Data[b*sampleIn:(b+n)*sampleIn], w)
		if err != nil {
			return nil, errdefs.Resource(err, "conv2d %s", l.Name)
		}
		copy(out.Data[b*sampleOut:(b+n)*sampleOut], res)
	}
	return out, nil
}
