package nn

import (
	"runtime"

	"github.com/ajroetker/go-highway/hwy/contrib/matmul"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// Kernel evaluates convolutions. Implementations must be safe for concurrent
// use, since one loaded network may serve several predictions at once and
// layer parameters are shared read-only.
type Kernel interface {
	// Name identifies the kernel in logs ("cpu", "gpu", ...).
	Name() string
	// Conv2D convolves the first l.InChannels channels of every sample of x
	// and applies l.Activation.
	Conv2D(x *Tensor, l *Conv2D) (*Tensor, error)
}

// ReferenceKernel runs the direct convolution loop. Only useful for tests and
// tiny networks.
type ReferenceKernel struct{}

func (ReferenceKernel) Name() string { return "reference" }

func (ReferenceKernel) Conv2D(x *Tensor, l *Conv2D) (*Tensor, error) {
	return conv2DForwardCPU(x, l), nil
}

// maxColumnElems bounds the im2col scratch buffer (16 MiB of float32).
const maxColumnElems = 1 << 22

// CPUKernel lowers convolution to im2col + GEMM on a persistent worker pool.
// Output rows are processed in strips so the column buffer stays bounded even
// for the wide upsampled layers.
type CPUKernel struct {
	pool *workerpool.Pool
}

// NewCPUKernel starts a kernel with the given number of workers
// (GOMAXPROCS when workers <= 0).
func NewCPUKernel(workers int) *CPUKernel {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &CPUKernel{pool: workerpool.New(workers)}
}

func (k *CPUKernel) Name() string { return "cpu" }

// Close stops the worker pool. The kernel keeps working, sequentially.
func (k *CPUKernel) Close() {
	k.pool.Close()
}

func (k *CPUKernel) Conv2D(x *Tensor, l *Conv2D) (*Tensor, error) {
	kk := l.KernelSize * l.KernelSize
	depth := l.InChannels * kk
	outH, outW := l.OutputSize(x.H, x.W)
	out := NewTensor(x.N, l.OutChannels, outH, outW)

	stripRows := maxColumnElems / (depth * outW)
	if stripRows < 1 {
		stripRows = 1
	}
	if stripRows > outH {
		stripRows = outH
	}
	cols := make([]float32, depth*stripRows*outW)
	prod := make([]float32, l.OutChannels*stripRows*outW)

	for b := 0; b < x.N; b++ {
		for r0 := 0; r0 < outH; r0 += stripRows {
			rows := min(stripRows, outH-r0)
			n := rows * outW
			k.im2col(x, b, l, r0, rows, outW, cols[:depth*n])
			matmul.MatMulAutoWithPoolFloat32(k.pool, l.Weight, cols[:depth*n], prod[:l.OutChannels*n],
				l.OutChannels, n, depth)

			for f := 0; f < l.OutChannels; f++ {
				dst := out.Plane(b, f)[r0*outW : r0*outW+n]
				src := prod[f*n : (f+1)*n]
				bias := l.Bias[f]
				for i, v := range src {
					dst[i] = activateCPU(v+bias, l.Activation)
				}
			}
		}
	}
	return out, nil
}

// im2col fills cols ([InChannels*k*k][rows*outW]) with the receptive fields of
// output rows [r0, r0+rows) of sample b. Out-of-bounds taps read zero.
func (k *CPUKernel) im2col(x *Tensor, b int, l *Conv2D, r0, rows, outW int, cols []float32) {
	ks := l.KernelSize
	n := rows * outW
	k.pool.ParallelFor(l.InChannels*ks*ks, func(start, end int) {
		for r := start; r < end; r++ {
			ic := r / (ks * ks)
			kh := (r / ks) % ks
			kw := r % ks
			src := x.Plane(b, ic)
			dst := cols[r*n : (r+1)*n]
			for oy := 0; oy < rows; oy++ {
				ih := r0 + oy + kh - l.Padding
				drow := dst[oy*outW : (oy+1)*outW]
				if ih < 0 || ih >= x.H {
					clear(drow)
					continue
				}
				srow := src[ih*x.W : (ih+1)*x.W]
				for ox := range drow {
					iw := ox + kw - l.Padding
					if iw < 0 || iw >= x.W {
						drow[ox] = 0
					} else {
						drow[ox] = srow[iw]
					}
				}
			}
		}
	})
}
