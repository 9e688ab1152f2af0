package nn

import (
	"fmt"

	"github.com/openfluke/esrgan/errdefs"
)

// Tensor is a dense float32 batch in NCHW order:
// Data[((n*C+c)*H+h)*W+w].
type Tensor struct {
	N, C, H, W int
	Data       []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(n, c, h, w int) *Tensor {
	return &Tensor{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// NewTensorFromSlice wraps data without copying. len(data) must equal n*c*h*w.
func NewTensorFromSlice(data []float32, n, c, h, w int) (*Tensor, error) {
	if len(data) != n*c*h*w {
		return nil, errdefs.Geometry("tensor data has %d values, shape [%d %d %d %d] needs %d",
			len(data), n, c, h, w, n*c*h*w)
	}
	return &Tensor{N: n, C: c, H: h, W: w, Data: data}, nil
}

// Shape returns [N, C, H, W].
func (t *Tensor) Shape() []int { return []int{t.N, t.C, t.H, t.W} }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.N * t.C * t.H * t.W }

// Plane returns the H*W values of channel c of sample n.
func (t *Tensor) Plane(n, c int) []float32 {
	hw := t.H * t.W
	off := (n*t.C + c) * hw
	return t.Data[off : off+hw]
}

// Sample returns all values of sample n.
func (t *Tensor) Sample(n int) []float32 {
	sz := t.C * t.H * t.W
	return t.Data[n*sz : (n+1)*sz]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := NewTensor(t.N, t.C, t.H, t.W)
	copy(out.Data, t.Data)
	return out
}

// Slice copies samples [from, to) into a new tensor.
func (t *Tensor) Slice(from, to int) *Tensor {
	sz := t.C * t.H * t.W
	out := NewTensor(to-from, t.C, t.H, t.W)
	copy(out.Data, t.Data[from*sz:to*sz])
	return out
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.N == o.N && t.C == o.C && t.H == o.H && t.W == o.W
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[%d %d %d %d]", t.N, t.C, t.H, t.W)
}

// Concat joins tensors along the batch axis. All parts must share C, H and W.
func Concat(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errdefs.Geometry("nothing to concatenate")
	}
	first := parts[0]
	n := 0
	for i, p := range parts {
		if p.C != first.C || p.H != first.H || p.W != first.W {
			return nil, errdefs.Geometry("part %d is %v, expected [* %d %d %d]", i, p, first.C, first.H, first.W)
		}
		n += p.N
	}
	out := NewTensor(n, first.C, first.H, first.W)
	off := 0
	for _, p := range parts {
		off += copy(out.Data[off:], p.Data)
	}
	return out, nil
}

// CopyChannels writes all channels of src into dst starting at channel offset.
// dst and src must share N, H and W.
func CopyChannels(dst, src *Tensor, offset int) {
	for n := 0; n < src.N; n++ {
		for c := 0; c < src.C; c++ {
			copy(dst.Plane(n, offset+c), src.Plane(n, c))
		}
	}
}
