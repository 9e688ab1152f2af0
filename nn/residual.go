package nn

import "github.com/openfluke/esrgan/errdefs"

// ResidualScale is the factor applied to a block's output before the skip add.
const ResidualScale float32 = 0.2

// ScaledResidual computes out = out*scale + skip in place and returns out.
func ScaledResidual(out, skip *Tensor, scale float32) (*Tensor, error) {
	if !out.SameShape(skip) {
		return nil, errdefs.Geometry("residual shapes differ: %v vs %v", out, skip)
	}
	for i, v := range out.Data {
		out.Data[i] = v*scale + skip.Data[i]
	}
	return out, nil
}

// Add computes dst += src in place and returns dst.
func Add(dst, src *Tensor) (*Tensor, error) {
	if !dst.SameShape(src) {
		return nil, errdefs.Geometry("add shapes differ: %v vs %v", dst, src)
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return dst, nil
}
