package nn

import "github.com/openfluke/esrgan/errdefs"

// UpsampleNearest2x doubles H and W, repeating every value in a 2x2 block.
func UpsampleNearest2x(t *Tensor) *Tensor {
	out := NewTensor(t.N, t.C, t.H*2, t.W*2)
	for n := 0; n < t.N; n++ {
		for c := 0; c < t.C; c++ {
			src := t.Plane(n, c)
			dst := out.Plane(n, c)
			for y := 0; y < t.H; y++ {
				row := src[y*t.W : (y+1)*t.W]
				d0 := dst[(2*y)*out.W : (2*y+1)*out.W]
				for x, v := range row {
					d0[2*x] = v
					d0[2*x+1] = v
				}
				copy(dst[(2*y+1)*out.W:(2*y+2)*out.W], d0)
			}
		}
	}
	return out
}

// PixelUnshuffle folds every r x r spatial block into channels:
// [N, C, H, W] -> [N, C*r*r, H/r, W/r], with output channel c*r*r + dy*r + dx
// holding input (c, y*r+dy, x*r+dx).
func PixelUnshuffle(t *Tensor, r int) (*Tensor, error) {
	if r == 1 {
		return t, nil
	}
	if r < 1 || t.H%r != 0 || t.W%r != 0 {
		return nil, errdefs.Geometry("pixel unshuffle by %d needs H and W divisible by %d, got %dx%d", r, r, t.H, t.W)
	}
	oh, ow := t.H/r, t.W/r
	out := NewTensor(t.N, t.C*r*r, oh, ow)
	for n := 0; n < t.N; n++ {
		for c := 0; c < t.C; c++ {
			src := t.Plane(n, c)
			for dy := 0; dy < r; dy++ {
				for dx := 0; dx < r; dx++ {
					dst := out.Plane(n, c*r*r+dy*r+dx)
					for y := 0; y < oh; y++ {
						srow := src[(y*r+dy)*t.W:]
						drow := dst[y*ow : (y+1)*ow]
						for x := range drow {
							drow[x] = srow[x*r+dx]
						}
					}
				}
			}
		}
	}
	return out, nil
}
