package nn

import (
	"errors"
	"testing"

	"github.com/openfluke/esrgan/errdefs"
)

func TestUpsampleNearest2x(t *testing.T) {
	x, _ := NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	out := UpsampleNearest2x(x)
	if out.H != 4 || out.W != 4 {
		t.Fatalf("shape %v", out)
	}
	want := []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	for i, v := range want {
		if out.Data[i] != v {
			t.Fatalf("got %v, want %v", out.Data, want)
		}
	}
}

func TestPixelUnshuffleOrdering(t *testing.T) {
	// Two channels of 4x4; value encodes (c, y, x) as c*100 + y*10 + x.
	x := NewTensor(1, 2, 4, 4)
	for c := 0; c < 2; c++ {
		p := x.Plane(0, c)
		for y := 0; y < 4; y++ {
			for xx := 0; xx < 4; xx++ {
				p[y*4+xx] = float32(c*100 + y*10 + xx)
			}
		}
	}
	out, err := PixelUnshuffle(x, 2)
	if err != nil {
		t.Fatal(err)
	}
	if out.C != 8 || out.H != 2 || out.W != 2 {
		t.Fatalf("shape %v, want [1 8 2 2]", out)
	}
	for c := 0; c < 2; c++ {
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				p := out.Plane(0, c*4+dy*2+dx)
				for y := 0; y < 2; y++ {
					for xx := 0; xx < 2; xx++ {
						want := float32(c*100 + (y*2+dy)*10 + xx*2 + dx)
						if got := p[y*2+xx]; got != want {
							t.Errorf("channel %d (%d,%d): got %v want %v", c*4+dy*2+dx, y, xx, got, want)
						}
					}
				}
			}
		}
	}
}

func TestPixelUnshuffleIdentityAndErrors(t *testing.T) {
	x := NewTensor(1, 3, 5, 5)
	if out, err := PixelUnshuffle(x, 1); err != nil || out != x {
		t.Errorf("factor 1 should pass through, got %v, %v", out, err)
	}
	if _, err := PixelUnshuffle(x, 2); !errors.Is(err, errdefs.ErrGeometry) {
		t.Errorf("odd size: expected ErrGeometry, got %v", err)
	}
	if _, err := PixelUnshuffle(NewTensor(1, 3, 4, 4), 0); !errors.Is(err, errdefs.ErrGeometry) {
		t.Errorf("factor 0: expected ErrGeometry, got %v", err)
	}
}
