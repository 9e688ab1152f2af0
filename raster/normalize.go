package raster

import "github.com/openfluke/esrgan/errdefs"

// Range identifies the value convention of a float sample buffer.
type Range int

const (
	RangeUnit   Range = iota // [0, 1]
	RangeSigned              // [-1, 1]
	RangeByte                // [0, 255]
)

func (r Range) String() string {
	switch r {
	case RangeUnit:
		return "[0,1]"
	case RangeSigned:
		return "[-1,1]"
	default:
		return "[0,255]"
	}
}

// SniffRange guesses the convention of samples from their extremes. Any negative
// value means signed, a maximum of at most 1 means unit range, anything else is
// treated as byte range. An empty slice is reported as byte range.
func SniffRange(samples []float32) Range {
	if len(samples) == 0 {
		return RangeByte
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	switch {
	case lo < 0:
		return RangeSigned
	case hi <= 1:
		return RangeUnit
	default:
		return RangeByte
	}
}

// FromFloat32 quantises an HWC float buffer to 8 bits after detecting its range.
// Out-of-range values are clamped rather than rejected. The buffer must hold
// exactly height*width*channels samples.
func FromFloat32(height, width, channels int, samples []float32) (*Image[uint8], error) {
	if height < 1 || width < 1 || channels < 1 {
		return nil, errdefs.Geometry("float image must be at least 1x1x1, got %dx%dx%d", height, width, channels)
	}
	if n := height * width * channels; len(samples) != n {
		return nil, errdefs.Geometry("float buffer holds %d samples, shape %dx%dx%d needs %d",
			len(samples), height, width, channels, n)
	}
	out := New[uint8](height, width, channels)
	r := SniffRange(samples)
	for i, v := range samples {
		switch r {
		case RangeSigned:
			v = (v + 1) * 127.5
		case RangeUnit:
			v *= 255
		}
		out.Pix[i] = clampByte(v + 0.5)
	}
	return out, nil
}

// Quantize converts unit-range samples to bytes the way the network output is
// persisted: clamp to [0,1], scale by 255 and truncate.
func Quantize(m *Image[float32]) *Image[uint8] {
	out := New[uint8](m.Height, m.Width, m.Channels)
	for i, v := range m.Pix {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out.Pix[i] = uint8(v * 255)
	}
	return out
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
