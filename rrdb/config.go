// Package rrdb implements the RRDBNet generator of Real-ESRGAN: a stack of
// residual-in-residual dense blocks followed by nearest-neighbour upsampling.
package rrdb

import "github.com/openfluke/esrgan/errdefs"

// Config describes the network topology.
type Config struct {
	Scale       int // 1, 2, 4 or 8
	InChannels  int
	OutChannels int
	Features    int // F, width of the trunk
	Blocks      int // number of RRDBs
	Growth      int // G, channels added by each dense conv
}

// DefaultConfig returns the published Real-ESRGAN topology for scale.
func DefaultConfig(scale int) Config {
	return Config{
		Scale:       scale,
		InChannels:  3,
		OutChannels: 3,
		Features:    64,
		Blocks:      23,
		Growth:      32,
	}
}

// Validate rejects unsupported scales and non-positive sizes.
func (c Config) Validate() error {
	switch c.Scale {
	case 1, 2, 4, 8:
	default:
		return errdefs.Configuration("unsupported scale %d (want 1, 2, 4 or 8)", c.Scale)
	}
	if c.InChannels <= 0 || c.OutChannels <= 0 || c.Features <= 0 || c.Blocks < 0 || c.Growth <= 0 {
		return errdefs.Configuration("invalid topology %+v", c)
	}
	return nil
}

// UnshuffleFactor is the pixel-unshuffle applied to the input so that
// small scales still upsample by 4 inside the network.
func (c Config) UnshuffleFactor() int {
	switch c.Scale {
	case 2:
		return 2
	case 1:
		return 4
	default:
		return 1
	}
}

// UpStages is the number of 2x upsampling stages in the decoder.
func (c Config) UpStages() int {
	if c.Scale == 8 {
		return 3
	}
	return 2
}
