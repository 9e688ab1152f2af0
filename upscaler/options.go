package upscaler

import (
	"os"
	"strconv"

	"github.com/openfluke/esrgan/errdefs"
)

// Environment overrides read by OptionsFromEnv.
const (
	EnvBatchSize    = "ESRGAN_BATCH_SIZE"
	EnvPatchSize    = "ESRGAN_PATCH_SIZE"
	EnvPatchPadding = "ESRGAN_PATCH_PADDING"
	EnvPadSize      = "ESRGAN_PAD_SIZE"
)

// Options tune the tiled prediction. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	BatchSize    int // patches per network call
	PatchSize    int // interior side of a patch, in input pixels
	PatchPadding int // context added around every patch
	PadSize      int // reflection border added around the whole image
}

// DefaultOptions returns the settings the published models were tuned with.
func DefaultOptions() Options {
	return Options{BatchSize: 4, PatchSize: 192, PatchPadding: 24, PadSize: 15}
}

// Validate rejects non-positive batch and patch sizes as configuration
// errors and negative paddings as geometry errors.
func (o Options) Validate() error {
	if o.BatchSize < 1 {
		return errdefs.Configuration("batch size must be at least 1, got %d", o.BatchSize)
	}
	if o.PatchSize < 1 {
		return errdefs.Configuration("patch size must be at least 1, got %d", o.PatchSize)
	}
	if o.PatchPadding < 0 || o.PadSize < 0 {
		return errdefs.Geometry("paddings must be non-negative, got patch padding %d, pad size %d",
			o.PatchPadding, o.PadSize)
	}
	return nil
}

// OptionsFromEnv returns DefaultOptions with any ESRGAN_* overrides applied.
func OptionsFromEnv() (Options, error) {
	o := DefaultOptions()
	for _, f := range []struct {
		key string
		dst *int
	}{
		{EnvBatchSize, &o.BatchSize},
		{EnvPatchSize, &o.PatchSize},
		{EnvPatchPadding, &o.PatchPadding},
		{EnvPadSize, &o.PadSize},
	} {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return o, errdefs.Configuration("%s=%q is not an integer", f.key, v)
		}
		*f.dst = n
	}
	return o, o.Validate()
}
