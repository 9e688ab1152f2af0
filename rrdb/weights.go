package rrdb

import (
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/nn"
)

// StateDict maps checkpoint names such as "body.0.rdb1.conv1.weight" to
// tensors.
type StateDict map[string]*nn.Param

// Wrapper prefixes of training checkpoints, as nn.LoadTorch flattens
// {"params": sd} and {"params_ema": sd}, in order of preference.
var wrapperPrefixes = []string{"params.", "params_ema."}

// Unwrap strips a training-checkpoint wrapper. Tensors under "params." win
// over "params_ema."; a dict with neither prefix is returned unchanged.
func Unwrap(sd StateDict) StateDict {
	for _, prefix := range wrapperPrefixes {
		out := StateDict{}
		for name, p := range sd {
			if rest, ok := strings.CutPrefix(name, prefix); ok {
				out[rest] = p
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return sd
}

// StateDict returns the network parameters by checkpoint name. The
// returned params share storage with the network.
func (n *Net) StateDict() StateDict {
	sd := StateDict{}
	for _, l := range n.Layers() {
		sd[l.Name+".weight"] = &nn.Param{Shape: l.WeightShape(), Data: l.Weight}
		sd[l.Name+".bias"] = &nn.Param{Shape: []int{l.OutChannels}, Data: l.Bias}
	}
	return sd
}

// Save writes the parameters as a safetensors stream.
func (n *Net) Save(w io.Writer) error {
	return nn.WriteSafetensors(w, n.StateDict())
}

// Load builds a network and fills it from sd. The load is strict: every
// expected tensor must be present with the expected shape and sd may not
// hold anything else.
func Load(cfg Config, sd StateDict, kernel nn.Kernel) (*Net, error) {
	n, err := build(cfg, kernel)
	if err != nil {
		return nil, err
	}
	sd = Unwrap(sd)

	var missing, mismatched []string
	seen := make(map[string]bool, len(sd))
	assign := func(name string, shape []int, dst []float32) {
		p, ok := sd[name]
		if !ok {
			missing = append(missing, name)
			return
		}
		seen[name] = true
		if !slices.Equal(p.Shape, shape) || len(p.Data) != len(dst) {
			mismatched = append(mismatched, name)
			return
		}
		copy(dst, p.Data)
	}
	for _, l := range n.Layers() {
		assign(l.Name+".weight", l.WeightShape(), l.Weight)
		assign(l.Name+".bias", []int{l.OutChannels}, l.Bias)
	}
	var unexpected []string
	for name := range sd {
		if !seen[name] {
			unexpected = append(unexpected, name)
		}
	}
	slices.Sort(unexpected)

	if len(missing)+len(mismatched)+len(unexpected) > 0 {
		return nil, errdefs.Configuration("state dict does not match x%d network: missing %v, wrong shape %v, unexpected %v",
			cfg.Scale, truncate(missing), truncate(mismatched), truncate(unexpected))
	}
	logging.Logger().Info("loaded rrdb weights", "scale", cfg.Scale, "blocks", cfg.Blocks,
		"tensors", len(sd), "kernel", kernel.Name())
	return n, nil
}

// ConfigFromStateDict infers the topology of a checkpoint so that slimmer
// variants (fewer blocks, narrower trunk) load without extra flags.
func ConfigFromStateDict(scale int, sd StateDict) (Config, error) {
	cfg := DefaultConfig(scale)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	sd = Unwrap(sd)
	shape := func(name string) ([]int, error) {
		p, ok := sd[name]
		if !ok || len(p.Shape) != 4 {
			return nil, errdefs.Configuration("state dict has no 4-d %s", name)
		}
		return p.Shape, nil
	}

	first, err := shape("conv_first.weight")
	if err != nil {
		return cfg, err
	}
	r := cfg.UnshuffleFactor()
	if first[1]%(r*r) != 0 {
		return cfg, errdefs.Configuration("conv_first takes %d channels, not a multiple of %d for x%d", first[1], r*r, scale)
	}
	cfg.Features = first[0]
	cfg.InChannels = first[1] / (r * r)

	last, err := shape("conv_last.weight")
	if err != nil {
		return cfg, err
	}
	cfg.OutChannels = last[0]

	cfg.Blocks = 0
	for {
		if _, ok := sd[blockName(cfg.Blocks)]; !ok {
			break
		}
		cfg.Blocks++
	}
	if cfg.Blocks > 0 {
		g, err := shape(blockName(0))
		if err != nil {
			return cfg, err
		}
		cfg.Growth = g[0]
	}
	return cfg, cfg.Validate()
}

func blockName(i int) string {
	return "body." + strconv.Itoa(i) + ".rdb1.conv1.weight"
}

// truncate keeps error messages readable when a whole checkpoint mismatches.
func truncate(names []string) []string {
	const limit = 8
	if len(names) <= limit {
		return names
	}
	return append(names[:limit:limit], "...")
}
