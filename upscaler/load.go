package upscaler

import (
	"context"
	"sync"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/hub"
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/nn"
	"github.com/openfluke/esrgan/rrdb"
)

// LoadOptions select where weights come from and how they are evaluated.
type LoadOptions struct {
	// WeightsPath is a local torch.save or safetensors checkpoint. When
	// empty the published checkpoint for the scale is fetched through
	// Fetcher.
	WeightsPath string
	// Fetcher defaults to hub.NewFetcher().
	Fetcher *hub.Fetcher
	// Kernel defaults to a CPU kernel using every core.
	Kernel nn.Kernel
}

type closingKernel interface {
	nn.Kernel
	Close()
}

// newDefaultKernel builds the kernel used when LoadOptions.Kernel is nil.
var newDefaultKernel = func() closingKernel { return nn.NewCPUKernel(0) }

// Load builds the pretrained RRDBNet for scale (2, 4 or 8).
func Load(ctx context.Context, scale int, opt LoadOptions) (*rrdb.Net, error) {
	switch scale {
	case 2, 4, 8:
	default:
		return nil, errdefs.Configuration("no pretrained weights for scale %d (want 2, 4 or 8)", scale)
	}

	path := opt.WeightsPath
	if path == "" {
		f := opt.Fetcher
		if f == nil {
			var err error
			if f, err = hub.NewFetcher(); err != nil {
				return nil, err
			}
		}
		var err error
		if path, err = f.Fetch(ctx, hub.WeightsFile(scale)); err != nil {
			return nil, err
		}
	}

	params, err := nn.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	sd := rrdb.StateDict(params)
	cfg, err := rrdb.ConfigFromStateDict(scale, sd)
	if err != nil {
		return nil, err
	}
	kernel := opt.Kernel
	var owned closingKernel
	if kernel == nil {
		owned = newDefaultKernel()
		kernel = owned
	}
	logging.Logger().Info("loading model", "path", path, "scale", scale, "blocks", cfg.Blocks,
		"features", cfg.Features)
	net, err := rrdb.Load(cfg, sd, kernel)
	if err != nil {
		if owned != nil {
			owned.Close()
		}
		return nil, err
	}
	return net, nil
}

// Loader constructs the evaluator for a scale.
type Loader func(ctx context.Context, scale int) (Evaluator, error)

type cacheEntry struct {
	mu sync.Mutex
	ev Evaluator
}

var cache sync.Map // int -> *cacheEntry

// Cached returns the process-wide evaluator for scale, calling load the
// first time. Concurrent callers for the same scale wait for one load. A
// failed load is not remembered, so a later call may try again. Cached
// evaluators live for the rest of the process.
func Cached(ctx context.Context, scale int, load Loader) (Evaluator, error) {
	v, _ := cache.LoadOrStore(scale, &cacheEntry{})
	e := v.(*cacheEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ev != nil {
		return e.ev, nil
	}
	ev, err := load(ctx, scale)
	if err != nil {
		return nil, err
	}
	if ev.Scale() != scale {
		return nil, errdefs.Configuration("loader for x%d returned a x%d network", scale, ev.Scale())
	}
	e.ev = ev
	return ev, nil
}

// LoadPretrained is a Loader for Load with opt.
func LoadPretrained(opt LoadOptions) Loader {
	return func(ctx context.Context, scale int) (Evaluator, error) {
		return Load(ctx, scale, opt)
	}
}
