package gpu

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/esrgan/detector"
	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
)

// AdapterEnv names an environment variable holding a case-insensitive
// substring of the preferred adapter name or vendor (e.g. "nvidia").
const AdapterEnv = "ESRGAN_GPU_ADAPTER"

// Context holds the single WebGPU device for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Report   *detector.Report

	mu        sync.Mutex
	pipelines map[Conv2DSpec]*wgpu.ComputePipeline
}

var (
	ctx     Context
	once    sync.Once
	initErr error
)

// GetContext returns the singleton GPU context, initializing it on first use.
// A failed initialization is remembered; later calls return the same error.
func GetContext() (*Context, error) {
	once.Do(func() {
		if err := ctx.init(); err != nil {
			initErr = errdefs.Resource(err, "webgpu")
		}
	})
	if initErr != nil {
		return nil, initErr
	}
	return &ctx, nil
}

func (c *Context) init() error {
	log := logging.Logger()

	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	if want := strings.ToLower(os.Getenv(AdapterEnv)); want != "" {
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			if strings.Contains(strings.ToLower(info.Name), want) ||
				strings.Contains(strings.ToLower(info.VendorName), want) {
				c.Adapter = a
				break
			}
		}
		if c.Adapter == nil {
			log.Warn("requested GPU adapter not found, using default", "want", want)
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
		if err != nil {
			log.Debug("adapter request failed", "err", err)
		}
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", err)
	}

	c.Report = detector.FromAdapter(c.Adapter)
	log.Info("using GPU adapter", "name", c.Report.Name, "backend", c.Report.Backend,
		"type", c.Report.AdapterType)

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	if c.Device == nil || c.Queue == nil {
		return fmt.Errorf("WebGPU device or queue not initialized")
	}
	c.pipelines = make(map[Conv2DSpec]*wgpu.ComputePipeline)
	return nil
}
