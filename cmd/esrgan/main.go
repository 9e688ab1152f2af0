// Command esrgan upscales an image with a pretrained Real-ESRGAN network.
//
// Usage:
//
//	esrgan -i photo.jpg -o photo_x4.png -scale 4
//	esrgan -i https://example.com/a.png -scale 2 -outscale 3 -device gpu
//	esrgan -i in.png -onnx realesrgan_x4.onnx -scale 4
//	esrgan -probe
//
// Weights are fetched from the model hub on first use and cached under
// $ESRGAN_CACHE_DIR. Tiling can also be tuned through ESRGAN_BATCH_SIZE,
// ESRGAN_PATCH_SIZE, ESRGAN_PATCH_PADDING and ESRGAN_PAD_SIZE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfluke/esrgan/codec"
	"github.com/openfluke/esrgan/detector"
	"github.com/openfluke/esrgan/nn"
	"github.com/openfluke/esrgan/onnx"
	"github.com/openfluke/esrgan/upscaler"
)

type config struct {
	input    string
	output   string
	scale    int
	outscale float64
	weights  string
	onnx     string
	device   string
	workers  int
	probe    bool
	verbose  bool
	opt      upscaler.Options
}

func parseFlags(args []string, stderr io.Writer) (*config, error) {
	opt, err := upscaler.OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	c := &config{opt: opt}

	fs := flag.NewFlagSet("esrgan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.input, "i", "", "Input image path or http(s) URL (required)")
	fs.StringVar(&c.output, "o", "", "Output path; format from extension (default: <input>_x<scale>.png)")
	fs.IntVar(&c.scale, "scale", 4, "Network scale: 2, 4 or 8 (1 with -onnx)")
	fs.Float64Var(&c.outscale, "outscale", 0, "Final scale if different from -scale, resampled with Lanczos3")
	fs.StringVar(&c.weights, "weights", "", "Local .pth or safetensors checkpoint instead of the hub download")
	fs.StringVar(&c.onnx, "onnx", "", "Run an exported ONNX graph instead of the built-in network")
	fs.StringVar(&c.device, "device", "auto", "Convolution backend: cpu, gpu or auto")
	fs.IntVar(&c.workers, "workers", 0, "CPU worker threads (default: GOMAXPROCS)")
	fs.IntVar(&c.opt.BatchSize, "batch", opt.BatchSize, "Patches per network call")
	fs.IntVar(&c.opt.PatchSize, "patch", opt.PatchSize, "Patch size in input pixels")
	fs.IntVar(&c.opt.PatchPadding, "overlap", opt.PatchPadding, "Context pixels around each patch")
	fs.IntVar(&c.opt.PadSize, "pad", opt.PadSize, "Reflection border around the image")
	fs.BoolVar(&c.probe, "probe", false, "Print the GPU report as JSON and exit")
	fs.BoolVar(&c.verbose, "v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if c.probe {
		return c, nil
	}
	if c.input == "" {
		fs.Usage()
		return nil, fmt.Errorf("-i is required")
	}
	switch c.device {
	case "cpu", "gpu", "auto":
	default:
		return nil, fmt.Errorf("-device must be cpu, gpu or auto, got %q", c.device)
	}
	if c.outscale == 0 {
		c.outscale = float64(c.scale)
	}
	if c.output == "" {
		c.output = defaultOutput(c.input, c.scale)
	}
	return c, c.opt.Validate()
}

func defaultOutput(input string, scale int) string {
	base := filepath.Base(input)
	if strings.Contains(input, "://") {
		base = path.Base(input)
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_x%d.png", stem, scale)
}

// newKernel picks the convolution backend. "auto" prefers the GPU and falls
// back to the CPU when no adapter is usable.
func newKernel(device string, workers int, log *slog.Logger) (nn.Kernel, error) {
	cpu := nn.NewCPUKernel(workers)
	if device == "cpu" {
		return cpu, nil
	}
	gpu, err := nn.NewGPUKernel(cpu)
	if err == nil {
		return gpu, nil
	}
	if device == "gpu" {
		return nil, err
	}
	log.Warn("GPU unavailable, using CPU", "err", err)
	return cpu, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	upscaler.SetLogger(log)
	defer upscaler.SetLogger(nil)

	if c.probe {
		report, err := detector.DetectJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, report)
		return nil
	}

	img, format, err := codec.Load(ctx, c.input)
	if err != nil {
		return err
	}
	log.Info("loaded input", "src", c.input, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	var ev upscaler.Evaluator
	if c.onnx != "" {
		sess, err := onnx.Open(c.onnx, onnx.Options{Scale: c.scale})
		if err != nil {
			return err
		}
		defer sess.Close()
		ev = sess
	} else {
		kernel, err := newKernel(c.device, c.workers, log)
		if err != nil {
			return err
		}
		ev, err = upscaler.Cached(ctx, c.scale, upscaler.LoadPretrained(upscaler.LoadOptions{
			WeightsPath: c.weights,
			Kernel:      kernel,
		}))
		if err != nil {
			return err
		}
	}

	start := time.Now()
	out, err := upscaler.New(ev).PredictImage(img, c.opt)
	if err != nil {
		return err
	}
	log.Info("upscaled", "scale", ev.Scale(), "elapsed", time.Since(start).Round(time.Millisecond))

	final, err := codec.Outscale(out, ev.Scale(), c.outscale)
	if err != nil {
		return err
	}
	if err := codec.Save(c.output, final); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s (%dx%d)\n", c.output, final.Bounds().Dx(), final.Bounds().Dy())
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exitCode := 1
		if errors.Is(err, upscaler.ErrConfiguration) {
			exitCode = 2
		}
		os.Exit(exitCode)
	}
}
