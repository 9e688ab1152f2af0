package upscaler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openfluke/esrgan/hub"
	"github.com/openfluke/esrgan/nn"
	"github.com/openfluke/esrgan/raster"
	"github.com/openfluke/esrgan/rrdb"
)

// nearest upsamples by repetition, so a correct pipeline reproduces a
// nearest-neighbour enlargement of the input.
type nearest struct {
	scale   int
	batches []int
	fail    int // batch index that errors, -1 for none
	mu      sync.Mutex
}

func (e *nearest) Scale() int { return e.scale }

func (e *nearest) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	e.mu.Lock()
	idx := len(e.batches)
	e.batches = append(e.batches, x.N)
	e.mu.Unlock()
	if idx == e.fail {
		return nil, errors.New("boom")
	}
	s := e.scale
	out := nn.NewTensor(x.N, x.C, x.H*s, x.W*s)
	for n := 0; n < x.N; n++ {
		for c := 0; c < x.C; c++ {
			src, dst := x.Plane(n, c), out.Plane(n, c)
			for y := 0; y < out.H; y++ {
				for xx := 0; xx < out.W; xx++ {
					dst[y*out.W+xx] = src[(y/s)*x.W+xx/s]
				}
			}
		}
	}
	return out, nil
}

func randomImage(h, w int, seed int64) *raster.Image[uint8] {
	rng := rand.New(rand.NewSource(seed))
	img, _ := raster.NewRGB(h, w)
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	return img
}

func smallOptions() Options {
	return Options{BatchSize: 3, PatchSize: 8, PatchPadding: 2, PadSize: 3}
}

func TestPredictNearestMatchesEnlargement(t *testing.T) {
	for _, scale := range []int{1, 2, 4} {
		img := randomImage(13, 21, int64(scale))
		ev := &nearest{scale: scale, fail: -1}
		out, err := New(ev).Predict(img, smallOptions())
		if err != nil {
			t.Fatalf("x%d: %v", scale, err)
		}
		if out.Height != 13*scale || out.Width != 21*scale {
			t.Fatalf("x%d: output %dx%d", scale, out.Height, out.Width)
		}
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				for c := 0; c < 3; c++ {
					got := int(out.At(y, x, c))
					want := int(img.At(y/scale, x/scale, c))
					// x/255*255 may truncate one step down
					if got != want && got != want-1 {
						t.Fatalf("x%d (%d,%d,%d): got %d want %d", scale, y, x, c, got, want)
					}
				}
			}
		}
	}
}

func TestPredictBatchSlicing(t *testing.T) {
	img := randomImage(24, 40, 1) // padded 30x46 -> 4x6 patches of 8
	ev := &nearest{scale: 2, fail: -1}
	opt := smallOptions()
	opt.BatchSize = 5
	if _, err := New(ev).Predict(img, opt); err != nil {
		t.Fatal(err)
	}
	want := []int{5, 5, 5, 5, 4}
	if len(ev.batches) != len(want) {
		t.Fatalf("batches %v, want %v", ev.batches, want)
	}
	for i := range want {
		if ev.batches[i] != want[i] {
			t.Fatalf("batches %v, want %v", ev.batches, want)
		}
	}
}

func TestRunBatchesAbortsOnError(t *testing.T) {
	ev := &nearest{scale: 2, fail: 1}
	_, err := RunBatches(ev, nn.NewTensor(7, 3, 4, 4), 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(ev.batches) != 2 {
		t.Errorf("evaluated %d batches after failure, want 2", len(ev.batches))
	}
	if _, err := RunBatches(ev, nn.NewTensor(1, 3, 4, 4), 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("batch size 0: expected ErrConfiguration, got %v", err)
	}
}

func TestPredictTinyNetwork(t *testing.T) {
	cfg := rrdb.Config{Scale: 2, InChannels: 3, OutChannels: 3, Features: 8, Blocks: 1, Growth: 4}
	net, err := rrdb.New(cfg, nn.ReferenceKernel{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	img := randomImage(17, 11, 2)
	u := New(net)

	opt := smallOptions()
	opt.BatchSize = 1
	a, err := u.Predict(img, opt)
	if err != nil {
		t.Fatal(err)
	}
	if a.Height != 34 || a.Width != 22 || a.Channels != 3 {
		t.Fatalf("output %dx%dx%d", a.Height, a.Width, a.Channels)
	}

	opt.BatchSize = 4
	b, err := u.Predict(img, opt)
	if err != nil {
		t.Fatal(err)
	}
	if !raster.Equal(a, b) {
		t.Error("result depends on batch size")
	}
}

func TestPredictErrors(t *testing.T) {
	u := New(&nearest{scale: 2, fail: -1})
	with := func(f func(*Options)) Options {
		o := smallOptions()
		f(&o)
		return o
	}
	tests := []struct {
		name string
		img  *raster.Image[uint8]
		opt  Options
		want error
	}{
		{"pad too large", randomImage(4, 4, 1), with(func(o *Options) { o.PadSize = 2 }), ErrGeometry},
		{"patch 0", randomImage(16, 16, 1), with(func(o *Options) { o.PatchSize = 0 }), ErrConfiguration},
		{"batch 0", randomImage(16, 16, 1), with(func(o *Options) { o.BatchSize = 0 }), ErrConfiguration},
		{"negative overlap", randomImage(16, 16, 1), with(func(o *Options) { o.PatchPadding = -1 }), ErrGeometry},
		{"negative pad", randomImage(16, 16, 1), with(func(o *Options) { o.PadSize = -3 }), ErrGeometry},
		{"one channel", raster.New[uint8](16, 16, 1), smallOptions(), ErrGeometry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := u.Predict(tc.img, tc.opt); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPredictFloat(t *testing.T) {
	u := New(&nearest{scale: 2, fail: -1})
	const h, w = 9, 8
	unit := make([]float32, h*w*3)
	for i := range unit {
		unit[i] = 1
	}
	out, err := u.PredictFloat(h, w, unit, smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	if out.Height != 2*h || out.Width != 2*w {
		t.Fatalf("output %dx%d", out.Height, out.Width)
	}
	for i, v := range out.Pix {
		if v != 255 {
			t.Fatalf("Pix[%d] = %d, want 255", i, v)
		}
	}

	for _, n := range []int{0, h*w*3 - 1, h*w*3 + 3} {
		if _, err := u.PredictFloat(h, w, make([]float32, n), smallOptions()); !errors.Is(err, ErrGeometry) {
			t.Errorf("%d samples: expected ErrGeometry, got %v", n, err)
		}
	}
}

// lying claims x4 but upsamples by 2.
type lying struct{ nearest }

func (*lying) Scale() int { return 4 }

func TestPredictRejectsWrongOutputSize(t *testing.T) {
	u := New(&lying{nearest{scale: 2, fail: -1}})
	if _, err := u.Predict(randomImage(16, 16, 1), smallOptions()); !errors.Is(err, ErrGeometry) {
		t.Errorf("expected ErrGeometry, got %v", err)
	}
}

func TestPredictImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 10, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 10; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 255, A: 40})
		}
	}
	out, err := New(&nearest{scale: 2, fail: -1}).PredictImage(src, smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	if b := out.Bounds(); b.Dx() != 20 || b.Dy() != 24 {
		t.Fatalf("bounds %v", b)
	}
	if c := out.RGBAAt(5, 5); c.R != 255 || c.G != 0 || c.B != 255 || c.A != 255 {
		t.Errorf("pixel %v, want opaque magenta", c)
	}
}

func TestOptions(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvBatchSize, "8")
	t.Setenv(EnvPadSize, "0")
	o, err := OptionsFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if o.BatchSize != 8 || o.PadSize != 0 || o.PatchSize != 192 || o.PatchPadding != 24 {
		t.Errorf("options %+v", o)
	}
	t.Setenv(EnvPatchSize, "big")
	if _, err := OptionsFromEnv(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("non-integer: expected ErrConfiguration, got %v", err)
	}
	t.Setenv(EnvPatchSize, "-1")
	if _, err := OptionsFromEnv(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("negative: expected ErrConfiguration, got %v", err)
	}
}

func TestCached(t *testing.T) {
	var calls atomic.Int32
	load := func(ctx context.Context, scale int) (Evaluator, error) {
		calls.Add(1)
		return &nearest{scale: scale, fail: -1}, nil
	}
	// scale 101 keeps this test independent of other cache users
	var wg sync.WaitGroup
	evs := make([]Evaluator, 8)
	for i := range evs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			evs[i], _ = Cached(context.Background(), 101, load)
		}(i)
	}
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Errorf("loader called %d times, want 1", n)
	}
	for _, ev := range evs {
		if ev != evs[0] || ev == nil {
			t.Fatal("callers received different evaluators")
		}
	}

	failing := func(ctx context.Context, scale int) (Evaluator, error) {
		return nil, errors.New("offline")
	}
	if _, err := Cached(context.Background(), 102, failing); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Cached(context.Background(), 102, load); err != nil {
		t.Errorf("retry after failure: %v", err)
	}

	mismatched := func(ctx context.Context, scale int) (Evaluator, error) {
		return &nearest{scale: 2, fail: -1}, nil
	}
	if _, err := Cached(context.Background(), 103, mismatched); !errors.Is(err, ErrConfiguration) {
		t.Errorf("scale mismatch: expected ErrConfiguration, got %v", err)
	}
}

func tinyWeights(t *testing.T, scale int) []byte {
	t.Helper()
	cfg := rrdb.Config{Scale: scale, InChannels: 3, OutChannels: 3, Features: 8, Blocks: 2, Growth: 4}
	net, err := rrdb.New(cfg, nn.ReferenceKernel{}, 3)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := net.Save(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadLocalWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x4.safetensors")
	if err := os.WriteFile(path, tinyWeights(t, 4), 0o644); err != nil {
		t.Fatal(err)
	}
	net, err := Load(context.Background(), 4, LoadOptions{WeightsPath: path, Kernel: nn.ReferenceKernel{}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg := net.Config(); cfg.Blocks != 2 || cfg.Features != 8 || net.Scale() != 4 {
		t.Errorf("config %+v", cfg)
	}
}

func TestLoadTorchCheckpoint(t *testing.T) {
	// Holds both "params" and "params_ema"; the first has no +1 offset.
	path := filepath.Join("..", "nn", "testdata", "tiny_x4.pth")
	net, err := Load(context.Background(), 4, LoadOptions{WeightsPath: path, Kernel: nn.ReferenceKernel{}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg := net.Config(); cfg.Features != 4 || cfg.Growth != 2 || cfg.Blocks != 1 {
		t.Errorf("config %+v", cfg)
	}
	tests := []struct {
		name string
		got  float32
		want float32
	}{
		{"conv_first.weight[0]", net.ConvFirst.Weight[0], -0.05},
		{"conv_first.weight[1]", net.ConvFirst.Weight[1], 0.02},
		{"conv_last.bias[0]", net.ConvLast.Bias[0], 0.2},
	}
	for _, tc := range tests {
		if d := tc.got - tc.want; d > 1e-6 || d < -1e-6 {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
	out, err := New(net).Predict(randomImage(5, 7, 1), Options{BatchSize: 2, PatchSize: 4, PatchPadding: 1, PadSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if out.Height != 20 || out.Width != 28 {
		t.Errorf("output %dx%d", out.Height, out.Width)
	}
}

// countingKernel records Close calls of kernels Load creates itself.
type countingKernel struct {
	nn.ReferenceKernel
	closed atomic.Int32
}

func (k *countingKernel) Close() { k.closed.Add(1) }

func TestLoadClosesOwnedKernelOnFailure(t *testing.T) {
	var made []*countingKernel
	orig := newDefaultKernel
	newDefaultKernel = func() closingKernel {
		k := &countingKernel{}
		made = append(made, k)
		return k
	}
	t.Cleanup(func() { newDefaultKernel = orig })

	cfg := rrdb.Config{Scale: 4, InChannels: 3, OutChannels: 3, Features: 8, Blocks: 1, Growth: 4}
	net, err := rrdb.New(cfg, nn.ReferenceKernel{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	checkpoint := func(edit func(rrdb.StateDict)) string {
		sd := net.StateDict()
		edit(sd)
		var buf bytes.Buffer
		if err := nn.WriteSafetensors(&buf, sd); err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(t.TempDir(), "x4.safetensors")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name       string
		path       string
		wantErr    bool
		wantMade   int
		wantClosed int32
	}{
		{"loads", checkpoint(func(rrdb.StateDict) {}), false, 1, 0},
		{"unexpected tensor", checkpoint(func(sd rrdb.StateDict) {
			sd["extra.weight"] = &nn.Param{Shape: []int{1}, Data: []float32{0}}
		}), true, 1, 1},
		{"wrong bias shape", checkpoint(func(sd rrdb.StateDict) {
			sd["conv_hr.bias"] = &nn.Param{Shape: []int{2}, Data: []float32{0, 0}}
		}), true, 1, 1},
		{"no conv_last", checkpoint(func(sd rrdb.StateDict) { delete(sd, "conv_last.weight") }), true, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			made = nil
			_, err := Load(context.Background(), 4, LoadOptions{WeightsPath: tc.path})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, want error %v", err, tc.wantErr)
			}
			if len(made) != tc.wantMade {
				t.Fatalf("created %d kernels, want %d", len(made), tc.wantMade)
			}
			for _, k := range made {
				if n := k.closed.Load(); n != tc.wantClosed {
					t.Errorf("kernel closed %d times, want %d", n, tc.wantClosed)
				}
			}
		})
	}
}

func TestLoadFromHub(t *testing.T) {
	weights := tinyWeights(t, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if filepath.Base(r.URL.Path) != hub.WeightsFile(2) {
			http.NotFound(w, r)
			return
		}
		w.Write(weights)
	}))
	defer srv.Close()

	f := &hub.Fetcher{BaseURL: srv.URL, Repo: "test/esrgan", CacheDir: t.TempDir(), Client: srv.Client()}
	net, err := Load(context.Background(), 2, LoadOptions{Fetcher: f, Kernel: nn.ReferenceKernel{}})
	if err != nil {
		t.Fatal(err)
	}
	if net.Scale() != 2 {
		t.Errorf("scale %d", net.Scale())
	}

	if _, err := Load(context.Background(), 8, LoadOptions{Fetcher: f}); !errors.Is(err, ErrResource) {
		t.Errorf("missing remote file: expected ErrResource, got %v", err)
	}
}

func TestLoadUnsupportedScale(t *testing.T) {
	for _, scale := range []int{0, 1, 3} {
		if _, err := Load(context.Background(), scale, LoadOptions{}); !errors.Is(err, ErrConfiguration) {
			t.Errorf("x%d: expected ErrConfiguration, got %v", scale, err)
		}
	}
}
