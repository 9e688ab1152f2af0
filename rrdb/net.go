package rrdb

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/nn"
)

// rdbInitScale shrinks the initial weights of dense-block convs so that
// a freshly built deep trunk starts close to the identity.
const rdbInitScale = 0.1

// RDB is a residual dense block: five convs, each reading the block input
// concatenated with every earlier conv output.
type RDB struct {
	Convs    [5]*nn.Conv2D
	features int
	growth   int
}

func newRDB(prefix string, features, growth int) *RDB {
	b := &RDB{features: features, growth: growth}
	for i := 0; i < 4; i++ {
		b.Convs[i] = nn.NewConv2D(fmt.Sprintf("%s.conv%d", prefix, i+1), features+i*growth, growth, nn.ActivationLeakyReLU)
	}
	b.Convs[4] = nn.NewConv2D(prefix+".conv5", features+4*growth, features, nn.ActivationLinear)
	return b
}

// forward evaluates the block. The dense concatenation lives in a single
// arena tensor of F+4G channels; conv i reads only its first F+i*G channels.
func (b *RDB) forward(k nn.Kernel, x *nn.Tensor) (*nn.Tensor, error) {
	arena := nn.NewTensor(x.N, b.features+4*b.growth, x.H, x.W)
	nn.CopyChannels(arena, x, 0)
	for i := 0; i < 4; i++ {
		o, err := b.Convs[i].Forward(k, arena)
		if err != nil {
			return nil, err
		}
		nn.CopyChannels(arena, o, b.features+i*b.growth)
	}
	x5, err := b.Convs[4].Forward(k, arena)
	if err != nil {
		return nil, err
	}
	return nn.ScaledResidual(x5, x, nn.ResidualScale)
}

// RRDB chains three dense blocks under an outer scaled residual.
type RRDB struct {
	Blocks [3]*RDB
}

func newRRDB(prefix string, features, growth int) *RRDB {
	r := &RRDB{}
	for i := range r.Blocks {
		r.Blocks[i] = newRDB(fmt.Sprintf("%s.rdb%d", prefix, i+1), features, growth)
	}
	return r
}

func (r *RRDB) forward(k nn.Kernel, x *nn.Tensor) (*nn.Tensor, error) {
	out := x
	var err error
	for _, b := range r.Blocks {
		if out, err = b.forward(k, out); err != nil {
			return nil, err
		}
	}
	return nn.ScaledResidual(out, x, nn.ResidualScale)
}

// Net is an RRDBNet generator. Its parameters are read-only after
// construction, so one Net may serve concurrent Forward calls as long as
// its kernel is safe for concurrent use.
type Net struct {
	cfg    Config
	kernel nn.Kernel

	ConvFirst *nn.Conv2D
	Body      []*RRDB
	ConvBody  *nn.Conv2D
	ConvUp    []*nn.Conv2D
	ConvHR    *nn.Conv2D
	ConvLast  *nn.Conv2D
}

// build allocates every layer with zero parameters.
func build(cfg Config, kernel nn.Kernel) (*Net, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kernel == nil {
		return nil, errdefs.Configuration("nil convolution kernel")
	}
	r := cfg.UnshuffleFactor()
	f := cfg.Features
	n := &Net{
		cfg:       cfg,
		kernel:    kernel,
		ConvFirst: nn.NewConv2D("conv_first", cfg.InChannels*r*r, f, nn.ActivationLinear),
		ConvBody:  nn.NewConv2D("conv_body", f, f, nn.ActivationLinear),
		ConvHR:    nn.NewConv2D("conv_hr", f, f, nn.ActivationLeakyReLU),
		ConvLast:  nn.NewConv2D("conv_last", f, cfg.OutChannels, nn.ActivationLinear),
	}
	for i := 0; i < cfg.Blocks; i++ {
		n.Body = append(n.Body, newRRDB(fmt.Sprintf("body.%d", i), f, cfg.Growth))
	}
	for i := 0; i < cfg.UpStages(); i++ {
		n.ConvUp = append(n.ConvUp, nn.NewConv2D(fmt.Sprintf("conv_up%d", i+1), f, f, nn.ActivationLeakyReLU))
	}
	return n, nil
}

// New builds an untrained network with Kaiming-normal weights and zero biases.
func New(cfg Config, kernel nn.Kernel, seed int64) (*Net, error) {
	n, err := build(cfg, kernel)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	n.ConvFirst.InitKaiming(rng, 1)
	for _, rrdb := range n.Body {
		for _, b := range rrdb.Blocks {
			for _, c := range b.Convs {
				c.InitKaiming(rng, rdbInitScale)
			}
		}
	}
	n.ConvBody.InitKaiming(rng, 1)
	for _, c := range n.ConvUp {
		c.InitKaiming(rng, 1)
	}
	n.ConvHR.InitKaiming(rng, 1)
	n.ConvLast.InitKaiming(rng, 1)
	return n, nil
}

// Config returns the topology the network was built with.
func (n *Net) Config() Config { return n.cfg }

// Scale returns the upscaling factor.
func (n *Net) Scale() int { return n.cfg.Scale }

// Kernel returns the convolution backend.
func (n *Net) Kernel() nn.Kernel { return n.kernel }

// Layers lists every convolution in checkpoint order.
func (n *Net) Layers() []*nn.Conv2D {
	layers := []*nn.Conv2D{n.ConvFirst}
	for _, rrdb := range n.Body {
		for _, b := range rrdb.Blocks {
			layers = append(layers, b.Convs[:]...)
		}
	}
	layers = append(layers, n.ConvBody)
	layers = append(layers, n.ConvUp...)
	return append(layers, n.ConvHR, n.ConvLast)
}

// Forward maps [N, InChannels, H, W] to [N, OutChannels, H*Scale, W*Scale].
// For scales 2 and 1, H and W must be divisible by 2 and 4 respectively.
func (n *Net) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	if x.C != n.cfg.InChannels {
		return nil, errdefs.Geometry("network expects %d input channels, got %v", n.cfg.InChannels, x)
	}
	log := logging.Logger()
	log.Debug("rrdb forward", "input", x.String(), "scale", n.cfg.Scale, "kernel", n.kernel.Name())

	in, err := nn.PixelUnshuffle(x, n.cfg.UnshuffleFactor())
	if err != nil {
		return nil, err
	}
	feat, err := n.ConvFirst.Forward(n.kernel, in)
	if err != nil {
		return nil, err
	}

	body := feat
	for i, rrdb := range n.Body {
		if body, err = rrdb.forward(n.kernel, body); err != nil {
			return nil, fmt.Errorf("body.%d: %w", i, err)
		}
	}
	if body, err = n.ConvBody.Forward(n.kernel, body); err != nil {
		return nil, err
	}
	if _, err = nn.Add(body, feat); err != nil {
		return nil, err
	}

	for _, up := range n.ConvUp {
		if body, err = up.Forward(n.kernel, nn.UpsampleNearest2x(body)); err != nil {
			return nil, err
		}
	}
	if body, err = n.ConvHR.Forward(n.kernel, body); err != nil {
		return nil, err
	}
	return n.ConvLast.Forward(n.kernel, body)
}
