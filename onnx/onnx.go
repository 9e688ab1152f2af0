// Package onnx evaluates an exported super-resolution graph with ONNX
// Runtime. The graph must take a float32 NCHW batch in [0, 1] and return
// the upscaled batch, with dynamic batch and spatial axes.
package onnx

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/nn"
)

// LibraryEnv names the shared library to load when Options.LibraryPath is
// empty.
const LibraryEnv = "ONNXRUNTIME_LIB"

// Options describe the exported graph.
type Options struct {
	Scale       int
	InputName   string // default "input"
	OutputName  string // default "output"
	LibraryPath string
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the runtime once per process.
func initEnvironment(lib string) error {
	envOnce.Do(func() {
		if lib == "" {
			lib = os.Getenv(LibraryEnv)
		}
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			envErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return envErr
}

// Session is an Evaluator backed by an ONNX Runtime session. Runs are
// serialized.
type Session struct {
	sess  *ort.DynamicAdvancedSession
	scale int
	mu    sync.Mutex
}

// Open loads the graph at path.
func Open(path string, opt Options) (*Session, error) {
	switch opt.Scale {
	case 1, 2, 4, 8:
	default:
		return nil, errdefs.Configuration("unsupported scale %d (want 1, 2, 4 or 8)", opt.Scale)
	}
	if opt.InputName == "" {
		opt.InputName = "input"
	}
	if opt.OutputName == "" {
		opt.OutputName = "output"
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errdefs.Resource(err, "onnx model")
	}
	if err := initEnvironment(opt.LibraryPath); err != nil {
		return nil, errdefs.Resource(err, "onnx runtime")
	}

	sess, err := ort.NewDynamicAdvancedSession(path,
		[]string{opt.InputName}, []string{opt.OutputName}, nil)
	if err != nil {
		return nil, errdefs.Resource(err, "failed to create ONNX session")
	}
	logging.Logger().Info("opened onnx model", "path", path, "scale", opt.Scale)
	return &Session{sess: sess, scale: opt.Scale}, nil
}

func (s *Session) Scale() int { return s.scale }

// Forward runs one batch through the graph.
func (s *Session) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	in, err := ort.NewTensor(ort.NewShape(int64(x.N), int64(x.C), int64(x.H), int64(x.W)), x.Data)
	if err != nil {
		return nil, errdefs.Resource(err, "failed to create input tensor")
	}
	defer in.Destroy()

	out := nn.NewTensor(x.N, x.C, x.H*s.scale, x.W*s.scale)
	outTensor, err := ort.NewTensor(ort.NewShape(int64(out.N), int64(out.C), int64(out.H), int64(out.W)), out.Data)
	if err != nil {
		return nil, errdefs.Resource(err, "failed to create output tensor")
	}
	defer outTensor.Destroy()

	s.mu.Lock()
	err = s.sess.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{outTensor})
	s.mu.Unlock()
	if err != nil {
		return nil, errdefs.Resource(err, "inference failed")
	}
	return out, nil
}

// Close releases the session. The runtime environment stays loaded.
func (s *Session) Close() error {
	if s.sess == nil {
		return nil
	}
	err := s.sess.Destroy()
	s.sess = nil
	return err
}
