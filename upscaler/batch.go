package upscaler

import (
	"fmt"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
	"github.com/openfluke/esrgan/nn"
)

// Evaluator is a super-resolution network: Forward maps [N, 3, H, W] in
// [0, 1] to [N, 3, H*Scale, W*Scale].
type Evaluator interface {
	Scale() int
	Forward(x *nn.Tensor) (*nn.Tensor, error)
}

// RunBatches evaluates x in consecutive slices of at most batchSize samples
// and concatenates the outputs in order. The first failing slice aborts the
// run; no partial result is returned.
func RunBatches(ev Evaluator, x *nn.Tensor, batchSize int) (*nn.Tensor, error) {
	if batchSize < 1 {
		return nil, errdefs.Configuration("batch size must be at least 1, got %d", batchSize)
	}
	if x.N == 0 {
		return nil, errdefs.Geometry("empty batch")
	}
	log := logging.Logger()
	outs := make([]*nn.Tensor, 0, (x.N+batchSize-1)/batchSize)
	for i := 0; i < x.N; i += batchSize {
		end := min(i+batchSize, x.N)
		out, err := ev.Forward(x.Slice(i, end))
		if err != nil {
			return nil, fmt.Errorf("batch at patch %d: %w", i, err)
		}
		if out.N != end-i {
			return nil, errdefs.Geometry("batch at patch %d: network returned %d samples for %d", i, out.N, end-i)
		}
		outs = append(outs, out)
		log.Debug("batch done", "from", i, "to", end, "total", x.N)
	}
	return nn.Concat(outs...)
}
