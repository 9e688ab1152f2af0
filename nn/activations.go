package nn

// ActivationType selects the nonlinearity fused after a layer.
type ActivationType int

const (
	ActivationLinear    ActivationType = 0 // identity
	ActivationLeakyReLU ActivationType = 1 // v if v >= 0, else v * LeakySlope
)

// LeakySlope is the negative slope of ActivationLeakyReLU.
const LeakySlope float32 = 0.2

func (a ActivationType) String() string {
	switch a {
	case ActivationLeakyReLU:
		return "leaky_relu"
	default:
		return "linear"
	}
}

// activateCPU applies the activation to a single value.
func activateCPU(v float32, activation ActivationType) float32 {
	switch activation {
	case ActivationLeakyReLU:
		if v < 0 {
			return v * LeakySlope
		}
		return v
	default:
		return v
	}
}

// activateSlice applies the activation in place.
func activateSlice(v []float32, activation ActivationType) {
	if activation == ActivationLinear {
		return
	}
	for i, x := range v {
		v[i] = activateCPU(x, activation)
	}
}

// LeakyReLU applies the leaky rectifier to t in place and returns t.
func LeakyReLU(t *Tensor) *Tensor {
	activateSlice(t.Data, ActivationLeakyReLU)
	return t
}
