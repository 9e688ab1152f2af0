package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/esrgan/errdefs"
	"github.com/openfluke/esrgan/internal/logging"
)

// Conv2DSpec fixes every shape constant baked into a convolution shader.
// Input and output are NCHW; the shader reads the first InChannels of each
// sample, whose stride is InStride channels.
type Conv2DSpec struct {
	Batch       int
	InChannels  int
	InStride    int
	OutChannels int
	Height      int
	Width       int
	KernelSize  int
	Padding     int
	LeakySlope  float32 // 0 disables the activation
	WorkgroupX  int
	GroupsX     int // workgroups per row of a 2D dispatch
}

func (s Conv2DSpec) outSize() (int, int) {
	return s.Height + 2*s.Padding - s.KernelSize + 1, s.Width + 2*s.Padding - s.KernelSize + 1
}

// InputLen is the number of floats in the input buffer.
func (s Conv2DSpec) InputLen() int { return s.Batch * s.InStride * s.Height * s.Width }

// OutputLen is the number of floats in the output buffer.
func (s Conv2DSpec) OutputLen() int {
	h, w := s.outSize()
	return s.Batch * s.OutChannels * h * w
}

// Dispatch returns the 2D workgroup grid covering OutputLen invocations.
func (s Conv2DSpec) Dispatch() (uint32, uint32) {
	groups := (s.OutputLen() + s.WorkgroupX - 1) / s.WorkgroupX
	y := (groups + s.GroupsX - 1) / s.GroupsX
	x := min(groups, s.GroupsX)
	return uint32(x), uint32(y)
}

// GenerateShader emits the WGSL forward shader for s.
func (s Conv2DSpec) GenerateShader() string {
	outH, outW := s.outSize()
	activation := "return v;"
	if s.LeakySlope != 0 {
		activation = fmt.Sprintf("return select(v * %f, v, v >= 0.0);", s.LeakySlope)
	}
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> input: array<f32>;      // [batch][inStride][inH][inW]
@group(0) @binding(1) var<storage, read> kernel: array<f32>;     // [outC][inC][kH][kW]
@group(0) @binding(2) var<storage, read> bias: array<f32>;       // [outC]
@group(0) @binding(3) var<storage, read_write> output: array<f32>; // [batch][outC][outH][outW]

const BATCH: u32 = %du;
const IN_C: u32 = %du;
const IN_STRIDE: u32 = %du;
const OUT_C: u32 = %du;
const IN_H: u32 = %du;
const IN_W: u32 = %du;
const OUT_H: u32 = %du;
const OUT_W: u32 = %du;
const K_SIZE: u32 = %du;
const PADDING: i32 = %d;
const ROW: u32 = %du;

fn activate(v: f32) -> f32 {
    %s
}

@compute @workgroup_size(%d, 1, 1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x + global_id.y * ROW;
    let total = BATCH * OUT_C * OUT_H * OUT_W;
    if (idx >= total) { return; }

    let b = idx / (OUT_C * OUT_H * OUT_W);
    let r1 = idx %% (OUT_C * OUT_H * OUT_W);
    let oc = r1 / (OUT_H * OUT_W);
    let r2 = r1 %% (OUT_H * OUT_W);
    let oh = r2 / OUT_W;
    let ow = r2 %% OUT_W;

    var sum = bias[oc];
    for (var ic: u32 = 0u; ic < IN_C; ic = ic + 1u) {
        let in_base = (b * IN_STRIDE + ic) * IN_H * IN_W;
        let k_base = (oc * IN_C + ic) * K_SIZE * K_SIZE;
        for (var kh: u32 = 0u; kh < K_SIZE; kh = kh + 1u) {
            let ih = i32(oh) + i32(kh) - PADDING;
            if (ih < 0 || ih >= i32(IN_H)) { continue; }
            for (var kw: u32 = 0u; kw < K_SIZE; kw = kw + 1u) {
                let iw = i32(ow) + i32(kw) - PADDING;
                if (iw < 0 || iw >= i32(IN_W)) { continue; }
                sum = sum + input[in_base + u32(ih) * IN_W + u32(iw)] * kernel[k_base + kh * K_SIZE + kw];
            }
        }
    }
    output[idx] = activate(sum);
}
`, s.Batch, s.InChannels, s.InStride, s.OutChannels, s.Height, s.Width, outH, outW,
		s.KernelSize, s.Padding, s.GroupsX*s.WorkgroupX, activation, s.WorkgroupX)
}

// Conv2DWeights are a layer's parameters resident on the device.
type Conv2DWeights struct {
	Weight *wgpu.Buffer
	Bias   *wgpu.Buffer
}

// UploadConv2DWeights copies weight and bias to device storage buffers.
func UploadConv2DWeights(label string, weight, bias []float32) (*Conv2DWeights, error) {
	w, err := NewFloatBuffer(label+"_weight", weight, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	b, err := NewFloatBuffer(label+"_bias", bias, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		w.Destroy()
		return nil, err
	}
	return &Conv2DWeights{Weight: w, Bias: b}, nil
}

// Release frees the device buffers.
func (w *Conv2DWeights) Release() {
	if w.Weight != nil {
		w.Weight.Destroy()
	}
	if w.Bias != nil {
		w.Bias.Destroy()
	}
}

// pipeline returns the compiled pipeline for s, compiling it on first use.
func (c *Context) pipeline(s Conv2DSpec) (*wgpu.ComputePipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pipelines[s]; ok {
		return p, nil
	}

	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "conv2d_fwd_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: s.GenerateShader()},
	})
	if err != nil {
		return nil, errdefs.Resource(err, "compile conv2d shader")
	}
	defer module.Release()

	p, err := c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "conv2d_fwd_pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return nil, errdefs.Resource(err, "create conv2d pipeline")
	}
	c.pipelines[s] = p
	logging.Logger().Debug("compiled conv2d pipeline", "spec", fmt.Sprintf("%+v", s))
	return p, nil
}

// RunConv2D evaluates one convolution on the device and reads the result back.
func RunConv2D(s Conv2DSpec, input []float32, w *Conv2DWeights) ([]float32, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	if len(input) != s.InputLen() {
		return nil, errdefs.Geometry("conv2d input holds %d floats, want %d", len(input), s.InputLen())
	}
	pipeline, err := c.pipeline(s)
	if err != nil {
		return nil, err
	}

	inputBuf, err := NewFloatBuffer("conv2d_input", input, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer inputBuf.Destroy()

	outputLen := s.OutputLen()
	outputBuf, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "conv2d_output",
		Size:  uint64(outputLen * 4),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, err
	}
	defer outputBuf.Destroy()

	bg, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "conv2d_fwd_bg",
		Layout: pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: inputBuf, Size: inputBuf.GetSize()},
			{Binding: 1, Buffer: w.Weight, Size: w.Weight.GetSize()},
			{Binding: 2, Buffer: w.Bias, Size: w.Bias.GetSize()},
			{Binding: 3, Buffer: outputBuf, Size: outputBuf.GetSize()},
		},
	})
	if err != nil {
		return nil, err
	}
	defer bg.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg, nil)
	gx, gy := s.Dispatch()
	pass.DispatchWorkgroups(gx, gy, 1)
	pass.End()
	cb, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, err
	}
	c.Queue.Submit(cb)
	cb.Release()

	return ReadBuffer(outputBuf, outputLen)
}
