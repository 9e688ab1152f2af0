package gpu

import (
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/esrgan/errdefs"
)

// ReadTimeout bounds how long ReadBuffer waits for a mapped readback. Large
// upsampled layers on slow adapters take well over a second.
var ReadTimeout = 30 * time.Second

// EnsureGPU reports whether a device can be opened. The error, if any, is
// an errdefs.ErrResource.
func EnsureGPU() error {
	_, err := GetContext()
	return err
}

// NewFloatBuffer uploads data into a new device buffer.
func NewFloatBuffer(label string, data []float32, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	buf, err := c.Device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    label,
		Contents: wgpu.ToBytes(data),
		Usage:    usage,
	})
	if err != nil {
		return nil, errdefs.Resource(err, "create buffer %s (%d floats)", label, len(data))
	}
	return buf, nil
}

// ReadBuffer copies the first n floats of src back to the host through a
// mappable staging buffer. Every failure is an errdefs.ErrResource.
func ReadBuffer(src *wgpu.Buffer, n int) ([]float32, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	size := uint64(n * 4)
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, errdefs.Resource(err, "create readback buffer of %d bytes", size)
	}
	defer staging.Destroy()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, errdefs.Resource(err, "create readback encoder")
	}
	enc.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, errdefs.Resource(err, "finish readback commands")
	}
	c.Queue.Submit(cmd)

	done := make(chan wgpu.BufferMapAsyncStatus, 1)
	if err := staging.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		done <- s
	}); err != nil {
		return nil, errdefs.Resource(err, "map readback buffer")
	}
	poll := func() { c.Device.Poll(false, nil) }
	if err := awaitMap(done, poll, ReadTimeout); err != nil {
		return nil, err
	}

	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return nil, errdefs.Resource(nil, "readback buffer has no mapped range")
	}
	out := make([]float32, n)
	copy(out, wgpu.FromBytes[float32](data))
	staging.Unmap()
	return out, nil
}

// awaitMap polls the device until the map callback reports a status or the
// timeout expires.
func awaitMap(done <-chan wgpu.BufferMapAsyncStatus, poll func(), timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		poll()
		select {
		case s := <-done:
			if s != wgpu.BufferMapAsyncStatusSuccess {
				return errdefs.Resource(nil, "map readback buffer: status %v", s)
			}
			return nil
		case <-deadline:
			return errdefs.Resource(nil, "readback timed out after %v", timeout)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
