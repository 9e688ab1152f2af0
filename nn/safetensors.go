package nn

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/ajroetker/go-highway/hwy"

	"github.com/openfluke/esrgan/errdefs"
)

// Param is a named weight tensor decoded to float32.
type Param struct {
	Shape []int
	Data  []float32
}

// Numel returns the product of the shape.
func (p *Param) Numel() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// TensorInfo describes one entry of a safetensors header.
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset [2]int `json:"data_offsets"`
}

// maxHeaderSize rejects corrupt length prefixes before allocating.
const maxHeaderSize = 100 << 20

// LoadSafetensors reads a safetensors file and returns tensors by name.
func LoadSafetensors(path string) (map[string]*Param, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Resource(err, "read weights %s", path)
	}
	return LoadSafetensorsFromBytes(data)
}

// ReadSafetensors reads a whole safetensors stream.
func ReadSafetensors(r io.Reader) (map[string]*Param, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errdefs.Resource(err, "read weights")
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes decodes F32, F16 and BF16 tensors to float32.
// Any other dtype, or a tensor whose byte range does not match its shape, is
// an error: a partially decoded checkpoint is never returned.
func LoadSafetensorsFromBytes(data []byte) (map[string]*Param, error) {
	if len(data) < 8 {
		return nil, errdefs.Resource(nil, "safetensors data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > maxHeaderSize || uint64(len(data)-8) < headerSize {
		return nil, errdefs.Resource(nil, "safetensors header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, errdefs.Resource(err, "parse safetensors header")
	}
	allData := data[8+headerSize:]

	tensors := make(map[string]*Param, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errdefs.Resource(err, "parse tensor %s", name)
		}
		p, err := decodeTensor(name, info, allData)
		if err != nil {
			return nil, err
		}
		tensors[name] = p
	}
	return tensors, nil
}

func decodeTensor(name string, info TensorInfo, allData []byte) (*Param, error) {
	p := &Param{Shape: info.Shape}
	numElements := p.Numel()

	var width int
	switch info.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, errdefs.Configuration("tensor %s has unsupported dtype %s", name, info.DType)
	}

	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end > len(allData) || end-start != numElements*width {
		return nil, errdefs.Resource(nil, "tensor %s: byte range [%d, %d) does not hold %d %s values",
			name, start, end, numElements, info.DType)
	}
	raw := allData[start:end]

	p.Data = make([]float32, numElements)
	switch info.DType {
	case "F32":
		for i := range p.Data {
			p.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range p.Data {
			p.Data[i] = hwy.Float16ToFloat32(hwy.Float16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case "BF16":
		for i := range p.Data {
			p.Data[i] = hwy.BFloat16ToFloat32(hwy.BFloat16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	}
	return p, nil
}

// WriteSafetensors serialises tensors as F32 in name order.
func WriteSafetensors(w io.Writer, tensors map[string]*Param) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	offset := 0
	for _, name := range names {
		p := tensors[name]
		if len(p.Data) != p.Numel() {
			return fmt.Errorf("tensor %s: %d values for shape %v", name, len(p.Data), p.Shape)
		}
		n := len(p.Data) * 4
		header[name] = TensorInfo{DType: "F32", Shape: p.Shape, Offset: [2]int{offset, offset + n}}
		offset += n
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	// Space-pad the header so the data section starts 8-byte aligned.
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	buf := make([]byte, 8, 8+len(headerBytes)+offset)
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	_, err = w.Write(buf)
	return err
}
