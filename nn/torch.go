package nn

import (
	"io"
	"os"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/openfluke/esrgan/errdefs"
)

// LoadCheckpoint reads a weights file in either safetensors or torch.save
// format. The format is taken from the content, not the file name.
func LoadCheckpoint(path string) (map[string]*Param, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Resource(err, "open weights %s", path)
	}
	head := make([]byte, 9)
	n, _ := io.ReadFull(f, head)
	f.Close()
	if isSafetensors(head[:n]) {
		return LoadSafetensors(path)
	}
	return LoadTorch(path)
}

// isSafetensors reports whether head starts with a safetensors length prefix
// followed by the JSON header. Zip archives and pickle streams never have '{'
// at offset 8.
func isSafetensors(head []byte) bool {
	return len(head) == 9 && head[8] == '{'
}

// LoadTorch reads a checkpoint written by torch.save. Nested dicts are
// flattened into dotted names, so {"params_ema": {"conv_first.weight": t}}
// yields "params_ema.conv_first.weight". Entries that are neither tensors
// nor dicts, such as iteration counters, are skipped.
func LoadTorch(path string) (map[string]*Param, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errdefs.Resource(err, "read torch checkpoint %s", path)
	}
	params := make(map[string]*Param)
	if err := flattenTorch("", obj, params); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, errdefs.Resource(nil, "torch checkpoint %s holds no tensors", path)
	}
	return params, nil
}

// pickleDict covers the plain dict type of the unpickler.
type pickleDict interface {
	Get(key interface{}) (interface{}, bool)
	Keys() []interface{}
}

func flattenTorch(prefix string, v interface{}, out map[string]*Param) error {
	switch v := v.(type) {
	case *pytorch.Tensor:
		p, err := torchParam(prefix, v)
		if err != nil {
			return err
		}
		out[prefix] = p
	case *types.OrderedDict:
		for e := v.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := flattenEntry(prefix, entry.Key, entry.Value, out); err != nil {
				return err
			}
		}
	case pickleDict:
		for _, key := range v.Keys() {
			val, _ := v.Get(key)
			if err := flattenEntry(prefix, key, val, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func flattenEntry(prefix string, key, val interface{}, out map[string]*Param) error {
	name, ok := key.(string)
	if !ok {
		return nil
	}
	if prefix != "" {
		name = prefix + "." + name
	}
	if _, dup := out[name]; dup {
		return errdefs.Resource(nil, "torch checkpoint has tensor %s twice", name)
	}
	return flattenTorch(name, val, out)
}

// torchParam copies a tensor view out of its storage, honouring the storage
// offset and strides.
func torchParam(name string, t *pytorch.Tensor) (*Param, error) {
	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, errdefs.Resource(nil, "tensor %s: unsupported storage %T", name, t.Source)
	}
	if len(t.Stride) != len(t.Size) {
		return nil, errdefs.Resource(nil, "tensor %s: %d strides for %d dims", name, len(t.Stride), len(t.Size))
	}

	p := &Param{Shape: append([]int(nil), t.Size...)}
	p.Data = make([]float32, p.Numel())
	idx := make([]int, len(t.Size))
	for i := range p.Data {
		off := t.StorageOffset
		for d, k := range idx {
			off += k * t.Stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, errdefs.Resource(nil, "tensor %s %v reads outside its storage of %d elements",
				name, t.Size, len(src))
		}
		p.Data[i] = src[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return p, nil
}
