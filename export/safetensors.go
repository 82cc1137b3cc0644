package export

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// safetensors 头部长度上限，防止恶意文件导致巨量内存分配
const maxSafetensorsHeader = 100 << 20

const safetensorsMetadataKey = "__metadata__"

// tensor 描述源文件中的一个张量，数据通过 src 按需读取。
type tensor struct {
	Name   string
	DType  string  // safetensors dtype，GGUF 源中的量化类型使用 ggml 名称，例如 "Q8_0"
	Shape  []int64 // 行优先，最外层维度在前
	Offset int64   // src 中的绝对偏移
	Size   int64
	src    io.ReaderAt
}

// read 读取张量的原始字节。
func (t *tensor) read() ([]byte, error) {
	buf := make([]byte, t.Size)
	if _, err := t.src.ReadAt(buf, t.Offset); err != nil {
		return nil, fmt.Errorf("read tensor '%s': %w", t.Name, err)
	}
	return buf, nil
}

type safetensorsEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// safetensorsFile 是打开的 safetensors 文件。
type safetensorsFile struct {
	path     string
	f        *os.File
	tensors  []*tensor
	metadata map[string]string
}

func (s *safetensorsFile) Close() error { return s.f.Close() }

// openSafetensors 解析头部并校验每个张量的偏移与大小。
func openSafetensors(path string) (*safetensorsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open safetensors '%s': %w", path, err)
	}
	st, err := parseSafetensors(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	st.f = f
	return st, nil
}

func parseSafetensors(f *os.File, path string) (*safetensorsFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat '%s': %w", path, err)
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: '%s' is too short for a safetensors header", ErrInvalidModel, path)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen < 2 || headerLen > maxSafetensorsHeader || int64(headerLen)+8 > info.Size() {
		return nil, fmt.Errorf("%w: '%s' has invalid safetensors header length %d", ErrInvalidModel, path, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("read safetensors header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%w: safetensors header of '%s': %v", ErrInvalidModel, path, err)
	}

	dataStart := int64(8 + headerLen)
	dataLen := info.Size() - dataStart
	st := &safetensorsFile{path: path, metadata: map[string]string{}}
	for name, msg := range raw {
		if name == safetensorsMetadataKey {
			if err := json.Unmarshal(msg, &st.metadata); err != nil {
				return nil, fmt.Errorf("%w: __metadata__ must map strings to strings: %v", ErrInvalidModel, err)
			}
			continue
		}
		var e safetensorsEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor '%s': %v", ErrInvalidModel, name, err)
		}
		size := dtypeSize(e.DType)
		if size == 0 {
			return nil, fmt.Errorf("%w: tensor '%s' has unknown dtype %s", ErrUnsupportedTensor, name, e.DType)
		}
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin || end > dataLen {
			return nil, fmt.Errorf("%w: tensor '%s' offsets [%d, %d] outside data section of %d bytes", ErrInvalidModel, name, begin, end, dataLen)
		}
		for _, d := range e.Shape {
			if d < 0 {
				return nil, fmt.Errorf("%w: tensor '%s' has negative dimension", ErrInvalidModel, name)
			}
		}
		if want := numElements(e.Shape) * int64(size); want != end-begin {
			return nil, fmt.Errorf("%w: tensor '%s' shape %v %s needs %d bytes, offsets cover %d", ErrInvalidModel, name, e.Shape, e.DType, want, end-begin)
		}
		st.tensors = append(st.tensors, &tensor{
			Name:   name,
			DType:  e.DType,
			Shape:  e.Shape,
			Offset: dataStart + begin,
			Size:   end - begin,
			src:    f,
		})
	}
	sort.Slice(st.tensors, func(i, j int) bool { return st.tensors[i].Name < st.tensors[j].Name })
	return st, nil
}

// outTensor 是待写出的张量，data 在写出时才计算，避免同时持有所有张量。
type outTensor struct {
	Name  string
	DType string
	Shape []int64
	Size  int64
	data  func() ([]byte, error)
}

// writeSafetensors 写出张量（按名称排序，偏移连续）。头部用空格填充到 8 字节对齐。
func writeSafetensors(w io.Writer, tensors []outTensor, metadata map[string]string) (int64, error) {
	sorted := make([]outTensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[safetensorsMetadataKey] = metadata
	}
	var offset int64
	for i, t := range sorted {
		if i > 0 && sorted[i-1].Name == t.Name {
			return 0, fmt.Errorf("duplicate tensor name '%s'", t.Name)
		}
		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		header[t.Name] = safetensorsEntry{DType: t.DType, Shape: shape, DataOffsets: [2]int64{offset, offset + t.Size}}
		offset += t.Size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("encode safetensors header: %w", err)
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return 0, err
	}
	written := int64(8 + len(headerBytes))

	for _, t := range sorted {
		data, err := t.data()
		if err != nil {
			return written, err
		}
		if int64(len(data)) != t.Size {
			return written, fmt.Errorf("tensor '%s' produced %d bytes, expected %d", t.Name, len(data), t.Size)
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
