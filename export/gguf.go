package export

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

const (
	ggufMagic            = "GGUF"
	ggufVersion          = 3
	ggufDefaultAlignment = 32
	ggufMaxDims          = 4
)

// GGUF 元数据值类型
const (
	ggufTypeUint8   uint32 = 0
	ggufTypeInt8    uint32 = 1
	ggufTypeUint16  uint32 = 2
	ggufTypeInt16   uint32 = 3
	ggufTypeUint32  uint32 = 4
	ggufTypeInt32   uint32 = 5
	ggufTypeFloat32 uint32 = 6
	ggufTypeBool    uint32 = 7
	ggufTypeString  uint32 = 8
	ggufTypeArray   uint32 = 9
	ggufTypeUint64  uint32 = 10
	ggufTypeInt64   uint32 = 11
	ggufTypeFloat64 uint32 = 12
)

// ggmlType 是 GGUF 张量的存储类型。
type ggmlType uint32

const (
	ggmlF32  ggmlType = 0
	ggmlF16  ggmlType = 1
	ggmlQ8_0 ggmlType = 8
	ggmlI8   ggmlType = 24
	ggmlI16  ggmlType = 25
	ggmlI32  ggmlType = 26
	ggmlI64  ggmlType = 27
	ggmlF64  ggmlType = 28
	ggmlBF16 ggmlType = 30
)

var ggmlNames = map[ggmlType]string{
	ggmlF32:  dtF32,
	ggmlF16:  dtF16,
	ggmlQ8_0: "Q8_0",
	ggmlI8:   dtI8,
	ggmlI16:  dtI16,
	ggmlI32:  dtI32,
	ggmlI64:  dtI64,
	ggmlF64:  dtF64,
	ggmlBF16: dtBF16,
}

func (t ggmlType) String() string {
	if name, ok := ggmlNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ggml_type_%d", uint32(t))
}

// ggmlTypeFor 将 safetensors dtype 映射为 ggml 类型。U8 扩展为 I16，BOOL 按 I8 存储。
func ggmlTypeFor(dtype string) (ggmlType, bool) {
	switch dtype {
	case dtF32:
		return ggmlF32, true
	case dtF16:
		return ggmlF16, true
	case dtBF16:
		return ggmlBF16, true
	case dtF64:
		return ggmlF64, true
	case dtI64:
		return ggmlI64, true
	case dtI32:
		return ggmlI32, true
	case dtI16, dtU8:
		return ggmlI16, true
	case dtI8, dtBool:
		return ggmlI8, true
	}
	return 0, false
}

// ggmlSize 返回 n 个元素占用的字节数，未知类型返回 -1。
func ggmlSize(t ggmlType, n int64) int64 {
	switch t {
	case ggmlF32, ggmlI32:
		return 4 * n
	case ggmlF16, ggmlBF16, ggmlI16:
		return 2 * n
	case ggmlI8:
		return n
	case ggmlI64, ggmlF64:
		return 8 * n
	case ggmlQ8_0:
		if n%q8BlockSize != 0 {
			return -1
		}
		return n / q8BlockSize * q8BlockBytes
	}
	return -1
}

// general.file_type 的取值（llama_ftype）
func fileTypeFor(outtype string) uint32 {
	switch outtype {
	case outtypeF16:
		return 1
	case outtypeQ8_0:
		return 7
	case outtypeBF16:
		return 32
	}
	return 0
}

// ggufKV 是一个元数据键值对，Value 的 Go 类型决定写出的 GGUF 类型。
type ggufKV struct {
	Key   string
	Value any
}

// ggufTensor 是待写入 GGUF 的张量。Shape 为行优先，写出时翻转为 ggml 的 ne 顺序。
type ggufTensor struct {
	Name  string
	Shape []int64
	Type  ggmlType
	Size  int64
	data  func() ([]byte, error)
}

func alignOffset(off, alignment int64) int64 {
	return off + (alignment-off%alignment)%alignment
}

// ggufWriter 累积第一个写入错误，调用方在结束时检查一次。
type ggufWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (g *ggufWriter) write(p []byte) {
	if g.err != nil {
		return
	}
	n, err := g.w.Write(p)
	g.n += int64(n)
	g.err = err
}

func (g *ggufWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	g.write(b[:])
}

func (g *ggufWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	g.write(b[:])
}

func (g *ggufWriter) str(s string) {
	g.u64(uint64(len(s)))
	g.write([]byte(s))
}

func (g *ggufWriter) pad(alignment int64) {
	if rem := alignOffset(g.n, alignment) - g.n; rem > 0 {
		g.write(make([]byte, rem))
	}
}

func (g *ggufWriter) value(key string, v any) {
	if g.err != nil {
		return
	}
	switch x := v.(type) {
	case string:
		g.u32(ggufTypeString)
		g.str(x)
	case uint8:
		g.u32(ggufTypeUint8)
		g.write([]byte{x})
	case int8:
		g.u32(ggufTypeInt8)
		g.write([]byte{byte(x)})
	case uint16:
		g.u32(ggufTypeUint16)
		g.write(binary.LittleEndian.AppendUint16(nil, x))
	case int16:
		g.u32(ggufTypeInt16)
		g.write(binary.LittleEndian.AppendUint16(nil, uint16(x)))
	case uint32:
		g.u32(ggufTypeUint32)
		g.u32(x)
	case int32:
		g.u32(ggufTypeInt32)
		g.u32(uint32(x))
	case float32:
		g.u32(ggufTypeFloat32)
		g.u32(math.Float32bits(x))
	case bool:
		g.u32(ggufTypeBool)
		if x {
			g.write([]byte{1})
		} else {
			g.write([]byte{0})
		}
	case uint64:
		g.u32(ggufTypeUint64)
		g.u64(x)
	case int64:
		g.u32(ggufTypeInt64)
		g.u64(uint64(x))
	case float64:
		g.u32(ggufTypeFloat64)
		g.u64(math.Float64bits(x))
	case []string:
		g.u32(ggufTypeArray)
		g.u32(ggufTypeString)
		g.u64(uint64(len(x)))
		for _, s := range x {
			g.str(s)
		}
	case []int32:
		g.u32(ggufTypeArray)
		g.u32(ggufTypeInt32)
		g.u64(uint64(len(x)))
		for _, i := range x {
			g.u32(uint32(i))
		}
	case []float32:
		g.u32(ggufTypeArray)
		g.u32(ggufTypeFloat32)
		g.u64(uint64(len(x)))
		for _, f := range x {
			g.u32(math.Float32bits(f))
		}
	default:
		g.err = fmt.Errorf("metadata '%s': unsupported GGUF value type %T", key, v)
	}
}

// writeGGUF 写出 GGUF v3 文件：头部、KV 区、张量信息、按 alignment 对齐的数据区。
func writeGGUF(w io.Writer, kvs []ggufKV, tensors []ggufTensor, alignment int64) (int64, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", alignment)
	}
	seen := make(map[string]bool, len(kvs))
	for _, kv := range kvs {
		if seen[kv.Key] {
			return 0, fmt.Errorf("duplicate metadata key '%s'", kv.Key)
		}
		seen[kv.Key] = true
	}
	g := &ggufWriter{w: bufio.NewWriterSize(w, 1<<20)}

	g.write([]byte(ggufMagic))
	g.u32(ggufVersion)
	g.u64(uint64(len(tensors)))
	g.u64(uint64(len(kvs)))
	for _, kv := range kvs {
		g.str(kv.Key)
		g.value(kv.Key, kv.Value)
	}

	offsets := make([]int64, len(tensors))
	var cur int64
	for i, t := range tensors {
		if len(t.Shape) > ggufMaxDims {
			return g.n, fmt.Errorf("%w: tensor '%s' has %d dims, GGUF allows %d", ErrUnsupportedTensor, t.Name, len(t.Shape), ggufMaxDims)
		}
		cur = alignOffset(cur, alignment)
		offsets[i] = cur
		cur += t.Size

		g.str(t.Name)
		g.u32(uint32(len(t.Shape)))
		for d := len(t.Shape) - 1; d >= 0; d-- {
			g.u64(uint64(t.Shape[d]))
		}
		g.u32(uint32(t.Type))
		g.u64(uint64(offsets[i]))
	}
	g.pad(alignment)
	if g.err != nil {
		return g.n, g.err
	}

	dataStart := g.n
	for i, t := range tensors {
		if pad := dataStart + offsets[i] - g.n; pad > 0 {
			g.write(make([]byte, pad))
		}
		data, err := t.data()
		if err != nil {
			return g.n, err
		}
		if int64(len(data)) != t.Size {
			return g.n, fmt.Errorf("tensor '%s' produced %d bytes, expected %d", t.Name, len(data), t.Size)
		}
		g.write(data)
		if g.err != nil {
			return g.n, g.err
		}
	}
	if g.err == nil {
		g.err = g.w.Flush()
	}
	return g.n, g.err
}

// ggufFile 是打开的 GGUF 文件。数组类型的元数据只记录元素个数。
type ggufFile struct {
	path      string
	f         *os.File
	version   uint32
	kv        map[string]any
	arrays    map[string]uint64
	tensors   []*tensor
	types     map[string]ggmlType
	alignment int64
}

func (g *ggufFile) Close() error { return g.f.Close() }

// ggufReader 记录已读取的字节数，用于计算数据区起点。
type ggufReader struct {
	r    *bufio.Reader
	n    int64
	size int64
}

func (r *ggufReader) read(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.n += int64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: GGUF file truncated at byte %d", ErrInvalidModel, r.n)
		}
		return err
	}
	return nil
}

func (r *ggufReader) u8() (uint8, error) {
	var b [1]byte
	err := r.read(b[:])
	return b[0], err
}

func (r *ggufReader) u16() (uint16, error) {
	var b [2]byte
	err := r.read(b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

func (r *ggufReader) u32() (uint32, error) {
	var b [4]byte
	err := r.read(b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

func (r *ggufReader) u64() (uint64, error) {
	var b [8]byte
	err := r.read(b[:])
	return binary.LittleEndian.Uint64(b[:]), err
}

func (r *ggufReader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if int64(n) < 0 || r.n+int64(n) > r.size {
		return "", fmt.Errorf("%w: GGUF string length %d exceeds file size", ErrInvalidModel, n)
	}
	buf := make([]byte, n)
	if err := r.read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// scalar 读取一个非数组值。
func (r *ggufReader) scalar(typ uint32) (any, error) {
	switch typ {
	case ggufTypeUint8:
		return r.u8()
	case ggufTypeInt8:
		v, err := r.u8()
		return int8(v), err
	case ggufTypeUint16:
		return r.u16()
	case ggufTypeInt16:
		v, err := r.u16()
		return int16(v), err
	case ggufTypeUint32:
		return r.u32()
	case ggufTypeInt32:
		v, err := r.u32()
		return int32(v), err
	case ggufTypeFloat32:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case ggufTypeBool:
		v, err := r.u8()
		return v != 0, err
	case ggufTypeString:
		return r.str()
	case ggufTypeUint64:
		return r.u64()
	case ggufTypeInt64:
		v, err := r.u64()
		return int64(v), err
	case ggufTypeFloat64:
		v, err := r.u64()
		return math.Float64frombits(v), err
	}
	return nil, fmt.Errorf("%w: unknown GGUF value type %d", ErrInvalidModel, typ)
}

// openGGUF 解析 GGUF v2/v3 文件的元数据与张量信息。
func openGGUF(path string) (*ggufFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open GGUF '%s': %w", path, err)
	}
	g, err := parseGGUF(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return g, nil
}

func parseGGUF(f *os.File, path string) (*ggufFile, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat '%s': %w", path, err)
	}
	r := &ggufReader{r: bufio.NewReader(f), size: info.Size()}

	magic := make([]byte, 4)
	if err := r.read(magic); err != nil || string(magic) != ggufMagic {
		return nil, fmt.Errorf("%w: '%s' is not a GGUF file", ErrInvalidModel, path)
	}
	g := &ggufFile{
		path:      path,
		f:         f,
		kv:        map[string]any{},
		arrays:    map[string]uint64{},
		types:     map[string]ggmlType{},
		alignment: ggufDefaultAlignment,
	}
	if g.version, err = r.u32(); err != nil {
		return nil, err
	}
	if g.version != 2 && g.version != 3 {
		return nil, fmt.Errorf("%w: GGUF version %d is not supported", ErrInvalidModel, g.version)
	}
	tensorCount, err := r.u64()
	if err != nil {
		return nil, err
	}
	kvCount, err := r.u64()
	if err != nil {
		return nil, err
	}
	// 每个 KV 和张量信息至少占 8 字节以上
	if tensorCount > uint64(info.Size())/8 || kvCount > uint64(info.Size())/8 {
		return nil, fmt.Errorf("%w: GGUF counts (%d tensors, %d kv) exceed file size", ErrInvalidModel, tensorCount, kvCount)
	}

	for i := uint64(0); i < kvCount; i++ {
		key, err := r.str()
		if err != nil {
			return nil, err
		}
		if _, dup := g.kv[key]; dup {
			return nil, fmt.Errorf("%w: duplicate metadata key '%s'", ErrInvalidModel, key)
		}
		if _, dup := g.arrays[key]; dup {
			return nil, fmt.Errorf("%w: duplicate metadata key '%s'", ErrInvalidModel, key)
		}
		typ, err := r.u32()
		if err != nil {
			return nil, err
		}
		if typ != ggufTypeArray {
			v, err := r.scalar(typ)
			if err != nil {
				return nil, fmt.Errorf("metadata '%s': %w", key, err)
			}
			g.kv[key] = v
			continue
		}
		elemType, err := r.u32()
		if err != nil {
			return nil, err
		}
		count, err := r.u64()
		if err != nil {
			return nil, err
		}
		if elemType == ggufTypeArray {
			return nil, fmt.Errorf("%w: nested GGUF arrays in '%s'", ErrInvalidModel, key)
		}
		if count > uint64(info.Size()) {
			return nil, fmt.Errorf("%w: array '%s' length %d exceeds file size", ErrInvalidModel, key, count)
		}
		for j := uint64(0); j < count; j++ {
			if _, err := r.scalar(elemType); err != nil {
				return nil, fmt.Errorf("metadata '%s'[%d]: %w", key, j, err)
			}
		}
		g.arrays[key] = count
	}

	if a, ok := g.kv["general.alignment"].(uint32); ok {
		if a == 0 || a&(a-1) != 0 {
			return nil, fmt.Errorf("%w: general.alignment %d is not a power of two", ErrInvalidModel, a)
		}
		g.alignment = int64(a)
	}

	type tensorInfo struct {
		name   string
		shape  []int64
		typ    ggmlType
		offset int64
	}
	infos := make([]tensorInfo, 0, tensorCount)
	for i := uint64(0); i < tensorCount; i++ {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		nDims, err := r.u32()
		if err != nil {
			return nil, err
		}
		if nDims > ggufMaxDims {
			return nil, fmt.Errorf("%w: tensor '%s' has %d dims", ErrInvalidModel, name, nDims)
		}
		shape := make([]int64, nDims)
		for d := int(nDims) - 1; d >= 0; d-- {
			v, err := r.u64()
			if err != nil {
				return nil, err
			}
			shape[d] = int64(v)
		}
		typ, err := r.u32()
		if err != nil {
			return nil, err
		}
		off, err := r.u64()
		if err != nil {
			return nil, err
		}
		infos = append(infos, tensorInfo{name: name, shape: shape, typ: ggmlType(typ), offset: int64(off)})
	}

	dataStart := alignOffset(r.n, g.alignment)
	for _, in := range infos {
		if _, dup := g.types[in.name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor '%s'", ErrInvalidModel, in.name)
		}
		g.types[in.name] = in.typ
		size := ggmlSize(in.typ, numElements(in.shape))
		if size >= 0 && (in.offset < 0 || dataStart+in.offset+size > info.Size()) {
			return nil, fmt.Errorf("%w: tensor '%s' data lies outside the file", ErrInvalidModel, in.name)
		}
		g.tensors = append(g.tensors, &tensor{
			Name:   in.name,
			DType:  in.typ.String(),
			Shape:  in.shape,
			Offset: dataStart + in.offset,
			Size:   size,
			src:    f,
		})
	}
	sort.Slice(g.tensors, func(i, j int) bool { return g.tensors[i].Name < g.tensors[j].Name })
	return g, nil
}
