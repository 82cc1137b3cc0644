package export

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// safetensors 的 dtype 名称
const (
	dtF64  = "F64"
	dtF32  = "F32"
	dtF16  = "F16"
	dtBF16 = "BF16"
	dtI64  = "I64"
	dtI32  = "I32"
	dtI16  = "I16"
	dtI8   = "I8"
	dtU8   = "U8"
	dtBool = "BOOL"
)

// dtypeSize 返回每个元素的字节数，未知 dtype 返回 0。
func dtypeSize(dtype string) int {
	switch dtype {
	case dtF64, dtI64, "U64":
		return 8
	case dtF32, dtI32, "U32":
		return 4
	case dtF16, dtBF16, dtI16, "U16":
		return 2
	case dtI8, dtU8, dtBool, "F8_E4M3", "F8_E5M2":
		return 1
	}
	return 0
}

func isFloat(dtype string) bool {
	switch dtype {
	case dtF64, dtF32, dtF16, dtBF16:
		return true
	}
	return false
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// decodeFloats 将小端字节解码为 float32。
func decodeFloats(dtype string, raw []byte) ([]float32, error) {
	size := dtypeSize(dtype)
	if size == 0 || len(raw)%size != 0 {
		return nil, fmt.Errorf("%w: cannot decode %d bytes as %s", ErrUnsupportedTensor, len(raw), dtype)
	}
	out := make([]float32, len(raw)/size)
	switch dtype {
	case dtF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtF64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case dtF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case dtBF16:
		for i := range out {
			out[i] = bf16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a floating point dtype", ErrUnsupportedTensor, dtype)
	}
	return out, nil
}

// encodeFloats 将 float32 编码为目标 dtype 的小端字节。
func encodeFloats(dtype string, values []float32) ([]byte, error) {
	switch dtype {
	case dtF32:
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case dtF64:
		out := make([]byte, len(values)*8)
		for i, v := range values {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
		}
		return out, nil
	case dtF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case dtBF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float32ToBF16(v))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot encode floats as %s", ErrUnsupportedTensor, dtype)
}

// convertFloats 在两种浮点 dtype 之间转换，dtype 相同时原样返回。
func convertFloats(from, to string, raw []byte) ([]byte, error) {
	if from == to {
		return raw, nil
	}
	values, err := decodeFloats(from, raw)
	if err != nil {
		return nil, err
	}
	return encodeFloats(to, values)
}

// bfloat16 是 float32 的高 16 位
func bf16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// float32ToBF16 使用就近舍入（ties to even），NaN 保持为 quiet NaN。
func float32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return uint16(bits>>16) | 0x0040
	}
	rounding := uint32(0x7fff) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}

const q8BlockSize = 32

// q8BlockBytes 是一个 Q8_0 块的大小：fp16 缩放因子加 32 个 int8。
const q8BlockBytes = 2 + q8BlockSize

// quantizeQ80 按 ggml 的 Q8_0 布局量化，len(values) 必须是 32 的倍数。
func quantizeQ80(values []float32) ([]byte, error) {
	if len(values)%q8BlockSize != 0 {
		return nil, fmt.Errorf("%w: q8_0 needs a multiple of %d elements (got %d)", ErrUnsupportedTensor, q8BlockSize, len(values))
	}
	blocks := len(values) / q8BlockSize
	out := make([]byte, blocks*q8BlockBytes)
	for b := 0; b < blocks; b++ {
		block := values[b*q8BlockSize : (b+1)*q8BlockSize]
		var amax float32
		for _, v := range block {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
			}
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		dst := out[b*q8BlockBytes:]
		binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(d).Bits())
		for i, v := range block {
			dst[2+i] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out, nil
}

// dequantizeQ80 是 quantizeQ80 的逆过程。
func dequantizeQ80(raw []byte) ([]float32, error) {
	if len(raw)%q8BlockBytes != 0 {
		return nil, fmt.Errorf("%w: q8_0 data length %d is not a multiple of %d", ErrUnsupportedTensor, len(raw), q8BlockBytes)
	}
	blocks := len(raw) / q8BlockBytes
	out := make([]float32, blocks*q8BlockSize)
	for b := 0; b < blocks; b++ {
		src := raw[b*q8BlockBytes:]
		d := float16.Frombits(binary.LittleEndian.Uint16(src)).Float32()
		for i := 0; i < q8BlockSize; i++ {
			out[b*q8BlockSize+i] = float32(int8(src[2+i])) * d
		}
	}
	return out, nil
}
