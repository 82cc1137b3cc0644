package export

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

// config.json 字段到 GGUF 超参数键（不含架构前缀）的映射，同一目标键取第一个存在的字段。
var hparamKeys = []struct {
	from  []string
	to    string
	float bool
}{
	{from: []string{"max_position_embeddings", "n_positions", "n_ctx"}, to: "context_length"},
	{from: []string{"hidden_size", "n_embd", "d_model"}, to: "embedding_length"},
	{from: []string{"num_hidden_layers", "n_layer", "num_layers"}, to: "block_count"},
	{from: []string{"intermediate_size", "n_inner"}, to: "feed_forward_length"},
	{from: []string{"num_attention_heads", "n_head"}, to: "attention.head_count"},
	{from: []string{"num_key_value_heads"}, to: "attention.head_count_kv"},
	{from: []string{"rms_norm_eps"}, to: "attention.layer_norm_rms_epsilon", float: true},
	{from: []string{"layer_norm_eps", "layer_norm_epsilon"}, to: "attention.layer_norm_epsilon", float: true},
	{from: []string{"rope_theta"}, to: "rope.freq_base", float: true},
	{from: []string{"vocab_size"}, to: "vocab_size"},
}

func reservedGGUFKey(k string) bool {
	switch k {
	case "general.architecture", "general.name", "general.alignment",
		"general.file_type", "general.quantization_version":
		return true
	}
	return false
}

// ggufPlan 是一次 GGUF 转换的完整描述，在写文件之前构建以便提前发现错误。
type ggufPlan struct {
	kvs       []ggufKV
	tensors   []ggufTensor
	alignment int64
}

// planGGUF 决定每个张量的输出类型并构建元数据。
func planGGUF(set *tensorSet, src *source, opts ggufOptions) (*ggufPlan, error) {
	plan := &ggufPlan{alignment: int64(opts.Alignment)}
	quantized := false
	floatTypes := map[ggmlType]int{}

	for _, t := range set.tensors {
		out, err := ggufTensorFor(t, opts.OutType)
		if err != nil {
			return nil, err
		}
		if out.Type == ggmlQ8_0 {
			quantized = true
		}
		if len(t.Shape) >= 2 && isFloat(t.DType) {
			floatTypes[out.Type]++
		}
		plan.tensors = append(plan.tensors, out)
	}

	arch := opts.Architecture
	if arch == "" {
		if mt, ok := src.Config["model_type"].(string); ok && mt != "" {
			arch = mt
		} else {
			arch = "llama"
		}
	}
	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(src.Path), filepath.Ext(src.Path))
	}

	fileType := fileTypeFor(opts.OutType)
	if opts.OutType == "" {
		fileType = dominantFileType(floatTypes)
	}
	plan.kvs = []ggufKV{
		{Key: "general.architecture", Value: arch},
		{Key: "general.name", Value: name},
		{Key: "general.alignment", Value: uint32(opts.Alignment)},
		{Key: "general.file_type", Value: fileType},
	}
	if quantized {
		plan.kvs = append(plan.kvs, ggufKV{Key: "general.quantization_version", Value: uint32(2)})
	}
	plan.kvs = append(plan.kvs, hyperparameters(arch, src.Config)...)

	derived := make(map[string]bool, len(plan.kvs))
	for _, kv := range plan.kvs {
		derived[kv.Key] = true
	}
	keys := make([]string, 0, len(opts.Metadata))
	for k := range opts.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// 从 config.json 推导出的键有固定的 GGUF 类型，不能被字符串覆盖
		if derived[k] {
			return nil, fmt.Errorf("metadata key '%s' is derived from the model config and cannot be overridden", k)
		}
		plan.kvs = append(plan.kvs, ggufKV{Key: k, Value: opts.Metadata[k]})
	}
	return plan, nil
}

// ggufTensorFor 按 outtype 选择张量的 ggml 类型：
// 空值保留源类型（F64 转为 F32），f16/bf16 只作用于二维及以上的张量，
// q8_0 只作用于最内层维度是 32 倍数的二维及以上张量，其余浮点张量使用 F32。
func ggufTensorFor(t *tensor, outtype string) (ggufTensor, error) {
	n := numElements(t.Shape)
	out := ggufTensor{Name: t.Name, Shape: t.Shape}

	if !isFloat(t.DType) {
		typ, ok := ggmlTypeFor(t.DType)
		if !ok {
			return out, fmt.Errorf("%w: tensor '%s' has dtype %s which GGUF cannot store", ErrUnsupportedTensor, t.Name, t.DType)
		}
		out.Type = typ
		out.Size = ggmlSize(typ, n)
		from := t.DType
		out.data = func() ([]byte, error) {
			raw, err := t.read()
			if err != nil {
				return nil, err
			}
			if from == dtU8 {
				return widenU8(raw), nil
			}
			return raw, nil
		}
		return out, nil
	}

	target := dtF32
	matrix := len(t.Shape) >= 2
	switch outtype {
	case "":
		if t.DType != dtF64 {
			target = t.DType
		}
	case outtypeF16:
		if matrix {
			target = dtF16
		}
	case outtypeBF16:
		if matrix {
			target = dtBF16
		}
	case outtypeQ8_0:
		if matrix && t.Shape[len(t.Shape)-1]%q8BlockSize == 0 {
			out.Type = ggmlQ8_0
			out.Size = ggmlSize(ggmlQ8_0, n)
			out.data = func() ([]byte, error) {
				raw, err := t.read()
				if err != nil {
					return nil, err
				}
				values, err := decodeFloats(t.DType, raw)
				if err != nil {
					return nil, err
				}
				return quantizeQ80(values)
			}
			return out, nil
		}
	}

	out.Type, _ = ggmlTypeFor(target)
	out.Size = ggmlSize(out.Type, n)
	out.data = func() ([]byte, error) {
		raw, err := t.read()
		if err != nil {
			return nil, err
		}
		return convertFloats(t.DType, target, raw)
	}
	return out, nil
}

// GGUF 没有无符号 8 位类型，U8 扩展为 I16
func widenU8(raw []byte) []byte {
	out := make([]byte, 2*len(raw))
	for i, b := range raw {
		out[2*i] = b
	}
	return out
}

func dominantFileType(counts map[ggmlType]int) uint32 {
	best, bestN := ggmlF32, -1
	for _, typ := range []ggmlType{ggmlF32, ggmlF16, ggmlBF16} {
		if counts[typ] > bestN {
			best, bestN = typ, counts[typ]
		}
	}
	switch best {
	case ggmlF16:
		return fileTypeFor(outtypeF16)
	case ggmlBF16:
		return fileTypeFor(outtypeBF16)
	}
	return 0
}

// hyperparameters 将 config.json 中的常见字段映射到 "<arch>.*" 键。
func hyperparameters(arch string, cfg map[string]any) []ggufKV {
	var kvs []ggufKV
	for _, m := range hparamKeys {
		for _, from := range m.from {
			v, ok := cfg[from].(float64)
			if !ok {
				continue
			}
			key := arch + "." + m.to
			if m.float {
				kvs = append(kvs, ggufKV{Key: key, Value: float32(v)})
			} else if v >= 0 {
				kvs = append(kvs, ggufKV{Key: key, Value: uint32(v)})
			}
			break
		}
	}
	return kvs
}

func (p *ggufPlan) write(w io.Writer, progress func(done, total int64)) (int64, error) {
	tensors := p.tensors
	if progress != nil {
		total := int64(len(tensors))
		tensors = make([]ggufTensor, len(p.tensors))
		for i, t := range p.tensors {
			t := t
			done := int64(i + 1)
			inner := t.data
			t.data = func() ([]byte, error) {
				data, err := inner()
				if err == nil {
					progress(done, total)
				}
				return data, err
			}
			tensors[i] = t
		}
	}
	return writeGGUF(w, p.kvs, tensors, p.alignment)
}

// safetensorsPlan 描述一次 safetensors 写出。
type safetensorsPlan struct {
	tensors  []outTensor
	metadata map[string]string
}

// planSafetensors 从 safetensors 或 GGUF 源构建输出张量。
// dtype 只转换浮点张量；GGUF 中的 Q8_0 张量需要 dequantize 才能读取。
func planSafetensors(set *tensorSet, opts safetensorsOptions) (*safetensorsPlan, error) {
	plan := &safetensorsPlan{metadata: map[string]string{}}
	for k, v := range set.metadata {
		plan.metadata[k] = v
	}
	for k, v := range opts.Metadata {
		plan.metadata[k] = v
	}
	if _, ok := plan.metadata["format"]; !ok {
		plan.metadata["format"] = "pt"
	}

	for _, t := range set.tensors {
		t := t
		n := numElements(t.Shape)
		out := outTensor{Name: t.Name, Shape: t.Shape}

		switch {
		case t.DType == ggmlQ8_0.String():
			if t.Size < 0 {
				return nil, fmt.Errorf("%w: Q8_0 tensor '%s' has %d elements, not a multiple of %d", ErrInvalidModel, t.Name, n, q8BlockSize)
			}
			if !opts.Dequantize {
				return nil, fmt.Errorf("%w: tensor '%s' is Q8_0 quantized (set dequantize to convert it to %s)", ErrUnsupportedTensor, t.Name, dtF32)
			}
			target := opts.DType
			if target == "" {
				target = dtF32
			}
			out.DType = target
			out.Size = n * int64(dtypeSize(target))
			out.data = func() ([]byte, error) {
				raw, err := t.read()
				if err != nil {
					return nil, err
				}
				values, err := dequantizeQ80(raw)
				if err != nil {
					return nil, err
				}
				return encodeFloats(target, values)
			}

		case t.Size < 0 || dtypeSize(t.DType) == 0:
			return nil, fmt.Errorf("%w: tensor '%s' has type %s which safetensors cannot store", ErrUnsupportedTensor, t.Name, t.DType)

		case isFloat(t.DType) && opts.DType != "":
			from, target := t.DType, opts.DType
			out.DType = target
			out.Size = n * int64(dtypeSize(target))
			out.data = func() ([]byte, error) {
				raw, err := t.read()
				if err != nil {
					return nil, err
				}
				return convertFloats(from, target, raw)
			}

		default:
			out.DType = t.DType
			out.Size = t.Size
			out.data = t.read
		}
		plan.tensors = append(plan.tensors, out)
	}
	return plan, nil
}

func (p *safetensorsPlan) write(w io.Writer, progress func(done, total int64)) (int64, error) {
	tensors := p.tensors
	if progress != nil {
		// writeSafetensors 按名称顺序写出，进度按调用次数计
		var done int64
		total := int64(len(tensors))
		tensors = make([]outTensor, len(p.tensors))
		for i, t := range p.tensors {
			t := t
			inner := t.data
			t.data = func() ([]byte, error) {
				data, err := inner()
				if err == nil {
					done++
					progress(done, total)
				}
				return data, err
			}
			tensors[i] = t
		}
	}
	return writeSafetensors(w, tensors, p.metadata)
}
