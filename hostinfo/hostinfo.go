// Package hostinfo 报告当前主机的 CPU 信息，用于确定默认并发度并附加到任务元数据中。
package hostinfo

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Info 描述运行服务的主机。
type Info struct {
	Brand         string   `json:"brand"`
	Vendor        string   `json:"vendor"`
	Arch          string   `json:"arch"`
	PhysicalCores int      `json:"physicalCores"`
	LogicalCores  int      `json:"logicalCores"`
	Features      []string `json:"features,omitempty"` // 仅包含与数值计算相关的指令集
}

// 与训练/量化性能相关的指令集
var simdFeatures = []struct {
	id   cpuid.FeatureID
	name string
}{
	{cpuid.AVX, "avx"},
	{cpuid.AVX2, "avx2"},
	{cpuid.FMA3, "fma"},
	{cpuid.F16C, "f16c"},
	{cpuid.AVX512F, "avx512f"},
	{cpuid.AVX512BF16, "avx512bf16"},
	{cpuid.AMXBF16, "amx-bf16"},
	{cpuid.ASIMD, "neon"},
	{cpuid.SVE, "sve"},
}

// Detect 读取 cpuid 并返回主机信息。cpuid 无法探测核心数时回退到 runtime.NumCPU。
func Detect() Info {
	info := Info{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		Arch:          runtime.GOARCH,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.PhysicalCores <= 0 {
		info.PhysicalCores = info.LogicalCores
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	return info
}

// DefaultConcurrency 返回默认的并发任务数：物理核心数的一半，至少为 1。
func (i Info) DefaultConcurrency() int {
	n := i.PhysicalCores / 2
	if n < 1 {
		n = 1
	}
	return n
}

// DefaultRolloutWorkers 返回 RLlib 默认的 rollout worker 数：物理核心数减一，至少为 1。
func (i Info) DefaultRolloutWorkers() int {
	n := i.PhysicalCores - 1
	if n < 1 {
		n = 1
	}
	return n
}

// Metadata 将主机信息展开为字符串键值，便于写入任务元数据。
func (i Info) Metadata() map[string]string {
	m := map[string]string{
		"host.arch": i.Arch,
	}
	if i.Brand != "" {
		m["host.cpu"] = i.Brand
	}
	if i.Vendor != "" {
		m["host.vendor"] = i.Vendor
	}
	return m
}
