// Package analyzer 在导出过程中采集 CPU profile，并生成热点函数摘要。
//
// 采集使用 runtime/pprof，解析与汇总使用 github.com/google/pprof/profile。
package analyzer
