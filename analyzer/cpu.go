package analyzer

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/pprof/profile"
)

// AnalyzeCPUProfile 汇总 CPU profile 中 Flat 时间最高的函数。
// label 描述被采样的操作，format 支持 text、markdown、json。
func AnalyzeCPUProfile(p *profile.Profile, label string, topN int, format string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("no profile to analyze")
	}
	if topN <= 0 {
		topN = 10
	}
	log.Printf("Analyzing CPU profile for %s (Top %d, Format: %s)", label, topN, format)

	// --- 1. 确定用于分析的值的索引 (通常是 CPU 时间) ---
	valueIndex := -1
	for i, st := range p.SampleType {
		if (st.Type == "cpu" || st.Type == "samples") && (st.Unit == "nanoseconds" || st.Unit == "count") {
			// 优先选择 'cpu'/'nanoseconds'，否则选择 'samples'/'count'
			if valueIndex == -1 || st.Type == "cpu" {
				valueIndex = i
			}
		}
	}
	if valueIndex == -1 {
		if len(p.SampleType) == 0 {
			return "", fmt.Errorf("无法从 profile 样本类型中确定值类型 (例如 cpu nanoseconds)")
		}
		valueIndex = len(p.SampleType) - 1
		log.Printf("Warning: Could not identify CPU time value type, using index %d: %s/%s", valueIndex, p.SampleType[valueIndex].Type, p.SampleType[valueIndex].Unit)
	}
	valueType := p.SampleType[valueIndex].Type
	valueUnit := p.SampleType[valueIndex].Unit

	// --- 2. 按函数聚合 Flat 与 Cum 时间 ---
	stats, totalValue := aggregateFunctions(p, valueIndex)
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Flat == stats[j].Flat {
			return stats[i].Cum > stats[j].Cum
		}
		return stats[i].Flat > stats[j].Flat // 降序排列
	})

	limit := topN
	if limit > len(stats) {
		limit = len(stats)
	}
	totalDuration := time.Duration(p.DurationNanos)
	percent := func(v int64) float64 {
		if totalValue == 0 {
			return 0
		}
		return float64(v) / float64(totalValue) * 100
	}

	// --- 3. 格式化输出 ---
	switch format {
	case "text", "markdown", "":
		var b strings.Builder
		if format == "markdown" {
			b.WriteString("```text\n")
		}
		b.WriteString(fmt.Sprintf("CPU Hotspots for %s (Top %d Functions by Flat Time)\n", label, topN))
		b.WriteString(fmt.Sprintf("Total Samples/Time (%s): %s\n", valueUnit, FormatSampleValue(totalValue, valueUnit)))
		if totalDuration > 0 {
			b.WriteString(fmt.Sprintf("Wall Duration: %s\n", totalDuration.Round(time.Millisecond)))
		}
		if len(stats) == 0 {
			b.WriteString("No CPU samples recorded (operation finished before the first sampling tick).\n")
		} else {
			b.WriteString("------------------------------------------------------------------\n")
			b.WriteString(fmt.Sprintf("%-12s %-8s %-12s %-8s %s\n", "Flat", "Flat%", "Cum", "Cum%", "Function Name"))
			b.WriteString("------------------------------------------------------------------\n")
			for i := 0; i < limit; i++ {
				stat := stats[i]
				b.WriteString(fmt.Sprintf("%-12s %-8.2f %-12s %-8.2f %s\n",
					FormatSampleValue(stat.Flat, valueUnit), percent(stat.Flat),
					FormatSampleValue(stat.Cum, valueUnit), percent(stat.Cum), stat.Name))
			}
		}
		if format == "markdown" {
			b.WriteString("```\n")
		}
		return b.String(), nil

	case "json":
		result := CPUAnalysisResult{
			Label:               label,
			ValueType:           valueType,
			ValueUnit:           valueUnit,
			TotalValue:          totalValue,
			TotalValueFormatted: FormatSampleValue(totalValue, valueUnit),
			TopN:                limit,
			Functions:           make([]CPUFunctionStat, 0, limit),
		}
		if totalDuration > 0 {
			result.TotalDurationNanos = totalDuration.Nanoseconds()
		}
		for i := 0; i < limit; i++ {
			stat := stats[i]
			result.Functions = append(result.Functions, CPUFunctionStat{
				FunctionName:       stat.Name,
				FlatValue:          stat.Flat,
				FlatValueFormatted: FormatSampleValue(stat.Flat, valueUnit),
				Percentage:         percent(stat.Flat),
				CumValue:           stat.Cum,
				CumPercentage:      percent(stat.Cum),
			})
		}
		jsonBytes, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Printf("Error marshaling CPU analysis to JSON: %v", err)
			errorResult := ErrorResult{Error: fmt.Sprintf("Failed to marshal result to JSON: %v", err), TopN: topN}
			errJsonBytes, _ := json.Marshal(errorResult)
			return string(errJsonBytes), nil
		}
		return string(jsonBytes), nil

	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

// aggregateFunctions 计算每个函数的 Flat 与 Cum 值。
// Flat 归因于堆栈最顶层的函数；Cum 对堆栈中出现的每个函数每个样本只计一次。
func aggregateFunctions(p *profile.Profile, valueIndex int) ([]functionStat, int64) {
	byName := make(map[string]*functionStat)
	get := func(name string) *functionStat {
		s, ok := byName[name]
		if !ok {
			s = &functionStat{Name: name}
			byName[name] = s
		}
		return s
	}

	var total int64
	for _, s := range p.Sample {
		if len(s.Location) == 0 || len(s.Value) <= valueIndex {
			continue
		}
		v := s.Value[valueIndex]
		total += v

		seen := make(map[string]bool)
		for depth, loc := range s.Location {
			for _, line := range loc.Line {
				if line.Function == nil {
					continue
				}
				name := line.Function.Name
				if depth == 0 {
					get(name).Flat += v
				}
				if !seen[name] {
					seen[name] = true
					get(name).Cum += v
				}
				break
			}
		}
	}

	stats := make([]functionStat, 0, len(byName))
	for _, s := range byName {
		stats = append(stats, *s)
	}
	return stats, total
}
