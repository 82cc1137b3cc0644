package analyzer

// --- JSON 输出结构体定义 ---

// ErrorResult 用于在 JSON 格式中返回错误信息
type ErrorResult struct {
	Error string `json:"error"`
	TopN  int    `json:"topN,omitempty"` // omitempty 如果为 0 则不输出
}

// CPUFunctionStat 代表 CPU 分析中的单个函数统计信息 (JSON)
type CPUFunctionStat struct {
	FunctionName       string  `json:"functionName"`
	FlatValue          int64   `json:"flatValue"`          // 原始值
	FlatValueFormatted string  `json:"flatValueFormatted"` // 格式化后的值 (e.g., "1.23s")
	Percentage         float64 `json:"percentage"`         // 占总量的百分比
	CumValue           int64   `json:"cumValue"`
	CumPercentage      float64 `json:"cumPercentage"`
}

// CPUAnalysisResult 代表 CPU 分析的整体结果 (JSON)
type CPUAnalysisResult struct {
	Label               string            `json:"label,omitempty"`              // 被采样的操作，例如 "export gguf"
	ValueType           string            `json:"valueType"`                    // e.g., "cpu", "samples"
	ValueUnit           string            `json:"valueUnit"`                    // e.g., "nanoseconds", "count"
	TotalValue          int64             `json:"totalValue"`                   // 样本总值
	TotalValueFormatted string            `json:"totalValueFormatted"`          // 格式化后的总值
	TotalDurationNanos  int64             `json:"totalDurationNanos,omitempty"` // 可选的总持续时间 (纳秒)
	TopN                int               `json:"topN"`                         // 返回的 Top N 数量
	Functions           []CPUFunctionStat `json:"functions"`                    // Top N 函数列表
}

// --- 内部辅助结构体 ---

// functionStat 保存函数的聚合统计信息。
type functionStat struct {
	Name string
	Flat int64 // 函数自身的消耗值
	Cum  int64 // 函数及其调用链的总消耗值
}
