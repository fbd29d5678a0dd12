package upstream

import "github.com/jundi69/dashboard38/internal/geoagg"

// 文档注释：时间序列点
// 约束：time 保留上游原始文本（后端可能输出不带时区的 ISO 时间），不在此处解析。
type Point struct {
	Time  string  `json:"time"`
	Value float64 `json:"value"`
}

type Series []Point

// 文档注释：全网指标
// 背景：对齐 /metrics/global 返回字段；缺失的序列解码为空。
type GlobalMetrics struct {
	Epochs       Series `json:"epochs"`
	Loss         Series `json:"loss"`
	Perplexity   Series `json:"perplexity"`
	TrainingRate Series `json:"training_rate"`
	Bandwidth    Series `json:"bandwidth"`
	ActiveMiners Series `json:"active_miners"`
}

type Metagraph struct {
	Stake     float64 `json:"stake"`
	Trust     float64 `json:"trust"`
	Consensus float64 `json:"consensus"`
	Incentive float64 `json:"incentive"`
	Emissions float64 `json:"emissions"`
}

type Training struct {
	Loss               Series `json:"loss"`
	InnerStep          Series `json:"inner_step"`
	SamplesAccumulated Series `json:"samples_accumulated"`
}

type Resources struct {
	CPUPercent     Series `json:"cpu_percent"`
	MemoryPercent  Series `json:"memory_percent"`
	GPUUtilization Series `json:"gpu_utilization"`
}

type ValidatorScore struct {
	ValidatorUID   geoagg.EntityID `json:"validator_uid"`
	TrainScore     float64         `json:"train_score"`
	AllReduceScore float64         `json:"all_reduce_score"`
	TotalScore     float64         `json:"total_score"`
}

// MinerDetail 对齐 /metrics/miner/{uid}
type MinerDetail struct {
	Metagraph Metagraph        `json:"metagraph"`
	Training  Training         `json:"training"`
	Resources Resources        `json:"resources"`
	Scores    []ValidatorScore `json:"scores"`
}

// 文档注释：AllReduce 操作指标
// 约束：各字段可能缺失，缺失时为 nil 并由前端显示 N/A。
type AllReduceMetrics struct {
	Duration            *float64 `json:"duration,omitempty"`
	ParticipatingMiners *int     `json:"participating_miners,omitempty"`
	SuccessRate         *float64 `json:"success_rate,omitempty"`
	Bandwidth           *float64 `json:"bandwidth,omitempty"`
}

type AllReduceOp struct {
	OperationID string            `json:"operation_id"`
	Epoch       int               `json:"epoch"`
	Time        string            `json:"time"`
	Metrics     *AllReduceMetrics `json:"metrics,omitempty"`
}
