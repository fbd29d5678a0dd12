package upstream

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/jundi69/dashboard38/internal/geoagg"
)

// 文档注释：回退数据生成
// 背景：后端不可用时仪表盘仍需展示形态合理的曲线；数值形状（正弦/余弦 + 线性趋势，下限 0）与前端原有演示数据一致。
// 约束：仅在对应资源从未成功获取过时使用；所有输出均标记 fallback。

// DummySeries：按小时生成 hours 个点，最后一个点距 now 一小时
func DummySeries(now time.Time, hours int, base, variance float64, decreasing bool) Series {
	out := make(Series, 0, hours)
	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(hours-i) * time.Hour)
		x := float64(i)
		progress := x / float64(hours)
		var v float64
		if decreasing {
			v = base + variance*math.Cos(x/5) - progress*variance*3
		} else {
			v = base + variance*math.Sin(x/5) + progress*variance*0.5
		}
		out = append(out, Point{Time: t.UTC().Format(time.RFC3339), Value: math.Max(0, v)})
	}
	return out
}

func FallbackGlobal(now time.Time) *GlobalMetrics {
	return &GlobalMetrics{
		Epochs:       DummySeries(now, 24, 10, 0.1, false),
		Loss:         DummySeries(now, 24, 3.5, 0.5, true),
		Perplexity:   DummySeries(now, 24, 15, 3, true),
		TrainingRate: DummySeries(now, 24, 120, 30, false),
		Bandwidth:    DummySeries(now, 24, 25, 5, false),
		ActiveMiners: DummySeries(now, 24, 42, 8, false),
	}
}

func FallbackMiners() []geoagg.EntityID {
	out := make([]geoagg.EntityID, 20)
	for i := range out {
		out[i] = geoagg.IntID(int64(i))
	}
	return out
}

// FallbackMiner：同一 uid 生成的随机字段稳定，刷新时不跳变
func FallbackMiner(now time.Time, uid string) *MinerDetail {
	h := fnv.New64a()
	_, _ = h.Write([]byte(uid))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	scores := make([]ValidatorScore, 5)
	for i := range scores {
		scores[i] = ValidatorScore{
			ValidatorUID:   geoagg.IntID(int64(i)),
			TrainScore:     round(r.Float64()*0.8+0.2, 4),
			AllReduceScore: round(r.Float64()*0.8+0.2, 4),
			TotalScore:     round(r.Float64()*0.8+0.2, 4),
		}
	}
	return &MinerDetail{
		Metagraph: Metagraph{
			Stake:     round(r.Float64()*100, 2),
			Trust:     round(r.Float64(), 3),
			Consensus: round(r.Float64(), 3),
			Incentive: round(r.Float64(), 3),
			Emissions: round(r.Float64()*10, 2),
		},
		Training: Training{
			Loss:               DummySeries(now, 24, 3.2, 0.8, true),
			InnerStep:          DummySeries(now, 24, 50, 20, false),
			SamplesAccumulated: DummySeries(now, 24, 500, 100, false),
		},
		Resources: Resources{
			CPUPercent:     DummySeries(now, 24, 60, 15, false),
			MemoryPercent:  DummySeries(now, 24, 45, 10, false),
			GPUUtilization: DummySeries(now, 24, 85, 15, false),
		},
		Scores: scores,
	}
}

// FallbackAllReduce：10 个操作，间隔 4 小时，epoch 从 10 递减
func FallbackAllReduce(now time.Time) []AllReduceOp {
	r := rand.New(rand.NewPCG(uint64(now.Unix()), 42))
	out := make([]AllReduceOp, 10)
	for i := range out {
		d := round(r.Float64()*20+10, 2)
		p := int(r.Float64()*15 + 10)
		s := round(r.Float64()*0.3+0.7, 2)
		b := round(r.Float64()*10+20, 2)
		out[i] = AllReduceOp{
			OperationID: fmt.Sprintf("op-%d", i),
			Epoch:       10 - i,
			Time:        now.Add(-time.Duration(i) * 4 * time.Hour).UTC().Format(time.RFC3339),
			Metrics:     &AllReduceMetrics{Duration: &d, ParticipatingMiners: &p, SuccessRate: &s, Bandwidth: &b},
		}
	}
	return out
}

func round(v float64, places int) float64 {
	f, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', places, 64), 64)
	return f
}
