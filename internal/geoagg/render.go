package geoagg

import "math"

const (
	RadiusScale = 6.0
	MinRadius   = 3.0
	MaxRadius   = 24.0
	MeshLimit   = 15
)

// Radius：按 sqrt(count) 缩放标记半径，使点面积随密度亚线性增长
func Radius(count int, scale float64) float64 {
	if count < 1 {
		count = 1
	}
	if scale <= 0 {
		scale = RadiusScale
	}
	r := scale * math.Sqrt(float64(count))
	return math.Max(MinRadius, math.Min(MaxRadius, r))
}

// Line 为两点之间的连线
type Line struct {
	Source Position `json:"sourcePosition"`
	Target Position `json:"targetPosition"`
}

// 文档注释：全连接网格
// 约束：仅当 1 < len(points) <= limit 时生成全部无序点对；超过上限返回空，由调用方决定是否告警。
func Mesh(points []AggregatePoint, limit int) []Line {
	if limit <= 0 {
		limit = MeshLimit
	}
	n := len(points)
	if n < 2 || n > limit {
		return []Line{}
	}
	lines := make([]Line, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			lines = append(lines, Line{Source: points[i].Position, Target: points[j].Position})
		}
	}
	return lines
}
