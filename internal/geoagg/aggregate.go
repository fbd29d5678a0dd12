package geoagg

import (
	"math"
	"strconv"
	"strings"
)

// CoordinatePrecision：分组键保留的小数位数，5 位约对应赤道处 1.1 米
const CoordinatePrecision = 5

// Position 为 [经度, 纬度]，与地图渲染层约定一致
type Position [2]float64

func (p Position) Lon() float64 { return p[0] }
func (p Position) Lat() float64 { return p[1] }

// 文档注释：聚合点（输出，每个不同的取整坐标一个）
// 约束：Position/City/Country 取自该键的首条记录，后续合并不再改写；EntityIDs 保持输入顺序。
type AggregatePoint struct {
	Position  Position   `json:"position"`
	Count     int        `json:"count"`
	EntityIDs []EntityID `json:"entityIds"`
	City      string     `json:"city,omitempty"`
	Country   string     `json:"country,omitempty"`
}

// 文档注释：聚合统计
// 背景：Aggregate 无错误通道，调用方若需了解被丢弃的记录数量，从 Summarize 获取。
type Report struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Dropped int `json:"dropped"`
	Points  int `json:"points"`
}

// Aggregate：按默认精度合并位置记录
func Aggregate(records []LocationRecord) []AggregatePoint {
	return AggregateWithPrecision(records, CoordinatePrecision)
}

// 文档注释：按指定精度合并位置记录
// 步骤：过滤无效坐标 → 经纬度分别取整生成 "lon,lat" 键 → 首次出现建累加器 → 按首次出现顺序输出。
// 约束：不修改入参，不持有共享状态，可并发调用；precision 小于 0 时按 0 处理。
func AggregateWithPrecision(records []LocationRecord, precision int) []AggregatePoint {
	if precision < 0 {
		precision = 0
	}
	out := make([]AggregatePoint, 0)
	index := make(map[string]int)
	for _, r := range records {
		if !r.Valid() {
			continue
		}
		k := GroupKey(r.Longitude.Value, r.Latitude.Value, precision)
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			out = append(out, AggregatePoint{
				Position: Position{r.Longitude.Value, r.Latitude.Value},
				City:     r.City,
				Country:  r.Country,
			})
		}
		out[i].Count++
		out[i].EntityIDs = append(out[i].EntityIDs, r.EntityID)
	}
	return out
}

// Summarize：与 Aggregate 结果一致，另返回丢弃统计
func Summarize(records []LocationRecord) ([]AggregatePoint, Report) {
	return SummarizeWithPrecision(records, CoordinatePrecision)
}

func SummarizeWithPrecision(records []LocationRecord, precision int) ([]AggregatePoint, Report) {
	pts := AggregateWithPrecision(records, precision)
	rep := Report{Total: len(records), Points: len(pts)}
	for _, p := range pts {
		rep.Valid += p.Count
	}
	rep.Dropped = rep.Total - rep.Valid
	return pts, rep
}

// 文档注释：分组键
// 约束：取整后的 -0 折叠为 0，避免赤道/本初子午线两侧极小值被拆成两个点。
func GroupKey(lon, lat float64, precision int) string {
	return formatRounded(lon, precision) + "," + formatRounded(lat, precision)
}

// formatRounded：按十进制四舍五入（恰好落在 5 上时远离 0 进位）后格式化
func formatRounded(v float64, precision int) string {
	if isDecimalTie(v, precision) {
		v = math.Nextafter(v, math.Copysign(math.Inf(1), v))
	}
	s := strconv.FormatFloat(v, 'f', precision, 64)
	if strings.HasPrefix(s, "-") && strings.Trim(s[1:], "0.") == "" {
		return s[1:]
	}
	return s
}

// isDecimalTie：v 的精确十进制展开在第 precision 位之后恰为 5 时返回 true
// 约束：FormatFloat 遇到这种情况取偶数，需要单独识别。
func isDecimalTie(v float64, precision int) bool {
	a := math.Abs(v)
	scaled := a * math.Pow10(precision)
	if math.Abs(scaled-math.Floor(scaled)-0.5) > 1e-6 {
		return false
	}
	exact := strconv.FormatFloat(a, 'f', 1100, 64)
	i := strings.IndexByte(exact, '.') + 1 + precision
	if i >= len(exact) || exact[i] != '5' {
		return false
	}
	return strings.TrimRight(exact[i+1:], "0") == ""
}
