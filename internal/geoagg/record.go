// 包 geoagg：将矿工位置记录按近似坐标合并为带计数的地图点，供地图渲染按密度绘制
package geoagg

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// 文档注释：实体标识
// 背景：上游 uid 既可能是整数也可能是字符串；保留原始文本与类型，序列化时按原类型输出。
// 约束：不要求唯一；空值（null/缺失）以空字符串表示并照常参与聚合。
type EntityID struct {
	raw     string
	numeric bool
}

func IntID(v int64) EntityID        { return EntityID{raw: strconv.FormatInt(v, 10), numeric: true} }
func StringID(s string) EntityID    { return EntityID{raw: s} }
func (id EntityID) String() string  { return id.raw }
func (id EntityID) IsNumeric() bool { return id.numeric }

func (id EntityID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.raw), nil
	}
	return json.Marshal(id.raw)
}

func (id *EntityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = EntityID{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = EntityID{raw: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		// 布尔、对象等非常规类型：保留原文，不让单条记录的标识阻断整批解析
		*id = EntityID{raw: string(b)}
		return nil
	}
	*id = EntityID{raw: n.String(), numeric: true}
	return nil
}

// 文档注释：坐标分量（可缺失）
// 背景：上游 JSON 中经纬度可能为 null、字符串或缺失；解码时一律容错为“不存在”，由聚合阶段统一过滤。
// 约束：仅 JSON number 视为存在；数字字符串（如 "51.5"）同样按非数值处理。
type Coordinate struct {
	Value float64
	Set   bool
}

func Coord(v float64) Coordinate { return Coordinate{Value: v, Set: true} }

// Valid：存在且为有限数值（排除 NaN 与 ±Inf）
func (c Coordinate) Valid() bool {
	return c.Set && !math.IsNaN(c.Value) && !math.IsInf(c.Value, 0)
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	if !c.Valid() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(c.Value, 'f', -1, 64)), nil
}

func (c *Coordinate) UnmarshalJSON(b []byte) error {
	*c = Coordinate{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '"' || bytes.Equal(b, []byte("null")) {
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return nil
	}
	*c = Coordinate{Value: v, Set: true}
	return nil
}

// 文档注释：位置记录（输入，每个实体一条）
// 约束：线上字段 lat/latitude、lon/longitude 二选一，先出现的短名优先；uid 缺失时依次尝试 entity_id、id。
type LocationRecord struct {
	EntityID  EntityID
	Latitude  Coordinate
	Longitude Coordinate
	City      string
	Country   string
	IP        string
	Org       string
}

// At：构造坐标齐全的记录，主要用于测试与回退数据
func At(id EntityID, lat, lon float64) LocationRecord {
	return LocationRecord{EntityID: id, Latitude: Coord(lat), Longitude: Coord(lon)}
}

// Valid：经纬度均为有限数值时记录可参与聚合
func (r LocationRecord) Valid() bool {
	return r.Latitude.Valid() && r.Longitude.Valid()
}

type wireRecord struct {
	UID     EntityID   `json:"uid"`
	Lat     Coordinate `json:"lat"`
	Lon     Coordinate `json:"lon"`
	City    string     `json:"city,omitempty"`
	Country string     `json:"country,omitempty"`
	IP      string     `json:"ip,omitempty"`
	Org     string     `json:"org,omitempty"`
}

func (r LocationRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		UID: r.EntityID, Lat: r.Latitude, Lon: r.Longitude,
		City: r.City, Country: r.Country, IP: r.IP, Org: r.Org,
	})
}

// UnmarshalJSON 不返回错误：非对象元素（字符串、数字、数组等）解码为零值记录，
// 在聚合时按坐标缺失丢弃，单条坏数据不影响整批记录。
func (r *LocationRecord) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		*r = LocationRecord{}
		return nil
	}
	var out LocationRecord
	if raw, ok := first(m, "uid", "entity_id", "entityId", "id"); ok {
		_ = out.EntityID.UnmarshalJSON(raw)
	}
	if raw, ok := first(m, "lat", "latitude"); ok {
		_ = out.Latitude.UnmarshalJSON(raw)
	}
	if raw, ok := first(m, "lon", "longitude", "lng"); ok {
		_ = out.Longitude.UnmarshalJSON(raw)
	}
	out.City = str(m["city"])
	out.Country = str(m["country"])
	out.IP = str(m["ip"])
	out.Org = str(m["org"])
	*r = out
	return nil
}

func first(m map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// str：非字符串的展示字段按空处理
func str(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
