// 包 geoip：按 IP 补全位置记录的展示字段（城市/国家/运营组织）
// 背景：上游位置记录常只带坐标与 IP；本地离线库按顺序查询，先命中者优先，仅填空字段。
package geoip

import (
	"net"
	"strings"

	"github.com/jundi69/dashboard38/internal/geoagg"
	"github.com/jundi69/dashboard38/internal/logger"
	"github.com/jundi69/dashboard38/internal/metrics"
	"github.com/lionsoul2014/ip2region/binding/golang/xdb"
	"github.com/oschwald/geoip2-golang"
	"github.com/oschwald/maxminddb-golang"
)

// Place：一次查询得到的展示字段，空串表示未知
type Place struct {
	City    string
	Country string
	Org     string
}

// Source：离线库查询接口，未命中返回 false
type Source interface {
	Name() string
	Lookup(ip net.IP) (Place, bool)
}

// CityDB：MaxMind GeoLite2/GeoIP2 City 库
type CityDB struct {
	r *geoip2.Reader
}

func OpenCity(path string) (*CityDB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &CityDB{r: r}, nil
}

func (c *CityDB) Name() string { return "geoip2" }

func (c *CityDB) Lookup(ip net.IP) (Place, bool) {
	rec, err := c.r.City(ip)
	if err != nil || rec == nil {
		return Place{}, false
	}
	p := Place{City: rec.City.Names["en"], Country: rec.Country.Names["en"]}
	return p, p.City != "" || p.Country != ""
}

func (c *CityDB) Close() error { return c.r.Close() }

// ASNDB：MaxMind ASN 库，只取组织名
type ASNDB struct {
	r *maxminddb.Reader
}

type asnRecord struct {
	Number uint   `maxminddb:"autonomous_system_number"`
	Org    string `maxminddb:"autonomous_system_organization"`
}

func OpenASN(path string) (*ASNDB, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &ASNDB{r: r}, nil
}

func (a *ASNDB) Name() string { return "asn" }

func (a *ASNDB) Lookup(ip net.IP) (Place, bool) {
	var rec asnRecord
	if err := a.r.Lookup(ip, &rec); err != nil || rec.Org == "" {
		return Place{}, false
	}
	return Place{Org: rec.Org}, true
}

func (a *ASNDB) Close() error { return a.r.Close() }

// IP2Region：ip2region v4 XDB 库，文件模式查询
type IP2Region struct {
	s *xdb.Searcher
}

func OpenIP2Region(path string) (*IP2Region, error) {
	s, err := xdb.NewWithFileOnly(xdb.IPv4, path)
	if err != nil {
		return nil, err
	}
	return &IP2Region{s: s}, nil
}

func (r *IP2Region) Name() string { return "ip2region" }

func (r *IP2Region) Lookup(ip net.IP) (Place, bool) {
	if ip.To4() == nil {
		return Place{}, false
	}
	region, err := r.s.SearchByStr(ip.String())
	if err != nil || region == "" {
		return Place{}, false
	}
	p := parseRegion(region)
	return p, p.City != "" || p.Country != "" || p.Org != ""
}

func (r *IP2Region) Close() error {
	r.s.Close()
	return nil
}

// parseRegion：解析 "国家|区域|省份|城市|ISP" 格式，"0"/unknown 视为空
func parseRegion(s string) Place {
	parts := strings.Split(s, "|")
	at := func(i int) string {
		if i >= len(parts) {
			return ""
		}
		v := strings.TrimSpace(parts[i])
		if v == "0" || strings.EqualFold(v, "unknown") {
			return ""
		}
		return v
	}
	city := at(3)
	if city == "" {
		city = at(2)
	}
	return Place{Country: at(0), City: city, Org: at(4)}
}

// Enricher：按顺序查询多个 Source 补全记录
// 约束：只填写空字段，从不修改坐标与实体标识；无 IP 或 IP 非法的记录原样保留
type Enricher struct {
	sources []Source
}

func NewEnricher(sources ...Source) *Enricher {
	var ss []Source
	for _, s := range sources {
		if s != nil {
			ss = append(ss, s)
		}
	}
	return &Enricher{sources: ss}
}

// Enabled：是否配置了任何数据源
func (e *Enricher) Enabled() bool { return e != nil && len(e.sources) > 0 }

// Enrich：返回补全后的新切片，输入不被修改
func (e *Enricher) Enrich(recs []geoagg.LocationRecord) []geoagg.LocationRecord {
	out := make([]geoagg.LocationRecord, len(recs))
	copy(out, recs)
	if !e.Enabled() {
		return out
	}
	for i := range out {
		r := &out[i]
		if r.IP == "" || (r.City != "" && r.Country != "" && r.Org != "") {
			continue
		}
		ip := net.ParseIP(strings.TrimSpace(r.IP))
		if ip == nil {
			logger.L().Debug("enrich_bad_ip", "uid", r.EntityID.String(), "ip", r.IP)
			continue
		}
		for _, s := range e.sources {
			p, ok := s.Lookup(ip)
			if !ok {
				continue
			}
			filled := fill(&r.City, p.City)
			filled = fill(&r.Country, p.Country) || filled
			filled = fill(&r.Org, p.Org) || filled
			if filled {
				metrics.EnrichedTotal.WithLabelValues(s.Name()).Inc()
			}
			if r.City != "" && r.Country != "" && r.Org != "" {
				break
			}
		}
	}
	return out
}

func fill(dst *string, v string) bool {
	if *dst != "" || v == "" {
		return false
	}
	*dst = v
	return true
}

// OpenFromPaths：按非空路径打开可用的库；打开失败只记录日志并跳过
// 返回：Enricher 与用于退出时释放资源的关闭函数
func OpenFromPaths(cityPath, asnPath, regionPath string) (*Enricher, func()) {
	var sources []Source
	var closers []func() error
	if cityPath != "" {
		if c, err := OpenCity(cityPath); err != nil {
			logger.L().Error("geoip_city_open_error", "path", cityPath, "err", err)
		} else {
			sources = append(sources, c)
			closers = append(closers, c.Close)
		}
	}
	if asnPath != "" {
		if a, err := OpenASN(asnPath); err != nil {
			logger.L().Error("geoip_asn_open_error", "path", asnPath, "err", err)
		} else {
			sources = append(sources, a)
			closers = append(closers, a.Close)
		}
	}
	if regionPath != "" {
		if r, err := OpenIP2Region(regionPath); err != nil {
			logger.L().Error("ip2region_open_error", "path", regionPath, "err", err)
		} else {
			sources = append(sources, r)
			closers = append(closers, r.Close)
		}
	}
	logger.L().Info("geoip_sources", "count", len(sources))
	return NewEnricher(sources...), func() {
		for _, c := range closers {
			_ = c()
		}
	}
}
