// locagg：离线聚合工具，读取位置记录 JSON 数组（文件或标准输入），输出合并后的地图点
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jundi69/dashboard38/internal/config"
	"github.com/jundi69/dashboard38/internal/geoagg"
	"github.com/jundi69/dashboard38/internal/geoip"
)

type output struct {
	Points []geoagg.AggregatePoint `json:"points"`
	Report geoagg.Report           `json:"report"`
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("locagg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	precision := fs.Int("precision", geoagg.CoordinatePrecision, "decimal places used to merge coordinates")
	report := fs.Bool("report", false, "wrap output as {points, report} with drop counts")
	enrich := fs.Bool("enrich", false, "fill city/country/org from GEOIP_CITY_PATH, GEOIP_ASN_PATH, IP2REGION_V4_PATH")
	pretty := fs.Bool("pretty", false, "indent output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	in := stdin
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, "open:", err)
			return 1
		}
		defer f.Close()
		in = f
	}

	var recs []geoagg.LocationRecord
	if err := json.NewDecoder(in).Decode(&recs); err != nil {
		fmt.Fprintln(stderr, "decode:", err)
		return 1
	}
	if *enrich {
		cfg := config.FromEnv()
		e, closeGeo := geoip.OpenFromPaths(cfg.GeoIP.CityPath, cfg.GeoIP.ASNPath, cfg.GeoIP.IP2RegionPath)
		defer closeGeo()
		recs = e.Enrich(recs)
	}

	pts, rep := geoagg.SummarizeWithPrecision(recs, *precision)
	enc := json.NewEncoder(stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	var v any = pts
	if *report {
		v = output{Points: pts, Report: rep}
	}
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(stderr, "encode:", err)
		return 1
	}
	return 0
}

func main() {
	config.LoadEnvFiles()
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
