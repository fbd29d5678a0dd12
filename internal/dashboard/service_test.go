package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jundi69/dashboard38/internal/cache"
	"github.com/jundi69/dashboard38/internal/geoagg"
	"github.com/jundi69/dashboard38/internal/metrics"
	"github.com/jundi69/dashboard38/internal/upstream"
	dto "github.com/prometheus/client_model/go"
)

var errDown = errors.New("upstream down")

type fakeUpstream struct {
	mu        sync.Mutex
	fail      map[string]bool
	global    *upstream.GlobalMetrics
	miners    []geoagg.EntityID
	ops       []upstream.AllReduceOp
	locations []geoagg.LocationRecord
	minerHits int
}

func (f *fakeUpstream) failing(resource string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[resource]
}

func (f *fakeUpstream) setFail(resource string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]bool{}
	}
	f.fail[resource] = v
}

func (f *fakeUpstream) Global(context.Context) (*upstream.GlobalMetrics, error) {
	if f.failing(ResourceGlobal) {
		return nil, errDown
	}
	return f.global, nil
}

func (f *fakeUpstream) Miners(context.Context) ([]geoagg.EntityID, error) {
	if f.failing(ResourceMiners) {
		return nil, errDown
	}
	return f.miners, nil
}

func (f *fakeUpstream) Miner(_ context.Context, uid string) (*upstream.MinerDetail, error) {
	f.mu.Lock()
	f.minerHits++
	f.mu.Unlock()
	if f.failing("miner") {
		return nil, errDown
	}
	return &upstream.MinerDetail{Metagraph: upstream.Metagraph{Stake: 12.5}}, nil
}

func (f *fakeUpstream) AllReduce(context.Context) ([]upstream.AllReduceOp, error) {
	if f.failing(ResourceAllReduce) {
		return nil, errDown
	}
	return f.ops, nil
}

func (f *fakeUpstream) Locations(context.Context) ([]geoagg.LocationRecord, error) {
	if f.failing(ResourceLocations) {
		return nil, errDown
	}
	return f.locations, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	oks     []bool
	dropped []int
}

func (r *fakeRecorder) RecordRefresh(_ context.Context, ok bool, dropped int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oks = append(r.oks, ok)
	r.dropped = append(r.dropped, dropped)
	return nil
}

func healthyUpstream() *fakeUpstream {
	bad := geoagg.At(geoagg.IntID(9), 0, 0)
	bad.Latitude = geoagg.Coordinate{}
	return &fakeUpstream{
		global: &upstream.GlobalMetrics{
			Bandwidth:    upstream.Series{{Value: 20}, {Value: 25.56}},
			TrainingRate: upstream.Series{{Value: 1000.4}, {Value: 1001}},
			ActiveMiners: upstream.Series{{Value: 10}, {Value: 12.6}},
			Epochs:       upstream.Series{{Value: 3}, {Value: 7}, {Value: 5}},
		},
		miners: []geoagg.EntityID{geoagg.IntID(1), geoagg.StringID("abc")},
		ops:    []upstream.AllReduceOp{{OperationID: "op-1", Epoch: 1}},
		locations: []geoagg.LocationRecord{
			geoagg.At(geoagg.IntID(1), 51.5, -0.12),
			geoagg.At(geoagg.IntID(2), 51.5, -0.12),
			geoagg.At(geoagg.IntID(3), 40.71, -74.0),
			bad,
		},
	}
}

func newService(up Upstream, opts Options) *Service {
	opts.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return New(up, opts)
}

func TestRefreshAllPopulatesSnapshots(t *testing.T) {
	rec := &fakeRecorder{}
	s := newService(healthyUpstream(), Options{Fallback: true, Recorder: rec})
	if err := s.RefreshAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	g := s.Global()
	want := Summary{AvgBandwidth: 22.78, AvgTrainingRate: 1001, ActiveMiners: 13, CurrentEpoch: 7}
	if g.Summary != want {
		t.Fatalf("summary = %+v, want %+v", g.Summary, want)
	}
	if g.State.Error != "" || g.State.Fallback || g.State.UpdatedAt == nil {
		t.Fatalf("global state = %+v", g.State)
	}

	miners := s.Miners()
	if len(miners) != 2 || miners[0].Label != "Miner 1" || miners[1].Label != "Miner abc" {
		t.Fatalf("miners = %+v", miners)
	}

	m := s.Map()
	if len(m.Points) != 2 || m.Points[0].Count != 2 || len(m.Lines) != 1 {
		t.Fatalf("map = %+v", m)
	}
	if m.Report.Dropped != 1 || m.Message != "" {
		t.Fatalf("report = %+v message = %q", m.Report, m.Message)
	}
	if m.Points[0].Radius <= m.Points[1].Radius {
		t.Fatal("denser point should get the larger radius")
	}

	if len(rec.oks) != 1 || !rec.oks[0] || rec.dropped[0] != 1 {
		t.Fatalf("recorder = %+v %+v", rec.oks, rec.dropped)
	}
}

func TestRefreshFailureInstallsFallback(t *testing.T) {
	up := healthyUpstream()
	up.setFail(ResourceGlobal, true)
	up.setFail(ResourceLocations, true)
	rec := &fakeRecorder{}
	s := newService(up, Options{Fallback: true, Recorder: rec})

	err := s.RefreshAll(context.Background())
	if !errors.Is(err, errDown) {
		t.Fatalf("err = %v", err)
	}
	g := s.Global()
	if !g.State.Fallback || g.State.Error != "Failed to load global metrics" || len(g.Metrics.Loss) != 24 {
		t.Fatalf("global = %+v", g.State)
	}
	if st := s.States()[ResourceMiners]; st.Error != "" || st.Fallback {
		t.Fatalf("miners state should be unaffected: %+v", st)
	}
	m := s.Map()
	if m.Message != MsgNoLocations || len(m.Points) != 0 {
		t.Fatalf("map = %+v", m)
	}
	if st := s.States()[ResourceLocations]; st.Error != "Failed to load miner locations" || st.Fallback {
		t.Fatalf("locations state = %+v", st)
	}
	if len(rec.oks) != 1 || rec.oks[0] {
		t.Fatal("failed refresh should be recorded as not ok")
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	up := healthyUpstream()
	s := newService(up, Options{Fallback: true})
	_ = s.RefreshAll(context.Background())

	up.setFail(ResourceMiners, true)
	_ = s.RefreshAll(context.Background())

	if got := s.Miners(); len(got) != 2 {
		t.Fatalf("previous snapshot should survive, got %d miners", len(got))
	}
	st := s.States()[ResourceMiners]
	if st.Fallback || st.Error != "Failed to load miners list" || st.UpdatedAt == nil {
		t.Fatalf("state = %+v", st)
	}

	up.setFail(ResourceMiners, false)
	_ = s.RefreshAll(context.Background())
	if st := s.States()[ResourceMiners]; st.Error != "" {
		t.Fatalf("error should clear after success: %+v", st)
	}
}

func TestRefreshWithoutFallback(t *testing.T) {
	up := healthyUpstream()
	up.setFail(ResourceAllReduce, true)
	s := newService(up, Options{})
	_ = s.RefreshAll(context.Background())
	v := s.AllReduce()
	if len(v.Operations) != 0 || v.State.Fallback || v.State.Error == "" {
		t.Fatalf("allreduce = %+v", v)
	}
}

func TestMapMessages(t *testing.T) {
	s := newService(healthyUpstream(), Options{})
	if m := s.Map(); m.Message != MsgNoLocations {
		t.Fatalf("initial message = %q", m.Message)
	}
	bad := geoagg.LocationRecord{EntityID: geoagg.IntID(1)}
	if m := s.buildMap([]geoagg.LocationRecord{bad}); m.Message != MsgUnprocessable || m.Points == nil || m.Lines == nil {
		t.Fatalf("map = %+v", m)
	}
}

func TestMapMeshLimit(t *testing.T) {
	s := newService(healthyUpstream(), Options{MeshLimit: 2})
	recs := []geoagg.LocationRecord{
		geoagg.At(geoagg.IntID(1), 1, 1),
		geoagg.At(geoagg.IntID(2), 2, 2),
		geoagg.At(geoagg.IntID(3), 3, 3),
	}
	if m := s.buildMap(recs); len(m.Lines) != 0 || len(m.Points) != 3 {
		t.Fatalf("map = %+v", m)
	}
}

func TestMinerCachedAndFallback(t *testing.T) {
	ctx := context.Background()
	up := healthyUpstream()
	c := cache.NewTiered(cache.NewLocal(16, time.Minute), nil, time.Minute)
	s := newService(up, Options{Fallback: true, Cache: c})

	v, err := s.Miner(ctx, "1")
	if err != nil || v.Detail.Metagraph.Stake != 12.5 {
		t.Fatalf("v = %+v err = %v", v, err)
	}
	if _, err := s.Miner(ctx, "1"); err != nil {
		t.Fatal(err)
	}
	if up.minerHits != 1 {
		t.Fatalf("upstream hits = %d, want 1", up.minerHits)
	}

	up.setFail("miner", true)
	v, err = s.Miner(ctx, "2")
	if err != nil || v.Detail == nil || !v.State.Fallback || v.State.Error != "Failed to load data for miner 2" {
		t.Fatalf("fallback view = %+v err = %v", v, err)
	}
}

func TestMinerErrorWithoutFallback(t *testing.T) {
	up := healthyUpstream()
	up.setFail("miner", true)
	s := newService(up, Options{})
	if _, err := s.Miner(context.Background(), "5"); !errors.Is(err, errDown) {
		t.Fatalf("err = %v", err)
	}
}

func TestMinerUnknownUIDRejected(t *testing.T) {
	up := healthyUpstream()
	s := newService(up, Options{Fallback: true})
	_ = s.RefreshAll(context.Background())
	before := len(s.States())

	for _, uid := range []string{"2", "zzz", "../x"} {
		if _, err := s.Miner(context.Background(), uid); !errors.Is(err, ErrUnknownMiner) {
			t.Fatalf("uid %q: err = %v", uid, err)
		}
	}
	if up.minerHits != 0 {
		t.Fatalf("upstream hits = %d, want 0", up.minerHits)
	}
	if got := len(s.States()); got != before {
		t.Fatalf("states grew from %d to %d", before, got)
	}
	if _, err := s.Miner(context.Background(), "abc"); err != nil {
		t.Fatalf("listed miner rejected: %v", err)
	}
}

func TestMinerStatesBounded(t *testing.T) {
	up := healthyUpstream()
	up.setFail("miner", true)
	s := newService(up, Options{Fallback: true, MinerStates: 2})
	for _, uid := range []string{"a", "b", "c", "d", "e"} {
		if _, err := s.Miner(context.Background(), uid); err != nil {
			t.Fatal(err)
		}
	}
	n := 0
	for k := range s.States() {
		if strings.HasPrefix(k, "miner:") {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("miner states = %d, want 2", n)
	}
	if st := s.States()[MinerResource("e")]; !st.Fallback {
		t.Fatalf("latest miner state = %+v", st)
	}
}

func TestPrecisionDefault(t *testing.T) {
	up := healthyUpstream()
	if s := New(up, Options{}); s.precision != geoagg.CoordinatePrecision {
		t.Fatalf("default precision = %d", s.precision)
	}
	zero := 0
	s := New(up, Options{Precision: &zero})
	m := s.buildMap([]geoagg.LocationRecord{geoagg.At(geoagg.IntID(1), 51.1, 0.1), geoagg.At(geoagg.IntID(2), 50.9, -0.1)})
	if len(m.Points) != 1 || m.Points[0].Count != 2 {
		t.Fatalf("whole-degree grouping = %+v", m.Points)
	}
}

func droppedTotal(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.DroppedRecordsTotal.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestWarmStartDoesNotRecountDrops(t *testing.T) {
	ctx := context.Background()
	c := cache.NewTiered(cache.NewLocal(16, time.Minute), nil, time.Minute)
	before := droppedTotal(t)
	first := newService(healthyUpstream(), Options{Cache: c})
	_ = first.RefreshAll(ctx)
	afterRefresh := droppedTotal(t)
	if afterRefresh-before != 1 {
		t.Fatalf("refresh counted %v drops, want 1", afterRefresh-before)
	}

	second := newService(healthyUpstream(), Options{Cache: c})
	second.warm(ctx)
	if second.Map().Report.Dropped != 1 {
		t.Fatalf("warm report = %+v", second.Map().Report)
	}
	if got := droppedTotal(t); got != afterRefresh {
		t.Fatalf("warm start changed drop counter: %v -> %v", afterRefresh, got)
	}
}

func TestWarmStartFromCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewTiered(cache.NewLocal(16, time.Minute), nil, time.Minute)
	first := newService(healthyUpstream(), Options{Cache: c})
	_ = first.RefreshAll(ctx)

	second := newService(healthyUpstream(), Options{Cache: c})
	second.warm(ctx)
	if len(second.Miners()) != 2 || len(second.Map().Points) != 2 {
		t.Fatalf("warm start did not restore snapshots")
	}
}

func TestStartAndTrigger(t *testing.T) {
	rec := &fakeRecorder{}
	s := newService(healthyUpstream(), Options{Interval: time.Hour, Recorder: rec})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Trigger()

	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.oks)
		rec.mu.Unlock()
		if n >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("refreshes = %d, want at least 2", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestServiceWithHTTPUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/metrics/locations":
			_, _ = w.Write([]byte(`[{"uid":1,"lat":51.5,"lon":-0.12},{"uid":"b","lat":51.5,"lon":-0.12},{"uid":3,"lat":"abc","lon":2}]`))
		case strings.HasPrefix(r.URL.Path, "/metrics/"):
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client := upstream.New(srv.URL, time.Second)
	client.Backoff = time.Millisecond
	client.MaxAttempts = 1
	s := newService(client, Options{Fallback: true})
	_ = s.RefreshAll(context.Background())

	b, err := json.Marshal(s.Map().Points)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"position":[-0.12,51.5],"count":2,"entityIds":[1,"b"],"radius":8.48`
	if !strings.HasPrefix(string(b), want) {
		t.Fatalf("points = %s\nwant     %s", b, want)
	}
	if s.Map().Report.Dropped != 1 {
		t.Fatalf("report = %+v", s.Map().Report)
	}
	if !s.Global().State.Fallback || len(s.Miners()) != 20 {
		t.Fatal("failed resources should fall back")
	}
}
