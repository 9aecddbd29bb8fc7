package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyflow/pkg/cache"
	cachememory "github.com/nicktill/tinyflow/pkg/cache/memory"
	"github.com/nicktill/tinyflow/pkg/city"
	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/ingest"
	"github.com/nicktill/tinyflow/pkg/partition"
	"github.com/nicktill/tinyflow/pkg/schedule"
	"github.com/nicktill/tinyflow/pkg/section"
	"github.com/nicktill/tinyflow/pkg/server"
	storememory "github.com/nicktill/tinyflow/pkg/store/memory"
	"github.com/nicktill/tinyflow/pkg/topology"
)

const flushLag = 2 * time.Minute

type pipeline struct {
	router     *mux.Router
	controller *partition.Controller
	tick       schedule.Job
	aggregator *section.Aggregator
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	topo := topology.New(
		[]flow.Section{{ID: "s1", Name: "Ring Road", Class: "arterial", Length: 1000, FreeSpeed: 60}},
		[]flow.Lane{{ID: "l1", SectionID: "s1"}, {ID: "l2", SectionID: "s1"}},
	)
	fc := cache.New(cachememory.New(), cache.DefaultTTLs(), time.UTC)
	scheme := partition.Scheme{Grid: 24 * time.Hour, Phase: 5 * time.Minute, Loc: time.UTC}
	st := storememory.New(scheme)

	hub := server.NewHub()
	aggregator := section.New(fc, topo, st.SectionStatus(), section.Options{FlushLag: flushLag})
	engine := city.New(fc, topo, hub, city.Options{FlushLag: flushLag, TopN: 5})
	monitor := schedule.NewMonitor(nil)

	router := mux.NewRouter()
	server.SetupRoutes(router, &server.API{
		Cache:      fc,
		Topology:   topo,
		City:       engine,
		Histograms: aggregator,
		Status:     st.SectionStatus(),
		Monitor:    monitor,
	}, ingest.NewHandler(ingest.NewWriter(fc, topo, st.LaneFlows())), hub, "8080")

	return &pipeline{
		router:     router,
		controller: partition.NewController(scheme, st.SectionStatus(), st.LaneFlows()),
		tick:       schedule.Chain("minute-rollup", aggregator, engine),
		aggregator: aggregator,
	}
}

func (p *pipeline) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, req)
	return w
}

func (p *pipeline) run(t *testing.T, current time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := p.controller.Handle(ctx, time.Time{}, current, current); err != nil {
		t.Fatalf("partition rotation failed: %v", err)
	}
	if err := p.tick.Handle(ctx, current.Add(-time.Minute), current, current.Add(time.Minute)); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
}

// TestE2E_IngestTickAndRead lands lane flows over HTTP, runs one tick and
// reads the section and city views back.
func TestE2E_IngestTickAndRead(t *testing.T) {
	p := newPipeline(t)
	minute := time.Date(2024, 3, 9, 8, 15, 0, 0, time.UTC)

	payload := ingest.IngestRequest{Flows: []flow.LaneFlow{
		// 600 m in 36 s: 60 km/h, the free speed.
		{LaneID: "l1", Time: minute, Counts: flow.Counts{Car: 10, Bus: 1}, Distance: 600, TravelTime: 36},
		{LaneID: "l2", Time: minute.Add(20 * time.Second), Counts: flow.Counts{Car: 8, Person: 3}, Distance: 600, TravelTime: 36},
	}}
	body, _ := json.Marshal(payload)

	w := p.do(t, http.MethodPost, "/v1/lanes/flows", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// Cold start: the city view is empty but well-formed.
	w = p.do(t, http.MethodGet, "/v1/city", nil)
	var cold flow.CityStatus
	if err := json.NewDecoder(w.Body).Decode(&cold); err != nil {
		t.Fatalf("Failed to decode city status: %v", err)
	}
	if len(cold.Levels) != len(flow.Statuses) || cold.TotalFlow != 0 {
		t.Errorf("Unexpected cold-start city status: %+v", cold)
	}

	p.run(t, minute.Add(flushLag))

	w = p.do(t, http.MethodGet, "/v1/sections/s1/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Latest snapshot failed with status %d: %s", w.Code, w.Body.String())
	}
	var snap flow.SectionFlow
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode snapshot: %v", err)
	}
	if snap.Car != 18 || snap.Bus != 1 || snap.Person != 3 {
		t.Errorf("Expected merged counts car=18 bus=1 person=3, got %+v", snap.Counts)
	}
	if snap.LaneCount != 2 {
		t.Errorf("Expected 2 reporting lanes, got %d", snap.LaneCount)
	}
	if snap.TrafficStatus != flow.Good {
		t.Errorf("Expected Good at free speed, got %s", snap.TrafficStatus)
	}

	w = p.do(t, http.MethodGet, "/v1/sections/s1/day?date=2024-03-09", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Day accumulator failed with status %d: %s", w.Code, w.Body.String())
	}

	w = p.do(t, http.MethodGet, "/v1/city", nil)
	var status flow.CityStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode city status: %v", err)
	}
	if !status.Time.Equal(minute) {
		t.Errorf("Expected city status for %v, got %v", minute, status.Time)
	}
	if status.TotalFlow != 22 {
		t.Errorf("Expected total flow 22, got %d", status.TotalFlow)
	}
	if got := status.Levels[flow.Good].SectionCount; got != 1 {
		t.Errorf("Expected 1 section at Good, got %d", got)
	}
}

// TestE2E_HourRollover checks that the previous hour's histogram is
// flushed into the active partition and served by the status query.
func TestE2E_HourRollover(t *testing.T) {
	p := newPipeline(t)
	start := time.Date(2024, 3, 9, 8, 58, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		minute := start.Add(time.Duration(i) * time.Minute)
		body, _ := json.Marshal(ingest.IngestRequest{Flows: []flow.LaneFlow{
			{LaneID: "l1", Time: minute, Counts: flow.Counts{Car: 5}, Distance: 600, TravelTime: 36},
		}})
		if w := p.do(t, http.MethodPost, "/v1/lanes/flows", body); w.Code != http.StatusOK {
			t.Fatalf("Ingest failed with status %d: %s", w.Code, w.Body.String())
		}
		p.run(t, minute.Add(flushLag))
	}

	// 08:58 and 08:59 were flushed when 09:00 was processed.
	w := p.do(t, http.MethodGet, "/v1/sections/status?start=2024-03-09T08:00:00Z&end=2024-03-09T09:00:00Z", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status query failed with status %d: %s", w.Code, w.Body.String())
	}
	var resp server.StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode status response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("Expected 1 stored histogram, got %d", resp.Count)
	}
	if got := resp.Records[0]; got.SectionID != "s1" || got.Total() != 2 || got.Good != 2 {
		t.Errorf("Unexpected histogram: %+v", got)
	}

	if in := p.aggregator.Histograms(); len(in) != 1 || in[0].Total() != 1 {
		t.Errorf("Expected the 09:00 minute in progress, got %+v", in)
	}

	if err := p.aggregator.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	w = p.do(t, http.MethodGet, "/v1/sections/status?start=2024-03-09T08:00:00Z&end=2024-03-09T09:00:00Z", nil)
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode status response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Expected both hours after flush, got %d", resp.Count)
	}
}
