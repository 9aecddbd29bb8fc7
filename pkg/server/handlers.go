package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyflow/pkg/cache"
	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/httpx"
	"github.com/nicktill/tinyflow/pkg/ingest"
	"github.com/nicktill/tinyflow/pkg/schedule"
	"github.com/nicktill/tinyflow/pkg/store"
)

var startTime = time.Now()

// SectionLookup resolves sections against the topology.
type SectionLookup interface {
	Section(id string) (flow.Section, bool)
}

// CityReader serves the most recent city-wide status.
type CityReader interface {
	Latest() flow.CityStatus
}

// HistogramReader serves the in-progress hour's section histograms.
type HistogramReader interface {
	Histograms() []flow.SectionStatus
}

// API holds everything the read handlers need.
type API struct {
	Cache      *cache.FlowCache
	Topology   SectionLookup
	City       CityReader
	Histograms HistogramReader
	Status     store.SectionStatusTable
	Monitor    *schedule.Monitor

	// Now defaults to time.Now.
	Now func() time.Time
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Jobs    []schedule.JobStatus `json:"jobs"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !a.Monitor.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, HealthResponse{
		Status:  status,
		Version: "1.0.0",
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Jobs:    a.Monitor.Status(),
	})
}

func (a *API) handleCity(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, a.City.Latest())
}

// section resolves the {id} route variable, answering 404 itself when the
// section is not part of the topology.
func (a *API) section(w http.ResponseWriter, r *http.Request) (flow.Section, bool) {
	id := mux.Vars(r)["id"]
	sec, ok := a.Topology.Section(id)
	if !ok {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown section %q", id))
	}
	return sec, ok
}

func (a *API) handleSectionLatest(w http.ResponseWriter, r *http.Request) {
	sec, ok := a.section(w, r)
	if !ok {
		return
	}
	sf, found, err := a.Cache.SectionLast(r.Context(), sec.ID)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		// No recent snapshot: an empty one for the known section.
		sf = flow.SectionFlow{SectionID: sec.ID, Class: sec.Class, Length: sec.Length, FreeSpeed: sec.FreeSpeed}
	}
	httpx.RespondJSON(w, http.StatusOK, sf)
}

func (a *API) handleSectionDay(w http.ResponseWriter, r *http.Request) {
	sec, ok := a.section(w, r)
	if !ok {
		return
	}
	loc := a.Cache.Location()
	day := a.now().In(loc)
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid 'date' parameter: expected YYYY-MM-DD")
			return
		}
		day = parsed
	}

	sf, found, err := a.Cache.SectionDay(r.Context(), sec.ID, day)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		sf = flow.NewDayAccumulator(sec, time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc))
	}
	httpx.RespondJSON(w, http.StatusOK, sf)
}

// StatusResponse is a page of stored hourly histograms.
type StatusResponse struct {
	Records []flow.SectionStatus `json:"records"`
	Count   int                  `json:"count"`
	Start   time.Time            `json:"start"`
	End     time.Time            `json:"end"`
}

func (a *API) handleSectionStatus(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseStatusQuery(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ReadAPITimeout)
	defer cancel()

	records, err := a.Status.QuerySectionStatus(ctx, q)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []flow.SectionStatus{}
	}
	httpx.RespondJSON(w, http.StatusOK, StatusResponse{
		Records: records,
		Count:   len(records),
		Start:   q.Start,
		End:     q.End,
	})
}

// parseStatusQuery reads section, start, end, limit and offset. The range
// defaults to the last 24 hours.
func (a *API) parseStatusQuery(r *http.Request) (store.StatusQuery, error) {
	values := r.URL.Query()
	q := store.StatusQuery{
		SectionID: values.Get("section"),
		End:       a.now(),
		Limit:     config.DefaultStatusPageLen,
	}

	if v := values.Get("end"); v != "" {
		end, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, httpx.BadRequest("invalid 'end' parameter: %w", err)
		}
		q.End = end
	}
	q.Start = q.End.Add(-24 * time.Hour)
	if v := values.Get("start"); v != "" {
		start, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, httpx.BadRequest("invalid 'start' parameter: %w", err)
		}
		q.Start = start
	}
	if q.Start.After(q.End) {
		return q, httpx.BadRequest("'start' must not be after 'end'")
	}

	if v := values.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return q, httpx.BadRequest("invalid 'limit' parameter: must be a positive integer")
		}
		q.Limit = min(limit, config.DefaultStatusPageLen)
	}
	if v := values.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return q, httpx.BadRequest("invalid 'offset' parameter: must be a non-negative integer")
		}
		q.Offset = offset
	}
	if q.SectionID != "" {
		if _, ok := a.Topology.Section(q.SectionID); !ok {
			return q, httpx.BadRequest("unknown section %q", q.SectionID)
		}
	}
	return q, nil
}

func (a *API) handleHistograms(w http.ResponseWriter, r *http.Request) {
	histograms := a.Histograms.Histograms()
	if id := r.URL.Query().Get("section"); id != "" {
		histograms = slices.DeleteFunc(histograms, func(s flow.SectionStatus) bool {
			return s.SectionID != id
		})
	}
	if histograms == nil {
		histograms = []flow.SectionStatus{}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"histograms": histograms,
		"count":      len(histograms),
	})
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, api *API, ingestHandler *ingest.Handler, hub *Hub, port string) {
	router.Use(corsMiddleware(port))

	v1 := router.PathPrefix("/v1").Subrouter()

	// HandleIngest answers non-POST methods with 405.
	v1.HandleFunc("/lanes/flows", ingestHandler.HandleIngest)

	v1.HandleFunc("/city", api.handleCity).Methods("GET")
	v1.HandleFunc("/sections/status", api.handleSectionStatus).Methods("GET")
	v1.HandleFunc("/sections/histograms", api.handleHistograms).Methods("GET")
	v1.HandleFunc("/sections/{id}/latest", api.handleSectionLatest).Methods("GET")
	v1.HandleFunc("/sections/{id}/day", api.handleSectionDay).Methods("GET")
	v1.HandleFunc("/health", api.handleHealth).Methods("GET")

	v1.HandleFunc("/ws", hub.HandleWebSocket).Methods("GET")
}

// corsMiddleware allows browser dashboards served from localhost.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowed := []string{
		"http://localhost:" + port,
		"http://127.0.0.1:" + port,
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); slices.Contains(allowed, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
