package schedule

import (
	"sort"
	"sync"
	"time"
)

const (
	// A job is stale when it has not succeeded for this many grids.
	staleGrids = 3
	// maxConsecutiveErrors is the most failures in a row a healthy job may have.
	maxConsecutiveErrors = 3
)

type jobState struct {
	grid              time.Duration
	registered        time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	skipped           int
}

// Monitor tracks job health and failures. It doubles as the liveness
// signal of the process.
type Monitor struct {
	now func() time.Time

	mu   sync.RWMutex
	jobs map[string]*jobState
}

// NewMonitor creates a Monitor. now defaults to time.Now.
func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{now: now, jobs: make(map[string]*jobState)}
}

// Register starts tracking a job.
func (m *Monitor) Register(name string, grid time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[name] = &jobState{grid: grid, registered: m.now()}
}

func (m *Monitor) state(name string) *jobState {
	st, ok := m.jobs[name]
	if !ok {
		st = &jobState{registered: m.now()}
		m.jobs[name] = st
	}
	return st
}

// RecordSuccess records a successful run.
func (m *Monitor) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(name)
	st.lastSuccess = m.now()
	st.lastAttempt = st.lastSuccess
	st.consecutiveErrors = 0
	st.lastError = ""
}

// RecordFailure records a failed run.
func (m *Monitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(name)
	st.lastAttempt = m.now()
	st.consecutiveErrors++
	if err != nil {
		st.lastError = err.Error()
	}
}

// RecordSkipped counts ticks dropped because a run overran.
func (m *Monitor) RecordSkipped(name string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(name).skipped += n
}

// healthy must be called with mu held.
// Unhealthy conditions:
//   - No success within staleGrids grids (of registration, before the first success)
//   - More than maxConsecutiveErrors consecutive failures
func (st *jobState) healthy(now time.Time) bool {
	ref := st.lastSuccess
	if ref.IsZero() {
		ref = st.registered
	}
	if st.grid > 0 && now.Sub(ref) > staleGrids*st.grid {
		return false
	}
	return st.consecutiveErrors <= maxConsecutiveErrors
}

// Healthy reports whether every job is healthy.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, st := range m.jobs {
		if !st.healthy(now) {
			return false
		}
	}
	return true
}

// JobStatus is the health of one job.
type JobStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Grid              string `json:"grid"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	SkippedTicks      int    `json:"skipped_ticks,omitempty"`
}

// Status returns every job's health ordered by name.
func (m *Monitor) Status() []JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]JobStatus, 0, len(m.jobs))
	for name, st := range m.jobs {
		status := JobStatus{
			Name:         name,
			Healthy:      st.healthy(now),
			Grid:         st.grid.String(),
			SkippedTicks: st.skipped,
		}
		if !st.lastSuccess.IsZero() {
			status.LastSuccess = st.lastSuccess.Format(time.RFC3339)
			status.TimeSinceSuccess = now.Sub(st.lastSuccess).String()
		}
		if !st.lastAttempt.IsZero() {
			status.LastAttempt = st.lastAttempt.Format(time.RFC3339)
		}
		if st.consecutiveErrors > 0 {
			status.ConsecutiveErrors = st.consecutiveErrors
			status.LastError = st.lastError
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
