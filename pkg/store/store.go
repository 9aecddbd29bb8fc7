// Package store defines the durable, time-partitioned record tables.
//
// Each record family writes into the partition most recently activated by
// ChangePartition. Implementations resolve the active partition once per
// insert, so an insert that started before a rotation completes against the
// old partition.
//
// Implementations: memory (testing), postgres, clickhouse.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyflow/pkg/flow"
)

// Record family names. A partition table is named <family>_<partition id>.
const (
	FamilySectionStatus = "section_status"
	FamilyLaneFlow      = "lane_flow"
)

// ErrNoPartition is returned by inserts before any partition was activated.
var ErrNoPartition = errors.New("no active partition")

// SectionStatusTable stores hourly status histograms.
type SectionStatusTable interface {
	InsertSectionStatus(ctx context.Context, records []flow.SectionStatus) error
	QuerySectionStatus(ctx context.Context, q StatusQuery) ([]flow.SectionStatus, error)
	Family() string
	ChangePartition(ctx context.Context, id string) error
}

// LaneFlowTable stores raw lane records as they are ingested.
type LaneFlowTable interface {
	InsertLaneFlows(ctx context.Context, records []flow.LaneFlow) error
	Family() string
	ChangePartition(ctx context.Context, id string) error
}

// Store bundles the tables of one backend.
type Store interface {
	SectionStatus() SectionStatusTable
	LaneFlows() LaneFlowTable
	Close() error
}

// StatusQuery selects histograms by hour.
type StatusQuery struct {
	// Optional; empty matches every section.
	SectionID string

	// Inclusive on both ends.
	Start time.Time
	End   time.Time

	// Limit number of results (0 = no limit)
	Limit  int
	Offset int
}

// Match reports whether a record falls inside the query.
func (q StatusQuery) Match(s flow.SectionStatus) bool {
	if q.SectionID != "" && s.SectionID != q.SectionID {
		return false
	}
	return !s.Hour.Before(q.Start) && !s.Hour.After(q.End)
}

// Page orders records by hour, then section, and applies offset and limit.
func (q StatusQuery) Page(records []flow.SectionStatus) []flow.SectionStatus {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Hour.Equal(records[j].Hour) {
			return records[i].Hour.Before(records[j].Hour)
		}
		return records[i].SectionID < records[j].SectionID
	})
	if q.Offset > 0 {
		if q.Offset >= len(records) {
			return []flow.SectionStatus{}
		}
		records = records[q.Offset:]
	}
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records
}

// TableName returns the table backing one partition of a family.
func TableName(family, id string) string {
	return family + "_" + id
}

// ActivePartition is the partition id a family currently writes to.
type ActivePartition struct {
	mu sync.RWMutex
	id string
}

// Get returns the active id, or ErrNoPartition.
func (a *ActivePartition) Get() (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.id == "" {
		return "", ErrNoPartition
	}
	return a.id, nil
}

// Set swaps the active id.
func (a *ActivePartition) Set(id string) {
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
}
