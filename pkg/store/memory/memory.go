package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/partition"
	"github.com/nicktill/tinyflow/pkg/store"
)

// Store keeps partitions in memory. Data is lost on restart.
// Useful for testing and development.
type Store struct {
	status *StatusTable
	lanes  *LaneTable
}

// New creates an in-memory store whose queries scan partitions of scheme.
func New(scheme partition.Scheme) *Store {
	return &Store{
		status: &StatusTable{table: newTable[flow.SectionStatus](store.FamilySectionStatus), scheme: scheme},
		lanes:  &LaneTable{table: newTable[flow.LaneFlow](store.FamilyLaneFlow)},
	}
}

func (s *Store) SectionStatus() store.SectionStatusTable {
	return s.status
}

func (s *Store) LaneFlows() store.LaneFlowTable {
	return s.lanes
}

func (s *Store) Close() error {
	return nil
}

// LaneTables exposes the concrete lane table for inspection.
func (s *Store) LaneTables() *LaneTable { return s.lanes }

type table[T any] struct {
	family string
	active store.ActivePartition

	mu    sync.RWMutex
	parts map[string][]T
}

func newTable[T any](family string) *table[T] {
	return &table[T]{family: family, parts: make(map[string][]T)}
}

func (t *table[T]) Family() string { return t.family }

// ChangePartition creates the partition if needed and makes it active.
func (t *table[T]) ChangePartition(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if _, ok := t.parts[id]; !ok {
		t.parts[id] = []T{}
	}
	t.mu.Unlock()
	t.active.Set(id)
	return nil
}

func (t *table[T]) insert(ctx context.Context, records []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := t.active.Get()
	if err != nil {
		return fmt.Errorf("%s: %w", t.family, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parts[id] = append(t.parts[id], records...)
	return nil
}

// Partitions lists partition ids in order.
func (t *table[T]) Partitions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.parts))
	for id := range t.parts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Records returns a copy of one partition.
func (t *table[T]) Records(id string) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, len(t.parts[id]))
	copy(out, t.parts[id])
	return out
}

// StatusTable is the in-memory section status family.
type StatusTable struct {
	*table[flow.SectionStatus]
	scheme partition.Scheme
}

func (t *StatusTable) InsertSectionStatus(ctx context.Context, records []flow.SectionStatus) error {
	return t.insert(ctx, records)
}

func (t *StatusTable) QuerySectionStatus(ctx context.Context, q store.StatusQuery) ([]flow.SectionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	var results []flow.SectionStatus
	for _, id := range t.scheme.Span(q.Start, q.End) {
		for _, rec := range t.parts[id] {
			if q.Match(rec) {
				results = append(results, rec)
			}
		}
	}
	t.mu.RUnlock()
	return q.Page(results), nil
}

// LaneTable is the in-memory lane flow family.
type LaneTable struct {
	*table[flow.LaneFlow]
}

func (t *LaneTable) InsertLaneFlows(ctx context.Context, records []flow.LaneFlow) error {
	return t.insert(ctx, records)
}
