// Package postgres stores partitioned record families in PostgreSQL, one
// table per family and partition.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/partition"
	"github.com/nicktill/tinyflow/pkg/store"
)

const createSectionStatusStatement = `
CREATE TABLE IF NOT EXISTS %s (
	section_id          TEXT        NOT NULL,
	hour                TIMESTAMPTZ NOT NULL,
	good                BIGINT      NOT NULL,
	normal              BIGINT      NOT NULL,
	minor_congestion    BIGINT      NOT NULL,
	moderate_congestion BIGINT      NOT NULL,
	severe_congestion   BIGINT      NOT NULL
)`

const createLaneFlowStatement = `
CREATE TABLE IF NOT EXISTS %s (
	lane_id        TEXT        NOT NULL,
	time           TIMESTAMPTZ NOT NULL,
	car            BIGINT      NOT NULL,
	bus            BIGINT      NOT NULL,
	truck          BIGINT      NOT NULL,
	van            BIGINT      NOT NULL,
	tricycle       BIGINT      NOT NULL,
	motorcycle     BIGINT      NOT NULL,
	bike           BIGINT      NOT NULL,
	person         BIGINT      NOT NULL,
	occupancy      DOUBLE PRECISION NOT NULL,
	time_occupancy DOUBLE PRECISION NOT NULL,
	head_distance  DOUBLE PRECISION NOT NULL,
	distance       DOUBLE PRECISION NOT NULL,
	travel_time    DOUBLE PRECISION NOT NULL,
	sample_count   BIGINT      NOT NULL
)`

var sectionStatusColumns = []string{
	"section_id", "hour", "good", "normal", "minor_congestion", "moderate_congestion", "severe_congestion",
}

var laneFlowColumns = []string{
	"lane_id", "time", "car", "bus", "truck", "van", "tricycle", "motorcycle", "bike", "person",
	"occupancy", "time_occupancy", "head_distance", "distance", "travel_time", "sample_count",
}

// Store is a pgx-backed store.
type Store struct {
	pool   *pgxpool.Pool
	status *StatusTable
	lanes  *LaneTable
}

// New connects to dsn. Queries scan partitions of scheme.
func New(ctx context.Context, dsn string, scheme partition.Scheme) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to ping: %w", err)
	}
	return &Store{
		pool:   pool,
		status: &StatusTable{pool: pool, scheme: scheme},
		lanes:  &LaneTable{pool: pool},
	}, nil
}

func (s *Store) SectionStatus() store.SectionStatusTable {
	return s.status
}

func (s *Store) LaneFlows() store.LaneFlowTable {
	return s.lanes
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func createPartition(ctx context.Context, pool *pgxpool.Pool, statement, family, id string) error {
	table := pgx.Identifier{store.TableName(family, id)}.Sanitize()
	if _, err := pool.Exec(ctx, fmt.Sprintf(statement, table)); err != nil {
		return fmt.Errorf("postgres: failed to create %s: %w", table, err)
	}
	return nil
}

// StatusTable is the section status family.
type StatusTable struct {
	pool   *pgxpool.Pool
	scheme partition.Scheme
	active store.ActivePartition
}

func (t *StatusTable) Family() string { return store.FamilySectionStatus }

func (t *StatusTable) ChangePartition(ctx context.Context, id string) error {
	if err := createPartition(ctx, t.pool, createSectionStatusStatement, t.Family(), id); err != nil {
		return err
	}
	t.active.Set(id)
	return nil
}

func (t *StatusTable) InsertSectionStatus(ctx context.Context, records []flow.SectionStatus) error {
	id, err := t.active.Get()
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", t.Family(), err)
	}
	if len(records) == 0 {
		return nil
	}

	_, err = t.pool.CopyFrom(ctx,
		pgx.Identifier{store.TableName(t.Family(), id)},
		sectionStatusColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{r.SectionID, r.Hour, r.Good, r.Normal, r.MinorCongestion, r.ModerateCongestion, r.SevereCongestion}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to copy section status: %w", err)
	}
	return nil
}

func (t *StatusTable) QuerySectionStatus(ctx context.Context, q store.StatusQuery) ([]flow.SectionStatus, error) {
	tables, err := t.existing(ctx, t.scheme.Span(q.Start, q.End))
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return []flow.SectionStatus{}, nil
	}

	query, args := statusQuery(tables, q)
	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query section status: %w", err)
	}
	defer rows.Close()

	results := []flow.SectionStatus{}
	for rows.Next() {
		var s flow.SectionStatus
		if err := rows.Scan(&s.SectionID, &s.Hour, &s.Good, &s.Normal, &s.MinorCongestion, &s.ModerateCongestion, &s.SevereCongestion); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan section status row: %w", err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read section status rows: %w", err)
	}
	return results, nil
}

// statusQuery builds one SELECT per partition table joined with UNION ALL,
// ordered by hour then section, with the page applied to the union.
func statusQuery(tables []string, q store.StatusQuery) (string, []any) {
	args := []any{q.Start, q.End}
	where := "hour BETWEEN $1 AND $2"
	if q.SectionID != "" {
		args = append(args, q.SectionID)
		where += " AND section_id = $3"
	}

	selects := make([]string, len(tables))
	for i, table := range tables {
		selects[i] = fmt.Sprintf("SELECT %s FROM %s WHERE %s",
			strings.Join(sectionStatusColumns, ", "), pgx.Identifier{table}.Sanitize(), where)
	}
	query := strings.Join(selects, " UNION ALL ") + " ORDER BY hour, section_id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	return query, args
}

// existing filters partition ids down to the tables that were created.
func (t *StatusTable) existing(ctx context.Context, ids []string) ([]string, error) {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = store.TableName(t.Family(), id)
	}

	rows, err := t.pool.Query(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ANY($1)",
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list %s partitions: %w", t.Family(), err)
	}
	present, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read %s partitions: %w", t.Family(), err)
	}
	return keepPresent(names, present), nil
}

// keepPresent returns the names found in present, in the order of names.
func keepPresent(names, present []string) []string {
	found := make(map[string]bool, len(present))
	for _, p := range present {
		found[p] = true
	}
	var out []string
	for _, name := range names {
		if found[name] {
			out = append(out, name)
		}
	}
	return out
}

// LaneTable is the lane flow family.
type LaneTable struct {
	pool   *pgxpool.Pool
	active store.ActivePartition
}

func (t *LaneTable) Family() string { return store.FamilyLaneFlow }

func (t *LaneTable) ChangePartition(ctx context.Context, id string) error {
	if err := createPartition(ctx, t.pool, createLaneFlowStatement, t.Family(), id); err != nil {
		return err
	}
	t.active.Set(id)
	return nil
}

func (t *LaneTable) InsertLaneFlows(ctx context.Context, records []flow.LaneFlow) error {
	id, err := t.active.Get()
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", t.Family(), err)
	}
	if len(records) == 0 {
		return nil
	}

	_, err = t.pool.CopyFrom(ctx,
		pgx.Identifier{store.TableName(t.Family(), id)},
		laneFlowColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.LaneID, r.Time,
				r.Car, r.Bus, r.Truck, r.Van, r.Tricycle, r.Motorcycle, r.Bike, r.Person,
				r.Occupancy, r.TimeOccupancy, r.HeadDistance, r.Distance, r.TravelTime, r.SampleCount,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to copy lane flows: %w", err)
	}
	return nil
}
