// Package clickhouse stores partitioned record families in ClickHouse, one
// MergeTree table per family and partition.
package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/partition"
	"github.com/nicktill/tinyflow/pkg/store"
)

const createSectionStatusStatement = `
CREATE TABLE IF NOT EXISTS %s (
    SectionID          String,
    Hour               DateTime,
    Good               Int64,
    Normal             Int64,
    MinorCongestion    Int64,
    ModerateCongestion Int64,
    SevereCongestion   Int64
) ENGINE = MergeTree()
ORDER BY (SectionID, Hour);
`

const createLaneFlowStatement = `
CREATE TABLE IF NOT EXISTS %s (
    LaneID        String,
    Time          DateTime,
    Car           Int64,
    Bus           Int64,
    Truck         Int64,
    Van           Int64,
    Tricycle      Int64,
    Motorcycle    Int64,
    Bike          Int64,
    Person        Int64,
    Occupancy     Float64,
    TimeOccupancy Float64,
    HeadDistance  Float64,
    Distance      Float64,
    TravelTime    Float64,
    SampleCount   Int64
) ENGINE = MergeTree()
ORDER BY (LaneID, Time);
`

// Config holds connection details.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// Store is a ClickHouse-backed store.
type Store struct {
	conn   driver.Conn
	status *StatusTable
	lanes  *LaneTable
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config, scheme partition.Scheme) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	logrus.WithField("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Info("Connected to ClickHouse")

	return &Store{
		conn:   conn,
		status: &StatusTable{conn: conn, scheme: scheme},
		lanes:  &LaneTable{conn: conn},
	}, nil
}

func (s *Store) SectionStatus() store.SectionStatusTable {
	return s.status
}

func (s *Store) LaneFlows() store.LaneFlowTable {
	return s.lanes
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// StatusTable is the section status family.
type StatusTable struct {
	conn   driver.Conn
	scheme partition.Scheme
	active store.ActivePartition
}

func (t *StatusTable) Family() string { return store.FamilySectionStatus }

func (t *StatusTable) ChangePartition(ctx context.Context, id string) error {
	table := store.TableName(t.Family(), id)
	if err := t.conn.Exec(ctx, fmt.Sprintf(createSectionStatusStatement, table)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}
	t.active.Set(id)
	return nil
}

func (t *StatusTable) InsertSectionStatus(ctx context.Context, records []flow.SectionStatus) error {
	id, err := t.active.Get()
	if err != nil {
		return fmt.Errorf("%s: %w", t.Family(), err)
	}
	if len(records) == 0 {
		return nil
	}

	batch, err := t.conn.PrepareBatch(ctx, "INSERT INTO "+store.TableName(t.Family(), id))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(r.SectionID, r.Hour, r.Good, r.Normal, r.MinorCongestion, r.ModerateCongestion, r.SevereCongestion); err != nil {
			return fmt.Errorf("failed to append section status to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (t *StatusTable) QuerySectionStatus(ctx context.Context, q store.StatusQuery) ([]flow.SectionStatus, error) {
	tables, err := existingTables(t.Family(), t.scheme.Span(q.Start, q.End), func(table string) (bool, error) {
		var exists uint8
		if err := t.conn.QueryRow(ctx, "EXISTS TABLE "+table).Scan(&exists); err != nil {
			return false, err
		}
		return exists == 1, nil
	})
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return []flow.SectionStatus{}, nil
	}

	query, args := statusQuery(tables, q)
	rows, err := t.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query section status: %w", err)
	}
	defer rows.Close()

	results := []flow.SectionStatus{}
	for rows.Next() {
		var s flow.SectionStatus
		if err := rows.Scan(&s.SectionID, &s.Hour, &s.Good, &s.Normal, &s.MinorCongestion, &s.ModerateCongestion, &s.SevereCongestion); err != nil {
			return nil, fmt.Errorf("failed to scan section status row: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// existingTables maps partition ids to table names and keeps those exists
// reports, in order.
func existingTables(family string, ids []string, exists func(table string) (bool, error)) ([]string, error) {
	var tables []string
	for _, id := range ids {
		table := store.TableName(family, id)
		ok, err := exists(table)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", table, err)
		}
		if ok {
			tables = append(tables, table)
		}
	}
	return tables, nil
}

// statusQuery unions one SELECT per partition table. Each SELECT binds its
// own range and section arguments; the page applies to the ordered union.
func statusQuery(tables []string, q store.StatusQuery) (string, []any) {
	where := "Hour >= ? AND Hour <= ?"
	if q.SectionID != "" {
		where += " AND SectionID = ?"
	}

	var b strings.Builder
	var args []any
	for i, table := range tables {
		if i > 0 {
			b.WriteString(" UNION ALL ")
		}
		fmt.Fprintf(&b,
			"SELECT SectionID, Hour, Good, Normal, MinorCongestion, ModerateCongestion, SevereCongestion FROM %s WHERE %s",
			table, where)
		args = append(args, q.Start, q.End)
		if q.SectionID != "" {
			args = append(args, q.SectionID)
		}
	}
	query := "SELECT * FROM (" + b.String() + ") ORDER BY Hour, SectionID"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	return query, args
}

// LaneTable is the lane flow family.
type LaneTable struct {
	conn   driver.Conn
	active store.ActivePartition
}

func (t *LaneTable) Family() string { return store.FamilyLaneFlow }

func (t *LaneTable) ChangePartition(ctx context.Context, id string) error {
	table := store.TableName(t.Family(), id)
	if err := t.conn.Exec(ctx, fmt.Sprintf(createLaneFlowStatement, table)); err != nil {
		return fmt.Errorf("failed to create %s table: %w", table, err)
	}
	t.active.Set(id)
	return nil
}

func (t *LaneTable) InsertLaneFlows(ctx context.Context, records []flow.LaneFlow) error {
	id, err := t.active.Get()
	if err != nil {
		return fmt.Errorf("%s: %w", t.Family(), err)
	}
	if len(records) == 0 {
		return nil
	}

	batch, err := t.conn.PrepareBatch(ctx, "INSERT INTO "+store.TableName(t.Family(), id))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range records {
		err := batch.Append(
			r.LaneID, r.Time,
			r.Car, r.Bus, r.Truck, r.Van, r.Tricycle, r.Motorcycle, r.Bike, r.Person,
			r.Occupancy, r.TimeOccupancy, r.HeadDistance, r.Distance, r.TravelTime, r.SampleCount,
		)
		if err != nil {
			return fmt.Errorf("failed to append lane flow to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
