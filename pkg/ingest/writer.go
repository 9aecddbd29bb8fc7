// Package ingest accepts lane flow records from the collection pipeline
// over HTTP and NATS and lands them in the flow cache and the lane flow
// table.
package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/cache"
	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/store"
)

// LaneLookup resolves lanes against the topology.
type LaneLookup interface {
	Lane(id string) (flow.Lane, bool)
}

// Result counts what a Write did with its records.
type Result struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Writer merges lane records into their minute, hour and day buckets and
// appends them to the durable lane flow table.
type Writer struct {
	cache *cache.FlowCache
	lanes LaneLookup
	table store.LaneFlowTable
}

// NewWriter creates a Writer. table may be nil to skip durable writes.
func NewWriter(c *cache.FlowCache, lanes LaneLookup, table store.LaneFlowTable) *Writer {
	return &Writer{cache: c, lanes: lanes, table: table}
}

// Write lands flows. Records for unknown lanes are skipped with a warning.
// An error is returned only when cache merges failed; durable-table
// failures are logged.
func (w *Writer) Write(ctx context.Context, flows []flow.LaneFlow) (Result, error) {
	var res Result
	var firstErr error
	accepted := make([]flow.LaneFlow, 0, len(flows))

	for _, lf := range flows {
		if _, ok := w.lanes.Lane(lf.LaneID); !ok {
			logrus.WithField("lane", lf.LaneID).Warn("Skipping flow for unknown lane")
			res.Skipped++
			continue
		}
		if err := w.cache.MergeLane(ctx, lf); err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted = append(accepted, lf)
	}
	res.Accepted = len(accepted)

	if w.table != nil && len(accepted) > 0 {
		if err := w.table.InsertLaneFlows(ctx, accepted); err != nil {
			logrus.WithError(err).WithField("count", len(accepted)).Error("Failed to store lane flows")
		}
	}

	if firstErr != nil {
		return res, fmt.Errorf("failed to merge %d of %d lane flows: %w", res.Failed, len(flows), firstErr)
	}
	return res, nil
}
