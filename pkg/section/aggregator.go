// Package section rolls lane minute aggregates up into per-section
// snapshots, hourly and daily accumulators, and hourly status histograms.
package section

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyflow/pkg/cache"
	"github.com/nicktill/tinyflow/pkg/flow"
)

// Topology supplies the static road network.
type Topology interface {
	Sections() []flow.Section
	LanesOfSection(id string) []flow.Lane
}

// HistogramSink durably stores flushed hourly histograms.
type HistogramSink interface {
	InsertSectionStatus(ctx context.Context, records []flow.SectionStatus) error
}

// Options tunes an Aggregator.
type Options struct {
	// FlushLag is how far behind the tick the ingestion buffer lands lane
	// minutes in the cache.
	FlushLag time.Duration
	// Workers bounds how many sections are processed concurrently (min 1).
	Workers int
}

// Aggregator is the per-tick section rollup job. Only one Handle call may
// run at a time; the scheduler guarantees this.
type Aggregator struct {
	cache *cache.FlowCache
	topo  Topology
	sink  HistogramSink
	opts  Options

	mu         sync.Mutex
	hour       time.Time
	histograms map[string]*flow.SectionStatus
}

// New creates an Aggregator.
func New(c *cache.FlowCache, topo Topology, sink HistogramSink, opts Options) *Aggregator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Aggregator{
		cache:      c,
		topo:       topo,
		sink:       sink,
		opts:       opts,
		histograms: make(map[string]*flow.SectionStatus),
	}
}

// Name identifies the job.
func (a *Aggregator) Name() string {
	return "section-aggregator"
}

// NominalTime returns the minute a tick at current processes: the tick
// pulled back by the flush lag and truncated to the minute.
func NominalTime(current time.Time, flushLag time.Duration) time.Time {
	return current.Add(-flushLag).Truncate(time.Minute)
}

// Handle processes the minute belonging to current. Failures of single
// sections are logged; they never fail the tick.
func (a *Aggregator) Handle(ctx context.Context, last, current, next time.Time) error {
	t := NominalTime(current, a.opts.FlushLag)
	log := logrus.WithField("tick", t.Format(time.RFC3339))

	a.rollHour(ctx, t)

	var g errgroup.Group
	g.SetLimit(a.opts.Workers)

	var processed, skipped int
	var countMu sync.Mutex
	for _, sec := range a.topo.Sections() {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok := a.processSection(ctx, sec, t)
			countMu.Lock()
			if ok {
				processed++
			} else {
				skipped++
			}
			countMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.WithFields(logrus.Fields{
		"processed": processed,
		"skipped":   skipped,
	}).Debug("Section aggregation complete")
	return ctx.Err()
}

// rollHour flushes the previous hour's histograms when t starts a new hour.
func (a *Aggregator) rollHour(ctx context.Context, t time.Time) {
	hour := hourStart(t, a.cache.Location())

	a.mu.Lock()
	if a.hour.IsZero() {
		a.hour = hour
	}
	if a.hour.Equal(hour) {
		a.mu.Unlock()
		return
	}
	batch := a.drainLocked()
	prev := a.hour
	a.hour = hour
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	log := logrus.WithFields(logrus.Fields{
		"hour":     prev.Format(time.RFC3339),
		"sections": len(batch),
	})
	if err := a.sink.InsertSectionStatus(ctx, batch); err != nil {
		// Histograms are advisory; the batch is dropped.
		log.WithError(err).Error("Failed to flush section status histograms")
		return
	}
	log.Info("Flushed section status histograms")
}

// Flush writes the in-progress hour's histograms without waiting for the
// hour to end, and starts the hour afresh. Used on shutdown.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.drainLocked()
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := a.sink.InsertSectionStatus(ctx, batch); err != nil {
		return fmt.Errorf("failed to flush %d histograms: %w", len(batch), err)
	}
	return nil
}

func (a *Aggregator) drainLocked() []flow.SectionStatus {
	batch := make([]flow.SectionStatus, 0, len(a.histograms))
	for _, h := range a.histograms {
		batch = append(batch, *h)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].SectionID < batch[j].SectionID })
	a.histograms = make(map[string]*flow.SectionStatus)
	return batch
}

// processSection returns false when the section had no reporting lanes.
func (a *Aggregator) processSection(ctx context.Context, sec flow.Section, t time.Time) bool {
	log := logrus.WithFields(logrus.Fields{
		"section": sec.ID,
		"tick":    t.Format(time.RFC3339),
	})

	lanes := a.topo.LanesOfSection(sec.ID)
	reported := make([]flow.LaneFlow, 0, len(lanes))
	for _, lane := range lanes {
		lf, found, err := a.cache.LaneMinute(ctx, lane.ID, t)
		if err != nil {
			log.WithError(err).WithField("lane", lane.ID).Warn("Lane minute unavailable")
			continue
		}
		if found {
			reported = append(reported, lf)
		}
	}

	snap, ok := flow.CombineLanes(sec, t, reported)
	if !ok {
		log.Debug("No lanes reported; skipping section")
		return false
	}

	if err := a.cache.SetSectionLast(ctx, snap); err != nil {
		log.WithError(err).Error("Failed to store section snapshot")
	}
	if err := a.cache.MergeSectionHour(ctx, snap); err != nil {
		log.WithError(err).Error("Failed to merge section hour bucket")
	}

	day := dayStart(t, a.cache.Location())
	_, err := a.cache.UpdateSectionDay(ctx, sec.ID, t, func(acc *flow.SectionFlow, found bool) {
		if !found {
			*acc = flow.NewDayAccumulator(sec, day)
		}
		acc.Observe(snap)
	})
	if err != nil {
		log.WithError(err).Error("Failed to update section day accumulator")
	}

	a.mu.Lock()
	h, exists := a.histograms[sec.ID]
	if !exists {
		h = &flow.SectionStatus{SectionID: sec.ID, Hour: hourStart(t, a.cache.Location())}
		a.histograms[sec.ID] = h
	}
	h.Increment(snap.TrafficStatus)
	a.mu.Unlock()

	return true
}

// Histograms returns a copy of the in-progress hour's histograms ordered by
// section id.
func (a *Aggregator) Histograms() []flow.SectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]flow.SectionStatus, 0, len(a.histograms))
	for _, h := range a.histograms {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out
}

func hourStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
