// Package city blends per-section state into the network-wide CityStatus:
// status distribution, hourly congestion index, daily totals and rankings.
package city

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/cache"
	"github.com/nicktill/tinyflow/pkg/flow"
	"github.com/nicktill/tinyflow/pkg/section"
)

// Topology supplies the static road network.
type Topology interface {
	Sections() []flow.Section
	LanesOfSection(id string) []flow.Lane
}

// Publisher receives every freshly computed CityStatus.
type Publisher interface {
	Publish(status flow.CityStatus)
}

// Options tunes an Engine.
type Options struct {
	// FlushLag must match the section aggregator's so both work on the
	// same minute.
	FlushLag time.Duration
	// TopN bounds the congestion-duration ranking.
	TopN int
}

// Engine computes the CityStatus once per tick. It only reads the flow
// cache; the result lives in a single in-memory slot.
type Engine struct {
	cache     *cache.FlowCache
	topo      Topology
	opts      Options
	publisher Publisher

	// Hour start -> index, for completed hours of the current day.
	memo    map[time.Time]float64
	memoDay time.Time

	mu     sync.RWMutex
	latest *flow.CityStatus
}

// New creates an Engine. publisher may be nil.
func New(c *cache.FlowCache, topo Topology, publisher Publisher, opts Options) *Engine {
	return &Engine{
		cache:     c,
		topo:      topo,
		opts:      opts,
		publisher: publisher,
		memo:      make(map[time.Time]float64),
	}
}

// Name identifies the job.
func (e *Engine) Name() string {
	return "city-index"
}

// Latest returns the most recent CityStatus, or an empty one before the
// first tick completed.
func (e *Engine) Latest() flow.CityStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return flow.EmptyCityStatus()
	}
	return *e.latest
}

// Handle computes and publishes the CityStatus for the tick at current.
func (e *Engine) Handle(ctx context.Context, last, current, next time.Time) error {
	t := section.NominalTime(current, e.opts.FlushLag)
	sections := e.topo.Sections()

	status := flow.CityStatus{Time: t}
	status.Levels = e.levels(ctx, sections)
	status.HourlyIndex = e.hourlyIndex(ctx, sections, t)

	days := e.days(ctx, sections, t)
	status.TotalFlow = e.totalFlow(ctx, sections, t)
	status.AverageSpeed = networkSpeed(days)
	status.TopCongested = e.topCongested(days)
	status.Congested = e.congested(ctx, days)

	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.latest = &status
	e.mu.Unlock()

	if e.publisher != nil {
		e.publisher.Publish(status)
	}
	logrus.WithFields(logrus.Fields{
		"tick":          t.Format(time.RFC3339),
		"total_flow":    status.TotalFlow,
		"average_speed": status.AverageSpeed,
		"congested":     len(status.Congested),
	}).Debug("City status computed")
	return nil
}

type accumulator struct {
	vkt, fls, ttp float64
	samples       int64
	count         int
}

// levels summarises the sections holding each status right now.
func (e *Engine) levels(ctx context.Context, sections []flow.Section) []flow.LevelStatus {
	perLevel := make([]accumulator, len(flow.Statuses))
	var totalVKT float64
	for _, sec := range sections {
		snap, found, err := e.cache.SectionLast(ctx, sec.ID)
		if err != nil {
			logrus.WithError(err).WithField("section", sec.ID).Warn("Section snapshot unavailable")
			continue
		}
		if !found || !snap.TrafficStatus.Valid() {
			continue
		}
		acc := &perLevel[snap.TrafficStatus]
		acc.vkt += snap.VKT
		acc.fls += snap.FLS
		acc.count++
		totalVKT += snap.VKT
	}

	out := make([]flow.LevelStatus, len(flow.Statuses))
	for i, s := range flow.Statuses {
		out[i] = flow.LevelStatus{
			Status:       s,
			SectionCount: perLevel[i].count,
			AverageSpeed: flow.WeightedSpeed(perLevel[i].vkt, perLevel[i].fls, totalVKT),
		}
	}
	return out
}

// hourlyIndex returns the index of every hour of t's day up to t. Completed
// hours are computed once and memoized; the current hour is always fresh.
func (e *Engine) hourlyIndex(ctx context.Context, sections []flow.Section, t time.Time) []flow.HourlyIndex {
	loc := e.cache.Location()
	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	currentHour := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)

	if !e.memoDay.Equal(day) {
		for h := range e.memo {
			if h.Before(day) {
				delete(e.memo, h)
			}
		}
		e.memoDay = day
	}

	var out []flow.HourlyIndex
	for hh := 0; hh <= local.Hour(); hh++ {
		h := time.Date(local.Year(), local.Month(), local.Day(), hh, 0, 0, 0, loc)
		// Skipped by a spring-forward transition.
		if h.Hour() != hh {
			continue
		}
		if h.Equal(currentHour) {
			out = append(out, flow.HourlyIndex{Hour: h, Index: e.hourIndex(ctx, sections, h)})
			break
		}
		index, ok := e.memo[h]
		if !ok {
			index = e.hourIndex(ctx, sections, h)
			e.memo[h] = index
		}
		out = append(out, flow.HourlyIndex{Hour: h, Index: index})
	}
	return out
}

// hourIndex computes the congestion index of one hour from the sections'
// hour buckets grouped by road class.
func (e *Engine) hourIndex(ctx context.Context, sections []flow.Section, hour time.Time) float64 {
	byClass := make(map[string]*accumulator)
	var totalVKT float64
	for _, sec := range sections {
		bucket, found, err := e.cache.SectionHour(ctx, sec.ID, hour)
		if err != nil {
			logrus.WithError(err).WithField("section", sec.ID).Warn("Section hour bucket unavailable")
			continue
		}
		if !found {
			continue
		}
		acc, ok := byClass[sec.Class]
		if !ok {
			acc = &accumulator{}
			byClass[sec.Class] = acc
		}
		acc.ttp += bucket.TravelTimeProportion
		acc.samples += bucket.SampleCount
		acc.vkt += bucket.VKT
		totalVKT += bucket.VKT
	}
	if totalVKT == 0 {
		return 0
	}

	var totalTTP float64
	for _, acc := range byClass {
		if acc.samples == 0 {
			continue
		}
		totalTTP += acc.ttp / float64(acc.samples) * (acc.vkt / totalVKT)
	}
	if totalTTP < 1 {
		totalTTP = 1
	}
	return flow.CongestionIndex(totalTTP)
}

type dayEntry struct {
	section flow.Section
	acc     flow.SectionFlow
}

// days loads the daily accumulators of every section that has one.
func (e *Engine) days(ctx context.Context, sections []flow.Section, t time.Time) []dayEntry {
	out := make([]dayEntry, 0, len(sections))
	for _, sec := range sections {
		acc, found, err := e.cache.SectionDay(ctx, sec.ID, t)
		if err != nil {
			logrus.WithError(err).WithField("section", sec.ID).Warn("Section day accumulator unavailable")
			continue
		}
		if found {
			out = append(out, dayEntry{section: sec, acc: acc})
		}
	}
	return out
}

// totalFlow sums every lane's count for the day.
func (e *Engine) totalFlow(ctx context.Context, sections []flow.Section, t time.Time) int64 {
	var total int64
	for _, sec := range sections {
		for _, lane := range e.topo.LanesOfSection(sec.ID) {
			lf, found, err := e.cache.LaneDay(ctx, lane.ID, t)
			if err != nil {
				logrus.WithError(err).WithField("lane", lane.ID).Warn("Lane day bucket unavailable")
				continue
			}
			if found {
				total += lf.Total()
			}
		}
	}
	return total
}

// networkSpeed blends each road class's daily speed by its share of VKT.
func networkSpeed(days []dayEntry) float64 {
	byClass := make(map[string]*accumulator)
	var totalVKT float64
	for _, d := range days {
		acc, ok := byClass[d.section.Class]
		if !ok {
			acc = &accumulator{}
			byClass[d.section.Class] = acc
		}
		acc.vkt += d.acc.VKT
		acc.fls += d.acc.FLS
		totalVKT += d.acc.VKT
	}

	var speed float64
	for _, acc := range byClass {
		speed += flow.WeightedSpeed(acc.vkt, acc.fls, totalVKT)
	}
	return speed
}

// topCongested ranks sections by congested minutes today, longest first.
// Equal spans are ordered by section id.
func (e *Engine) topCongested(days []dayEntry) []flow.SectionRank {
	ranks := make([]flow.SectionRank, 0, len(days))
	for _, d := range days {
		if d.acc.CongestionSpan == 0 {
			continue
		}
		ranks = append(ranks, flow.SectionRank{
			SectionID:      d.section.ID,
			Name:           d.section.Name,
			CongestionSpan: d.acc.CongestionSpan,
		})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].CongestionSpan != ranks[j].CongestionSpan {
			return ranks[i].CongestionSpan > ranks[j].CongestionSpan
		}
		return ranks[i].SectionID < ranks[j].SectionID
	})
	if e.opts.TopN > 0 && len(ranks) > e.opts.TopN {
		ranks = ranks[:e.opts.TopN]
	}
	return ranks
}

// congested lists sections that are congested and still reporting, most
// recent onset first.
func (e *Engine) congested(ctx context.Context, days []dayEntry) []flow.CongestedSection {
	out := []flow.CongestedSection{}
	for _, d := range days {
		if !d.acc.TrafficStatus.Congested() {
			continue
		}
		if _, found, err := e.cache.SectionLast(ctx, d.section.ID); err != nil || !found {
			continue
		}
		out = append(out, flow.CongestedSection{
			SectionID:             d.section.ID,
			Name:                  d.section.Name,
			Status:                d.acc.TrafficStatus,
			CongestionStartTime:   d.acc.CongestionStartTime,
			CurrentCongestionSpan: d.acc.CurrentCongestionSpan,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CongestionStartTime.Equal(out[j].CongestionStartTime) {
			return out[i].CongestionStartTime.After(out[j].CongestionStartTime)
		}
		return out[i].SectionID < out[j].SectionID
	})
	return out
}
