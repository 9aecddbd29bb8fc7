package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/flow"
)

// Kind is the time granularity of a cached aggregate.
type Kind int

const (
	// KindLast holds the most recent value per entity; always overwritten.
	KindLast Kind = iota
	// KindMinute holds one-minute buckets; merged.
	KindMinute
	// KindHour holds one-hour buckets; merged.
	KindHour
	// KindDay holds one-day buckets; merged.
	KindDay
)

func (k Kind) String() string {
	switch k {
	case KindLast:
		return "last"
	case KindMinute:
		return "minute"
	case KindHour:
		return "hour"
	case KindDay:
		return "day"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// bucketLayout formats a bucket start. The layout truncates implicitly.
func (k Kind) bucketLayout() string {
	switch k {
	case KindMinute:
		return "200601021504"
	case KindHour:
		return "2006010215"
	case KindDay:
		return "20060102"
	default:
		return ""
	}
}

// TTLs configures how long each kind survives after its last write.
type TTLs struct {
	Last   time.Duration
	Minute time.Duration
	Hour   time.Duration
	Day    time.Duration
}

// DefaultTTLs returns the standard retention per kind.
func DefaultTTLs() TTLs {
	return TTLs{
		Last:   config.LastValueTTL,
		Minute: config.MinuteTTL,
		Hour:   config.HourTTL,
		Day:    config.DayTTL,
	}
}

func (t TTLs) of(k Kind) time.Duration {
	switch k {
	case KindLast:
		return t.Last
	case KindMinute:
		return t.Minute
	case KindHour:
		return t.Hour
	default:
		return t.Day
	}
}

const (
	entityLane    = "lane"
	entitySection = "section"
)

// FlowCache stores lane and section aggregates by entity, kind and bucket
// on top of a Store. Merges are atomic per key.
type FlowCache struct {
	store Store
	ttls  TTLs
	loc   *time.Location
}

// New creates a FlowCache. Buckets are cut in loc (time.Local when nil).
func New(store Store, ttls TTLs, loc *time.Location) *FlowCache {
	if loc == nil {
		loc = time.Local
	}
	return &FlowCache{store: store, ttls: ttls, loc: loc}
}

// Location returns the timezone buckets are cut in.
func (c *FlowCache) Location() *time.Location {
	return c.loc
}

// Key returns the storage key of an entity bucket. The bucket time is
// ignored for KindLast.
func (c *FlowCache) Key(entity string, kind Kind, id string, t time.Time) string {
	if kind == KindLast {
		return entity + "/" + kind.String() + "/" + id
	}
	return entity + "/" + kind.String() + "/" + id + "/" + t.In(c.loc).Format(kind.bucketLayout())
}

// LaneMinute returns the lane's minute aggregate for the minute containing t.
func (c *FlowCache) LaneMinute(ctx context.Context, laneID string, t time.Time) (flow.LaneFlow, bool, error) {
	return get[flow.LaneFlow](ctx, c.store, c.Key(entityLane, KindMinute, laneID, t))
}

// LaneDay returns the lane's accumulated aggregate for the day containing t.
func (c *FlowCache) LaneDay(ctx context.Context, laneID string, t time.Time) (flow.LaneFlow, bool, error) {
	return get[flow.LaneFlow](ctx, c.store, c.Key(entityLane, KindDay, laneID, t))
}

// LaneHour returns the lane's accumulated aggregate for the hour containing t.
func (c *FlowCache) LaneHour(ctx context.Context, laneID string, t time.Time) (flow.LaneFlow, bool, error) {
	return get[flow.LaneFlow](ctx, c.store, c.Key(entityLane, KindHour, laneID, t))
}

// MergeLane adds a lane record into its minute, hour and day buckets.
func (c *FlowCache) MergeLane(ctx context.Context, lf flow.LaneFlow) error {
	for _, kind := range []Kind{KindMinute, KindHour, KindDay} {
		key := c.Key(entityLane, kind, lf.LaneID, lf.Time)
		if err := merge(ctx, c.store, key, c.ttls.of(kind), lf, (*flow.LaneFlow).Add); err != nil {
			return fmt.Errorf("failed to merge lane %s %s bucket: %w", lf.LaneID, kind, err)
		}
	}
	return nil
}

// SetSectionLast overwrites the section's last-value snapshot.
func (c *FlowCache) SetSectionLast(ctx context.Context, sf flow.SectionFlow) error {
	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("failed to encode section %s: %w", sf.SectionID, err)
	}
	return c.store.Set(ctx, c.Key(entitySection, KindLast, sf.SectionID, sf.Time), data, c.ttls.Last)
}

// SectionLast returns the section's most recent minute snapshot.
func (c *FlowCache) SectionLast(ctx context.Context, sectionID string) (flow.SectionFlow, bool, error) {
	return get[flow.SectionFlow](ctx, c.store, c.Key(entitySection, KindLast, sectionID, time.Time{}))
}

// MergeSectionHour adds a minute snapshot into the section's hour bucket.
func (c *FlowCache) MergeSectionHour(ctx context.Context, sf flow.SectionFlow) error {
	key := c.Key(entitySection, KindHour, sf.SectionID, sf.Time)
	return merge(ctx, c.store, key, c.ttls.Hour, sf, (*flow.SectionFlow).Add)
}

// SectionHour returns the section's hour bucket containing t.
func (c *FlowCache) SectionHour(ctx context.Context, sectionID string, t time.Time) (flow.SectionFlow, bool, error) {
	return get[flow.SectionFlow](ctx, c.store, c.Key(entitySection, KindHour, sectionID, t))
}

// UpdateSectionDay applies fn to the section's daily accumulator for the day
// containing t, atomically. fn receives a zero value and found=false when the
// day has no accumulator yet. The stored result is returned.
func (c *FlowCache) UpdateSectionDay(ctx context.Context, sectionID string, t time.Time, fn func(acc *flow.SectionFlow, found bool)) (flow.SectionFlow, error) {
	var out flow.SectionFlow
	key := c.Key(entitySection, KindDay, sectionID, t)
	err := c.store.Update(ctx, key, c.ttls.Day, func(current []byte, found bool) ([]byte, error) {
		out = flow.SectionFlow{}
		if found {
			if err := json.Unmarshal(current, &out); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", key, err)
			}
		}
		fn(&out, found)
		return json.Marshal(out)
	})
	return out, err
}

// SectionDay returns the section's daily accumulator for the day containing t.
func (c *FlowCache) SectionDay(ctx context.Context, sectionID string, t time.Time) (flow.SectionFlow, bool, error) {
	return get[flow.SectionFlow](ctx, c.store, c.Key(entitySection, KindDay, sectionID, t))
}

func get[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var out T
	data, found, err := store.Get(ctx, key)
	if err != nil || !found {
		return out, false, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return out, true, nil
}

// merge stores incoming as-is when key is absent, otherwise adds it onto
// the stored value with add and re-stores it with a fresh ttl.
func merge[T any](ctx context.Context, store Store, key string, ttl time.Duration, incoming T, add func(*T, T)) error {
	return store.Update(ctx, key, ttl, func(current []byte, found bool) ([]byte, error) {
		if !found {
			return json.Marshal(incoming)
		}
		var stored T
		if err := json.Unmarshal(current, &stored); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", key, err)
		}
		add(&stored, incoming)
		return json.Marshal(stored)
	})
}
