// Package partition cuts time-sharded record families into bounded,
// time-sliced partitions and rotates writers onto the next one.
//
// A partition id is derived from a timestamp by a fixed naming function, so
// every process that agrees on the Scheme agrees on the id. Rotation is
// driven by the scheduler; storage families implement Rotatable.
package partition

import (
	"time"
)

// Scheme is the time grid partitions are cut on. Phase delays every
// boundary so that rotation does not happen exactly at the grid instant.
type Scheme struct {
	Grid  time.Duration
	Phase time.Duration
	Loc   *time.Location
}

// Layout returns the id layout for a grid: daily grids and above name by
// date, hourly grids by hour, finer grids by minute.
func Layout(grid time.Duration) string {
	switch {
	case grid >= 24*time.Hour:
		return "20060102"
	case grid >= time.Hour:
		return "2006010215"
	default:
		return "200601021504"
	}
}

func (s Scheme) loc() *time.Location {
	if s.Loc == nil {
		return time.Local
	}
	return s.Loc
}

// SlotStart returns the start of the grid slot containing t, with grid
// slots aligned to wall-clock time in the scheme's location.
func (s Scheme) SlotStart(t time.Time) time.Time {
	t = t.In(s.loc())
	if s.Grid <= 0 {
		return t
	}
	_, offset := t.Zone()
	shift := time.Duration(offset) * time.Second
	return t.Add(shift).Truncate(s.Grid).Add(-shift)
}

// Name returns the id of the partition that is active at t.
func (s Scheme) Name(t time.Time) string {
	return s.SlotStart(t.Add(-s.Phase)).Format(Layout(s.Grid))
}

// Span returns, oldest first, the ids of every partition that may hold
// records stamped within [start, end]. Records are written to whichever
// partition is active when they are flushed, so the range is widened by
// one grid on each side.
func (s Scheme) Span(start, end time.Time) []string {
	if s.Grid <= 0 || end.Before(start) {
		return nil
	}
	from := s.SlotStart(start.Add(-s.Grid))
	to := end.Add(s.Grid)

	var ids []string
	seen := make(map[string]bool)
	for slot := from; !slot.After(to); slot = slot.Add(s.Grid) {
		id := slot.Format(Layout(s.Grid))
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
