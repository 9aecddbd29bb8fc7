package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/cache"
	cachebadger "github.com/nicktill/tinyflow/pkg/cache/badger"
	cachememory "github.com/nicktill/tinyflow/pkg/cache/memory"
	"github.com/nicktill/tinyflow/pkg/schedule"
)

const (
	badgerGCInterval = 10 * time.Minute
	sweepInterval    = 1 * time.Minute
)

// CacheMaintenance returns the job that reclaims expired flow cache entries
// and the grid it runs on. Badger drops expired keys during compaction, but
// its value log needs explicit GC; the memory backend needs periodic sweeps.
// ok is false for backends that need neither.
func CacheMaintenance(store cache.Store) (job schedule.Job, grid time.Duration, ok bool) {
	switch s := store.(type) {
	case *cachebadger.Store:
		return schedule.Func("badger-gc", func(context.Context, time.Time, time.Time, time.Time) error {
			start := time.Now()
			// Badger returns an error when no file needed rewriting.
			if err := s.RunGC(0.5); err != nil {
				logrus.WithField("took", time.Since(start).Round(time.Millisecond)).Debug("BadgerDB GC: no rewrite needed")
				return nil
			}
			logrus.WithField("took", time.Since(start).Round(time.Millisecond)).Info("BadgerDB GC reclaimed disk space")
			return nil
		}), badgerGCInterval, true
	case *cachememory.Store:
		return schedule.Func("cache-sweep", func(context.Context, time.Time, time.Time, time.Time) error {
			if removed := s.Sweep(); removed > 0 {
				logrus.WithFields(logrus.Fields{
					"removed": removed,
					"entries": s.Len(),
				}).Debug("Swept expired flow cache entries")
			}
			return nil
		}), sweepInterval, true
	default:
		logrus.Debugf("No maintenance for cache backend %T", store)
		return nil, 0, false
	}
}
