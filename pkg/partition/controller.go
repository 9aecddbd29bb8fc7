package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Rotatable is implemented by each time-sharded record family. The
// implementation must be idempotent, and inserts already in flight must
// finish against the partition they started on.
type Rotatable interface {
	Family() string
	ChangePartition(ctx context.Context, id string) error
}

// Controller moves every registered family onto the partition named for
// the current tick. A family whose rotation failed keeps its previous
// partition and is retried on the next invocation.
type Controller struct {
	scheme   Scheme
	families []Rotatable

	mu     sync.Mutex
	active map[string]string
}

// NewController creates a controller over families.
func NewController(scheme Scheme, families ...Rotatable) *Controller {
	return &Controller{
		scheme:   scheme,
		families: families,
		active:   make(map[string]string, len(families)),
	}
}

// Name identifies the controller in the scheduler and health output.
func (c *Controller) Name() string {
	return "partition-rotation"
}

// Handle rotates families whose active partition differs from the one
// named for current. The first invocation activates the initial partition.
func (c *Controller) Handle(ctx context.Context, last, current, next time.Time) error {
	id := c.scheme.Name(current)

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, f := range c.families {
		family := f.Family()
		prev, ok := c.active[family]
		if ok && prev == id {
			continue
		}

		log := logrus.WithFields(logrus.Fields{
			"family":    family,
			"partition": id,
		})
		if err := f.ChangePartition(ctx, id); err != nil {
			log.WithError(err).Error("Partition rotation failed; retrying on next invocation")
			errs = append(errs, fmt.Errorf("family %s: %w", family, err))
			continue
		}
		c.active[family] = id
		if ok {
			log.WithField("previous", prev).Info("Rotated partition")
		} else {
			log.Info("Activated partition")
		}
	}
	return errors.Join(errs...)
}

// Activate runs the first rotation for now. It is called before any
// ingestion path starts so inserts never find a family without a partition.
func (c *Controller) Activate(ctx context.Context, now time.Time) error {
	next := c.scheme.SlotStart(now.Add(-c.scheme.Phase)).Add(c.scheme.Grid + c.scheme.Phase)
	return c.Handle(ctx, time.Time{}, now, next)
}

// Active returns the partition a family is writing to.
func (c *Controller) Active(family string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[family]
	return id, ok
}
