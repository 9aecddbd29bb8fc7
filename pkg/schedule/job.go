// Package schedule invokes recurring jobs on a time grid.
//
// Every job receives (last, current, next): the previous tick it ran for
// (zero on the first run), the tick being run and the tick that will follow.
// Invocations of one job never overlap.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Job is a recurring unit of work.
type Job interface {
	Name() string
	Handle(ctx context.Context, last, current, next time.Time) error
}

// HandlerFunc adapts a function to Job.
type HandlerFunc func(ctx context.Context, last, current, next time.Time) error

type funcJob struct {
	name string
	fn   HandlerFunc
}

// Func returns a Job named name that calls fn.
func Func(name string, fn HandlerFunc) Job {
	return funcJob{name: name, fn: fn}
}

func (j funcJob) Name() string { return j.name }

func (j funcJob) Handle(ctx context.Context, last, current, next time.Time) error {
	return j.fn(ctx, last, current, next)
}

type chain struct {
	name string
	jobs []Job
}

// Chain runs jobs one after another on the same tick. A failing job does
// not stop the ones after it; the failures are joined.
func Chain(name string, jobs ...Job) Job {
	return chain{name: name, jobs: jobs}
}

func (c chain) Name() string { return c.name }

func (c chain) Handle(ctx context.Context, last, current, next time.Time) error {
	var errs []error
	for _, j := range c.jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := j.Handle(ctx, last, current, next); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name(), err))
		}
	}
	return errors.Join(errs...)
}
