// Package client buffers lane flows produced by roadside collectors and
// ships them to the ingest endpoints in batches.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyflow/pkg/flow"
)

const sendTimeout = 5 * time.Second

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Batcher buffers lane flows and sends them on a timer or when full.
type Batcher struct {
	config    Config
	transport Transport

	flows []flow.LaneFlow
	mu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sends  sync.WaitGroup

	// One flush in flight at a time.
	flushing atomic.Bool

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates a new batcher
func New(transport Transport, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 500
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	return &Batcher{
		config:    config,
		transport: transport,
		flows:     make([]flow.LaneFlow, 0, config.MaxBatchSize),
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
	return nil
}

// Add buffers one flow, triggering a background flush when the batch is full.
func (b *Batcher) Add(lf flow.LaneFlow) {
	b.mu.Lock()
	b.flows = append(b.flows, lf)
	full := len(b.flows) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if full && b.flushing.CompareAndSwap(false, true) {
		b.sends.Add(1)
		go func() {
			defer b.sends.Done()
			defer b.flushing.Store(false)
			b.send(b.take())
		}()
	}
}

// Flush sends everything buffered and waits for the result.
func (b *Batcher) Flush() error {
	return b.send(b.take())
}

// Stop stops the flush loop, waits for in-flight sends and flushes the
// remainder.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.sends.Wait()

	// The loop context is gone; the final flush gets its own.
	b.ctx = context.Background()
	return b.Flush()
}

// Stats returns how many flows were delivered and how many were lost.
func (b *Batcher) Stats() (sent, failed int64) {
	return b.sent.Load(), b.failed.Load()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.send(b.take())
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) take() []flow.LaneFlow {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.flows) == 0 {
		return nil
	}
	batch := make([]flow.LaneFlow, len(b.flows))
	copy(batch, b.flows)
	b.flows = b.flows[:0]
	return batch
}

func (b *Batcher) send(batch []flow.LaneFlow) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, batch); err != nil {
		b.failed.Add(int64(len(batch)))
		logrus.WithError(err).WithField("count", len(batch)).Warn("Failed to send lane flows")
		return err
	}
	b.sent.Add(int64(len(batch)))
	return nil
}
