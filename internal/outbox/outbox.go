// Package outbox runs settlement persistence off the race clock. Ops are
// queued without blocking the caller and retried with exponential backoff
// up to a fixed number of attempts; a failed op never affects its siblings.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/horsepicks/race-engine/internal/metrics"
)

// Op is one independent persistence update.
type Op struct {
	Name   string // metrics label: account, entrant_stats, match_record, event
	RaceID string
	Do     func(ctx context.Context) error
}

// permanentError marks an error that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the outbox gives up on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

const (
	workers       = 4
	opTimeout     = 5 * time.Second
	drainDeadline = 5 * time.Second
)

// Outbox is a bounded queue of persistence ops drained by a worker pool.
type Outbox struct {
	queue       chan Op
	maxAttempts int
	backoff     time.Duration
	log         *slog.Logger

	pending sync.WaitGroup

	mu   sync.RWMutex
	base context.Context // set by Run; used by overflow goroutines
}

// New creates an outbox holding up to size queued ops. maxAttempts < 1 is
// treated as 1 (best effort, no retry).
func New(size, maxAttempts int, backoff time.Duration, log *slog.Logger) *Outbox {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Outbox{
		queue:       make(chan Op, size),
		maxAttempts: maxAttempts,
		backoff:     backoff,
		log:         log,
		base:        context.Background(),
	}
}

// Enqueue schedules op and returns immediately. When the queue is full the
// op runs on its own goroutine rather than blocking the caller.
func (o *Outbox) Enqueue(op Op) {
	o.pending.Add(1)
	select {
	case o.queue <- op:
		metrics.OutboxDepth.Inc()
	default:
		o.log.Warn("outbox full, running op inline", "op", op.Name, "race_id", op.RaceID)
		go func() {
			defer o.pending.Done()
			o.execute(o.baseContext(), op)
		}()
	}
}

// Run starts the workers and blocks until ctx is cancelled. Ops still
// queued at that point get one final attempt under a short deadline.
func (o *Outbox) Run(ctx context.Context) {
	o.mu.Lock()
	o.base = ctx
	o.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case op := <-o.queue:
					metrics.OutboxDepth.Dec()
					o.execute(ctx, op)
					o.pending.Done()
				}
			}
		}()
	}
	wg.Wait()

	o.drain()
}

// Wait blocks until every enqueued op has finished or given up.
func (o *Outbox) Wait() {
	o.pending.Wait()
}

func (o *Outbox) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	for {
		select {
		case op := <-o.queue:
			metrics.OutboxDepth.Dec()
			o.attempt(ctx, op)
			o.pending.Done()
		default:
			return
		}
	}
}

func (o *Outbox) baseContext() context.Context {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.base
}

// execute runs op until it succeeds, fails permanently, runs out of
// attempts, or ctx ends.
func (o *Outbox) execute(ctx context.Context, op Op) {
	delay := o.backoff
	for attempt := 1; ; attempt++ {
		err := o.attempt(ctx, op)
		if err == nil {
			return
		}

		var perm permanentError
		if errors.As(err, &perm) || attempt >= o.maxAttempts {
			metrics.OutboxOps.WithLabelValues(op.Name, "failed").Inc()
			o.log.Error("persistence op failed",
				"op", op.Name, "race_id", op.RaceID, "attempts", attempt, "err", err)
			return
		}

		metrics.OutboxOps.WithLabelValues(op.Name, "retry").Inc()
		select {
		case <-ctx.Done():
			o.log.Warn("persistence op abandoned on shutdown", "op", op.Name, "race_id", op.RaceID)
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (o *Outbox) attempt(ctx context.Context, op Op) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := op.Do(ctx)
	if err == nil {
		metrics.OutboxOps.WithLabelValues(op.Name, "ok").Inc()
	}
	return err
}
