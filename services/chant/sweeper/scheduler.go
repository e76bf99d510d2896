// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Sweep Scheduler
// =============================================================================

// Scheduler runs sweeps on a ticker.
//
// # Description
//
// Manages one background goroutine that sweeps at Config.Interval using
// the ticker + done channel pattern. A sweep runs immediately on Start.
//
// # Thread Safety
//
// All public methods are thread-safe. A mutex protects the running state.
type Scheduler struct {
	sweeper *Sweeper
	clock   func() time.Time
	done    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler for s. clock supplies the sweep instant
// and defaults to time.Now.
func NewScheduler(s *Sweeper, clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{sweeper: s, clock: clock}
}

// Start begins the background sweep loop.
//
// # Inputs
//
//   - ctx: When cancelled, the loop stops.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (sc *Scheduler) Start(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return fmt.Errorf("sweep scheduler is already running")
	}
	sc.running = true
	sc.done = make(chan struct{})
	sc.stopped = make(chan struct{})

	sc.sweeper.logger.Info("sweep scheduler starting",
		slog.String("interval", sc.sweeper.cfg.Interval.String()),
		slog.Int("concurrency", sc.sweeper.cfg.Concurrency),
	)
	go sc.runLoop(ctx, sc.done, sc.stopped)
	return nil
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// Safe to call multiple times.
func (sc *Scheduler) Stop() error {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return nil
	}
	sc.sweeper.logger.Info("sweep scheduler stopping")
	close(sc.done)
	sc.running = false
	stopped := sc.stopped
	sc.mu.Unlock()

	<-stopped
	return nil
}

// RunNow sweeps immediately without affecting the schedule.
func (sc *Scheduler) RunNow(ctx context.Context) (Result, error) {
	return sc.sweeper.Sweep(ctx, sc.clock())
}

func (sc *Scheduler) runLoop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(sc.sweeper.cfg.Interval)
	defer ticker.Stop()

	sc.execute(ctx)
	for {
		select {
		case <-ctx.Done():
			sc.sweeper.logger.Info("sweep scheduler stopped (context cancelled)")
			return
		case <-done:
			sc.sweeper.logger.Info("sweep scheduler stopped (stop requested)")
			return
		case <-ticker.C:
			sc.execute(ctx)
		}
	}
}

// execute runs one sweep and logs the result. Errors never stop the loop.
func (sc *Scheduler) execute(ctx context.Context) {
	res, err := sc.RunNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			sc.sweeper.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
		return
	}
	if res.Total() == 0 {
		sc.sweeper.logger.Debug("sweep completed (nothing due)")
		return
	}
	sc.sweeper.logger.Info("sweep completed",
		slog.Int("items", res.Total()),
		slog.Int("failed", res.Failed),
		slog.Int64("duration_ms", res.Duration().Milliseconds()),
	)
}
