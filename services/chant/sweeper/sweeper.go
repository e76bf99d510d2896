// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sweeper finds deliberations and cells whose timers expired and
// drives them forward through the engine.
//
// A sweep holds no state between runs. Every item it dispatches is an
// ordinary engine transition, so sweeps may overlap with each other, with
// requests and with sweeps in other processes; the engine's claims decide
// who wins.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/observability"
	"github.com/unitychant/chant/services/chant/store"
	"github.com/unitychant/chant/services/chant/telemetry"
)

const tracerName = "chant.sweeper"

// Engine is the part of the engine a sweep drives.
type Engine interface {
	CloseSubmission(ctx context.Context, deliberationID string) (datatypes.SubmissionOutcome, error)
	ProcessCellResults(ctx context.Context, cellID string, isTimeout bool) (datatypes.CellOutcome, error)
	OpenCellVoting(ctx context.Context, cellID string) (datatypes.CellOutcome, error)
	StartChallengeRound(ctx context.Context, deliberationID string) (datatypes.ChallengeOutcome, error)
	CheckTierCompletion(ctx context.Context, deliberationID string, tier int) (datatypes.TierOutcome, error)
}

// Kind names one category of sweep work.
type Kind string

const (
	KindCloseSubmission Kind = "close_submission"
	KindCellTimeout     Kind = "cell_timeout"
	KindOpenVoting      Kind = "open_voting"
	KindChallenge       Kind = "challenge"
	KindTierRecovery    Kind = "tier_recovery"
)

// Config holds sweep settings.
//
// # Fields
//
//   - Interval: Time between scheduled sweeps. Default: 30s.
//   - Concurrency: Maximum items dispatched at once. Default: 8.
//   - ItemTimeout: Deadline for one item. Default: 30s.
type Config struct {
	Interval    time.Duration `yaml:"interval" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	ItemTimeout time.Duration `yaml:"item_timeout" validate:"gte=0"`
}

// DefaultConfig returns the sweep defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Concurrency: 8,
		ItemTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = def.ItemTimeout
	}
	return c
}

// Result summarizes one sweep.
//
// # Fields
//
//   - Found: Items discovered per kind.
//   - Outcomes: Count per kind and outcome status.
//   - Failed: Items whose engine call returned an error.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Found     map[Kind]int
	Outcomes  map[Kind]map[datatypes.OutcomeStatus]int
	Failed    int
}

// Duration returns how long the sweep took.
func (r Result) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// Total returns the number of items dispatched.
func (r Result) Total() int {
	n := 0
	for _, v := range r.Found {
		n += v
	}
	return n
}

// Sweeper scans the store for expired timers.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent sweeps only compete through engine
// claims.
type Sweeper struct {
	store   store.Store
	engine  Engine
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// New creates a Sweeper reading from st and driving eng.
func New(st store.Store, eng Engine, cfg Config, opts ...Option) (*Sweeper, error) {
	if st == nil || eng == nil {
		return nil, errors.New("sweeper: store and engine are required")
	}
	s := &Sweeper{store: st, engine: eng, cfg: cfg.withDefaults(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sweeper")
	return s, nil
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config { return s.cfg }

// item is one unit of sweep work.
type item struct {
	kind Kind
	id   string
	run  func(ctx context.Context) (datatypes.OutcomeStatus, error)
}

// Sweep runs one pass over every timer.
//
// Description:
//
//	Collects, as of now:
//	  (a) SUBMISSION deliberations past their submission deadline;
//	  (b) VOTING cells past their voting deadline;
//	  (c) ACCUMULATING deliberations past their accumulation window;
//	  (d) DELIBERATING cells past their discussion window;
//	  (e) VOTING deliberations whose current tier is fully completed but
//	      was never resolved, e.g. after a tier check failed.
//	Items are dispatched through an errgroup bounded by Concurrency. An
//	item error is logged and counted; it never stops the sweep.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	now - The instant timers are compared against.
//
// Outputs:
//
//	Result - Items found and their outcomes.
//	error - Store read failures or context cancellation.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Sweeper.Sweep",
		trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))),
	)
	defer span.End()

	res := Result{
		StartTime: time.Now(),
		Found:     make(map[Kind]int),
		Outcomes:  make(map[Kind]map[datatypes.OutcomeStatus]int),
	}

	items, err := s.collect(ctx, now)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("collect sweep items: %w", err)
	}
	for _, it := range items {
		res.Found[it.kind]++
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(gctx, s.cfg.ItemTimeout)
			defer cancel()
			status, err := it.run(itemCtx)

			result := string(status)
			if err != nil {
				result = "error"
				s.logger.Warn("sweep item failed",
					slog.String("kind", string(it.kind)),
					slog.String("id", it.id),
					slog.String("error", err.Error()),
				)
			}
			s.metrics.RecordSweepItem(string(it.kind), result)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				return nil
			}
			if res.Outcomes[it.kind] == nil {
				res.Outcomes[it.kind] = make(map[datatypes.OutcomeStatus]int)
			}
			res.Outcomes[it.kind][status]++
			return nil
		})
	}
	_ = g.Wait()

	res.EndTime = time.Now()
	s.metrics.RecordSweep(res.Duration())
	span.SetAttributes(attribute.Int("items", res.Total()), attribute.Int("failed", res.Failed))

	if err := ctx.Err(); err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}
	return res, nil
}

// collect reads every due item in one snapshot.
func (s *Sweeper) collect(ctx context.Context, now time.Time) ([]item, error) {
	var items []item
	err := s.store.View(ctx, func(r store.Reader) error {
		submitting, err := r.DeliberationsInPhase(datatypes.PhaseSubmission)
		if err != nil {
			return fmt.Errorf("submission deliberations: %w", err)
		}
		for _, d := range submitting {
			if !now.Before(d.SubmissionEndsAt) {
				items = append(items, s.closeSubmission(d.ID))
			}
		}

		voting, err := r.CellsInStatus(datatypes.CellVoting)
		if err != nil {
			return fmt.Errorf("voting cells: %w", err)
		}
		for _, c := range voting {
			if !c.VotingDeadline.IsZero() && !now.Before(c.VotingDeadline) {
				items = append(items, s.cellTimeout(c.ID))
			}
		}

		discussing, err := r.CellsInStatus(datatypes.CellDeliberating)
		if err != nil {
			return fmt.Errorf("deliberating cells: %w", err)
		}
		for _, c := range discussing {
			if !now.Before(c.DiscussionEndsAt) {
				items = append(items, s.openVoting(c.ID))
			}
		}

		accumulating, err := r.DeliberationsInPhase(datatypes.PhaseAccumulating)
		if err != nil {
			return fmt.Errorf("accumulating deliberations: %w", err)
		}
		for _, d := range accumulating {
			if !now.Before(d.AccumulationEndsAt) {
				items = append(items, s.challenge(d.ID))
			}
		}

		active, err := r.DeliberationsInPhase(datatypes.PhaseVoting)
		if err != nil {
			return fmt.Errorf("voting deliberations: %w", err)
		}
		for _, d := range active {
			stalled, err := tierStalled(r, d)
			if err != nil {
				return err
			}
			if stalled {
				items = append(items, s.tierRecovery(d.ID, d.CurrentTier))
			}
		}
		return nil
	})
	return items, err
}

// tierStalled reports whether every cell of the current tier completed.
func tierStalled(r store.Reader, d *datatypes.Deliberation) (bool, error) {
	cells, err := r.Cells(d.ID)
	if err != nil {
		return false, fmt.Errorf("cells of %s: %w", d.ID, err)
	}
	n := 0
	for _, c := range cells {
		if c.Round != d.ChallengeRound || c.Tier != d.CurrentTier {
			continue
		}
		if c.Status != datatypes.CellCompleted {
			return false, nil
		}
		n++
	}
	return n > 0, nil
}

func (s *Sweeper) closeSubmission(id string) item {
	return item{kind: KindCloseSubmission, id: id, run: func(ctx context.Context) (datatypes.OutcomeStatus, error) {
		out, err := s.engine.CloseSubmission(ctx, id)
		return out.Status, err
	}}
}

func (s *Sweeper) cellTimeout(id string) item {
	return item{kind: KindCellTimeout, id: id, run: func(ctx context.Context) (datatypes.OutcomeStatus, error) {
		out, err := s.engine.ProcessCellResults(ctx, id, true)
		return out.Status, err
	}}
}

func (s *Sweeper) openVoting(id string) item {
	return item{kind: KindOpenVoting, id: id, run: func(ctx context.Context) (datatypes.OutcomeStatus, error) {
		out, err := s.engine.OpenCellVoting(ctx, id)
		return out.Status, err
	}}
}

func (s *Sweeper) challenge(id string) item {
	return item{kind: KindChallenge, id: id, run: func(ctx context.Context) (datatypes.OutcomeStatus, error) {
		out, err := s.engine.StartChallengeRound(ctx, id)
		// Another sweep already moved the deliberation on.
		if errors.Is(err, datatypes.ErrInvalidPhase) {
			return datatypes.OutcomeLostRace, nil
		}
		return out.Status, err
	}}
}

func (s *Sweeper) tierRecovery(id string, tier int) item {
	return item{kind: KindTierRecovery, id: fmt.Sprintf("%s:%d", id, tier), run: func(ctx context.Context) (datatypes.OutcomeStatus, error) {
		out, err := s.engine.CheckTierCompletion(ctx, id, tier)
		return out.Status, err
	}}
}
