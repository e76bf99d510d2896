// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives every state transition of a deliberation.
//
// # Description
//
// The engine owns the vote tally, the tier state machine and the challenge
// round logic. It holds no locks and no in-memory coordinator. Every
// transition that must happen once runs as one store transaction whose
// guard is the caller's observed snapshot; a caller that loses the race gets
// OutcomeLostRace instead of an error. Side effects are outbox events
// committed with the transition.
//
// # Thread Safety
//
// An Engine is safe for concurrent use, including from several processes
// sharing one store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/observability"
	"github.com/unitychant/chant/services/chant/store"
	"github.com/unitychant/chant/services/chant/telemetry"
)

const tracerName = "chant.engine"

// =============================================================================
// Configuration
// =============================================================================

// Config holds engine-wide defaults. Deliberations may override the timing
// fields when they are created.
type Config struct {
	// SubmissionPeriod is how long ideas are collected before voting.
	SubmissionPeriod time.Duration `yaml:"submission_period" validate:"gt=0"`

	// CellVotingTimeout is how long a cell stays open for votes.
	CellVotingTimeout time.Duration `yaml:"cell_voting_timeout" validate:"gt=0"`

	// DiscussionDuration opens each cell with a discussion window when
	// positive.
	DiscussionDuration time.Duration `yaml:"discussion_duration" validate:"gte=0"`

	// AccumulationWindow is how long a champion waits for challengers.
	AccumulationWindow time.Duration `yaml:"accumulation_window" validate:"gt=0"`

	// ChampionEntryTier is the tier at which a defending champion rejoins.
	ChampionEntryTier int `yaml:"champion_entry_tier" validate:"gte=1,lte=10"`

	// MinChallengers is the floor of the challenger pool kept after
	// retirement.
	MinChallengers int `yaml:"min_challengers" validate:"gte=1"`

	// RetirementLosses is the loss count that makes an idea retireable.
	RetirementLosses int `yaml:"retirement_losses" validate:"gte=1"`

	// QuietRoundsToComplete ends a rolling deliberation after this many
	// challenge attempts in a row found no challenger.
	QuietRoundsToComplete int `yaml:"quiet_rounds_to_complete" validate:"gte=1"`

	// LateJoinMaxCellSize caps how large a late joiner may grow a cell.
	LateJoinMaxCellSize int `yaml:"late_join_max_cell_size" validate:"gte=3"`

	// Retry bounds the conflict retry loop of every transaction.
	Retry store.RetryConfig `yaml:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SubmissionPeriod:      24 * time.Hour,
		CellVotingTimeout:     24 * time.Hour,
		AccumulationWindow:    24 * time.Hour,
		ChampionEntryTier:     2,
		MinChallengers:        5,
		RetirementLosses:      2,
		QuietRoundsToComplete: 3,
		LateJoinMaxCellSize:   7,
		Retry:                 store.DefaultRetryConfig(),
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs deliberation state transitions against a Store.
type Engine struct {
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	tierFlight singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the Prometheus metrics. Default: none.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSeed makes cell formation deterministic.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// New creates an Engine.
//
// # Inputs
//
//   - st: backing store. Must not be nil.
//   - cfg: engine defaults. Zero fields fall back to DefaultConfig.
//   - opts: optional logger, metrics, clock and seed.
//
// # Outputs
//
//   - *Engine: ready to use.
//   - error: non-nil if st is nil.
func New(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("engine: store must not be nil")
	}
	e := &Engine{
		store:  st,
		cfg:    withDefaults(cfg),
		logger: slog.Default(),
		clock:  time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.SubmissionPeriod <= 0 {
		cfg.SubmissionPeriod = def.SubmissionPeriod
	}
	if cfg.CellVotingTimeout <= 0 {
		cfg.CellVotingTimeout = def.CellVotingTimeout
	}
	if cfg.AccumulationWindow <= 0 {
		cfg.AccumulationWindow = def.AccumulationWindow
	}
	if cfg.DiscussionDuration < 0 {
		cfg.DiscussionDuration = 0
	}
	if cfg.ChampionEntryTier <= 0 {
		cfg.ChampionEntryTier = def.ChampionEntryTier
	}
	if cfg.MinChallengers <= 0 {
		cfg.MinChallengers = def.MinChallengers
	}
	if cfg.RetirementLosses <= 0 {
		cfg.RetirementLosses = def.RetirementLosses
	}
	if cfg.QuietRoundsToComplete <= 0 {
		cfg.QuietRoundsToComplete = def.QuietRoundsToComplete
	}
	if cfg.LateJoinMaxCellSize <= 0 {
		cfg.LateJoinMaxCellSize = def.LateJoinMaxCellSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	return cfg
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// newRand returns a private source for one transaction attempt. The shared
// source is not safe for concurrent use.
func (e *Engine) newRand() *rand.Rand {
	e.rngMu.Lock()
	seed := e.rng.Int63()
	e.rngMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// =============================================================================
// Transaction Helpers
// =============================================================================

// transact runs fn in a read-write transaction, retrying from scratch on
// store conflicts. fn must reset any state it captures on every attempt.
func (e *Engine) transact(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	_, err := store.Retry(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.store.Update(ctx, fn)
	}, func() {
		e.metrics.RecordConflict(op)
	})
	return err
}

// observe runs fn in a read-only transaction.
func (e *Engine) observe(ctx context.Context, fn func(r store.Reader) error) error {
	return e.store.View(ctx, fn)
}

// instrument wraps one entry point with a span, a metric and a debug log.
// status returns the outcome label once the call finished.
func (e *Engine) instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(status func() string, err error)) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Engine."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(status func() string, err error) {
		defer span.End()
		label := "error"
		if err == nil {
			label = status()
			span.SetAttributes(attribute.String("outcome", label))
		} else {
			telemetry.RecordError(span, err)
		}
		elapsed := time.Since(start)
		e.metrics.RecordTransition(op, label, elapsed)
		e.logger.Debug("transition",
			slog.String("op", op),
			slog.String("outcome", label),
			slog.Duration("elapsed", elapsed),
		)
	}
}

// emit appends an outbox event to the transaction.
func emit(tx store.Tx, kind datatypes.EventKind, deliberationID string, at time.Time, payload any) error {
	ev, err := datatypes.NewEvent(kind, deliberationID, at, payload)
	if err != nil {
		return err
	}
	if err := tx.AppendEvent(ev); err != nil {
		return fmt.Errorf("append %s event: %w", kind, err)
	}
	return nil
}

// emitPhase records a phase change.
func emitPhase(tx store.Tx, d *datatypes.Deliberation, from datatypes.Phase, at time.Time) error {
	return emit(tx, datatypes.EventPhaseChanged, d.ID, at, datatypes.PhaseChange{
		From:   from,
		To:     d.Phase,
		Reason: d.CompletionReason,
	})
}

// loadDeliberation reads a deliberation, wrapping the not-found error with
// the id.
func loadDeliberation(r store.Reader, id string) (*datatypes.Deliberation, error) {
	d, err := r.Deliberation(id)
	if err != nil {
		return nil, fmt.Errorf("deliberation %s: %w", id, err)
	}
	return d, nil
}

func loadCell(r store.Reader, id string) (*datatypes.Cell, error) {
	c, err := r.Cell(id)
	if err != nil {
		return nil, fmt.Errorf("cell %s: %w", id, err)
	}
	return c, nil
}
