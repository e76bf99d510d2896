// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package outbox delivers the events that engine transitions leave in the
// store.
//
// Delivery is at most once. A dispatcher first claims an event by moving
// it out of the pending keyspace, then hands it to the notifier. A crash
// between the two loses the notification; two dispatchers never deliver
// the same event.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unitychant/chant/pkg/extensions"
	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/observability"
	"github.com/unitychant/chant/services/chant/store"
	"github.com/unitychant/chant/services/chant/telemetry"
)

const tracerName = "chant.outbox"

// Config holds dispatcher settings.
//
// # Fields
//
//   - BatchSize: Events read per pass. Default: 100.
//   - Interval: Time between passes when Run is used. Default: 2s.
//   - DeliveryTimeout: Deadline for one Notify call. Default: 10s.
type Config struct {
	BatchSize       int           `yaml:"batch_size" validate:"gte=0"`
	Interval        time.Duration `yaml:"interval" validate:"gte=0"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" validate:"gte=0"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		Interval:        2 * time.Second,
		DeliveryTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	return c
}

// Result summarizes one dispatch pass.
type Result struct {
	Pending   int
	Delivered int
	Failed    int
	LostClaim int
}

// Dispatcher moves pending outbox events to a notifier.
//
// # Thread Safety
//
// DispatchOnce is safe for concurrent use, including across processes
// sharing a store; claims decide which caller delivers an event.
type Dispatcher struct {
	store    store.Store
	notifier extensions.Notifier
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	running bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher. A nil notifier discards events.
func New(st store.Store, notifier extensions.Notifier, cfg Config, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, errors.New("outbox: store is required")
	}
	if notifier == nil {
		notifier = extensions.NopNotifier{}
	}
	d := &Dispatcher{
		store:    st,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "outbox")
	return d, nil
}

// DispatchOnce delivers one batch of pending events.
//
// Description:
//
//	Reads up to BatchSize pending events oldest first. Each event is
//	claimed, then passed to the notifier. An event another dispatcher
//	claimed first is skipped. A notifier error is logged and counted; the
//	event stays dispatched.
//
// Inputs:
//
//	ctx - Cancellation stops the pass between events.
//
// Outputs:
//
//	Result - Counts for the pass.
//	error - Non-nil only when the store fails.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Outbox.DispatchOnce")
	defer span.End()

	var res Result
	events, err := d.store.PendingEvents(ctx, d.cfg.BatchSize)
	if err != nil {
		telemetry.RecordError(span, err)
		return res, fmt.Errorf("list pending events: %w", err)
	}
	res.Pending = len(events)
	d.metrics.SetBacklog(len(events))
	span.SetAttributes(attribute.Int("outbox.pending", len(events)))

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		claimed, err := d.store.MarkDispatched(ctx, ev)
		if err != nil {
			telemetry.RecordError(span, err)
			return res, fmt.Errorf("claim event %s: %w", ev.ID, err)
		}
		if !claimed {
			res.LostClaim++
			d.metrics.RecordDelivery(observability.DeliveryLostClaim)
			continue
		}

		if err := d.deliver(ctx, ev); err != nil {
			res.Failed++
			d.metrics.RecordDelivery(observability.DeliveryFailed)
			telemetry.LoggerWithTrace(ctx, d.logger).Warn("notification failed",
				slog.String("event_id", ev.ID),
				slog.String("kind", string(ev.Kind)),
				slog.String("deliberation_id", ev.DeliberationID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Delivered++
		d.metrics.RecordDelivery(observability.DeliveryDelivered)
	}

	span.SetAttributes(
		attribute.Int("outbox.delivered", res.Delivered),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.lost_claim", res.LostClaim),
	)
	telemetry.SetSpanOK(span)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev datatypes.Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()
	return d.notifier.Notify(ctx, ToNotification(ev))
}

// ToNotification converts a stored event to the notifier's shape.
func ToNotification(ev datatypes.Event) extensions.Notification {
	return extensions.Notification{
		ID:             ev.ID,
		Kind:           string(ev.Kind),
		DeliberationID: ev.DeliberationID,
		Payload:        ev.Payload,
		CreatedAt:      ev.CreatedAt,
	}
}

// Run dispatches on a ticker until ctx is cancelled. A full batch triggers
// the next pass immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("outbox dispatcher is already running")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.Info("outbox dispatcher starting",
		slog.String("interval", d.cfg.Interval.String()),
		slog.Int("batch_size", d.cfg.BatchSize),
	)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("outbox pass failed", slog.String("error", err.Error()))
		}
		if err == nil && res.Pending >= d.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}
