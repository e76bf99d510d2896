// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the consensus engine.
//
// # Description
//
// Metrics include:
//   - Transition counters by operation and outcome (including lost races)
//   - Store conflict retries by operation
//   - Cell completions by trigger (tally, timeout, all voted)
//   - Sweep durations and work items
//   - Outbox delivery results and backlog
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint of chantd serve.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is safe on a nil *Metrics, which records nothing.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "chant"

const (
	engineSubsystem  = "engine"
	sweeperSubsystem = "sweeper"
	outboxSubsystem  = "outbox"
)

// Metrics holds all Prometheus metrics of the engine, sweeper and outbox.
//
// # Fields
//
//   - TransitionsTotal: engine calls by operation and outcome status
//   - TransitionDuration: engine call latency by operation
//   - ConflictsTotal: store transactions retried after a conflict
//   - CellsCompletedTotal: cells closed, by trigger
//   - ChampionsTotal: champions declared, by whether the old one held
//   - SweepDuration: wall time of one sweep
//   - SweepItemsTotal: sweep work items by kind and result
//   - OutboxDeliveriesTotal: outbox events by delivery result
//   - OutboxBacklog: pending events seen by the last dispatch pass
type Metrics struct {
	TransitionsTotal      *prometheus.CounterVec
	TransitionDuration    *prometheus.HistogramVec
	ConflictsTotal        *prometheus.CounterVec
	CellsCompletedTotal   *prometheus.CounterVec
	ChampionsTotal        *prometheus.CounterVec
	SweepDuration         prometheus.Histogram
	SweepItemsTotal       *prometheus.CounterVec
	OutboxDeliveriesTotal *prometheus.CounterVec
	OutboxBacklog         prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests so repeated construction does not
// panic on duplicate registration.
//
// # Inputs
//
//   - reg: registerer. Must not be nil.
//
// # Outputs
//
//   - *Metrics: the initialized metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "transitions_total",
				Help:      "Engine calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		TransitionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "transition_duration_seconds",
				Help:      "Engine call latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		ConflictsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "store_conflicts_total",
				Help:      "Store transactions retried after an optimistic conflict",
			},
			[]string{"operation"},
		),

		CellsCompletedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "cells_completed_total",
				Help:      "Cells completed by trigger",
			},
			[]string{"trigger"},
		),

		ChampionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: engineSubsystem,
				Name:      "champions_total",
				Help:      "Champions declared, labelled by whether the standing champion held",
			},
			[]string{"retained"},
		),

		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: sweeperSubsystem,
				Name:      "duration_seconds",
				Help:      "Wall time of one sweep in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),

		SweepItemsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: sweeperSubsystem,
				Name:      "items_total",
				Help:      "Sweep work items by kind and result",
			},
			[]string{"kind", "result"},
		),

		OutboxDeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: outboxSubsystem,
				Name:      "deliveries_total",
				Help:      "Outbox events by delivery result",
			},
			[]string{"result"},
		),

		OutboxBacklog: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: outboxSubsystem,
				Name:      "backlog",
				Help:      "Pending outbox events seen by the last dispatch pass",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// CellTrigger says what closed a cell.
type CellTrigger string

const (
	TriggerTally    CellTrigger = "tally"
	TriggerTimeout  CellTrigger = "timeout"
	TriggerAllVoted CellTrigger = "all_voted"
)

// DeliveryResult labels an outbox delivery attempt.
type DeliveryResult string

const (
	DeliveryDelivered DeliveryResult = "delivered"
	DeliveryFailed    DeliveryResult = "failed"
	DeliveryLostClaim DeliveryResult = "lost_claim"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTransition records one engine call.
//
// # Inputs
//
//   - operation: engine entry point name.
//   - outcome: outcome status, or "error".
//   - elapsed: call duration.
func (m *Metrics) RecordTransition(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(operation, outcome).Inc()
	m.TransitionDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordConflict counts a retried store transaction.
func (m *Metrics) RecordConflict(operation string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordCellCompleted counts a closed cell.
func (m *Metrics) RecordCellCompleted(trigger CellTrigger) {
	if m == nil {
		return
	}
	m.CellsCompletedTotal.WithLabelValues(string(trigger)).Inc()
}

// RecordChampion counts a declared champion.
func (m *Metrics) RecordChampion(retained bool) {
	if m == nil {
		return
	}
	label := "false"
	if retained {
		label = "true"
	}
	m.ChampionsTotal.WithLabelValues(label).Inc()
}

// RecordSweep records the duration of one sweep.
func (m *Metrics) RecordSweep(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(elapsed.Seconds())
}

// RecordSweepItem counts one sweep work item.
//
// # Inputs
//
//   - kind: sweep item kind, e.g. close_submission or cell_timeout.
//   - result: outcome status of the triggered call, or "error".
func (m *Metrics) RecordSweepItem(kind, result string) {
	if m == nil {
		return
	}
	m.SweepItemsTotal.WithLabelValues(kind, result).Inc()
}

// RecordDelivery counts one outbox delivery attempt.
func (m *Metrics) RecordDelivery(result DeliveryResult) {
	if m == nil {
		return
	}
	m.OutboxDeliveriesTotal.WithLabelValues(string(result)).Inc()
}

// SetBacklog records the pending event count.
func (m *Metrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.OutboxBacklog.Set(float64(n))
}
