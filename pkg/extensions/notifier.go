// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// Notification is one committed state change handed to a Notifier.
//
// # Fields
//
//   - ID: Unique event id. Receivers may use it to deduplicate.
//   - Kind: Dotted event kind, e.g. "cell.completed".
//   - DeliberationID: The deliberation the event belongs to.
//   - Payload: Kind-specific JSON document.
//   - CreatedAt: Commit time of the transition (UTC).
type Notification struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	DeliberationID string          `json:"deliberation_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Notifier delivers notifications to the outside world.
//
// Delivery is best effort. The dispatcher logs a returned error and moves
// on; the transition that produced the event is never affected.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// =============================================================================
// No-op and Logging
// =============================================================================

// NopNotifier discards every notification.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes each notification as one structured log record.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "event",
		slog.String("event_id", n.ID),
		slog.String("kind", n.Kind),
		slog.String("deliberation_id", n.DeliberationID),
		slog.String("payload", string(n.Payload)),
	)
	return nil
}

// MultiNotifier fans a notification out to several notifiers. Every
// notifier is called; their errors are joined.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Webhook
// =============================================================================

// ErrWebhookStatus is returned when the webhook answers with a non-2xx status.
var ErrWebhookStatus = errors.New("webhook rejected notification")

// WebhookConfig configures a WebhookNotifier.
//
// # Fields
//
//   - URL: Endpoint receiving a JSON POST per notification.
//   - Timeout: Per-request timeout. Default: 5s.
//   - RatePerSecond: Sustained request rate. Default: 20.
//   - Burst: Requests allowed above the rate at once. Default: 40.
//   - Secret: Optional value sent as the X-Chant-Secret header.
type WebhookConfig struct {
	URL           string        `yaml:"url" validate:"omitempty,url"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
	Secret        string        `yaml:"secret"`
}

// WebhookNotifier POSTs each notification as JSON, rate limited so a burst
// of transitions cannot flood the receiver.
//
// # Thread Safety
//
// Safe for concurrent use.
type WebhookNotifier struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookNotifier creates a WebhookNotifier. client may be nil.
func NewWebhookNotifier(cfg WebhookConfig, client *http.Client) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook notifier: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookNotifier{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

// Notify implements Notifier.
//
// Description:
//
//	Waits for a rate limiter token, then POSTs the notification with the
//	caller's trace context in the W3C headers. Any status outside 2xx is
//	reported as ErrWebhookStatus.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chant-Event", n.Kind)
	req.Header.Set("X-Chant-Event-ID", n.ID)
	if w.cfg.Secret != "" {
		req.Header.Set("X-Chant-Secret", w.cfg.Secret)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification %s: %w", n.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d for %s", ErrWebhookStatus, resp.StatusCode, n.ID)
	}
	return nil
}
