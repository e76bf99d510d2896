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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func sampleNotification() Notification {
	return Notification{
		ID:             "evt-1",
		Kind:           "cell.completed",
		DeliberationID: "delib-1",
		Payload:        json.RawMessage(`{"cell_id":"c1"}`),
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.Notifier == nil {
		t.Fatal("DefaultOptions().Notifier should not be nil")
	}
	if _, ok := opts.Notifier.(NopNotifier); !ok {
		t.Error("DefaultOptions().Notifier should be NopNotifier")
	}
}

func TestServiceOptions_WithNotifier(t *testing.T) {
	custom := NewLogNotifier(nil)
	opts := DefaultOptions().WithNotifier(custom)

	if opts.Notifier != custom {
		t.Error("WithNotifier should replace the notifier")
	}
	if _, ok := DefaultOptions().Notifier.(NopNotifier); !ok {
		t.Error("WithNotifier should not mutate other option values")
	}
}

func TestServiceOptions_Normalize(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	if opts.Notifier == nil {
		t.Error("Normalize should fill a nil notifier")
	}
}

// ============================================================================
// Notifier Tests
// ============================================================================

func TestNopNotifier(t *testing.T) {
	if err := (NopNotifier{}).Notify(context.Background(), sampleNotification()); err != nil {
		t.Errorf("NopNotifier.Notify() error = %v, want nil", err)
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := n.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("LogNotifier.Notify() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"kind":"cell.completed"`, `"event_id":"evt-1"`, `"component":"notifier"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var calls int
	ok := NotifierFunc(func(context.Context, Notification) error { calls++; return nil })
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	m := MultiNotifier{
		ok,
		NotifierFunc(func(context.Context, Notification) error { return errA }),
		ok,
		NotifierFunc(func(context.Context, Notification) error { return errB }),
	}
	err := m.Notify(context.Background(), sampleNotification())

	if calls != 2 {
		t.Errorf("calls = %d, want 2 (every notifier runs)", calls)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("error = %v, want both failures joined", err)
	}
}

// ============================================================================
// Webhook Tests
// ============================================================================

func TestNewWebhookNotifier_RequiresURL(t *testing.T) {
	if _, err := NewWebhookNotifier(WebhookConfig{}, nil); err == nil {
		t.Error("NewWebhookNotifier() with empty URL should fail")
	}
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	var got Notification
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL, Secret: "s3cret"}, srv.Client())
	if err != nil {
		t.Fatalf("NewWebhookNotifier() error = %v", err)
	}
	if err := n.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if got.ID != "evt-1" || got.Kind != "cell.completed" || got.DeliberationID != "delib-1" {
		t.Errorf("received %+v", got)
	}
	if string(got.Payload) != `{"cell_id":"c1"}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", headers.Get("Content-Type"))
	}
	if headers.Get("X-Chant-Event") != "cell.completed" {
		t.Errorf("X-Chant-Event = %q", headers.Get("X-Chant-Event"))
	}
	if headers.Get("X-Chant-Secret") != "s3cret" {
		t.Errorf("X-Chant-Secret = %q", headers.Get("X-Chant-Secret"))
	}
}

func TestWebhookNotifier_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, srv.Client())
	if err != nil {
		t.Fatalf("NewWebhookNotifier() error = %v", err)
	}
	err = n.Notify(context.Background(), sampleNotification())
	if !errors.Is(err, ErrWebhookStatus) {
		t.Errorf("Notify() error = %v, want ErrWebhookStatus", err)
	}
}

func TestWebhookNotifier_RateLimitHonoursContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL, RatePerSecond: 0.001, Burst: 1}, srv.Client())
	if err != nil {
		t.Fatalf("NewWebhookNotifier() error = %v", err)
	}
	if err := n.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("first Notify() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.Notify(ctx, sampleNotification()); err == nil {
		t.Error("second Notify() should fail while the limiter is exhausted")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}
}
