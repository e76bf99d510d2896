// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/pkg/extensions"
	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/observability"
	"github.com/unitychant/chant/services/chant/store"
	badgerstore "github.com/unitychant/chant/services/chant/store/badger"
)

// recorder is a Notifier that remembers what it received.
type recorder struct {
	mu   sync.Mutex
	got  []extensions.Notification
	fail func(n extensions.Notification) error
}

func (r *recorder) Notify(_ context.Context, n extensions.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		if err := r.fail(n); err != nil {
			return err
		}
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

func openStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	st, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// appendEvents writes one event per kind, one millisecond apart.
func appendEvents(t *testing.T, st store.Store, kinds ...datatypes.EventKind) {
	t.Helper()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.Update(context.Background(), func(tx store.Tx) error {
		for i, k := range kinds {
			ev, err := datatypes.NewEvent(k, "delib-1", base.Add(time.Duration(i)*time.Millisecond), map[string]int{"seq": i})
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ev); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil, Config{})
	assert.Error(t, err)
}

func TestDispatchOnce_DeliversInOrder(t *testing.T) {
	st := openStore(t)
	appendEvents(t, st, datatypes.EventDeliberationCreated, datatypes.EventMemberJoined, datatypes.EventIdeaSubmitted)
	rec := &recorder{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	d, err := New(st, rec, Config{}, WithMetrics(metrics))
	require.NoError(t, err)

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Pending: 3, Delivered: 3}, res)
	assert.Equal(t, []string{"deliberation.created", "member.joined", "idea.submitted"}, rec.kinds())
	assert.Equal(t, "delib-1", rec.got[0].DeliberationID)
	assert.JSONEq(t, `{"seq":0}`, string(rec.got[0].Payload))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.OutboxDeliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.OutboxBacklog))

	pending, err := st.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, rec.kinds(), 3)
}

func TestDispatchOnce_BatchSize(t *testing.T) {
	st := openStore(t)
	appendEvents(t, st, datatypes.EventCellCreated, datatypes.EventCellCreated, datatypes.EventCellCreated)
	rec := &recorder{}
	d, err := New(st, rec, Config{BatchSize: 2})
	require.NoError(t, err)

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)

	res, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestDispatchOnce_NotifierFailureIsNotRetried(t *testing.T) {
	st := openStore(t)
	appendEvents(t, st, datatypes.EventCellCompleted, datatypes.EventTierCompleted)
	rec := &recorder{fail: func(n extensions.Notification) error {
		if n.Kind == string(datatypes.EventCellCompleted) {
			return errors.New("push provider down")
		}
		return nil
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	d, err := New(st, rec, Config{}, WithMetrics(metrics))
	require.NoError(t, err)

	res, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"tier.completed"}, rec.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OutboxDeliveriesTotal.WithLabelValues("failed")))

	pending, err := st.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "a failed delivery is not requeued")
}

func TestDispatchOnce_ConcurrentDispatchersDeliverOnce(t *testing.T) {
	st := openStore(t)
	kinds := make([]datatypes.EventKind, 40)
	for i := range kinds {
		kinds[i] = datatypes.EventVoteCast
	}
	appendEvents(t, st, kinds...)

	rec := &recorder{}
	const workers = 4
	var wg sync.WaitGroup
	results := make([]Result, workers)
	for i := 0; i < workers; i++ {
		d, err := New(st, rec, Config{})
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			res, err := d.DispatchOnce(context.Background())
			assert.NoError(t, err)
			results[i] = res
		}(i, d)
	}
	wg.Wait()

	delivered := 0
	for _, r := range results {
		delivered += r.Delivered
	}
	assert.Equal(t, 40, delivered)
	assert.Len(t, rec.kinds(), 40)

	seen := make(map[string]bool)
	for _, n := range rec.got {
		assert.False(t, seen[n.ID], "event %s delivered twice", n.ID)
		seen[n.ID] = true
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := openStore(t)
	appendEvents(t, st, datatypes.EventPhaseChanged)
	rec := &recorder{}
	d, err := New(st, rec, Config{Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, 5*time.Millisecond)

	appendEvents(t, st, datatypes.EventChampionDeclared)
	require.Eventually(t, func() bool { return len(rec.kinds()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestToNotification(t *testing.T) {
	ev, err := datatypes.NewEvent(datatypes.EventChampionDeclared, "d1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), map[string]string{"idea_id": "i1"})
	require.NoError(t, err)

	n := ToNotification(ev)
	assert.Equal(t, ev.ID, n.ID)
	assert.Equal(t, "champion.declared", n.Kind)
	assert.Equal(t, "d1", n.DeliberationID)
	assert.Equal(t, ev.CreatedAt, n.CreatedAt)
	assert.JSONEq(t, `{"idea_id":"i1"}`, string(n.Payload))
}
