// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
	"github.com/unitychant/chant/services/chant/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenInMemory()
		require.NoError(t, err)
		return s
	})
}

// TestOpenRequiresPath verifies that persistent mode requires a path.
func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{InMemory: false, Path: ""})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestConfigFunctions verifies default configurations.
func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig has SyncWrites", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
	})

	t.Run("InMemoryConfig has InMemory", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

// TestOpen_PersistsAcrossReopen writes through one store and reads it back
// through another opened on the same directory.
func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	s, err := Open(cfg)
	require.NoError(t, err)
	d := &datatypes.Deliberation{
		ID: "d1", Question: "q", CreatorID: "u", Phase: datatypes.PhaseSubmission,
		CompletionReason: datatypes.ReasonNone, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error { return tx.PutDeliberation(d) }))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, dir, s2.Path())

	require.NoError(t, s2.View(context.Background(), func(r store.Reader) error {
		got, err := r.Deliberation("d1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		return nil
	}))
}

func TestView_RejectsCancelledContext(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.View(ctx, func(store.Reader) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestView_WritesAreRejected(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	err = s.View(context.Background(), func(r store.Reader) error {
		return r.(store.Tx).AppendEvent(datatypes.Event{ID: "e1", CreatedAt: time.Now()})
	})
	assert.Error(t, err)
}
