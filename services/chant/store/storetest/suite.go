// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest holds the behavioural tests every store.Store backend
// must pass. Backends call Run from their own _test.go files.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"DeliberationRoundTrip", testDeliberationRoundTrip},
		{"VersionCAS", testVersionCAS},
		{"NotFound", testNotFound},
		{"IdeasAndCells", testIdeasAndCells},
		{"CellsInStatus", testCellsInStatus},
		{"ReplaceBallot", testReplaceBallot},
		{"MembersAndUpvotes", testMembersAndUpvotes},
		{"Comments", testComments},
		{"Predictions", testPredictions},
		{"RollbackOnError", testRollbackOnError},
		{"Outbox", testOutbox},
		{"OutboxKeepsAppendOrder", testOutboxKeepsAppendOrder},
		{"ConcurrentClaim", testConcurrentClaim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newDeliberation(id string) *datatypes.Deliberation {
	return &datatypes.Deliberation{
		ID:               id,
		Question:         "What should we build?",
		CreatorID:        "creator",
		Phase:            datatypes.PhaseSubmission,
		CompletionReason: datatypes.ReasonNone,
		CreatedAt:        t0,
		SubmissionEndsAt: t0.Add(time.Hour),
	}
}

func newIdea(delib, id string, at time.Time) *datatypes.Idea {
	return &datatypes.Idea{
		ID:             id,
		DeliberationID: delib,
		Text:           "idea " + id,
		AuthorID:       "author-" + id,
		Status:         datatypes.IdeaSubmitted,
		CreatedAt:      at,
	}
}

func newCell(delib, id string, status datatypes.CellStatus, at time.Time) *datatypes.Cell {
	return &datatypes.Cell{
		ID:             id,
		DeliberationID: delib,
		Tier:           1,
		Status:         status,
		ParticipantIDs: []string{"u1", "u2", "u3"},
		IdeaIDs:        []string{"i1", "i2"},
		VotingDeadline: at.Add(time.Hour),
		CreatedAt:      at,
	}
}

func seed(t *testing.T, s store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func testDeliberationRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDeliberation("d1")
	seed(t, s, func(tx store.Tx) error { return tx.PutDeliberation(d) })
	assert.Equal(t, int64(1), d.Version)

	var got *datatypes.Deliberation
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		var err error
		got, err = r.Deliberation("d1")
		return err
	}))
	assert.Equal(t, datatypes.PhaseSubmission, got.Phase)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.SubmissionEndsAt.Equal(t0.Add(time.Hour)))

	var inPhase []*datatypes.Deliberation
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		var err error
		inPhase, err = r.DeliberationsInPhase(datatypes.PhaseSubmission)
		return err
	}))
	require.Len(t, inPhase, 1)

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		var err error
		inPhase, err = r.DeliberationsInPhase(datatypes.PhaseVoting)
		return err
	}))
	assert.Empty(t, inPhase)
}

func testVersionCAS(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDeliberation("d1")
	seed(t, s, func(tx store.Tx) error { return tx.PutDeliberation(d) })

	// Inserting the same id again conflicts.
	dup := newDeliberation("d1")
	err := s.Update(ctx, func(tx store.Tx) error { return tx.PutDeliberation(dup) })
	assert.ErrorIs(t, err, store.ErrConflict)

	// A stale version conflicts.
	stale := d.Clone()
	stale.Version = 7
	err = s.Update(ctx, func(tx store.Tx) error { return tx.PutDeliberation(stale) })
	assert.ErrorIs(t, err, store.ErrConflict)

	// The current version succeeds and bumps.
	d.Phase = datatypes.PhaseVoting
	seed(t, s, func(tx store.Tx) error { return tx.PutDeliberation(d) })
	assert.Equal(t, int64(2), d.Version)
}

func testNotFound(t *testing.T, s store.Store) {
	err := s.View(context.Background(), func(r store.Reader) error {
		_, err := r.Deliberation("missing")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	err = s.View(context.Background(), func(r store.Reader) error {
		_, err := r.Cell("missing")
		return err
	})
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	err = s.View(context.Background(), func(r store.Reader) error {
		_, err := r.Comment("missing")
		return err
	})
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func testIdeasAndCells(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, func(tx store.Tx) error {
		if err := tx.PutDeliberation(newDeliberation("d1")); err != nil {
			return err
		}
		for i, id := range []string{"b", "a", "c"} {
			if err := tx.PutIdea(newIdea("d1", id, t0.Add(time.Duration(i)*time.Second))); err != nil {
				return err
			}
		}
		return tx.PutCell(newCell("d1", "c1", datatypes.CellVoting, t0))
	})

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		ideas, err := r.Ideas("d1")
		require.NoError(t, err)
		require.Len(t, ideas, 3)
		assert.Equal(t, []string{"b", "a", "c"}, []string{ideas[0].ID, ideas[1].ID, ideas[2].ID})

		idea, err := r.Idea("d1", "a")
		require.NoError(t, err)
		assert.Equal(t, datatypes.IdeaSubmitted, idea.Status)

		cell, err := r.Cell("c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2", "u3"}, cell.ParticipantIDs)

		cells, err := r.Cells("d1")
		require.NoError(t, err)
		assert.Len(t, cells, 1)
		return nil
	}))
}

func testCellsInStatus(t *testing.T, s store.Store) {
	seed(t, s, func(tx store.Tx) error {
		if err := tx.PutCell(newCell("d1", "c1", datatypes.CellVoting, t0)); err != nil {
			return err
		}
		if err := tx.PutCell(newCell("d2", "c2", datatypes.CellCompleted, t0)); err != nil {
			return err
		}
		return tx.PutCell(newCell("d2", "c3", datatypes.CellVoting, t0.Add(time.Second)))
	})

	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		voting, err := r.CellsInStatus(datatypes.CellVoting)
		require.NoError(t, err)
		require.Len(t, voting, 2)
		assert.Equal(t, "c1", voting[0].ID)
		assert.Equal(t, "c3", voting[1].ID)
		return nil
	}))
}

func testReplaceBallot(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, func(tx store.Tx) error {
		return tx.ReplaceBallot("c1", "u1", []datatypes.Vote{
			{CellID: "c1", VoterID: "u1", IdeaID: "i1", Points: 7, CastAt: t0},
			{CellID: "c1", VoterID: "u1", IdeaID: "i2", Points: 3, CastAt: t0},
		})
	})
	seed(t, s, func(tx store.Tx) error {
		return tx.ReplaceBallot("c1", "u2", []datatypes.Vote{
			{CellID: "c1", VoterID: "u2", IdeaID: "i2", Points: 10, CastAt: t0},
		})
	})
	// u1 changes their mind: i1 disappears.
	seed(t, s, func(tx store.Tx) error {
		return tx.ReplaceBallot("c1", "u1", []datatypes.Vote{
			{CellID: "c1", VoterID: "u1", IdeaID: "i2", Points: 10, CastAt: t0},
		})
	})

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		votes, err := r.Votes("c1")
		require.NoError(t, err)
		require.Len(t, votes, 2)
		for _, v := range votes {
			assert.Equal(t, "i2", v.IdeaID)
			assert.Equal(t, 10, v.Points)
		}
		return nil
	}))
}

func testMembersAndUpvotes(t *testing.T, s store.Store) {
	ctx := context.Background()
	var first, second bool
	seed(t, s, func(tx store.Tx) error {
		var err error
		first, err = tx.AddMember(datatypes.Membership{DeliberationID: "d1", UserID: "u1", JoinedAt: t0})
		return err
	})
	seed(t, s, func(tx store.Tx) error {
		var err error
		second, err = tx.AddMember(datatypes.Membership{DeliberationID: "d1", UserID: "u1", JoinedAt: t0.Add(time.Minute)})
		return err
	})
	assert.True(t, first)
	assert.False(t, second)

	seed(t, s, func(tx store.Tx) error {
		var err error
		first, err = tx.AddUpvote("cm1", "u1")
		return err
	})
	seed(t, s, func(tx store.Tx) error {
		var err error
		second, err = tx.AddUpvote("cm1", "u1")
		return err
	})
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		members, err := r.Members("d1")
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.True(t, members[0].JoinedAt.Equal(t0))
		return nil
	}))
}

func testComments(t *testing.T, s store.Store) {
	c := &datatypes.Comment{
		ID: "cm1", DeliberationID: "d1", CellID: "c1", IdeaID: "i1",
		AuthorID: "u1", Text: "strong case", ReachTier: 1, CreatedAt: t0,
	}
	seed(t, s, func(tx store.Tx) error { return tx.PutComment(c) })
	c.UpvoteCount = 3
	c.ReachTier = 2
	seed(t, s, func(tx store.Tx) error { return tx.PutComment(c) })

	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		got, err := r.Comment("cm1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.UpvoteCount)
		assert.Equal(t, 2, got.ReachTier)

		all, err := r.Comments("d1")
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	}))
}

func testPredictions(t *testing.T, s store.Store) {
	p := &datatypes.Prediction{ID: "p1", DeliberationID: "d1", CellID: "c1", UserID: "u1", IdeaID: "i1", CreatedAt: t0}
	seed(t, s, func(tx store.Tx) error { return tx.PutPrediction(p) })
	p.Resolved, p.Correct = true, true
	seed(t, s, func(tx store.Tx) error { return tx.PutPrediction(p) })

	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		preds, err := r.Predictions("c1")
		require.NoError(t, err)
		require.Len(t, preds, 1)
		assert.True(t, preds[0].Resolved)
		assert.True(t, preds[0].Correct)
		return nil
	}))
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutDeliberation(newDeliberation("d1")); err != nil {
			return err
		}
		return datatypes.ErrInvalidPhase
	})
	assert.ErrorIs(t, err, datatypes.ErrInvalidPhase)

	err = s.View(ctx, func(r store.Reader) error {
		_, err := r.Deliberation("d1")
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := range 3 {
		ev, err := datatypes.NewEvent(datatypes.EventPhaseChanged, "d1", t0.Add(time.Duration(i)*time.Second),
			datatypes.PhaseChange{From: datatypes.PhaseSubmission, To: datatypes.PhaseVoting})
		require.NoError(t, err)
		seed(t, s, func(tx store.Tx) error { return tx.AppendEvent(ev) })
	}

	pending, err := s.PendingEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt))

	ok, err := s.MarkDispatched(ctx, pending[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkDispatched(ctx, pending[0])
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

// testOutboxKeepsAppendOrder appends several events with one timestamp in
// a single transaction; they must come back in append order.
func testOutboxKeepsAppendOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	kinds := []datatypes.EventKind{
		datatypes.EventTierCompleted,
		datatypes.EventCellCreated,
		datatypes.EventCommentPromoted,
		datatypes.EventChampionDeclared,
		datatypes.EventPhaseChanged,
	}
	seed(t, s, func(tx store.Tx) error {
		for _, k := range kinds {
			ev, err := datatypes.NewEvent(k, "d1", t0, struct{}{})
			if err != nil {
				return err
			}
			if err := tx.AppendEvent(ev); err != nil {
				return err
			}
		}
		return nil
	})
	// A later transaction with the same timestamp sorts after the first.
	later, err := datatypes.NewEvent(datatypes.EventCellCompleted, "d1", t0, struct{}{})
	require.NoError(t, err)
	seed(t, s, func(tx store.Tx) error { return tx.AppendEvent(later) })

	pending, err := s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, len(kinds)+1)
	for i, k := range kinds {
		assert.Equal(t, k, pending[i].Kind, "position %d", i)
	}

	// Claiming by the listed event still finds it.
	ok, err := s.MarkDispatched(ctx, pending[2])
	require.NoError(t, err)
	assert.True(t, ok)
	pending, err = s.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, len(kinds))
}

// testConcurrentClaim races many transactions that each move a cell to
// COMPLETED only if it is not completed yet. Exactly one may win.
func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, func(tx store.Tx) error {
		return tx.PutCell(newCell("d1", "c1", datatypes.CellVoting, t0))
	})

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Retry(ctx, store.RetryConfig{MaxAttempts: 50, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
				func(ctx context.Context) error {
					won := false
					err := s.Update(ctx, func(tx store.Tx) error {
						c, err := tx.Cell("c1")
						if err != nil {
							return err
						}
						if c.Status == datatypes.CellCompleted {
							return nil
						}
						c.Status = datatypes.CellCompleted
						won = true
						return tx.PutCell(c)
					})
					if err == nil && won {
						mu.Lock()
						wins++
						mu.Unlock()
					}
					return err
				}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
