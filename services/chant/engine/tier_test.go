// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

// completeCells closes every cell of a tier without votes.
func (h *harness) completeCells(delibID string, round, tier int) {
	h.t.Helper()
	require.NoError(h.t, h.store.Update(h.ctx, func(tx store.Tx) error {
		cells, err := tx.Cells(delibID)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if c.Round != round || c.Tier != tier {
				continue
			}
			c.Status = datatypes.CellCompleted
			c.CompletedAt = h.clock.Now()
			if err := tx.PutCell(c); err != nil {
				return err
			}
		}
		return nil
	}))
}

// =============================================================================
// Tier Completion
// =============================================================================

func TestCheckTierCompletion_Guards(t *testing.T) {
	h := newHarness(t)
	d, _ := h.seed(false, 10, 10)

	out, err := h.e.CheckTierCompletion(h.ctx, d.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeAlreadyResolved, out.Status, "not voting yet")

	_, err = h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)

	out, err = h.e.CheckTierCompletion(h.ctx, d.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeNotReady, out.Status)

	out, err = h.e.CheckTierCompletion(h.ctx, d.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeNotReady, out.Status)

	_, err = h.e.CheckTierCompletion(h.ctx, "missing", 1)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}

func TestCheckTierCompletion_ConcurrentCallersAdvanceOnce(t *testing.T) {
	h := newHarness(t)
	other, err := New(h.store, Config{}, WithSeed(7), WithClock(h.clock.Now))
	require.NoError(t, err)

	d, ids := h.seed(false, 25, 7)
	_, err = h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)
	tier1 := h.cells(d.ID, 0, 1)
	require.Len(t, tier1, 5)
	shared := 0
	for _, c := range tier1 {
		if c.SharedBallot {
			shared++
		}
	}
	require.Equal(t, 4, shared, "two of three buckets repeat across batches")
	h.completeCells(d.ID, 0, 1)

	engines := []*Engine{h.e, other}
	const callers = 8
	outcomes := make([]datatypes.TierOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := engines[i%2].CheckTierCompletion(h.ctx, d.ID, 1)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	advanced := 0
	for _, out := range outcomes {
		switch out.Status {
		case datatypes.OutcomeAdvanced:
			advanced++
			assert.Equal(t, 2, out.NextTier)
		case datatypes.OutcomeLostRace, datatypes.OutcomeAlreadyResolved:
		default:
			t.Errorf("unexpected outcome %s", out.Status)
		}
	}
	assert.Equal(t, 1, advanced)

	// Nobody voted, so every idea survives into tier 2.
	assert.Len(t, h.cells(d.ID, 0, 2), 5)
	assert.Equal(t, 2, h.deliberation(d.ID).CurrentTier)
	for _, id := range ids {
		idea := h.idea(d.ID, id)
		assert.Equal(t, datatypes.IdeaInVoting, idea.Status)
		assert.Equal(t, 2, idea.Tier)
	}
	assert.Equal(t, 1, h.pendingKinds()[datatypes.EventTierCompleted])
}

func TestFinalShowdown_SumsAcrossCells(t *testing.T) {
	h := newHarness(t)
	d, ids := h.seed(false, 15, 3)
	a, b, c := ids[0], ids[1], ids[2]

	_, err := h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)
	cells := h.cells(d.ID, 0, 1)
	require.Len(t, cells, 3)
	for _, cell := range cells {
		require.True(t, cell.Showdown)
	}

	// Cell one backs B outright; the other two lean to C. C wins two
	// cells but B carries more points overall.
	h.voteAll(cells[0], func(string) map[string]int { return map[string]int{b: 10} })
	h.voteAll(cells[1], func(string) map[string]int { return map[string]int{c: 6, b: 4} })
	last := h.voteAll(cells[2], func(string) map[string]int { return map[string]int{c: 6, b: 4} })

	require.NotNil(t, last.Cell)
	require.NotNil(t, last.Cell.Tiers)
	tiers := last.Cell.Tiers
	assert.Equal(t, datatypes.OutcomeChampionDeclared, tiers.Status)
	assert.True(t, tiers.FinalShowdown)
	assert.Equal(t, b, tiers.ChampionID)
	assert.Equal(t, datatypes.PhaseCompleted, tiers.Phase)

	got := h.deliberation(d.ID)
	assert.Equal(t, b, got.ChampionID)
	assert.Equal(t, datatypes.ReasonChampion, got.CompletionReason)

	winner := h.idea(d.ID, b)
	assert.Equal(t, datatypes.IdeaWinner, winner.Status)
	assert.Equal(t, 90, winner.TotalPoints)
	for _, id := range []string{a, c} {
		idea := h.idea(d.ID, id)
		assert.Equal(t, datatypes.IdeaEliminated, idea.Status)
		assert.Equal(t, 1, idea.Losses)
	}
	assert.Equal(t, 60, h.idea(d.ID, c).TotalPoints)
}

func TestFinalShowdown_TieGoesToEarliestIdea(t *testing.T) {
	h := newHarness(t)
	d, ids := h.seed(false, 5, 2)
	_, err := h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)

	cell := h.cells(d.ID, 0, 1)[0]
	last := h.voteAll(cell, func(string) map[string]int { return map[string]int{ids[0]: 5, ids[1]: 5} })
	require.NotNil(t, last.Cell.Tiers)
	assert.Equal(t, ids[0], last.Cell.Tiers.ChampionID)
}

func TestTierAdvance_PromotesTopComments(t *testing.T) {
	h := newHarness(t)
	d, _ := h.seed(false, 10, 10)
	_, err := h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)
	cells := h.cells(d.ID, 0, 1)
	require.Len(t, cells, 2)
	cellA, cellB := cells[0], cells[1]
	ideaA, ideaB := cellA.IdeaIDs[0], cellB.IdeaIDs[0]
	author := cellA.ParticipantIDs[0]

	post := func(ideaID, text string, upvotes int) *datatypes.Comment {
		cm, err := h.e.AddComment(h.ctx, cellA.ID, datatypes.CommentRequest{AuthorID: author, IdeaID: ideaID, Text: text})
		require.NoError(t, err)
		for i := 0; i < upvotes; i++ {
			_, added, err := h.e.UpvoteComment(h.ctx, cm.ID, datatypes.UpvoteRequest{UserID: fmt.Sprintf("reader-%d", i)})
			require.NoError(t, err)
			require.True(t, added)
		}
		return cm
	}
	best := post(ideaA, "strong case", 2)
	post(ideaA, "weaker case", 1)
	general := post("", "general remark", 1)
	post("", "nobody liked this", 0)

	_, added, err := h.e.UpvoteComment(h.ctx, best.ID, datatypes.UpvoteRequest{UserID: "reader-0"})
	require.NoError(t, err)
	assert.False(t, added, "second upvote from the same user is ignored")

	_, err = h.e.AddComment(h.ctx, cellA.ID, datatypes.CommentRequest{AuthorID: cellB.ParticipantIDs[0], Text: "outsider"})
	assert.ErrorIs(t, err, datatypes.ErrNotParticipant)

	h.voteAll(cellA, func(string) map[string]int { return map[string]int{ideaA: 10} })
	last := h.voteAll(cellB, func(string) map[string]int { return map[string]int{ideaB: 10} })
	require.NotNil(t, last.Cell.Tiers)
	assert.Equal(t, datatypes.OutcomeAdvanced, last.Cell.Tiers.Status)
	assert.ElementsMatch(t, []string{ideaA, ideaB}, last.Cell.Tiers.Advancing)
	assert.Equal(t, 2, last.Cell.Tiers.CommentsPromoted)

	visible, err := h.e.ListComments(h.ctx, d.ID, 2)
	require.NoError(t, err)
	var promoted []string
	for _, cm := range visible {
		promoted = append(promoted, cm.ID)
	}
	assert.ElementsMatch(t, []string{best.ID, general.ID}, promoted)

	all, err := h.e.ListComments(h.ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

// =============================================================================
// Challenge Rounds
// =============================================================================

// rollingWithChampion returns an ACCUMULATING rolling deliberation whose
// champion won unopposed.
func (h *harness) rollingWithChampion(users int) (*datatypes.Deliberation, string) {
	h.t.Helper()
	d, ids := h.seed(true, users, 1)
	out, err := h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(h.t, err)
	require.Equal(h.t, datatypes.OutcomeAutoWin, out.Status)
	return d, ids[0]
}

func (h *harness) challenger(delibID string, author int, text string) string {
	h.t.Helper()
	h.clock.Advance(time.Second)
	idea, err := h.e.SubmitIdea(h.ctx, delibID, datatypes.SubmitIdeaRequest{AuthorID: userName(author), Text: text})
	require.NoError(h.t, err)
	return idea.ID
}

func TestStartChallengeRound_RequiresAccumulating(t *testing.T) {
	h := newHarness(t)
	d, _ := h.seed(true, 3, 2)
	_, err := h.e.StartChallengeRound(h.ctx, d.ID)
	assert.ErrorIs(t, err, datatypes.ErrInvalidPhase)
}

func TestStartChallengeRound_RetiresLossBearingIdeas(t *testing.T) {
	h := newHarness(t)
	d, _ := h.rollingWithChampion(6)

	losses := []int{5, 4, 3, 3, 2, 2, 2, 2, 0, 0}
	ids := make([]string, len(losses))
	for i := range losses {
		ids[i] = h.challenger(d.ID, i%6, fmt.Sprintf("challenger %d", i))
	}
	require.NoError(t, h.store.Update(h.ctx, func(tx store.Tx) error {
		for i, n := range losses {
			if n == 0 {
				continue
			}
			idea, err := tx.Idea(d.ID, ids[i])
			if err != nil {
				return err
			}
			idea.Losses = n
			idea.Status = datatypes.IdeaBenched
			if err := tx.PutIdea(idea); err != nil {
				return err
			}
		}
		return nil
	}))

	out, err := h.e.StartChallengeRound(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeStarted, out.Status)
	assert.Equal(t, 1, out.Round)
	assert.Equal(t, 5, out.MinNeeded)
	assert.Equal(t, ids[:5], out.Retired, "highest losses first, earliest idea on ties")
	assert.Equal(t, ids[5:8], out.Benched)
	assert.ElementsMatch(t, ids[8:], out.Competitors)
	assert.Positive(t, out.CellsCreated)

	for _, id := range ids[:5] {
		assert.Equal(t, datatypes.IdeaRetired, h.idea(d.ID, id).Status)
	}
	for _, id := range ids[8:] {
		idea := h.idea(d.ID, id)
		assert.Equal(t, datatypes.IdeaInVoting, idea.Status)
		assert.False(t, idea.IsNew)
		assert.Equal(t, 1, idea.LastRound)
	}

	got := h.deliberation(d.ID)
	assert.Equal(t, datatypes.PhaseVoting, got.Phase)
	assert.Equal(t, 1, got.ChallengeRound)
	assert.Equal(t, datatypes.IdeaDefending, h.idea(d.ID, got.ChampionID).Status)
	assert.Equal(t, 1, h.pendingKinds()[datatypes.EventIdeaRetired])
}

func TestStartChallengeRound_QuietRoundsComplete(t *testing.T) {
	h := newHarness(t)
	d, champion := h.rollingWithChampion(4)

	for round := 1; round <= 2; round++ {
		h.clock.Advance(25 * time.Hour)
		out, err := h.e.StartChallengeRound(h.ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, datatypes.OutcomeQuiet, out.Status)
		assert.Equal(t, round, out.QuietRounds)
		got := h.deliberation(d.ID)
		assert.Equal(t, datatypes.PhaseAccumulating, got.Phase)
		assert.Equal(t, h.clock.Now().Add(24*time.Hour), got.AccumulationEndsAt)
	}

	out, err := h.e.StartChallengeRound(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeAutoCompleted, out.Status)

	got := h.deliberation(d.ID)
	assert.Equal(t, datatypes.PhaseCompleted, got.Phase)
	assert.Equal(t, datatypes.ReasonQuiet, got.CompletionReason)
	assert.Equal(t, champion, got.ChampionID)
	assert.Equal(t, 3, h.pendingKinds()[datatypes.EventChallengeQuiet])
}

func TestStartChallengeRound_ConcurrentCallersStartOnce(t *testing.T) {
	h := newHarness(t)
	d, _ := h.rollingWithChampion(8)
	for i := 0; i < 3; i++ {
		h.challenger(d.ID, i, fmt.Sprintf("challenger %d", i))
	}

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.e.StartChallengeRound(h.ctx, d.ID)
			if err != nil {
				assert.ErrorIs(t, err, datatypes.ErrInvalidPhase)
				return
			}
			if out.Status == datatypes.OutcomeStarted {
				mu.Lock()
				started++
				mu.Unlock()
				return
			}
			assert.Equal(t, datatypes.OutcomeLostRace, out.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	got := h.deliberation(d.ID)
	assert.Equal(t, 1, got.ChallengeRound)
	assert.Equal(t, 1, h.pendingKinds()[datatypes.EventChallengeStarted])
}

func TestChallengeRound_ChampionRejoinsAndIsDethroned(t *testing.T) {
	h := newHarness(t)
	d, x := h.rollingWithChampion(5)
	y := h.challenger(d.ID, 1, "challenger y")
	z := h.challenger(d.ID, 2, "challenger z")

	out, err := h.e.StartChallengeRound(h.ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, datatypes.OutcomeStarted, out.Status)

	tier1 := h.cells(d.ID, 1, 1)
	require.Len(t, tier1, 1)
	assert.ElementsMatch(t, []string{y, z}, tier1[0].IdeaIDs)

	last := h.voteAll(tier1[0], func(string) map[string]int { return map[string]int{y: 10} })
	require.NotNil(t, last.Cell.Tiers)
	assert.Equal(t, datatypes.OutcomeAdvanced, last.Cell.Tiers.Status)
	assert.True(t, last.Cell.Tiers.ChampionRejoined)
	assert.ElementsMatch(t, []string{y, x}, last.Cell.Tiers.Advancing)

	tier2 := h.cells(d.ID, 1, 2)
	require.Len(t, tier2, 1)
	assert.ElementsMatch(t, []string{y, x}, tier2[0].IdeaIDs)

	last = h.voteAll(tier2[0], func(string) map[string]int { return map[string]int{y: 8, x: 2} })
	require.NotNil(t, last.Cell.Tiers)
	assert.Equal(t, datatypes.OutcomeChampionDeclared, last.Cell.Tiers.Status)
	assert.Equal(t, y, last.Cell.Tiers.ChampionID)

	got := h.deliberation(d.ID)
	assert.Equal(t, y, got.ChampionID)
	assert.Equal(t, datatypes.PhaseAccumulating, got.Phase)

	newChamp := h.idea(d.ID, y)
	assert.Equal(t, datatypes.IdeaWinner, newChamp.Status)
	assert.True(t, newChamp.IsChampion)

	old := h.idea(d.ID, x)
	assert.False(t, old.IsChampion)
	assert.Equal(t, datatypes.IdeaBenched, old.Status)
	assert.Equal(t, datatypes.IdeaBenched, h.idea(d.ID, z).Status)
}

// =============================================================================
// Late Joiners
// =============================================================================

func TestAddLateJoinerToCell(t *testing.T) {
	h := newHarness(t)
	d, _ := h.seed(false, 10, 10)

	_, err := h.e.AddLateJoinerToCell(h.ctx, d.ID, "late-0")
	assert.ErrorIs(t, err, datatypes.ErrInvalidPhase)

	_, err = h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)

	joined, err := h.e.JoinDeliberation(h.ctx, d.ID, datatypes.JoinRequest{UserID: "late-1"})
	require.NoError(t, err)
	require.NotNil(t, joined.LateJoin)
	assert.Equal(t, datatypes.OutcomeAssigned, joined.LateJoin.Status)
	assert.Equal(t, 6, joined.LateJoin.CellSizeAfter)
	assert.Equal(t, 1, joined.LateJoin.Tier)

	again, err := h.e.AddLateJoinerToCell(h.ctx, d.ID, "late-1")
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeAlreadyAssigned, again.Status)
	assert.Equal(t, joined.LateJoin.CellID, again.CellID)

	// Two cells of five take two more each before hitting the cap of 7.
	for i := 2; i <= 4; i++ {
		out, err := h.e.AddLateJoinerToCell(h.ctx, d.ID, fmt.Sprintf("late-%d", i))
		require.NoError(t, err)
		assert.Equal(t, datatypes.OutcomeAssigned, out.Status)
	}
	full, err := h.e.AddLateJoinerToCell(h.ctx, d.ID, "late-5")
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeNoCellAvailable, full.Status)

	for _, c := range h.cells(d.ID, 0, 1) {
		assert.Len(t, c.ParticipantIDs, 7)
	}
	view, err := h.e.GetDeliberation(h.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, view.Members)
}

func TestAddLateJoinerToCell_AvoidsOwnIdea(t *testing.T) {
	h := newHarness(t)
	d, _ := h.seed(false, 10, 10)
	_, err := h.e.StartVotingPhase(h.ctx, d.ID)
	require.NoError(t, err)

	// Give the newcomer authorship of an idea in the first cell.
	cells := h.cells(d.ID, 0, 1)
	require.NoError(t, h.store.Update(h.ctx, func(tx store.Tx) error {
		idea, err := tx.Idea(d.ID, cells[0].IdeaIDs[0])
		if err != nil {
			return err
		}
		idea.AuthorID = "late-author"
		return tx.PutIdea(idea)
	}))

	out, err := h.e.AddLateJoinerToCell(h.ctx, d.ID, "late-author")
	require.NoError(t, err)
	assert.Equal(t, datatypes.OutcomeAssigned, out.Status)
	assert.Equal(t, cells[1].ID, out.CellID)
	assert.False(t, out.AuthorConflict)
}
