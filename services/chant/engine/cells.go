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
	"slices"
	"time"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/planner"
	"github.com/unitychant/chant/services/chant/store"
)

// seatCells forms the cells of one tier and writes them.
//
// Description:
//
//	Runs the planner over ideas and participants, stores one cell per
//	planned cell and queues a cell.created event for each. Cells open in
//	discussion when the deliberation has a discussion window, otherwise
//	they open for voting immediately.
//
// Inputs:
//
//	tx - Open transaction.
//	d - Deliberation the cells belong to. Round is d.ChallengeRound.
//	tier - Tier of the new cells.
//	ideas - Ideas on the ballot.
//	participants - Users to seat.
//	now - Creation time.
//
// Outputs:
//
//	int - Number of cells created.
//	error - planner.ErrNoIdeas, planner.ErrNoParticipants or a store error.
func (e *Engine) seatCells(tx store.Tx, d *datatypes.Deliberation, tier int, ideas []*datatypes.Idea, participants []string, now time.Time) (int, error) {
	refs := make([]planner.IdeaRef, len(ideas))
	for i, idea := range ideas {
		refs[i] = planner.IdeaRef{ID: idea.ID, AuthorID: idea.AuthorID}
	}
	plan, err := planner.FormCells(refs, participants, e.newRand())
	if err != nil {
		return 0, err
	}

	status := datatypes.CellVoting
	var discussionEnds time.Time
	deadline := now.Add(d.CellVotingTimeout)
	if d.DiscussionDuration > 0 {
		status = datatypes.CellDeliberating
		discussionEnds = now.Add(d.DiscussionDuration)
		deadline = discussionEnds.Add(d.CellVotingTimeout)
	}

	for i, p := range plan.Cells {
		// Microsecond steps keep listings in plan order on every backend.
		c := &datatypes.Cell{
			ID:               datatypes.NewID(),
			DeliberationID:   d.ID,
			Round:            d.ChallengeRound,
			Tier:             tier,
			Batch:            p.Batch,
			IdeaGroup:        p.IdeaGroup,
			SharedBallot:     p.SharedBallot,
			Showdown:         plan.Showdown,
			Status:           status,
			ParticipantIDs:   p.ParticipantIDs,
			IdeaIDs:          p.IdeaIDs,
			CreatedAt:        now.Add(time.Duration(i) * time.Microsecond),
			DiscussionEndsAt: discussionEnds,
			VotingDeadline:   deadline,
		}
		if err := tx.PutCell(c); err != nil {
			return 0, fmt.Errorf("put cell: %w", err)
		}
		if err := emit(tx, datatypes.EventCellCreated, d.ID, now, datatypes.CellAssignment{
			CellID:         c.ID,
			Round:          c.Round,
			Tier:           tier,
			ParticipantIDs: c.ParticipantIDs,
			IdeaIDs:        c.IdeaIDs,
			VotingDeadline: deadline,
		}); err != nil {
			return 0, err
		}
	}
	return len(plan.Cells), nil
}

// enterTier puts ideas on the ballot of the given tier.
func enterTier(tx store.Tx, ideas []*datatypes.Idea, tier int) error {
	for _, idea := range ideas {
		idea.Status = datatypes.IdeaInVoting
		idea.Tier = tier
		if err := tx.PutIdea(idea); err != nil {
			return fmt.Errorf("put idea %s: %w", idea.ID, err)
		}
	}
	return nil
}

// roundCells returns the cells of the current challenge round.
func roundCells(cells []*datatypes.Cell, round int) []*datatypes.Cell {
	out := make([]*datatypes.Cell, 0, len(cells))
	for _, c := range cells {
		if c.Round == round {
			out = append(out, c)
		}
	}
	return out
}

// memberIDs returns the user ids of a membership list.
func memberIDs(members []datatypes.Membership) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids
}

// cellParticipants is the ordered union of participants of cells.
func cellParticipants(cells []*datatypes.Cell) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range cells {
		for _, u := range c.ParticipantIDs {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// topIdeas returns the ids with the highest total, in ballot order. When
// nobody voted every idea is returned.
func topIdeas(ids []string, totals map[string]int) []string {
	best := 0
	for _, id := range ids {
		best = max(best, totals[id])
	}
	if best == 0 {
		return slices.Clone(ids)
	}
	var out []string
	for _, id := range ids {
		if totals[id] == best {
			out = append(out, id)
		}
	}
	return out
}

// without returns ids minus the ones in drop, keeping order.
func without(ids, drop []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(drop, id) {
			out = append(out, id)
		}
	}
	return out
}
