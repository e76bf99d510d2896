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
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

// AddLateJoinerToCell seats a user who joined after voting started.
//
// Description:
//
//	Valid only in VOTING. The user becomes a member if not one already.
//	A user already seated in a cell of the current tier is reported as
//	AlreadyAssigned. Otherwise the least-loaded open cell of the current
//	tier below LateJoinMaxCellSize is chosen, avoiding cells that carry the
//	user's own idea when another cell has room. Two late joiners racing
//	for the same cell conflict on the cell version and the loser retries.
//
// Outputs:
//
//	datatypes.LateJoinOutcome - Assigned, AlreadyAssigned or
//	NoCellAvailable.
//	error - ErrNotFound, ErrInvalidPhase or a store error.
func (e *Engine) AddLateJoinerToCell(ctx context.Context, deliberationID, userID string) (out datatypes.LateJoinOutcome, err error) {
	ctx, done := e.instrument(ctx, "late_join",
		attribute.String("deliberation_id", deliberationID),
		attribute.String("user_id", userID),
	)
	defer func() { done(func() string { return string(out.Status) }, err) }()

	err = e.transact(ctx, "late_join", func(tx store.Tx) error {
		out = datatypes.LateJoinOutcome{}
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != datatypes.PhaseVoting {
			return fmt.Errorf("late join in %s: %w", d.Phase, datatypes.ErrInvalidPhase)
		}
		return e.seatLateJoiner(tx, d, userID, &out)
	})
	return out, err
}

func (e *Engine) seatLateJoiner(tx store.Tx, d *datatypes.Deliberation, userID string, out *datatypes.LateJoinOutcome) error {
	now := e.now()
	out.Tier = d.CurrentTier

	joined, err := tx.AddMember(datatypes.Membership{DeliberationID: d.ID, UserID: userID, JoinedAt: now})
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}

	cells, err := tx.Cells(d.ID)
	if err != nil {
		return fmt.Errorf("cells: %w", err)
	}
	var open []*datatypes.Cell
	for _, c := range roundCells(cells, d.ChallengeRound) {
		if c.Tier != d.CurrentTier {
			continue
		}
		if c.HasParticipant(userID) {
			out.Status = datatypes.OutcomeAlreadyAssigned
			out.CellID = c.ID
			out.CellSizeAfter = len(c.ParticipantIDs)
			return nil
		}
		if c.Status != datatypes.CellCompleted && len(c.ParticipantIDs) < e.cfg.LateJoinMaxCellSize {
			open = append(open, c)
		}
	}

	ideas, err := tx.Ideas(d.ID)
	if err != nil {
		return fmt.Errorf("ideas: %w", err)
	}
	own := make(map[string]struct{})
	for _, idea := range ideas {
		if idea.AuthorID == userID {
			own[idea.ID] = struct{}{}
		}
	}
	carriesOwn := func(c *datatypes.Cell) bool {
		for _, id := range c.IdeaIDs {
			if _, ok := own[id]; ok {
				return true
			}
		}
		return false
	}

	pick := leastLoaded(open, func(c *datatypes.Cell) bool { return !carriesOwn(c) })
	if pick == nil {
		pick = leastLoaded(open, func(*datatypes.Cell) bool { return true })
		out.AuthorConflict = pick != nil
	}
	if pick == nil {
		out.Status = datatypes.OutcomeNoCellAvailable
		if joined {
			return emit(tx, datatypes.EventMemberJoined, d.ID, now, datatypes.MemberJoined{UserID: userID})
		}
		return nil
	}

	pick.ParticipantIDs = append(pick.ParticipantIDs, userID)
	if err := tx.PutCell(pick); err != nil {
		return fmt.Errorf("put cell: %w", err)
	}
	out.Status = datatypes.OutcomeAssigned
	out.CellID = pick.ID
	out.CellSizeAfter = len(pick.ParticipantIDs)
	return emit(tx, datatypes.EventMemberJoined, d.ID, now, datatypes.MemberJoined{UserID: userID, CellID: pick.ID})
}

// leastLoaded returns the open cell with the fewest participants that
// passes ok, earliest cell first on ties.
func leastLoaded(cells []*datatypes.Cell, ok func(*datatypes.Cell) bool) *datatypes.Cell {
	var best *datatypes.Cell
	for _, c := range cells {
		if !ok(c) {
			continue
		}
		if best == nil || len(c.ParticipantIDs) < len(best.ParticipantIDs) {
			best = c
		}
	}
	return best
}
