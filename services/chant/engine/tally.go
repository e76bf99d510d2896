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
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/observability"
	"github.com/unitychant/chant/services/chant/store"
)

// =============================================================================
// Cell Tally
// =============================================================================

// ProcessCellResults closes a cell and tallies its votes.
//
// Description:
//
//	Claims the cell by moving it to COMPLETED inside one transaction. A
//	caller that finds the cell already COMPLETED returns OutcomeLostRace.
//	The winner sums points per idea. Cells on a shared or showdown ballot
//	defer per-idea marking to the tier check. Otherwise the top idea(s)
//	advance, ties included, and the rest are eliminated with one more
//	loss. A cell nobody voted in advances every idea. Predictions on the
//	cell are resolved in the same transaction.
//
//	After commit the tier completion check runs. Its failure is logged and
//	left for the sweeper; the cell result stands.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	cellID - Cell to close.
//	isTimeout - True when the voting deadline passed.
//
// Outputs:
//
//	datatypes.CellOutcome - Completed with totals, or LostRace.
//	error - ErrNotFound or a store error.
func (e *Engine) ProcessCellResults(ctx context.Context, cellID string, isTimeout bool) (datatypes.CellOutcome, error) {
	trigger := observability.TriggerTally
	if isTimeout {
		trigger = observability.TriggerTimeout
	}
	return e.processCell(ctx, cellID, isTimeout, trigger)
}

func (e *Engine) processCell(ctx context.Context, cellID string, isTimeout bool, trigger observability.CellTrigger) (out datatypes.CellOutcome, err error) {
	ctx, done := e.instrument(ctx, "process_cell",
		attribute.String("cell_id", cellID),
		attribute.String("trigger", string(trigger)),
	)
	defer func() { done(func() string { return string(out.Status) }, err) }()

	var deliberationID string
	err = e.transact(ctx, "process_cell", func(tx store.Tx) error {
		out = datatypes.CellOutcome{CellID: cellID, Timeout: isTimeout}
		c, err := loadCell(tx, cellID)
		if err != nil {
			return err
		}
		out.Tier = c.Tier
		deliberationID = c.DeliberationID
		if c.Status == datatypes.CellCompleted {
			out.Status = datatypes.OutcomeLostRace
			return nil
		}
		return tallyCell(tx, c, isTimeout, e.now(), &out)
	})
	if err != nil || out.Status != datatypes.OutcomeCompleted {
		return out, err
	}
	e.metrics.RecordCellCompleted(trigger)

	tiers, terr := e.CheckTierCompletion(ctx, deliberationID, out.Tier)
	if terr != nil {
		e.logger.Warn("tier check after cell completion failed",
			slog.String("deliberation_id", deliberationID),
			slog.String("cell_id", cellID),
			slog.Int("tier", out.Tier),
			slog.String("error", terr.Error()),
		)
		return out, nil
	}
	out.Tiers = &tiers
	return out, nil
}

// tallyCell completes c inside tx and fills out.
func tallyCell(tx store.Tx, c *datatypes.Cell, isTimeout bool, now time.Time, out *datatypes.CellOutcome) error {
	votes, err := tx.Votes(c.ID)
	if err != nil {
		return fmt.Errorf("votes: %w", err)
	}
	totals := make(map[string]int, len(c.IdeaIDs))
	for _, id := range c.IdeaIDs {
		totals[id] = 0
	}
	sum := 0
	for _, v := range votes {
		if _, ok := totals[v.IdeaID]; ok {
			totals[v.IdeaID] += v.Points
			sum += v.Points
		}
	}

	c.Status = datatypes.CellCompleted
	c.CompletedAt = now
	c.CompletedByTimeout = isTimeout
	if err := tx.PutCell(c); err != nil {
		return fmt.Errorf("put cell: %w", err)
	}

	out.Totals = totals
	out.ZeroVotes = sum == 0
	out.Deferred = c.Deferred()
	winners := topIdeas(c.IdeaIDs, totals)

	for _, id := range c.IdeaIDs {
		idea, err := tx.Idea(c.DeliberationID, id)
		if err != nil {
			return fmt.Errorf("idea %s: %w", id, err)
		}
		// Never touch an idea that already moved past this tier.
		if idea.Status != datatypes.IdeaInVoting || idea.Tier != c.Tier {
			continue
		}
		idea.TotalPoints += totals[id]
		if !out.Deferred {
			if slices.Contains(winners, id) {
				idea.Status = datatypes.IdeaAdvancing
				out.Advancing = append(out.Advancing, id)
			} else {
				idea.Status = datatypes.IdeaEliminated
				idea.Losses++
				out.Eliminated = append(out.Eliminated, id)
			}
		} else if totals[id] == 0 {
			continue
		}
		if err := tx.PutIdea(idea); err != nil {
			return fmt.Errorf("put idea %s: %w", id, err)
		}
	}

	if err := resolvePredictions(tx, c.ID, winners, sum > 0); err != nil {
		return err
	}

	out.Status = datatypes.OutcomeCompleted
	return emit(tx, datatypes.EventCellCompleted, c.DeliberationID, now, datatypes.CellResult{
		CellID:    c.ID,
		Tier:      c.Tier,
		Timeout:   isTimeout,
		Totals:    totals,
		Advancing: out.Advancing,
		Deferred:  out.Deferred,
	})
}

// resolvePredictions marks every open prediction on a cell. A prediction is
// correct when it named one of the cell's top ideas; nothing is correct in
// a cell without votes.
func resolvePredictions(tx store.Tx, cellID string, winners []string, anyVotes bool) error {
	preds, err := tx.Predictions(cellID)
	if err != nil {
		return fmt.Errorf("predictions: %w", err)
	}
	for _, p := range preds {
		if p.Resolved {
			continue
		}
		p.Resolved = true
		p.Correct = anyVotes && slices.Contains(winners, p.IdeaID)
		if err := tx.PutPrediction(p); err != nil {
			return fmt.Errorf("put prediction: %w", err)
		}
	}
	return nil
}

// =============================================================================
// Voting
// =============================================================================

// CastVote replaces a participant's ballot in a cell.
//
// Description:
//
//	The ballot must stay within datatypes.VoteBudget and name only ideas on
//	the cell. Casting again replaces the previous ballot. When every
//	participant has voted the cell is closed immediately.
//
// Outputs:
//
//	datatypes.VoteOutcome - Recorded, with the cell outcome when the vote
//	closed the cell.
//	error - ErrInvalidBallot, ErrCellClosed, ErrNotParticipant,
//	ErrNotFound or a store error.
func (e *Engine) CastVote(ctx context.Context, cellID string, req datatypes.CastVoteRequest) (out datatypes.VoteOutcome, err error) {
	ctx, done := e.instrument(ctx, "cast_vote", attribute.String("cell_id", cellID))
	defer func() { done(func() string { return string(out.Status) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return out, err
	}

	allVoted := false
	err = e.transact(ctx, "cast_vote", func(tx store.Tx) error {
		out = datatypes.VoteOutcome{CellID: cellID}
		allVoted = false
		c, err := loadCell(tx, cellID)
		if err != nil {
			return err
		}
		switch c.Status {
		case datatypes.CellVoting:
		case datatypes.CellDeliberating:
			return fmt.Errorf("cell %s is still in discussion: %w", cellID, datatypes.ErrCellClosed)
		case datatypes.CellCompleted:
			return fmt.Errorf("cell %s: %w", cellID, datatypes.ErrCellClosed)
		default:
			return fmt.Errorf("cell %s status %s: %w", cellID, c.Status, datatypes.ErrUnknownEnum)
		}
		if !c.HasParticipant(req.VoterID) {
			return fmt.Errorf("user %s in cell %s: %w", req.VoterID, cellID, datatypes.ErrNotParticipant)
		}

		ids := make([]string, 0, len(req.Allocations))
		for id := range req.Allocations {
			if !c.HasIdea(id) {
				return fmt.Errorf("idea %s is not on the ballot of cell %s: %w", id, cellID, datatypes.ErrInvalidBallot)
			}
			ids = append(ids, id)
		}
		slices.Sort(ids)

		now := e.now()
		votes := make([]datatypes.Vote, len(ids))
		for i, id := range ids {
			votes[i] = datatypes.Vote{
				CellID:  cellID,
				VoterID: req.VoterID,
				IdeaID:  id,
				Points:  req.Allocations[id],
				CastAt:  now,
			}
		}
		if err := tx.ReplaceBallot(cellID, req.VoterID, votes); err != nil {
			return fmt.Errorf("replace ballot: %w", err)
		}
		// A concurrent tally read the cell, so bumping it forces that tally
		// to retry and see this ballot.
		if err := tx.PutCell(c); err != nil {
			return fmt.Errorf("put cell: %w", err)
		}

		all, err := tx.Votes(cellID)
		if err != nil {
			return fmt.Errorf("votes: %w", err)
		}
		voters := make(map[string]struct{})
		for _, v := range all {
			voters[v.VoterID] = struct{}{}
		}

		out.Status = datatypes.OutcomeRecorded
		out.PointsCast = datatypes.BallotTotal(req.Allocations)
		out.Voters = len(voters)
		allVoted = out.Voters >= len(c.ParticipantIDs)

		return emit(tx, datatypes.EventVoteCast, c.DeliberationID, now, datatypes.VoteCast{
			CellID:  cellID,
			VoterID: req.VoterID,
			Points:  out.PointsCast,
		})
	})
	if err != nil || !allVoted {
		return out, err
	}

	cellOut, err := e.processCell(ctx, cellID, false, observability.TriggerAllVoted)
	if err != nil {
		return out, fmt.Errorf("close cell %s: %w", cellID, err)
	}
	out.Cell = &cellOut
	return out, nil
}
