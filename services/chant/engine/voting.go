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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

// =============================================================================
// Submission → Voting
// =============================================================================

// StartVotingPhase closes submission and seats the first tier.
//
// Description:
//
//	Valid only in SUBMISSION. With no ideas the deliberation is cancelled.
//	A single idea wins outright without any cell. With no members the call
//	reports InsufficientParticipants and changes nothing. Otherwise tier-1
//	cells are formed over every member and the deliberation moves to
//	VOTING. A concurrent caller that already moved the deliberation gets
//	OutcomeLostRace.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	deliberationID - Deliberation to start.
//
// Outputs:
//
//	datatypes.VotingOutcome - What happened.
//	error - ErrNotFound, ErrInvalidPhase or a store error.
func (e *Engine) StartVotingPhase(ctx context.Context, deliberationID string) (out datatypes.VotingOutcome, err error) {
	ctx, done := e.instrument(ctx, "start_voting", attribute.String("deliberation_id", deliberationID))
	defer func() { done(func() string { return string(out.Status) }, err) }()

	var observed datatypes.Phase
	err = e.observe(ctx, func(r store.Reader) error {
		d, err := loadDeliberation(r, deliberationID)
		if err != nil {
			return err
		}
		observed = d.Phase
		return nil
	})
	if err != nil {
		return out, err
	}
	if observed != datatypes.PhaseSubmission {
		return out, fmt.Errorf("start voting in %s: %w", observed, datatypes.ErrInvalidPhase)
	}

	err = e.transact(ctx, "start_voting", func(tx store.Tx) error {
		out = datatypes.VotingOutcome{}
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != observed {
			out.Status = datatypes.OutcomeLostRace
			return nil
		}
		return e.startVoting(tx, d, e.now(), &out)
	})
	if err == nil && out.Status == datatypes.OutcomeAutoWin {
		e.metrics.RecordChampion(false)
	}
	return out, err
}

// CloseSubmission ends an expired submission window.
//
// Description:
//
//	Called by the sweeper. With at least two ideas voting starts, otherwise
//	the deliberation is cancelled. A deliberation nobody joined is
//	cancelled too, since no later sweep could start it. The idea count is
//	read inside the transaction so a late submission is not lost. Before
//	SubmissionEndsAt the call reports NotReady.
//
// Outputs:
//
//	datatypes.SubmissionOutcome - Started, Cancelled, NotReady or LostRace.
//	error - ErrNotFound or a store error.
func (e *Engine) CloseSubmission(ctx context.Context, deliberationID string) (out datatypes.SubmissionOutcome, err error) {
	ctx, done := e.instrument(ctx, "close_submission", attribute.String("deliberation_id", deliberationID))
	defer func() { done(func() string { return string(out.Status) }, err) }()

	err = e.transact(ctx, "close_submission", func(tx store.Tx) error {
		out = datatypes.SubmissionOutcome{}
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if d.Phase != datatypes.PhaseSubmission {
			out.Status = datatypes.OutcomeLostRace
			return nil
		}
		now := e.now()
		if now.Before(d.SubmissionEndsAt) {
			out.Status = datatypes.OutcomeNotReady
			return nil
		}

		ideas, err := submittedIdeas(tx, d.ID)
		if err != nil {
			return err
		}
		if len(ideas) < 2 {
			out.Status = datatypes.OutcomeCancelled
			return cancel(tx, d, now)
		}
		voting := datatypes.VotingOutcome{}
		if err := e.startVoting(tx, d, now, &voting); err != nil {
			return err
		}
		out.Voting = &voting
		if voting.Status == datatypes.OutcomeInsufficientParticipants {
			out.Status = datatypes.OutcomeCancelled
			return cancel(tx, d, now)
		}
		out.Status = voting.Status
		return nil
	})
	return out, err
}

// startVoting moves a SUBMISSION deliberation forward inside tx.
func (e *Engine) startVoting(tx store.Tx, d *datatypes.Deliberation, now time.Time, out *datatypes.VotingOutcome) error {
	ideas, err := submittedIdeas(tx, d.ID)
	if err != nil {
		return err
	}
	out.Ideas = len(ideas)

	switch len(ideas) {
	case 0:
		out.Status = datatypes.OutcomeCancelled
		return cancel(tx, d, now)
	case 1:
		byID := map[string]*datatypes.Idea{ideas[0].ID: ideas[0]}
		if _, err := settleChampion(tx, d, byID, ideas[0].ID, 0, nil, now); err != nil {
			return err
		}
		out.Status = datatypes.OutcomeAutoWin
		out.ChampionID = ideas[0].ID
		return nil
	}

	members, err := tx.Members(d.ID)
	if err != nil {
		return fmt.Errorf("members: %w", err)
	}
	out.Participants = len(members)
	if len(members) == 0 {
		out.Status = datatypes.OutcomeInsufficientParticipants
		return nil
	}

	from := d.Phase
	d.Phase = datatypes.PhaseVoting
	d.CurrentTier = 1
	d.VotingStartedAt = now
	if err := tx.PutDeliberation(d); err != nil {
		return fmt.Errorf("put deliberation: %w", err)
	}
	for _, idea := range ideas {
		idea.LastRound = d.ChallengeRound
	}
	if err := enterTier(tx, ideas, 1); err != nil {
		return err
	}
	n, err := e.seatCells(tx, d, 1, ideas, memberIDs(members), now)
	if err != nil {
		return err
	}
	out.CellsCreated = n
	out.Status = datatypes.OutcomeStarted

	if err := emit(tx, datatypes.EventVotingStarted, d.ID, now, datatypes.ChallengeRound{
		Round:       d.ChallengeRound,
		Competitors: ideaIDs(ideas),
	}); err != nil {
		return err
	}
	return emitPhase(tx, d, from, now)
}

// cancel ends a deliberation that never reached voting.
func cancel(tx store.Tx, d *datatypes.Deliberation, now time.Time) error {
	from := d.Phase
	d.Phase = datatypes.PhaseCompleted
	d.CompletionReason = datatypes.ReasonCancelled
	d.CompletedAt = now
	if err := tx.PutDeliberation(d); err != nil {
		return fmt.Errorf("put deliberation: %w", err)
	}
	if err := emit(tx, datatypes.EventDeliberationCancelled, d.ID, now, datatypes.PhaseChange{
		From: from, To: d.Phase, Reason: d.CompletionReason,
	}); err != nil {
		return err
	}
	return emitPhase(tx, d, from, now)
}

func submittedIdeas(r store.Reader, deliberationID string) ([]*datatypes.Idea, error) {
	all, err := r.Ideas(deliberationID)
	if err != nil {
		return nil, fmt.Errorf("ideas: %w", err)
	}
	out := all[:0]
	for _, idea := range all {
		if idea.Status == datatypes.IdeaSubmitted {
			out = append(out, idea)
		}
	}
	return out, nil
}

func ideaIDs(ideas []*datatypes.Idea) []string {
	ids := make([]string, len(ideas))
	for i, idea := range ideas {
		ids[i] = idea.ID
	}
	return ids
}

// =============================================================================
// Discussion → Voting
// =============================================================================

// OpenCellVoting ends a cell's discussion window.
//
// Description:
//
//	Moves a DELIBERATING cell to VOTING. Any other status reports
//	OutcomeLostRace.
func (e *Engine) OpenCellVoting(ctx context.Context, cellID string) (out datatypes.CellOutcome, err error) {
	ctx, done := e.instrument(ctx, "open_cell", attribute.String("cell_id", cellID))
	defer func() { done(func() string { return string(out.Status) }, err) }()

	err = e.transact(ctx, "open_cell", func(tx store.Tx) error {
		out = datatypes.CellOutcome{CellID: cellID}
		c, err := loadCell(tx, cellID)
		if err != nil {
			return err
		}
		out.Tier = c.Tier
		if c.Status != datatypes.CellDeliberating {
			out.Status = datatypes.OutcomeLostRace
			return nil
		}
		c.Status = datatypes.CellVoting
		if err := tx.PutCell(c); err != nil {
			return fmt.Errorf("put cell: %w", err)
		}
		out.Status = datatypes.OutcomeOpened
		return nil
	})
	return out, err
}
