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
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

// challengeSnapshot is the part of a deliberation a challenge round is
// keyed on.
type challengeSnapshot struct {
	phase datatypes.Phase
	round int
	quiet int
}

func snapshotOf(d *datatypes.Deliberation) challengeSnapshot {
	return challengeSnapshot{phase: d.Phase, round: d.ChallengeRound, quiet: d.QuietRounds}
}

// StartChallengeRound opens a new challenge round against the champion.
//
// Description:
//
//	Valid only in ACCUMULATING. The candidate pool is every PENDING idea
//	plus every BENCHED idea. Ideas with RetirementLosses or more losses
//	are retired, highest losses first, as long as the pool stays at or
//	above minNeeded = max(MinChallengers, 2 x ChampionEntryTier). The
//	remaining loss-bearing ideas sit this round out as BENCHED; all other
//	candidates compete.
//
//	Without competitors the quiet counter grows. At QuietRoundsToComplete
//	the deliberation completes with the standing champion, otherwise the
//	accumulation window is extended.
//
//	With competitors the champion turns DEFENDING, competitors go IN_VOTING
//	at tier 1, tier-1 cells are seated over every member and the
//	deliberation moves to VOTING in round ChallengeRound+1. A caller whose
//	observed (phase, round, quiet rounds) changed gets OutcomeLostRace.
//
// Outputs:
//
//	datatypes.ChallengeOutcome - What happened.
//	error - ErrNotFound, ErrInvalidPhase or a store error.
func (e *Engine) StartChallengeRound(ctx context.Context, deliberationID string) (out datatypes.ChallengeOutcome, err error) {
	ctx, done := e.instrument(ctx, "start_challenge", attribute.String("deliberation_id", deliberationID))
	defer func() { done(func() string { return string(out.Status) }, err) }()

	var observed challengeSnapshot
	err = e.observe(ctx, func(r store.Reader) error {
		d, err := loadDeliberation(r, deliberationID)
		if err != nil {
			return err
		}
		observed = snapshotOf(d)
		return nil
	})
	if err != nil {
		return out, err
	}
	if observed.phase != datatypes.PhaseAccumulating {
		return out, fmt.Errorf("start challenge in %s: %w", observed.phase, datatypes.ErrInvalidPhase)
	}

	err = e.transact(ctx, "start_challenge", func(tx store.Tx) error {
		out = datatypes.ChallengeOutcome{}
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		if snapshotOf(d) != observed {
			out.Status = datatypes.OutcomeLostRace
			return nil
		}
		return e.startChallenge(tx, d, &out)
	})
	return out, err
}

func (e *Engine) startChallenge(tx store.Tx, d *datatypes.Deliberation, out *datatypes.ChallengeOutcome) error {
	now := e.now()
	ideas, err := tx.Ideas(d.ID)
	if err != nil {
		return fmt.Errorf("ideas: %w", err)
	}

	var pool, lossy []*datatypes.Idea
	var champion *datatypes.Idea
	for _, idea := range ideas {
		if idea.ID == d.ChampionID {
			champion = idea
		}
		if !idea.Status.IsCandidate() {
			continue
		}
		pool = append(pool, idea)
		if idea.Losses >= e.cfg.RetirementLosses {
			lossy = append(lossy, idea)
		}
	}

	minNeeded := max(e.cfg.MinChallengers, 2*d.ChampionEntryTier)
	out.MinNeeded = minNeeded

	slices.SortStableFunc(lossy, func(a, b *datatypes.Idea) int {
		if a.Losses != b.Losses {
			return b.Losses - a.Losses
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	retire := min(len(lossy), max(0, len(pool)-minNeeded))

	var competitors []*datatypes.Idea
	for _, idea := range pool {
		if idea.Losses < e.cfg.RetirementLosses {
			competitors = append(competitors, idea)
		}
	}

	for i, idea := range lossy {
		if i < retire {
			idea.Status = datatypes.IdeaRetired
			out.Retired = append(out.Retired, idea.ID)
		} else {
			idea.Status = datatypes.IdeaBenched
			out.Benched = append(out.Benched, idea.ID)
		}
		if err := tx.PutIdea(idea); err != nil {
			return fmt.Errorf("put idea %s: %w", idea.ID, err)
		}
	}
	if len(out.Retired) > 0 {
		if err := emit(tx, datatypes.EventIdeaRetired, d.ID, now, datatypes.IdeasRetired{
			Round:   d.ChallengeRound + 1,
			IdeaIDs: out.Retired,
		}); err != nil {
			return err
		}
	}

	if len(competitors) == 0 {
		return e.quietRound(tx, d, out)
	}

	members, err := tx.Members(d.ID)
	if err != nil {
		return fmt.Errorf("members: %w", err)
	}

	from := d.Phase
	d.ChallengeRound++
	d.QuietRounds = 0
	d.Phase = datatypes.PhaseVoting
	d.CurrentTier = 1
	d.ChampionReentered = false
	d.VotingStartedAt = now
	if err := tx.PutDeliberation(d); err != nil {
		return fmt.Errorf("put deliberation: %w", err)
	}

	if champion != nil {
		champion.Status = datatypes.IdeaDefending
		if err := tx.PutIdea(champion); err != nil {
			return fmt.Errorf("put champion: %w", err)
		}
	}
	for _, idea := range competitors {
		idea.IsNew = false
		idea.LastRound = d.ChallengeRound
	}
	if err := enterTier(tx, competitors, 1); err != nil {
		return err
	}

	n, err := e.seatCells(tx, d, 1, competitors, memberIDs(members), now)
	if err != nil {
		return fmt.Errorf("challenge round %d: %w", d.ChallengeRound, err)
	}

	out.Status = datatypes.OutcomeStarted
	out.Round = d.ChallengeRound
	out.Competitors = ideaIDs(competitors)
	out.CellsCreated = n

	if err := emit(tx, datatypes.EventChallengeStarted, d.ID, now, datatypes.ChallengeRound{
		Round:       d.ChallengeRound,
		Competitors: out.Competitors,
		Benched:     out.Benched,
	}); err != nil {
		return err
	}
	return emitPhase(tx, d, from, now)
}

// quietRound records a challenge attempt that found no challenger.
func (e *Engine) quietRound(tx store.Tx, d *datatypes.Deliberation, out *datatypes.ChallengeOutcome) error {
	now := e.now()
	from := d.Phase
	d.QuietRounds++
	out.Round = d.ChallengeRound
	out.QuietRounds = d.QuietRounds

	if d.QuietRounds >= e.cfg.QuietRoundsToComplete {
		d.Phase = datatypes.PhaseCompleted
		d.CompletionReason = datatypes.ReasonQuiet
		d.CompletedAt = now
		out.Status = datatypes.OutcomeAutoCompleted
	} else {
		d.AccumulationEndsAt = now.Add(d.AccumulationWindow)
		out.Status = datatypes.OutcomeQuiet
	}
	if err := tx.PutDeliberation(d); err != nil {
		return fmt.Errorf("put deliberation: %w", err)
	}

	if err := emit(tx, datatypes.EventChallengeQuiet, d.ID, now, datatypes.ChallengeRound{
		Round:       d.ChallengeRound,
		QuietRounds: d.QuietRounds,
		Benched:     out.Benched,
	}); err != nil {
		return err
	}
	if d.Phase != from {
		return emitPhase(tx, d, from, now)
	}
	return nil
}
