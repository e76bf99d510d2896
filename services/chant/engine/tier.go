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
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/planner"
	"github.com/unitychant/chant/services/chant/store"
)

// errNoSurvivor is returned when a finished tier left no idea standing.
var errNoSurvivor = errors.New("tier finished without a surviving idea")

// =============================================================================
// Tier Completion
// =============================================================================

// CheckTierCompletion advances a deliberation once every cell of a tier
// has completed.
//
// Description:
//
//	Reports NotReady while any cell of the tier is open, and
//	AlreadyResolved when the deliberation moved on (phase, current tier or
//	existing next-tier cells). Otherwise the tier is resolved in one
//	transaction:
//
//	  - Final showdown (every cell votes on one identical set of at most
//	    five ideas): points are summed across all cells and the single
//	    highest idea wins. Ties go to the defending champion, then the
//	    earliest submitted idea.
//	  - Otherwise per-cell winners advance, and every shared ballot group
//	    is decided on its aggregated points.
//
//	A defending champion rejoins once the next tier reaches its entry tier
//	or the challengers narrowed to one idea. One idea left is declared
//	champion. More than one claims the next tier, seats its cells and
//	promotes the top comments.
//
//	Duplicate in-process calls for the same tier share one execution;
//	callers that did not run it get OutcomeLostRace for a transition.
//	Across processes the deliberation version is the claim.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	deliberationID - Deliberation to check.
//	tier - Tier whose cells were completed.
//
// Outputs:
//
//	datatypes.TierOutcome - What happened.
//	error - ErrNotFound or a store error.
func (e *Engine) CheckTierCompletion(ctx context.Context, deliberationID string, tier int) (datatypes.TierOutcome, error) {
	key := fmt.Sprintf("%s:%d", deliberationID, tier)
	ran := false
	v, err, _ := e.tierFlight.Do(key, func() (any, error) {
		ran = true
		return e.checkTier(ctx, deliberationID, tier)
	})
	if err != nil {
		return datatypes.TierOutcome{Tier: tier}, err
	}
	out := v.(datatypes.TierOutcome)
	if !ran && (out.Status == datatypes.OutcomeAdvanced || out.Status == datatypes.OutcomeChampionDeclared) {
		out.Status = datatypes.OutcomeLostRace
	}
	return out, nil
}

func (e *Engine) checkTier(ctx context.Context, deliberationID string, tier int) (out datatypes.TierOutcome, err error) {
	ctx, done := e.instrument(ctx, "check_tier",
		attribute.String("deliberation_id", deliberationID),
		attribute.Int("tier", tier),
	)
	defer func() { done(func() string { return string(out.Status) }, err) }()

	retained := false
	err = e.transact(ctx, "check_tier", func(tx store.Tx) error {
		out = datatypes.TierOutcome{Tier: tier}
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		switch {
		case d.Phase != datatypes.PhaseVoting || d.CurrentTier > tier:
			out.Status = datatypes.OutcomeAlreadyResolved
			return nil
		case d.CurrentTier < tier:
			out.Status = datatypes.OutcomeNotReady
			return nil
		}

		cells, err := tx.Cells(d.ID)
		if err != nil {
			return fmt.Errorf("cells: %w", err)
		}
		current := roundCells(cells, d.ChallengeRound)
		var tierCells []*datatypes.Cell
		for _, c := range current {
			switch c.Tier {
			case tier:
				tierCells = append(tierCells, c)
			case tier + 1:
				out.Status = datatypes.OutcomeAlreadyResolved
				return nil
			}
		}
		if len(tierCells) == 0 {
			out.Status = datatypes.OutcomeNotReady
			return nil
		}
		for _, c := range tierCells {
			if c.Status != datatypes.CellCompleted {
				out.Status = datatypes.OutcomeNotReady
				return nil
			}
		}

		r := &tierRun{
			tx:      tx,
			d:       d,
			tier:    tier,
			cells:   tierCells,
			current: current,
			now:     e.now(),
		}
		if err := r.load(); err != nil {
			return err
		}
		if err := e.resolveTier(r, &out); err != nil {
			return err
		}
		retained = r.retained
		return nil
	})
	if err == nil && out.Status == datatypes.OutcomeChampionDeclared {
		e.metrics.RecordChampion(retained)
	}
	return out, err
}

// tierRun carries the state of one tier resolution attempt.
type tierRun struct {
	tx      store.Tx
	d       *datatypes.Deliberation
	tier    int
	cells   []*datatypes.Cell
	current []*datatypes.Cell
	now     time.Time

	ideas      []*datatypes.Idea
	byID       map[string]*datatypes.Idea
	cellTotals map[string]map[string]int
	totals     map[string]int
	retained   bool
}

func (r *tierRun) load() error {
	ideas, err := r.tx.Ideas(r.d.ID)
	if err != nil {
		return fmt.Errorf("ideas: %w", err)
	}
	r.ideas = ideas
	r.byID = make(map[string]*datatypes.Idea, len(ideas))
	for _, idea := range ideas {
		r.byID[idea.ID] = idea
	}

	r.cellTotals = make(map[string]map[string]int, len(r.cells))
	r.totals = make(map[string]int)
	for _, c := range r.cells {
		votes, err := r.tx.Votes(c.ID)
		if err != nil {
			return fmt.Errorf("votes of cell %s: %w", c.ID, err)
		}
		t := make(map[string]int, len(c.IdeaIDs))
		for _, v := range votes {
			if c.HasIdea(v.IdeaID) {
				t[v.IdeaID] += v.Points
				r.totals[v.IdeaID] += v.Points
			}
		}
		r.cellTotals[c.ID] = t
	}
	return nil
}

// resolveTier decides the tier and applies the result.
func (e *Engine) resolveTier(r *tierRun, out *datatypes.TierOutcome) error {
	var advancing, eliminated []string

	if isShowdown(r.cells) {
		out.FinalShowdown = true
		ids := r.cells[0].IdeaIDs
		winner := pickChampion(ids, r.totals, r.byID, r.d.ChampionID)
		advancing = []string{winner}
		eliminated = without(ids, advancing)
	} else {
		advancing, eliminated = r.collectAdvancing()
	}

	for _, id := range eliminated {
		idea := r.byID[id]
		if idea == nil || idea.Status != datatypes.IdeaInVoting || idea.Tier != r.tier {
			continue
		}
		idea.Status = datatypes.IdeaEliminated
		idea.Losses++
		if err := r.tx.PutIdea(idea); err != nil {
			return fmt.Errorf("put idea %s: %w", id, err)
		}
	}

	if champ := r.rejoiningChampion(len(advancing)); champ != nil {
		champ.LastRound = r.d.ChallengeRound
		r.d.ChampionReentered = true
		advancing = append(advancing, champ.ID)
		out.ChampionRejoined = true
	}

	out.Advancing = advancing
	out.Eliminated = eliminated

	switch len(advancing) {
	case 0:
		return fmt.Errorf("deliberation %s tier %d: %w", r.d.ID, r.tier, errNoSurvivor)
	case 1:
		retained, err := settleChampion(r.tx, r.d, r.byID, advancing[0], r.tier, r.totals, r.now)
		if err != nil {
			return err
		}
		r.retained = retained
		out.Status = datatypes.OutcomeChampionDeclared
		out.ChampionID = advancing[0]
		out.Phase = r.d.Phase
		return nil
	}
	return e.advanceTier(r, advancing, eliminated, out)
}

// collectAdvancing gathers per-cell winners and decides shared ballot
// groups on their aggregated points.
func (r *tierRun) collectAdvancing() (advancing, eliminated []string) {
	groups := make(map[int][]*datatypes.Cell)
	for _, c := range r.cells {
		if c.Deferred() {
			groups[c.IdeaGroup] = append(groups[c.IdeaGroup], c)
			continue
		}
		for _, id := range c.IdeaIDs {
			idea := r.byID[id]
			if idea != nil && idea.Status == datatypes.IdeaAdvancing && idea.Tier == r.tier {
				advancing = append(advancing, id)
			}
		}
	}

	keys := make([]int, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Ints(keys)
	for _, g := range keys {
		ids := groups[g][0].IdeaIDs
		sum := make(map[string]int, len(ids))
		for _, c := range groups[g] {
			for id, pts := range r.cellTotals[c.ID] {
				sum[id] += pts
			}
		}
		winners := topIdeas(ids, sum)
		advancing = append(advancing, winners...)
		eliminated = append(eliminated, without(ids, winners)...)
	}
	return advancing, eliminated
}

// rejoiningChampion returns the defending champion when it must join the
// next tier.
func (r *tierRun) rejoiningChampion(advancing int) *datatypes.Idea {
	d := r.d
	if !d.RollingMode || d.ChampionID == "" || d.ChampionReentered {
		return nil
	}
	champ := r.byID[d.ChampionID]
	if champ == nil || champ.Status != datatypes.IdeaDefending {
		return nil
	}
	if r.tier+1 >= d.ChampionEntryTier || advancing == 1 {
		return champ
	}
	return nil
}

// advanceTier claims the next tier and seats its cells.
func (e *Engine) advanceTier(r *tierRun, advancing, eliminated []string, out *datatypes.TierOutcome) error {
	next := r.tier + 1
	r.d.CurrentTier = next
	if err := r.tx.PutDeliberation(r.d); err != nil {
		return fmt.Errorf("claim tier %d: %w", next, err)
	}

	ideas := make([]*datatypes.Idea, 0, len(advancing))
	for _, id := range advancing {
		ideas = append(ideas, r.byID[id])
	}
	if err := enterTier(r.tx, ideas, next); err != nil {
		return err
	}

	n, err := e.seatCells(r.tx, r.d, next, ideas, cellParticipants(r.cells), r.now)
	if err != nil {
		return err
	}
	promoted, err := promoteTopComments(r, advancing)
	if err != nil {
		return err
	}

	out.Status = datatypes.OutcomeAdvanced
	out.NextTier = next
	out.CellsCreated = n
	out.CommentsPromoted = promoted

	return emit(r.tx, datatypes.EventTierCompleted, r.d.ID, r.now, datatypes.TierResult{
		Tier:       r.tier,
		Advancing:  advancing,
		Eliminated: eliminated,
		Totals:     r.totals,
		NextCells:  n,
	})
}

// isShowdown reports whether every cell votes on one identical set of at
// most planner.IdeasPerCell ideas.
func isShowdown(cells []*datatypes.Cell) bool {
	first := slices.Sorted(slices.Values(cells[0].IdeaIDs))
	if len(first) == 0 || len(first) > planner.IdeasPerCell {
		return false
	}
	for _, c := range cells[1:] {
		if !slices.Equal(first, slices.Sorted(slices.Values(c.IdeaIDs))) {
			return false
		}
	}
	return true
}

// pickChampion returns the highest-summed idea. Ties go to the defending
// champion, then to the earliest submitted idea, then to the lowest id.
func pickChampion(ids []string, totals map[string]int, byID map[string]*datatypes.Idea, championID string) string {
	ranked := slices.Clone(ids)
	slices.SortFunc(ranked, func(a, b string) int {
		if totals[a] != totals[b] {
			return totals[b] - totals[a]
		}
		if (a == championID) != (b == championID) {
			if a == championID {
				return -1
			}
			return 1
		}
		ia, ib := byID[a], byID[b]
		if ia != nil && ib != nil {
			if c := ia.CreatedAt.Compare(ib.CreatedAt); c != 0 {
				return c
			}
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
		return 0
	})
	return ranked[0]
}

// =============================================================================
// Champion
// =============================================================================

// settleChampion declares winnerID champion inside tx.
//
// Description:
//
//	The winner becomes WINNER and carries the champion flag; a dethroned
//	champion loses it. Rolling deliberations move to ACCUMULATING with a
//	fresh window and every challenger eliminated in this challenge round
//	is benched for the next one. Other deliberations complete.
//
// Outputs:
//
//	bool - True when the standing champion kept the title.
//	error - Store errors.
func settleChampion(tx store.Tx, d *datatypes.Deliberation, byID map[string]*datatypes.Idea, winnerID string, tier int, totals map[string]int, now time.Time) (bool, error) {
	winner := byID[winnerID]
	if winner == nil {
		return false, fmt.Errorf("champion %s: %w", winnerID, datatypes.ErrNotFound)
	}
	retained := d.ChampionID == winnerID

	if d.ChampionID != "" && !retained {
		if old := byID[d.ChampionID]; old != nil {
			old.IsChampion = false
			if old.Status == datatypes.IdeaDefending {
				old.Status = datatypes.IdeaBenched
			}
			if err := tx.PutIdea(old); err != nil {
				return false, fmt.Errorf("put idea %s: %w", old.ID, err)
			}
		}
	}

	winner.Status = datatypes.IdeaWinner
	winner.IsChampion = true
	if tier > 0 {
		winner.Tier = tier
	}
	if err := tx.PutIdea(winner); err != nil {
		return false, fmt.Errorf("put idea %s: %w", winner.ID, err)
	}

	if d.RollingMode && d.ChallengeRound > 0 {
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			idea := byID[id]
			if idea.Status != datatypes.IdeaEliminated || idea.LastRound != d.ChallengeRound {
				continue
			}
			idea.Status = datatypes.IdeaBenched
			if err := tx.PutIdea(idea); err != nil {
				return false, fmt.Errorf("put idea %s: %w", id, err)
			}
		}
	}

	from := d.Phase
	d.ChampionID = winnerID
	d.ChampionReentered = false
	if d.RollingMode {
		d.Phase = datatypes.PhaseAccumulating
		d.AccumulationEndsAt = now.Add(d.AccumulationWindow)
	} else {
		d.Phase = datatypes.PhaseCompleted
		d.CompletionReason = datatypes.ReasonChampion
		d.CompletedAt = now
	}
	if err := tx.PutDeliberation(d); err != nil {
		return false, fmt.Errorf("put deliberation: %w", err)
	}

	if err := emit(tx, datatypes.EventChampionDeclared, d.ID, now, datatypes.ChampionResult{
		IdeaID:         winnerID,
		Tier:           tier,
		ChallengeRound: d.ChallengeRound,
		Retained:       retained,
		Totals:         totals,
	}); err != nil {
		return false, err
	}
	return retained, emitPhase(tx, d, from, now)
}

// =============================================================================
// Comment Promotion
// =============================================================================

// promoteTopComments carries the best comments of a finished tier into
// the next one.
//
// Description:
//
//	Only comments of the current challenge round at the frontier
//	(ReachTier == tier) with at least one upvote are candidates. For every
//	advancing idea its most upvoted comment(s) are promoted, and for every
//	cell of the tier its most upvoted comment(s) not tied to an idea.
//	Ties are all promoted.
//
// Outputs:
//
//	int - Number of promoted comments.
//	error - Store errors.
func promoteTopComments(r *tierRun, advancing []string) (int, error) {
	comments, err := r.tx.Comments(r.d.ID)
	if err != nil {
		return 0, fmt.Errorf("comments: %w", err)
	}
	inRound := make(map[string]struct{}, len(r.current))
	for _, c := range r.current {
		inRound[c.ID] = struct{}{}
	}

	var frontier []*datatypes.Comment
	for _, cm := range comments {
		if _, ok := inRound[cm.CellID]; !ok {
			continue
		}
		if cm.ReachTier == r.tier && cm.UpvoteCount >= 1 {
			frontier = append(frontier, cm)
		}
	}
	if len(frontier) == 0 {
		return 0, nil
	}

	chosen := make(map[string]bool)
	for _, ideaID := range advancing {
		for _, cm := range topComments(frontier, func(cm *datatypes.Comment) bool { return cm.IdeaID == ideaID }) {
			chosen[cm.ID] = true
		}
	}
	for _, cell := range r.cells {
		for _, cm := range topComments(frontier, func(cm *datatypes.Comment) bool {
			return cm.CellID == cell.ID && cm.IdeaID == ""
		}) {
			chosen[cm.ID] = true
		}
	}

	var ids []string
	for _, cm := range frontier {
		if !chosen[cm.ID] {
			continue
		}
		cm.ReachTier = r.tier + 1
		if err := r.tx.PutComment(cm); err != nil {
			return 0, fmt.Errorf("put comment %s: %w", cm.ID, err)
		}
		ids = append(ids, cm.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return len(ids), emit(r.tx, datatypes.EventCommentPromoted, r.d.ID, r.now, datatypes.CommentsPromoted{
		ReachTier:  r.tier + 1,
		CommentIDs: ids,
	})
}

// topComments returns the most upvoted comments matching keep.
func topComments(comments []*datatypes.Comment, keep func(*datatypes.Comment) bool) []*datatypes.Comment {
	best := 0
	var out []*datatypes.Comment
	for _, cm := range comments {
		if !keep(cm) {
			continue
		}
		switch {
		case cm.UpvoteCount > best:
			best = cm.UpvoteCount
			out = append(out[:0], cm)
		case cm.UpvoteCount == best:
			out = append(out, cm)
		}
	}
	return out
}
