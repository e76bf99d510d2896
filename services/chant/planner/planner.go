// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner partitions participants and ideas into voting cells.
//
// # Description
//
// Everything in this package is pure: no store access, no clock, no global
// randomness. Callers pass a *rand.Rand so that tests can reproduce a plan
// and the engine can seed it per transition.
//
// # Sizing
//
// Cells hold between 3 and 7 participants. The only exception is the
// degenerate case of fewer than 3 participants, which yields a single cell
// of that size.
package planner

import (
	"errors"
	"math/rand"
	"slices"
)

const (
	// TargetCellSize is the preferred number of participants per cell.
	TargetCellSize = 5

	// MinCellSize is the floor participants are steered towards first.
	MinCellSize = 3

	// MaxCellSize is the largest cell CalculateCellSizes produces.
	MaxCellSize = 7

	// IdeasPerCell is the ballot size used to bucket ideas, and the largest
	// idea set that every cell of a tier votes on together.
	IdeasPerCell = 5
)

var (
	// ErrNoParticipants is returned when a plan is requested without voters.
	ErrNoParticipants = errors.New("planner: no participants")

	// ErrNoIdeas is returned when a plan is requested without ideas.
	ErrNoIdeas = errors.New("planner: no ideas")
)

// =============================================================================
// Sizing
// =============================================================================

// CalculateCellSizes splits n participants into cell sizes.
//
// # Description
//
// Groups of five are formed first. A remainder of one or two is folded into
// the last group (6 or 7) instead of producing an undersized cell; a
// remainder of three or four becomes its own cell.
//
// # Examples
//
//	CalculateCellSizes(15) // [5 5 5]
//	CalculateCellSizes(17) // [5 5 7]
//	CalculateCellSizes(8)  // [5 3]
//	CalculateCellSizes(2)  // [2]
func CalculateCellSizes(n int) []int {
	if n <= 0 {
		return nil
	}
	if n < TargetCellSize {
		return []int{n}
	}

	base := n / TargetCellSize
	rem := n % TargetCellSize

	sizes := make([]int, 0, base+1)
	switch rem {
	case 0:
		for range base {
			sizes = append(sizes, TargetCellSize)
		}
	case 1, 2:
		for range base - 1 {
			sizes = append(sizes, TargetCellSize)
		}
		sizes = append(sizes, TargetCellSize+rem)
	default:
		for range base {
			sizes = append(sizes, TargetCellSize)
		}
		sizes = append(sizes, rem)
	}
	return sizes
}

// CalculateIdeaSizes splits totalIdeas across totalCells as evenly as
// possible. The first totalIdeas%totalCells cells get one extra idea.
func CalculateIdeaSizes(totalIdeas, totalCells int) []int {
	if totalCells <= 0 || totalIdeas < 0 {
		return nil
	}
	base := totalIdeas / totalCells
	extra := totalIdeas % totalCells
	sizes := make([]int, totalCells)
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}

// =============================================================================
// Cell Formation
// =============================================================================

// IdeaRef is the part of an idea the planner needs.
type IdeaRef struct {
	ID       string
	AuthorID string
}

// CellPlan describes one cell to be created.
//
// # Fields
//
//   - Batch: replica index; cells sharing a Batch have disjoint idea sets.
//   - IdeaGroup: index of the idea set voted on by the cell.
//   - SharedBallot: another cell in the plan votes on the same idea set.
//   - AuthorConflicts: participants placed in a cell containing their own
//     idea because no conflict-free cell had room.
type CellPlan struct {
	Batch           int
	IdeaGroup       int
	SharedBallot    bool
	IdeaIDs         []string
	ParticipantIDs  []string
	TargetSize      int
	AuthorConflicts int
}

// Plan is the result of FormCells.
type Plan struct {
	Cells []CellPlan

	// Groups is the number of distinct idea sets.
	Groups int

	// Showdown is true when every cell votes on one identical idea set of
	// at most IdeasPerCell ideas.
	Showdown bool
}

// FormCells assigns ideas and participants to cells.
//
// # Description
//
// Both inputs are shuffled with rng. The number of cells comes from
// CalculateCellSizes over the participant count. When there are at most
// IdeasPerCell ideas every cell votes on the full set (a showdown).
// Otherwise ideas are split over the cells with CalculateIdeaSizes, one
// disjoint bucket per cell. A bucket must hold at least two ideas for a
// cell to eliminate anything, so with more than ideas/2 cells the bucket
// count is capped at ideas/2 and cell i votes on bucket i mod G; the
// repeated buckets form further batches.
//
// Participants are placed one at a time into the least-filled cell that
// still has room and does not carry one of their own ideas, preferring
// cells under MinCellSize. When no conflict-free cell has room the
// authorship rule is dropped for that participant.
//
// # Inputs
//
//   - ideas: candidate ideas. Must not be empty.
//   - participants: user ids. Must not be empty.
//   - rng: randomness source. Nil uses a package-level source.
//
// # Outputs
//
//   - Plan: cells in creation order.
//   - error: ErrNoIdeas or ErrNoParticipants.
func FormCells(ideas []IdeaRef, participants []string, rng *rand.Rand) (Plan, error) {
	if len(ideas) == 0 {
		return Plan{}, ErrNoIdeas
	}
	if len(participants) == 0 {
		return Plan{}, ErrNoParticipants
	}

	shuffledIdeas := slices.Clone(ideas)
	shuffledUsers := slices.Clone(participants)
	shuffle(rng, len(shuffledIdeas), func(i, j int) {
		shuffledIdeas[i], shuffledIdeas[j] = shuffledIdeas[j], shuffledIdeas[i]
	})
	shuffle(rng, len(shuffledUsers), func(i, j int) {
		shuffledUsers[i], shuffledUsers[j] = shuffledUsers[j], shuffledUsers[i]
	})

	sizes := CalculateCellSizes(len(shuffledUsers))
	groups := bucketIdeas(shuffledIdeas, len(sizes))

	plan := Plan{
		Cells:    make([]CellPlan, len(sizes)),
		Groups:   len(groups),
		Showdown: len(shuffledIdeas) <= IdeasPerCell,
	}
	for i, size := range sizes {
		g := i % len(groups)
		plan.Cells[i] = CellPlan{
			Batch:          i / len(groups),
			IdeaGroup:      g,
			SharedBallot:   len(sizes) > len(groups),
			IdeaIDs:        slices.Clone(groups[g]),
			ParticipantIDs: make([]string, 0, size),
			TargetSize:     size,
		}
	}
	// Only groups that actually repeat are shared.
	if len(sizes) > len(groups) {
		counts := make([]int, len(groups))
		for i := range plan.Cells {
			counts[plan.Cells[i].IdeaGroup]++
		}
		for i := range plan.Cells {
			plan.Cells[i].SharedBallot = counts[plan.Cells[i].IdeaGroup] > 1
		}
	}

	authored := make(map[string]map[string]struct{})
	for _, idea := range shuffledIdeas {
		if authored[idea.AuthorID] == nil {
			authored[idea.AuthorID] = make(map[string]struct{})
		}
		authored[idea.AuthorID][idea.ID] = struct{}{}
	}

	for _, user := range shuffledUsers {
		idx, conflict := pickCell(plan.Cells, authored[user])
		c := &plan.Cells[idx]
		c.ParticipantIDs = append(c.ParticipantIDs, user)
		if conflict {
			c.AuthorConflicts++
		}
	}
	return plan, nil
}

// bucketIdeas splits ideas into idea groups for the given number of cells.
// Above IdeasPerCell ideas every group has at least two ideas.
func bucketIdeas(ideas []IdeaRef, cells int) [][]string {
	if len(ideas) <= IdeasPerCell {
		all := make([]string, len(ideas))
		for i, idea := range ideas {
			all[i] = idea.ID
		}
		return [][]string{all}
	}

	groupCount := min(cells, len(ideas)/2)
	groups := make([][]string, groupCount)
	next := 0
	for g, n := range CalculateIdeaSizes(len(ideas), groupCount) {
		groups[g] = make([]string, 0, n)
		for _, idea := range ideas[next : next+n] {
			groups[g] = append(groups[g], idea.ID)
		}
		next += n
	}
	return groups
}

// pickCell returns the index of the cell the next participant goes to and
// whether the authorship rule had to be relaxed.
func pickCell(cells []CellPlan, own map[string]struct{}) (int, bool) {
	if idx := leastFilled(cells, func(c *CellPlan) bool { return !carriesAny(c, own) }); idx >= 0 {
		return idx, false
	}
	idx := leastFilled(cells, func(*CellPlan) bool { return true })
	return idx, carriesAny(&cells[idx], own)
}

// leastFilled picks among cells with room that satisfy ok, preferring cells
// under MinCellSize, then the lowest fill, then the lowest index.
func leastFilled(cells []CellPlan, ok func(*CellPlan) bool) int {
	best := -1
	for i := range cells {
		c := &cells[i]
		if len(c.ParticipantIDs) >= c.TargetSize || !ok(c) {
			continue
		}
		if best < 0 || better(c, &cells[best]) {
			best = i
		}
	}
	return best
}

func better(a, b *CellPlan) bool {
	aUnder := len(a.ParticipantIDs) < MinCellSize
	bUnder := len(b.ParticipantIDs) < MinCellSize
	if aUnder != bUnder {
		return aUnder
	}
	return len(a.ParticipantIDs) < len(b.ParticipantIDs)
}

func carriesAny(c *CellPlan, own map[string]struct{}) bool {
	if len(own) == 0 {
		return false
	}
	for _, id := range c.IdeaIDs {
		if _, ok := own[id]; ok {
			return true
		}
	}
	return false
}

func shuffle(rng *rand.Rand, n int, swap func(i, j int)) {
	if rng == nil {
		rand.Shuffle(n, swap)
		return
	}
	rng.Shuffle(n, swap)
}
