// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateCellSizes_Examples(t *testing.T) {
	tests := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{-3, nil},
		{1, []int{1}},
		{2, []int{2}},
		{3, []int{3}},
		{4, []int{4}},
		{5, []int{5}},
		{6, []int{6}},
		{7, []int{7}},
		{8, []int{5, 3}},
		{9, []int{5, 4}},
		{10, []int{5, 5}},
		{11, []int{5, 6}},
		{15, []int{5, 5, 5}},
		{17, []int{5, 5, 7}},
		{19, []int{5, 5, 5, 4}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateCellSizes(tt.n))
		})
	}
}

func TestCalculateCellSizes_BoundsForAllN(t *testing.T) {
	for n := 3; n <= 2000; n++ {
		sizes := CalculateCellSizes(n)
		sum := 0
		for _, s := range sizes {
			require.GreaterOrEqual(t, s, MinCellSize, "n=%d sizes=%v", n, sizes)
			require.LessOrEqual(t, s, MaxCellSize, "n=%d sizes=%v", n, sizes)
			sum += s
		}
		require.Equal(t, n, sum, "n=%d sizes=%v", n, sizes)
	}
}

func TestCalculateIdeaSizes(t *testing.T) {
	assert.Equal(t, []int{3, 3, 2}, CalculateIdeaSizes(8, 3))
	assert.Equal(t, []int{2, 2}, CalculateIdeaSizes(4, 2))
	assert.Equal(t, []int{1, 0, 0}, CalculateIdeaSizes(1, 3))
	assert.Nil(t, CalculateIdeaSizes(4, 0))
}

func makeIdeas(n int) []IdeaRef {
	ideas := make([]IdeaRef, n)
	for i := range ideas {
		ideas[i] = IdeaRef{ID: fmt.Sprintf("idea-%02d", i), AuthorID: fmt.Sprintf("user-%02d", i)}
	}
	return ideas
}

func makeUsers(n int) []string {
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
	}
	return users
}

func TestFormCells_Errors(t *testing.T) {
	_, err := FormCells(nil, makeUsers(3), nil)
	assert.ErrorIs(t, err, ErrNoIdeas)

	_, err = FormCells(makeIdeas(3), nil, nil)
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestFormCells_DisjointBucketsWhenManyIdeas(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	plan, err := FormCells(makeIdeas(20), makeUsers(20), rng)
	require.NoError(t, err)

	require.Len(t, plan.Cells, 4)
	assert.Equal(t, 4, plan.Groups)
	assert.False(t, plan.Showdown)

	seen := map[string]int{}
	for _, c := range plan.Cells {
		assert.False(t, c.SharedBallot)
		assert.Equal(t, 0, c.Batch)
		assert.Len(t, c.ParticipantIDs, c.TargetSize)
		for _, id := range c.IdeaIDs {
			seen[id]++
		}
	}
	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "idea %s placed %d times", id, n)
	}
}

func TestFormCells_ShowdownSharesFullSet(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	plan, err := FormCells(makeIdeas(3), makeUsers(15), rng)
	require.NoError(t, err)

	require.Len(t, plan.Cells, 3)
	assert.True(t, plan.Showdown)
	assert.Equal(t, 1, plan.Groups)
	for i, c := range plan.Cells {
		assert.Len(t, c.IdeaIDs, 3)
		assert.True(t, c.SharedBallot)
		assert.Equal(t, i, c.Batch)
		assert.Equal(t, 0, c.IdeaGroup)
	}
}

func TestFormCells_SingleCellIsNotShared(t *testing.T) {
	plan, err := FormCells(makeIdeas(2), makeUsers(4), rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.Len(t, plan.Cells, 1)
	assert.False(t, plan.Cells[0].SharedBallot)
	assert.Len(t, plan.Cells[0].ParticipantIDs, 4)
}

func TestFormCells_OneBucketPerCell(t *testing.T) {
	// 8 ideas over 20 users -> 4 cells of 2 ideas, nothing shared.
	plan, err := FormCells(makeIdeas(8), makeUsers(20), rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	require.Len(t, plan.Cells, 4)
	assert.Equal(t, 4, plan.Groups)
	assert.False(t, plan.Showdown)
	seen := map[string]int{}
	for i, c := range plan.Cells {
		assert.Equal(t, i, c.IdeaGroup)
		assert.Equal(t, 0, c.Batch)
		assert.False(t, c.SharedBallot)
		assert.Len(t, c.IdeaIDs, 2)
		for _, id := range c.IdeaIDs {
			seen[id]++
		}
	}
	assert.Len(t, seen, 8)

	// 13 ideas over 15 users -> 3 cells sized by CalculateIdeaSizes.
	plan, err = FormCells(makeIdeas(13), makeUsers(15), rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	require.Len(t, plan.Cells, 3)
	var got []int
	for _, c := range plan.Cells {
		got = append(got, len(c.IdeaIDs))
		assert.False(t, c.SharedBallot)
	}
	assert.Equal(t, CalculateIdeaSizes(13, 3), got)
}

func TestFormCells_ReplicatesOnlyWhenBucketsWouldBeSingletons(t *testing.T) {
	// 7 ideas over 25 users: 5 cells but at most 3 buckets of two or more.
	plan, err := FormCells(makeIdeas(7), makeUsers(25), rand.New(rand.NewSource(11)))
	require.NoError(t, err)

	require.Len(t, plan.Cells, 5)
	assert.Equal(t, 3, plan.Groups)
	for i, c := range plan.Cells {
		assert.Equal(t, i%3, c.IdeaGroup)
		assert.Equal(t, i/3, c.Batch)
		assert.GreaterOrEqual(t, len(c.IdeaIDs), 2)
	}
	assert.True(t, plan.Cells[0].SharedBallot)
	assert.True(t, plan.Cells[1].SharedBallot)
	assert.False(t, plan.Cells[2].SharedBallot, "bucket 2 is not repeated")
	assert.Len(t, plan.Cells[0].IdeaIDs, 3)
	assert.Len(t, plan.Cells[2].IdeaIDs, 2)
}

func TestFormCells_AuthorConflictsAreCounted(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		plan, err := FormCells(makeIdeas(25), makeUsers(25), rand.New(rand.NewSource(seed)))
		require.NoError(t, err)

		for _, c := range plan.Cells {
			sitting := 0
			for _, u := range c.ParticipantIDs {
				own := "idea-" + u[len("user-"):]
				if containsID(c.IdeaIDs, own) {
					sitting++
				}
			}
			assert.Equal(t, sitting, c.AuthorConflicts, "seed %d", seed)
			assert.Len(t, c.ParticipantIDs, c.TargetSize)
		}
	}
}

func TestFormCells_NoConflictsWhenVotersAuthoredNothing(t *testing.T) {
	ideas := []IdeaRef{{ID: "a", AuthorID: "outsider"}, {ID: "b", AuthorID: "outsider"}}
	plan, err := FormCells(ideas, makeUsers(9), rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	for _, c := range plan.Cells {
		assert.Zero(t, c.AuthorConflicts)
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestFormCells_RelaxesAuthorshipWhenForced(t *testing.T) {
	// The only cell carries the only voter's idea.
	ideas := []IdeaRef{{ID: "only", AuthorID: "u1"}}
	plan, err := FormCells(ideas, []string{"u1"}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Cells, 1)
	assert.Equal(t, []string{"u1"}, plan.Cells[0].ParticipantIDs)
	assert.Equal(t, 1, plan.Cells[0].AuthorConflicts)
}

func TestFormCells_DoesNotMutateInput(t *testing.T) {
	ideas := makeIdeas(12)
	users := makeUsers(12)
	ideasCopy := append([]IdeaRef(nil), ideas...)
	usersCopy := append([]string(nil), users...)

	_, err := FormCells(ideas, users, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, ideasCopy, ideas)
	assert.Equal(t, usersCopy, users)
}
