// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// VoteBudget is the number of points each voter may spread across the ideas
// of one cell.
const VoteBudget = 10

// NewID returns a fresh random identifier for any entity.
func NewID() string {
	return uuid.New().String()
}

// =============================================================================
// Deliberation
// =============================================================================

// Deliberation is one proposal pool moving through submission, voting and,
// in rolling mode, repeated challenge rounds.
//
// # Fields
//
//   - CurrentTier: 0 during submission, then the tier currently being voted.
//   - ChallengeRound: number of challenge rounds started so far.
//   - QuietRounds: consecutive challenge attempts that found no challenger.
//   - ChampionEntryTier: tier at which a defending champion rejoins a
//     challenge round.
//   - ChampionReentered: true once the defending champion joined the current
//     challenge round.
//   - Version: optimistic concurrency stamp, incremented by every write.
type Deliberation struct {
	ID                 string           `json:"id"`
	Question           string           `json:"question"`
	CreatorID          string           `json:"creator_id"`
	Phase              Phase            `json:"phase"`
	CurrentTier        int              `json:"current_tier"`
	ChallengeRound     int              `json:"challenge_round"`
	QuietRounds        int              `json:"quiet_rounds"`
	ChampionID         string           `json:"champion_id,omitempty"`
	RollingMode        bool             `json:"rolling_mode"`
	ChampionEntryTier  int              `json:"champion_entry_tier"`
	ChampionReentered  bool             `json:"champion_reentered"`
	CompletionReason   CompletionReason `json:"completion_reason"`
	CellVotingTimeout  time.Duration    `json:"cell_voting_timeout"`
	DiscussionDuration time.Duration    `json:"discussion_duration"`
	AccumulationWindow time.Duration    `json:"accumulation_window"`
	CreatedAt          time.Time        `json:"created_at"`
	SubmissionEndsAt   time.Time        `json:"submission_ends_at"`
	VotingStartedAt    time.Time        `json:"voting_started_at,omitempty"`
	AccumulationEndsAt time.Time        `json:"accumulation_ends_at,omitempty"`
	CompletedAt        time.Time        `json:"completed_at,omitempty"`
	Version            int64            `json:"version"`
}

// Clone returns a copy that can be mutated without touching the original.
func (d *Deliberation) Clone() *Deliberation {
	c := *d
	return &c
}

// =============================================================================
// Idea
// =============================================================================

// Idea is a proposal competing inside a deliberation.
type Idea struct {
	ID             string     `json:"id"`
	DeliberationID string     `json:"deliberation_id"`
	Text           string     `json:"text"`
	AuthorID       string     `json:"author_id"`
	Status         IdeaStatus `json:"status"`
	Tier           int        `json:"tier"`
	TotalPoints    int        `json:"total_points"`
	Losses         int        `json:"losses"`
	IsNew          bool       `json:"is_new"`
	IsChampion     bool       `json:"is_champion"`
	LastRound      int        `json:"last_round"`
	CreatedAt      time.Time  `json:"created_at"`
	Version        int64      `json:"version"`
}

// Clone returns a copy that can be mutated without touching the original.
func (i *Idea) Clone() *Idea {
	c := *i
	return &c
}

// =============================================================================
// Cell
// =============================================================================

// Cell is a small group of participants voting on a subset of ideas.
//
// # Fields
//
//   - Batch: replica index. Cells of one tier with the same Batch have
//     disjoint idea sets.
//   - IdeaGroup: index of the idea set this cell votes on.
//   - SharedBallot: true when another cell of the tier votes on the identical
//     idea set; per-idea results are then decided by tier aggregation.
//   - Showdown: the tier is a final showdown (one idea set of at most five
//     ideas on every cell). Per-idea results are decided by tier aggregation.
//   - Round: challenge round the cell belongs to, 0 for the initial vote.
type Cell struct {
	ID                 string     `json:"id"`
	DeliberationID     string     `json:"deliberation_id"`
	Round              int        `json:"round"`
	Tier               int        `json:"tier"`
	Batch              int        `json:"batch"`
	IdeaGroup          int        `json:"idea_group"`
	SharedBallot       bool       `json:"shared_ballot"`
	Showdown           bool       `json:"showdown"`
	Status             CellStatus `json:"status"`
	ParticipantIDs     []string   `json:"participant_ids"`
	IdeaIDs            []string   `json:"idea_ids"`
	DiscussionEndsAt   time.Time  `json:"discussion_ends_at,omitempty"`
	VotingDeadline     time.Time  `json:"voting_deadline"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        time.Time  `json:"completed_at,omitempty"`
	CompletedByTimeout bool       `json:"completed_by_timeout"`
	Version            int64      `json:"version"`
}

// Clone returns a deep copy.
func (c *Cell) Clone() *Cell {
	out := *c
	out.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	out.IdeaIDs = slices.Clone(c.IdeaIDs)
	return &out
}

// HasParticipant reports whether userID sits in the cell.
func (c *Cell) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Deferred reports whether per-idea marking waits for tier aggregation.
func (c *Cell) Deferred() bool {
	return c.SharedBallot || c.Showdown
}

// HasIdea reports whether ideaID is on the cell's ballot.
func (c *Cell) HasIdea(ideaID string) bool {
	return slices.Contains(c.IdeaIDs, ideaID)
}

// =============================================================================
// Vote, Comment, Membership, Prediction
// =============================================================================

// Vote is one allocation of points by a voter to an idea in a cell.
type Vote struct {
	CellID  string    `json:"cell_id"`
	VoterID string    `json:"voter_id"`
	IdeaID  string    `json:"idea_id"`
	Points  int       `json:"points"`
	CastAt  time.Time `json:"cast_at"`
}

// Comment is a discussion entry written inside a cell, optionally about one
// idea. ReachTier is the furthest tier at which the comment is visible.
type Comment struct {
	ID             string    `json:"id"`
	DeliberationID string    `json:"deliberation_id"`
	CellID         string    `json:"cell_id"`
	IdeaID         string    `json:"idea_id,omitempty"`
	AuthorID       string    `json:"author_id"`
	Text           string    `json:"text"`
	UpvoteCount    int       `json:"upvote_count"`
	ReachTier      int       `json:"reach_tier"`
	CreatedAt      time.Time `json:"created_at"`
}

// Membership records that a user joined a deliberation.
type Membership struct {
	DeliberationID string    `json:"deliberation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Prediction is a user's guess of which idea will win a cell.
type Prediction struct {
	ID             string    `json:"id"`
	DeliberationID string    `json:"deliberation_id"`
	CellID         string    `json:"cell_id"`
	UserID         string    `json:"user_id"`
	IdeaID         string    `json:"idea_id"`
	Resolved       bool      `json:"resolved"`
	Correct        bool      `json:"correct"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeliberationView is a read model of a deliberation with its ideas.
type DeliberationView struct {
	Deliberation *Deliberation `json:"deliberation"`
	Ideas        []*Idea       `json:"ideas"`
	Members      int           `json:"members"`
}
