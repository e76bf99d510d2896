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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

const (
	// MaxIdeaTextBytes bounds the size of a submitted idea.
	MaxIdeaTextBytes = 4 * 1024

	// MaxCommentTextBytes bounds the size of a comment.
	MaxCommentTextBytes = 2 * 1024
)

// requestValidate is the validator instance for API request bodies.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("ballot", validateBallot)
}

// validateBallot enforces the per-voter point budget on an allocation map.
//
// # Description
//
// Every allocation must be positive and the total must not exceed
// VoteBudget. Idea membership in the cell is checked later by the engine,
// which knows the ballot.
func validateBallot(fl validator.FieldLevel) bool {
	alloc, ok := fl.Field().Interface().(map[string]int)
	if !ok {
		return false
	}
	return withinBudget(alloc)
}

// withinBudget checks each allocation against the budget before adding it,
// so the running total can never overflow.
func withinBudget(alloc map[string]int) bool {
	total := 0
	for _, pts := range alloc {
		if pts <= 0 || pts > VoteBudget {
			return false
		}
		total += pts
		if total > VoteBudget {
			return false
		}
	}
	return true
}

// BallotTotal sums the points of an allocation.
func BallotTotal(alloc map[string]int) int {
	total := 0
	for _, pts := range alloc {
		total += pts
	}
	return total
}

// Validate runs struct validation on any request body of this package.
//
// # Outputs
//
//   - error: wraps ErrInvalidBallot for ballot failures, otherwise the
//     validator's field errors.
func Validate(req any) error {
	if err := requestValidate.Struct(req); err != nil {
		if _, ok := req.(*CastVoteRequest); ok {
			return fmt.Errorf("%w: %v", ErrInvalidBallot, err)
		}
		return err
	}
	return nil
}

// =============================================================================
// Request Types
// =============================================================================

// CreateDeliberationRequest creates a new proposal pool.
//
// # Fields
//
//   - SubmissionPeriod: how long ideas are accepted before the sweeper
//     starts voting. Zero uses the engine default.
//   - CellVotingTimeout, DiscussionDuration, AccumulationWindow: per
//     deliberation overrides of the engine defaults.
//   - ChampionEntryTier: tier at which a defending champion rejoins a
//     challenge round. Zero uses the engine default.
type CreateDeliberationRequest struct {
	Question           string        `json:"question" validate:"required,max=1024"`
	CreatorID          string        `json:"creator_id" validate:"required"`
	RollingMode        bool          `json:"rolling_mode"`
	SubmissionPeriod   time.Duration `json:"submission_period" validate:"gte=0"`
	CellVotingTimeout  time.Duration `json:"cell_voting_timeout" validate:"gte=0"`
	DiscussionDuration time.Duration `json:"discussion_duration" validate:"gte=0"`
	AccumulationWindow time.Duration `json:"accumulation_window" validate:"gte=0"`
	ChampionEntryTier  int           `json:"champion_entry_tier" validate:"gte=0,lte=10"`
}

// JoinRequest adds a member to a deliberation.
type JoinRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// SubmitIdeaRequest submits a proposal.
type SubmitIdeaRequest struct {
	AuthorID string `json:"author_id" validate:"required"`
	Text     string `json:"text" validate:"required,max=4096"`
}

// CastVoteRequest replaces the voter's ballot in one cell.
//
// Allocations maps idea id to points; the total may not exceed VoteBudget.
type CastVoteRequest struct {
	VoterID     string         `json:"voter_id" validate:"required"`
	Allocations map[string]int `json:"allocations" validate:"required,min=1,ballot"`
}

// ProcessCellRequest asks the engine to tally a cell.
type ProcessCellRequest struct {
	Timeout bool `json:"timeout"`
}

// CommentRequest adds a discussion comment to a cell.
type CommentRequest struct {
	AuthorID string `json:"author_id" validate:"required"`
	IdeaID   string `json:"idea_id"`
	Text     string `json:"text" validate:"required,max=2048"`
}

// UpvoteRequest upvotes a comment once per user.
type UpvoteRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// PredictionRequest records a guess of a cell's winner.
type PredictionRequest struct {
	UserID string `json:"user_id" validate:"required"`
	IdeaID string `json:"idea_id" validate:"required"`
}
