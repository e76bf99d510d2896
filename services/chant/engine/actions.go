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
// Deliberations and Membership
// =============================================================================

// CreateDeliberation opens a new deliberation in SUBMISSION. The creator
// joins as the first member.
func (e *Engine) CreateDeliberation(ctx context.Context, req datatypes.CreateDeliberationRequest) (d *datatypes.Deliberation, err error) {
	ctx, done := e.instrument(ctx, "create_deliberation")
	defer func() { done(func() string { return string(datatypes.OutcomeRecorded) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return nil, err
	}

	err = e.transact(ctx, "create_deliberation", func(tx store.Tx) error {
		now := e.now()
		d = &datatypes.Deliberation{
			ID:                 datatypes.NewID(),
			Question:           req.Question,
			CreatorID:          req.CreatorID,
			Phase:              datatypes.PhaseSubmission,
			RollingMode:        req.RollingMode,
			ChampionEntryTier:  orDefault(req.ChampionEntryTier, e.cfg.ChampionEntryTier),
			CompletionReason:   datatypes.ReasonNone,
			CellVotingTimeout:  orDefault(req.CellVotingTimeout, e.cfg.CellVotingTimeout),
			DiscussionDuration: orDefault(req.DiscussionDuration, e.cfg.DiscussionDuration),
			AccumulationWindow: orDefault(req.AccumulationWindow, e.cfg.AccumulationWindow),
			CreatedAt:          now,
			SubmissionEndsAt:   now.Add(orDefault(req.SubmissionPeriod, e.cfg.SubmissionPeriod)),
		}
		if err := tx.PutDeliberation(d); err != nil {
			return fmt.Errorf("put deliberation: %w", err)
		}
		if _, err := tx.AddMember(datatypes.Membership{DeliberationID: d.ID, UserID: req.CreatorID, JoinedAt: now}); err != nil {
			return fmt.Errorf("add creator: %w", err)
		}
		return emit(tx, datatypes.EventDeliberationCreated, d.ID, now, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// JoinDeliberation adds a member. Joining a deliberation that is already
// voting also seats the user in a cell of the current tier.
func (e *Engine) JoinDeliberation(ctx context.Context, deliberationID string, req datatypes.JoinRequest) (out datatypes.JoinOutcome, err error) {
	ctx, done := e.instrument(ctx, "join", attribute.String("deliberation_id", deliberationID))
	defer func() { done(func() string { return string(out.Status) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return out, err
	}

	err = e.transact(ctx, "join", func(tx store.Tx) error {
		out = datatypes.JoinOutcome{}
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		switch d.Phase {
		case datatypes.PhaseCompleted:
			return fmt.Errorf("join completed deliberation: %w", datatypes.ErrInvalidPhase)
		case datatypes.PhaseVoting:
			late := datatypes.LateJoinOutcome{}
			if err := e.seatLateJoiner(tx, d, req.UserID, &late); err != nil {
				return err
			}
			out.Status = datatypes.OutcomeJoined
			out.LateJoin = &late
			return nil
		}

		now := e.now()
		joined, err := tx.AddMember(datatypes.Membership{DeliberationID: d.ID, UserID: req.UserID, JoinedAt: now})
		if err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		if !joined {
			out.Status = datatypes.OutcomeAlreadyMember
			return nil
		}
		out.Status = datatypes.OutcomeJoined
		return emit(tx, datatypes.EventMemberJoined, d.ID, now, datatypes.MemberJoined{UserID: req.UserID})
	})
	return out, err
}

// SubmitIdea adds an idea. During SUBMISSION it waits for the first vote;
// during ACCUMULATING, or while a rolling deliberation with a champion is
// voting, it waits as a PENDING challenger for the next round. The author
// becomes a member.
func (e *Engine) SubmitIdea(ctx context.Context, deliberationID string, req datatypes.SubmitIdeaRequest) (idea *datatypes.Idea, err error) {
	ctx, done := e.instrument(ctx, "submit_idea", attribute.String("deliberation_id", deliberationID))
	defer func() { done(func() string { return string(datatypes.OutcomeRecorded) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return nil, err
	}

	err = e.transact(ctx, "submit_idea", func(tx store.Tx) error {
		d, err := loadDeliberation(tx, deliberationID)
		if err != nil {
			return err
		}
		now := e.now()
		idea = &datatypes.Idea{
			ID:             datatypes.NewID(),
			DeliberationID: d.ID,
			Text:           req.Text,
			AuthorID:       req.AuthorID,
			CreatedAt:      now,
		}
		switch {
		case d.Phase == datatypes.PhaseSubmission:
			idea.Status = datatypes.IdeaSubmitted
		case d.Phase == datatypes.PhaseAccumulating,
			d.Phase == datatypes.PhaseVoting && d.RollingMode && d.ChampionID != "":
			idea.Status = datatypes.IdeaPending
			idea.IsNew = true
		default:
			return fmt.Errorf("submit idea in %s: %w", d.Phase, datatypes.ErrInvalidPhase)
		}

		if err := tx.PutIdea(idea); err != nil {
			return fmt.Errorf("put idea: %w", err)
		}
		if _, err := tx.AddMember(datatypes.Membership{DeliberationID: d.ID, UserID: req.AuthorID, JoinedAt: now}); err != nil {
			return fmt.Errorf("add author: %w", err)
		}
		return emit(tx, datatypes.EventIdeaSubmitted, d.ID, now, datatypes.IdeaSubmission{
			IdeaID:   idea.ID,
			AuthorID: idea.AuthorID,
			Status:   idea.Status,
		})
	})
	if err != nil {
		return nil, err
	}
	return idea, nil
}

// =============================================================================
// Discussion
// =============================================================================

// AddComment posts a comment in a cell the author sits in. The comment is
// visible at the cell's tier until promoted.
func (e *Engine) AddComment(ctx context.Context, cellID string, req datatypes.CommentRequest) (cm *datatypes.Comment, err error) {
	ctx, done := e.instrument(ctx, "add_comment", attribute.String("cell_id", cellID))
	defer func() { done(func() string { return string(datatypes.OutcomeRecorded) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return nil, err
	}

	err = e.transact(ctx, "add_comment", func(tx store.Tx) error {
		c, err := loadCell(tx, cellID)
		if err != nil {
			return err
		}
		if c.Status == datatypes.CellCompleted {
			return fmt.Errorf("comment on cell %s: %w", cellID, datatypes.ErrCellClosed)
		}
		if !c.HasParticipant(req.AuthorID) {
			return fmt.Errorf("user %s in cell %s: %w", req.AuthorID, cellID, datatypes.ErrNotParticipant)
		}
		if req.IdeaID != "" && !c.HasIdea(req.IdeaID) {
			return fmt.Errorf("idea %s in cell %s: %w", req.IdeaID, cellID, datatypes.ErrNotFound)
		}
		cm = &datatypes.Comment{
			ID:             datatypes.NewID(),
			DeliberationID: c.DeliberationID,
			CellID:         c.ID,
			IdeaID:         req.IdeaID,
			AuthorID:       req.AuthorID,
			Text:           req.Text,
			ReachTier:      c.Tier,
			CreatedAt:      e.now(),
		}
		return tx.PutComment(cm)
	})
	if err != nil {
		return nil, err
	}
	return cm, nil
}

// UpvoteComment counts one upvote per user. The bool reports whether the
// upvote was new.
func (e *Engine) UpvoteComment(ctx context.Context, commentID string, req datatypes.UpvoteRequest) (cm *datatypes.Comment, added bool, err error) {
	ctx, done := e.instrument(ctx, "upvote_comment", attribute.String("comment_id", commentID))
	defer func() { done(func() string { return string(datatypes.OutcomeRecorded) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return nil, false, err
	}

	err = e.transact(ctx, "upvote_comment", func(tx store.Tx) error {
		c, err := tx.Comment(commentID)
		if err != nil {
			return fmt.Errorf("comment %s: %w", commentID, err)
		}
		cm = c
		added, err = tx.AddUpvote(commentID, req.UserID)
		if err != nil || !added {
			return err
		}
		cm.UpvoteCount++
		return tx.PutComment(cm)
	})
	if err != nil {
		return nil, false, err
	}
	return cm, added, nil
}

// PredictCellWinner records or replaces a user's guess of a cell's winner.
// Predictions close with the cell.
func (e *Engine) PredictCellWinner(ctx context.Context, cellID string, req datatypes.PredictionRequest) (p *datatypes.Prediction, err error) {
	ctx, done := e.instrument(ctx, "predict", attribute.String("cell_id", cellID))
	defer func() { done(func() string { return string(datatypes.OutcomeRecorded) }, err) }()

	if err = datatypes.Validate(&req); err != nil {
		return nil, err
	}

	err = e.transact(ctx, "predict", func(tx store.Tx) error {
		c, err := loadCell(tx, cellID)
		if err != nil {
			return err
		}
		if c.Status == datatypes.CellCompleted {
			return fmt.Errorf("predict on cell %s: %w", cellID, datatypes.ErrCellClosed)
		}
		if !c.HasIdea(req.IdeaID) {
			return fmt.Errorf("idea %s in cell %s: %w", req.IdeaID, cellID, datatypes.ErrNotFound)
		}
		existing, err := tx.Predictions(cellID)
		if err != nil {
			return fmt.Errorf("predictions: %w", err)
		}
		p = nil
		for _, prev := range existing {
			if prev.UserID == req.UserID {
				p = prev
				break
			}
		}
		if p == nil {
			p = &datatypes.Prediction{
				ID:             datatypes.NewID(),
				DeliberationID: c.DeliberationID,
				CellID:         cellID,
				UserID:         req.UserID,
				CreatedAt:      e.now(),
			}
		}
		p.IdeaID = req.IdeaID
		return tx.PutPrediction(p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// Queries
// =============================================================================

// GetDeliberation returns a deliberation with its ideas and member count.
func (e *Engine) GetDeliberation(ctx context.Context, deliberationID string) (*datatypes.DeliberationView, error) {
	var view datatypes.DeliberationView
	err := e.observe(ctx, func(r store.Reader) error {
		d, err := loadDeliberation(r, deliberationID)
		if err != nil {
			return err
		}
		ideas, err := r.Ideas(deliberationID)
		if err != nil {
			return fmt.Errorf("ideas: %w", err)
		}
		members, err := r.Members(deliberationID)
		if err != nil {
			return fmt.Errorf("members: %w", err)
		}
		view = datatypes.DeliberationView{Deliberation: d, Ideas: ideas, Members: len(members)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ListCells returns every cell of a deliberation in creation order.
func (e *Engine) ListCells(ctx context.Context, deliberationID string) ([]*datatypes.Cell, error) {
	var cells []*datatypes.Cell
	err := e.observe(ctx, func(r store.Reader) error {
		if _, err := loadDeliberation(r, deliberationID); err != nil {
			return err
		}
		var err error
		cells, err = r.Cells(deliberationID)
		return err
	})
	return cells, err
}

// GetCell returns one cell with its votes.
func (e *Engine) GetCell(ctx context.Context, cellID string) (*datatypes.Cell, []datatypes.Vote, error) {
	var (
		cell  *datatypes.Cell
		votes []datatypes.Vote
	)
	err := e.observe(ctx, func(r store.Reader) error {
		var err error
		if cell, err = loadCell(r, cellID); err != nil {
			return err
		}
		votes, err = r.Votes(cellID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return cell, votes, nil
}

// ListComments returns the comments of a deliberation visible at tier.
// A tier of zero returns every comment.
func (e *Engine) ListComments(ctx context.Context, deliberationID string, tier int) ([]*datatypes.Comment, error) {
	var out []*datatypes.Comment
	err := e.observe(ctx, func(r store.Reader) error {
		all, err := r.Comments(deliberationID)
		if err != nil {
			return err
		}
		for _, cm := range all {
			if tier == 0 || cm.ReachTier >= tier {
				out = append(out, cm)
			}
		}
		return nil
	})
	return out, err
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
