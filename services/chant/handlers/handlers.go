// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the engine over HTTP with gin.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/telemetry"
)

// Engine is the set of engine operations reachable over HTTP.
type Engine interface {
	CreateDeliberation(ctx context.Context, req datatypes.CreateDeliberationRequest) (*datatypes.Deliberation, error)
	JoinDeliberation(ctx context.Context, deliberationID string, req datatypes.JoinRequest) (datatypes.JoinOutcome, error)
	SubmitIdea(ctx context.Context, deliberationID string, req datatypes.SubmitIdeaRequest) (*datatypes.Idea, error)
	GetDeliberation(ctx context.Context, deliberationID string) (*datatypes.DeliberationView, error)
	ListCells(ctx context.Context, deliberationID string) ([]*datatypes.Cell, error)
	ListComments(ctx context.Context, deliberationID string, tier int) ([]*datatypes.Comment, error)

	StartVotingPhase(ctx context.Context, deliberationID string) (datatypes.VotingOutcome, error)
	CloseSubmission(ctx context.Context, deliberationID string) (datatypes.SubmissionOutcome, error)
	CheckTierCompletion(ctx context.Context, deliberationID string, tier int) (datatypes.TierOutcome, error)
	StartChallengeRound(ctx context.Context, deliberationID string) (datatypes.ChallengeOutcome, error)
	AddLateJoinerToCell(ctx context.Context, deliberationID, userID string) (datatypes.LateJoinOutcome, error)

	GetCell(ctx context.Context, cellID string) (*datatypes.Cell, []datatypes.Vote, error)
	CastVote(ctx context.Context, cellID string, req datatypes.CastVoteRequest) (datatypes.VoteOutcome, error)
	ProcessCellResults(ctx context.Context, cellID string, isTimeout bool) (datatypes.CellOutcome, error)
	OpenCellVoting(ctx context.Context, cellID string) (datatypes.CellOutcome, error)
	AddComment(ctx context.Context, cellID string, req datatypes.CommentRequest) (*datatypes.Comment, error)
	UpvoteComment(ctx context.Context, commentID string, req datatypes.UpvoteRequest) (*datatypes.Comment, bool, error)
	PredictCellWinner(ctx context.Context, cellID string, req datatypes.PredictionRequest) (*datatypes.Prediction, error)
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// statusFor maps an engine error to an HTTP status.
//
// # Description
//
// Sentinel errors from datatypes keep their meaning at the edge. Struct
// validation failures are client errors. Anything else is a server error
// and is logged.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, datatypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrInvalidBallot):
		return http.StatusBadRequest
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, datatypes.ErrInvalidPhase),
		errors.Is(err, datatypes.ErrCellClosed),
		errors.Is(err, datatypes.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, datatypes.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status statusFor picks.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithTrace(c.Request.Context(), logger).Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
		c.JSON(status, ErrorResponse{Error: "internal error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}

// bindJSON decodes the body into req. It writes a 400 and returns false on
// malformed JSON.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return false
	}
	return true
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness reports whether the store answers. ping may be nil.
func Readiness(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			if err := ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
