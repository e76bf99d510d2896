// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/unitychant/chant/services/chant/datatypes"
)

// CreateDeliberation handles POST /v1/deliberations.
func CreateDeliberation(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateDeliberationRequest
		if !bindJSON(c, &req) {
			return
		}
		d, err := eng.CreateDeliberation(c.Request.Context(), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		logger.Info("deliberation created", slog.String("deliberation_id", d.ID), slog.Bool("rolling", d.RollingMode))
		c.JSON(http.StatusCreated, d)
	}
}

// GetDeliberation handles GET /v1/deliberations/:id.
func GetDeliberation(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := eng.GetDeliberation(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// JoinDeliberation handles POST /v1/deliberations/:id/members.
func JoinDeliberation(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.JoinRequest
		if !bindJSON(c, &req) {
			return
		}
		out, err := eng.JoinDeliberation(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// SubmitIdea handles POST /v1/deliberations/:id/ideas.
func SubmitIdea(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SubmitIdeaRequest
		if !bindJSON(c, &req) {
			return
		}
		idea, err := eng.SubmitIdea(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusCreated, idea)
	}
}

// ListCells handles GET /v1/deliberations/:id/cells.
func ListCells(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cells, err := eng.ListCells(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if cells == nil {
			cells = []*datatypes.Cell{}
		}
		c.JSON(http.StatusOK, gin.H{"cells": cells})
	}
}

// ListComments handles GET /v1/deliberations/:id/comments?tier=N.
func ListComments(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier := 0
		if raw := c.Query("tier"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, ErrorResponse{Error: "tier must be a non-negative integer"})
				return
			}
			tier = n
		}
		comments, err := eng.ListComments(c.Request.Context(), c.Param("id"), tier)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if comments == nil {
			comments = []*datatypes.Comment{}
		}
		c.JSON(http.StatusOK, gin.H{"comments": comments})
	}
}

// =============================================================================
// Phase transitions
// =============================================================================

// StartVoting handles POST /v1/deliberations/:id/voting.
func StartVoting(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := eng.StartVotingPhase(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// CloseSubmission handles POST /v1/deliberations/:id/close-submission.
func CloseSubmission(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := eng.CloseSubmission(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// CheckTier handles POST /v1/deliberations/:id/tiers/:tier/check.
func CheckTier(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, err := strconv.Atoi(c.Param("tier"))
		if err != nil || tier < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "tier must be a positive integer"})
			return
		}
		out, err := eng.CheckTierCompletion(c.Request.Context(), c.Param("id"), tier)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// StartChallenge handles POST /v1/deliberations/:id/challenge.
func StartChallenge(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := eng.StartChallengeRound(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// AddLateJoiner handles POST /v1/deliberations/:id/late-joiners.
func AddLateJoiner(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.JoinRequest
		if !bindJSON(c, &req) {
			return
		}
		if err := datatypes.Validate(&req); err != nil {
			writeError(c, logger, err)
			return
		}
		out, err := eng.AddLateJoinerToCell(c.Request.Context(), c.Param("id"), req.UserID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}
