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
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitychant/chant/services/chant/datatypes"
)

// CellResponse is the body of GET /v1/cells/:id.
type CellResponse struct {
	Cell  *datatypes.Cell  `json:"cell"`
	Votes []datatypes.Vote `json:"votes"`
}

// GetCell handles GET /v1/cells/:id.
func GetCell(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cell, votes, err := eng.GetCell(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if votes == nil {
			votes = []datatypes.Vote{}
		}
		c.JSON(http.StatusOK, CellResponse{Cell: cell, Votes: votes})
	}
}

// CastVote handles POST /v1/cells/:id/votes.
func CastVote(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CastVoteRequest
		if !bindJSON(c, &req) {
			return
		}
		out, err := eng.CastVote(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// ProcessCell handles POST /v1/cells/:id/process. The body is optional.
func ProcessCell(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ProcessCellRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
			return
		}
		out, err := eng.ProcessCellResults(c.Request.Context(), c.Param("id"), req.Timeout)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// OpenVoting handles POST /v1/cells/:id/open.
func OpenVoting(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := eng.OpenCellVoting(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// =============================================================================
// Discussion
// =============================================================================

// AddComment handles POST /v1/cells/:id/comments.
func AddComment(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CommentRequest
		if !bindJSON(c, &req) {
			return
		}
		cm, err := eng.AddComment(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusCreated, cm)
	}
}

// UpvoteComment handles POST /v1/comments/:id/upvotes.
func UpvoteComment(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.UpvoteRequest
		if !bindJSON(c, &req) {
			return
		}
		cm, added, err := eng.UpvoteComment(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"comment": cm, "added": added})
	}
}

// PredictWinner handles POST /v1/cells/:id/predictions.
func PredictWinner(eng Engine, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PredictionRequest
		if !bindJSON(c, &req) {
			return
		}
		p, err := eng.PredictCellWinner(c.Request.Context(), c.Param("id"), req)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusCreated, p)
	}
}
