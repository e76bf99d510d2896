// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitychant/chant/services/chant/handlers"
)

// Deps carries what the routes need.
//
// # Fields
//
//   - Engine: The consensus engine.
//   - Logger: Request error logger. Default: slog.Default().
//   - Metrics: Handler for GET /metrics. Nil leaves the route out.
//   - Ping: Readiness probe for GET /ready. May be nil.
type Deps struct {
	Engine  handlers.Engine
	Logger  *slog.Logger
	Metrics http.Handler
	Ping    func(ctx context.Context) error
}

// SetupRoutes registers the HTTP API on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	eng := deps.Engine

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.Readiness(deps.Ping))
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/deliberations", handlers.CreateDeliberation(eng, logger))

		delib := v1.Group("/deliberations/:id")
		{
			delib.GET("", handlers.GetDeliberation(eng, logger))
			delib.POST("/members", handlers.JoinDeliberation(eng, logger))
			delib.POST("/ideas", handlers.SubmitIdea(eng, logger))
			delib.GET("/cells", handlers.ListCells(eng, logger))
			delib.GET("/comments", handlers.ListComments(eng, logger))
			delib.POST("/voting", handlers.StartVoting(eng, logger))
			delib.POST("/close-submission", handlers.CloseSubmission(eng, logger))
			delib.POST("/tiers/:tier/check", handlers.CheckTier(eng, logger))
			delib.POST("/challenge", handlers.StartChallenge(eng, logger))
			delib.POST("/late-joiners", handlers.AddLateJoiner(eng, logger))
		}

		cells := v1.Group("/cells/:id")
		{
			cells.GET("", handlers.GetCell(eng, logger))
			cells.POST("/votes", handlers.CastVote(eng, logger))
			cells.POST("/process", handlers.ProcessCell(eng, logger))
			cells.POST("/open", handlers.OpenVoting(eng, logger))
			cells.POST("/comments", handlers.AddComment(eng, logger))
			cells.POST("/predictions", handlers.PredictWinner(eng, logger))
		}

		v1.POST("/comments/:id/upvotes", handlers.UpvoteComment(eng, logger))
	}
}
