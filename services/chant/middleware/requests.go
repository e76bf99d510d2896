// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides Gin middleware for the chant HTTP API.
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/unitychant/chant/services/chant/telemetry"
)

// =============================================================================
// Constants
// =============================================================================

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key for the request id.
const requestIDKey = "chant_request_id"

// maxRequestIDLen caps client-supplied ids so they cannot bloat logs.
const maxRequestIDLen = 128

// =============================================================================
// Context Helpers
// =============================================================================

// GetRequestID returns the id assigned by RequestID, or "" when the
// middleware did not run.
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Middleware
// =============================================================================

// RequestID assigns every request an id.
//
// # Description
//
// A client-supplied X-Request-ID is kept when it is non-empty and no longer
// than 128 bytes; otherwise a UUID is generated. The id is echoed in the
// response header and stored for GetRequestID.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for router.Use.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request after the handler returns.
//
// # Description
//
// Lines carry method, route template, status, latency and the request id,
// plus the trace id when the otelgin middleware ran first. 5xx responses
// log at Error, 4xx at Warn, everything else at Debug so health probes do
// not flood production logs.
//
// # Inputs
//
//   - logger: Destination. Nil means slog.Default().
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for router.Use.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("request_id", GetRequestID(c)),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		l := telemetry.LoggerWithTrace(c.Request.Context(), logger)
		switch {
		case status >= 500:
			l.Error("request failed", attrs...)
		case status >= 400:
			l.Warn("request rejected", attrs...)
		default:
			l.Debug("request served", attrs...)
		}
	}
}
