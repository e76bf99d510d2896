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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unitychant/chant/services/chant/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubEngine implements the handlers used in these tests; err is returned
// from every overridden call when set.
type stubEngine struct {
	Engine
	err         error
	lastTimeout bool
	lastTier    int
}

func (s *stubEngine) GetDeliberation(context.Context, string) (*datatypes.DeliberationView, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &datatypes.DeliberationView{Deliberation: &datatypes.Deliberation{ID: "d1"}}, nil
}

func (s *stubEngine) CastVote(_ context.Context, cellID string, req datatypes.CastVoteRequest) (datatypes.VoteOutcome, error) {
	if s.err != nil {
		return datatypes.VoteOutcome{}, s.err
	}
	return datatypes.VoteOutcome{Status: datatypes.OutcomeRecorded, CellID: cellID, PointsCast: datatypes.BallotTotal(req.Allocations)}, nil
}

func (s *stubEngine) ProcessCellResults(_ context.Context, cellID string, isTimeout bool) (datatypes.CellOutcome, error) {
	s.lastTimeout = isTimeout
	return datatypes.CellOutcome{Status: datatypes.OutcomeCompleted, CellID: cellID}, s.err
}

func (s *stubEngine) ListComments(_ context.Context, _ string, tier int) ([]*datatypes.Comment, error) {
	s.lastTier = tier
	return nil, s.err
}

func (s *stubEngine) CheckTierCompletion(_ context.Context, _ string, tier int) (datatypes.TierOutcome, error) {
	s.lastTier = tier
	return datatypes.TierOutcome{Status: datatypes.OutcomeNotReady, Tier: tier}, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Error mapping
// =============================================================================

func TestStatusFor(t *testing.T) {
	validationErr := datatypes.Validate(&datatypes.JoinRequest{})
	require.Error(t, validationErr)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("load: %w", datatypes.ErrNotFound), http.StatusNotFound},
		{"invalid phase", fmt.Errorf("start voting in VOTING: %w", datatypes.ErrInvalidPhase), http.StatusConflict},
		{"invalid ballot", datatypes.ErrInvalidBallot, http.StatusBadRequest},
		{"cell closed", datatypes.ErrCellClosed, http.StatusConflict},
		{"not participant", datatypes.ErrNotParticipant, http.StatusForbidden},
		{"duplicate", datatypes.ErrDuplicate, http.StatusConflict},
		{"validation", validationErr, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	router := gin.New()
	router.GET("/v1/deliberations/:id", GetDeliberation(&stubEngine{err: errors.New("badger: value log corrupt")}, logger))

	w := do(router, http.MethodGet, "/v1/deliberations/d1", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
	assert.Contains(t, logs.String(), "value log corrupt")
}

// =============================================================================
// Handlers
// =============================================================================

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck)

	w := do(router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestReadiness(t *testing.T) {
	router := gin.New()
	router.GET("/ready-ok", Readiness(func(context.Context) error { return nil }))
	router.GET("/ready-down", Readiness(func(context.Context) error { return errors.New("closed") }))

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/ready-ok", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(router, http.MethodGet, "/ready-down", "").Code)
}

func TestCastVote_MalformedBody(t *testing.T) {
	router := gin.New()
	router.POST("/v1/cells/:id/votes", CastVote(&stubEngine{}, quietLogger()))

	w := do(router, http.MethodPost, "/v1/cells/c1/votes", `{"voter_id":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestCastVote_EngineErrorsMapped(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{datatypes.ErrInvalidBallot, http.StatusBadRequest},
		{datatypes.ErrCellClosed, http.StatusConflict},
		{datatypes.ErrNotParticipant, http.StatusForbidden},
		{datatypes.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			router := gin.New()
			router.POST("/v1/cells/:id/votes", CastVote(&stubEngine{err: tt.err}, quietLogger()))

			w := do(router, http.MethodPost, "/v1/cells/c1/votes", `{"voter_id":"u1","allocations":{"i1":10}}`)

			assert.Equal(t, tt.want, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body.Error)
		})
	}
}

func TestCastVote_Recorded(t *testing.T) {
	router := gin.New()
	router.POST("/v1/cells/:id/votes", CastVote(&stubEngine{}, quietLogger()))

	w := do(router, http.MethodPost, "/v1/cells/c9/votes", `{"voter_id":"u1","allocations":{"i1":6,"i2":4}}`)

	require.Equal(t, http.StatusOK, w.Code)
	var out datatypes.VoteOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, datatypes.OutcomeRecorded, out.Status)
	assert.Equal(t, "c9", out.CellID)
	assert.Equal(t, 10, out.PointsCast)
}

func TestProcessCell_OptionalBody(t *testing.T) {
	eng := &stubEngine{}
	router := gin.New()
	router.POST("/v1/cells/:id/process", ProcessCell(eng, quietLogger()))

	w := do(router, http.MethodPost, "/v1/cells/c1/process", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, eng.lastTimeout)

	w = do(router, http.MethodPost, "/v1/cells/c1/process", `{"timeout":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, eng.lastTimeout)
}

func TestListComments_TierQuery(t *testing.T) {
	eng := &stubEngine{}
	router := gin.New()
	router.GET("/v1/deliberations/:id/comments", ListComments(eng, quietLogger()))

	w := do(router, http.MethodGet, "/v1/deliberations/d1/comments?tier=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, eng.lastTier)
	assert.JSONEq(t, `{"comments":[]}`, w.Body.String())

	w = do(router, http.MethodGet, "/v1/deliberations/d1/comments?tier=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckTier_RejectsBadTier(t *testing.T) {
	eng := &stubEngine{}
	router := gin.New()
	router.POST("/v1/deliberations/:id/tiers/:tier/check", CheckTier(eng, quietLogger()))

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/v1/deliberations/d1/tiers/zero/check", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodPost, "/v1/deliberations/d1/tiers/0/check", "").Code)

	w := do(router, http.MethodPost, "/v1/deliberations/d1/tiers/2/check", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, eng.lastTier)
}
