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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhase_JSONUsesCanonicalNames(t *testing.T) {
	d := Deliberation{ID: "d1", Phase: PhaseAccumulating, CompletionReason: ReasonNone}

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"phase":"ACCUMULATING"`)

	var back Deliberation
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, PhaseAccumulating, back.Phase)
}

func TestPhase_ZeroValueIsRejected(t *testing.T) {
	_, err := json.Marshal(Deliberation{ID: "d1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEnum))
}

func TestParseIdeaStatus_Unknown(t *testing.T) {
	_, err := ParseIdeaStatus("POOLED")
	assert.ErrorIs(t, err, ErrUnknownEnum)
}

func TestIdeaStatus_RoundTripAllValues(t *testing.T) {
	for s := range ideaStatusNames {
		parsed, err := ParseIdeaStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestIdeaStatus_IsCandidate(t *testing.T) {
	assert.True(t, IdeaPending.IsCandidate())
	assert.True(t, IdeaBenched.IsCandidate())
	assert.False(t, IdeaEliminated.IsCandidate())
	assert.False(t, IdeaRetired.IsCandidate())
	assert.False(t, IdeaDefending.IsCandidate())
}

func TestCellStatus_UnmarshalRejectsUnknown(t *testing.T) {
	var c Cell
	err := json.Unmarshal([]byte(`{"status":"PAUSED"}`), &c)
	assert.Error(t, err)
}

func TestValidate_CastVoteBudget(t *testing.T) {
	ok := &CastVoteRequest{VoterID: "u1", Allocations: map[string]int{"a": 6, "b": 4}}
	assert.NoError(t, Validate(ok))

	over := &CastVoteRequest{VoterID: "u1", Allocations: map[string]int{"a": 6, "b": 5}}
	assert.ErrorIs(t, Validate(over), ErrInvalidBallot)

	negative := &CastVoteRequest{VoterID: "u1", Allocations: map[string]int{"a": 11, "b": -3}}
	assert.ErrorIs(t, Validate(negative), ErrInvalidBallot)

	wrapping := &CastVoteRequest{VoterID: "u1", Allocations: map[string]int{"a": 1 << 62, "b": 1 << 62}}
	assert.ErrorIs(t, Validate(wrapping), ErrInvalidBallot)

	single := &CastVoteRequest{VoterID: "u1", Allocations: map[string]int{"a": 11}}
	assert.ErrorIs(t, Validate(single), ErrInvalidBallot)
}

func TestValidate_CreateDeliberation(t *testing.T) {
	assert.Error(t, Validate(&CreateDeliberationRequest{CreatorID: "u1"}))
	assert.NoError(t, Validate(&CreateDeliberationRequest{
		Question:         "Where should the park go?",
		CreatorID:        "u1",
		SubmissionPeriod: time.Hour,
	}))
}

func TestNewEvent_EncodesPayload(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	ev, err := NewEvent(EventPhaseChanged, "d1", at, PhaseChange{From: PhaseVoting, To: PhaseCompleted, Reason: ReasonChampion})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, time.UTC, ev.CreatedAt.Location())
	assert.JSONEq(t, `{"from":"VOTING","to":"COMPLETED","reason":"CHAMPION"}`, string(ev.Payload))
}
