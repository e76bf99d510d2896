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
	"fmt"
	"time"
)

// EventKind names an outbox event. Format: "entity.action".
type EventKind string

const (
	EventDeliberationCreated   EventKind = "deliberation.created"
	EventMemberJoined          EventKind = "member.joined"
	EventIdeaSubmitted         EventKind = "idea.submitted"
	EventVotingStarted         EventKind = "voting.started"
	EventCellCreated           EventKind = "cell.created"
	EventVoteCast              EventKind = "vote.cast"
	EventCellCompleted         EventKind = "cell.completed"
	EventTierCompleted         EventKind = "tier.completed"
	EventChampionDeclared      EventKind = "champion.declared"
	EventPhaseChanged          EventKind = "phase.changed"
	EventChallengeStarted      EventKind = "challenge.started"
	EventChallengeQuiet        EventKind = "challenge.quiet"
	EventIdeaRetired           EventKind = "idea.retired"
	EventDeliberationCancelled EventKind = "deliberation.cancelled"
	EventCommentPromoted       EventKind = "comment.promoted"
)

// Event is a queued side effect written in the same transaction as the state
// transition that caused it. The outbox dispatcher delivers each event to the
// notifier at most once.
//
// Events of one transition share CreatedAt; Seq is assigned by the store on
// append and keeps them in emission order.
type Event struct {
	ID             string          `json:"id"`
	Kind           EventKind       `json:"kind"`
	DeliberationID string          `json:"deliberation_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	Seq            int64           `json:"seq"`
	Dispatched     bool            `json:"dispatched"`
}

// NewEvent builds an event with a JSON payload.
func NewEvent(kind EventKind, deliberationID string, at time.Time, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		ID:             NewID(),
		Kind:           kind,
		DeliberationID: deliberationID,
		Payload:        raw,
		CreatedAt:      at.UTC(),
	}, nil
}

// PhaseChange is the payload of EventPhaseChanged.
type PhaseChange struct {
	From   Phase            `json:"from"`
	To     Phase            `json:"to"`
	Reason CompletionReason `json:"reason,omitempty"`
}

// CellResult is the payload of EventCellCompleted.
type CellResult struct {
	CellID    string         `json:"cell_id"`
	Tier      int            `json:"tier"`
	Timeout   bool           `json:"timeout"`
	Totals    map[string]int `json:"totals"`
	Advancing []string       `json:"advancing,omitempty"`
	Deferred  bool           `json:"deferred"`
}

// TierResult is the payload of EventTierCompleted.
type TierResult struct {
	Tier       int            `json:"tier"`
	Advancing  []string       `json:"advancing"`
	Eliminated []string       `json:"eliminated"`
	Totals     map[string]int `json:"totals"`
	NextCells  int            `json:"next_cells"`
}

// ChampionResult is the payload of EventChampionDeclared.
type ChampionResult struct {
	IdeaID         string         `json:"idea_id"`
	Tier           int            `json:"tier"`
	ChallengeRound int            `json:"challenge_round"`
	Retained       bool           `json:"retained"`
	Totals         map[string]int `json:"totals,omitempty"`
}

// CellAssignment is the payload of EventCellCreated.
type CellAssignment struct {
	CellID         string    `json:"cell_id"`
	Round          int       `json:"round"`
	Tier           int       `json:"tier"`
	ParticipantIDs []string  `json:"participant_ids"`
	IdeaIDs        []string  `json:"idea_ids"`
	VotingDeadline time.Time `json:"voting_deadline"`
}

// MemberJoined is the payload of EventMemberJoined.
type MemberJoined struct {
	UserID string `json:"user_id"`
	CellID string `json:"cell_id,omitempty"`
}

// IdeaSubmission is the payload of EventIdeaSubmitted.
type IdeaSubmission struct {
	IdeaID   string     `json:"idea_id"`
	AuthorID string     `json:"author_id"`
	Status   IdeaStatus `json:"status"`
}

// VoteCast is the payload of EventVoteCast.
type VoteCast struct {
	CellID  string `json:"cell_id"`
	VoterID string `json:"voter_id"`
	Points  int    `json:"points"`
}

// ChallengeRound is the payload of EventChallengeStarted and
// EventChallengeQuiet.
type ChallengeRound struct {
	Round       int      `json:"round"`
	QuietRounds int      `json:"quiet_rounds"`
	Competitors []string `json:"competitors,omitempty"`
	Benched     []string `json:"benched,omitempty"`
}

// IdeasRetired is the payload of EventIdeaRetired.
type IdeasRetired struct {
	Round   int      `json:"round"`
	IdeaIDs []string `json:"idea_ids"`
}

// CommentsPromoted is the payload of EventCommentPromoted.
type CommentsPromoted struct {
	ReachTier  int      `json:"reach_tier"`
	CommentIDs []string `json:"comment_ids"`
}
