// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the transactional persistence contract of the
// consensus engine.
//
// # Description
//
// Every state transition runs inside Store.Update. Backends provide
// optimistic concurrency: a transaction whose reads were invalidated by a
// concurrent commit fails with ErrConflict, and every Put* call is a
// compare-and-swap on the entity's Version. The engine never takes locks;
// it retries conflicting transactions through Retry and re-evaluates its
// guards against fresh state.
//
// Implementations:
//
//   - store/badger: embedded BadgerDB (serializable snapshot isolation).
//   - store/postgres: PostgreSQL via pgx (SERIALIZABLE + version-guarded
//     UPDATE).
//
// # Thread Safety
//
// Store implementations are safe for concurrent use. Reader and Tx values
// are bound to one transaction and must not escape the callback.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/unitychant/chant/services/chant/datatypes"
)

var (
	// ErrConflict reports that a transaction lost an optimistic concurrency
	// check and should be retried from scratch.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrNotFound wraps datatypes.ErrNotFound so callers can match either.
	ErrNotFound = fmt.Errorf("store: %w", datatypes.ErrNotFound)
)

// Reader is the read side of a transaction.
//
// Slices are returned in a stable order: creation time, then id.
type Reader interface {
	Deliberation(id string) (*datatypes.Deliberation, error)
	DeliberationsInPhase(phase datatypes.Phase) ([]*datatypes.Deliberation, error)

	Idea(deliberationID, ideaID string) (*datatypes.Idea, error)
	Ideas(deliberationID string) ([]*datatypes.Idea, error)

	Cell(id string) (*datatypes.Cell, error)
	Cells(deliberationID string) ([]*datatypes.Cell, error)
	CellsInStatus(status datatypes.CellStatus) ([]*datatypes.Cell, error)

	Votes(cellID string) ([]datatypes.Vote, error)
	Members(deliberationID string) ([]datatypes.Membership, error)

	Comment(id string) (*datatypes.Comment, error)
	Comments(deliberationID string) ([]*datatypes.Comment, error)

	Predictions(cellID string) ([]*datatypes.Prediction, error)
}

// Tx is a read-write transaction.
//
// Put* methods compare the entity's Version with the stored one (zero means
// "must not exist yet"), write, and increment Version in place. A mismatch
// returns ErrConflict.
type Tx interface {
	Reader

	PutDeliberation(d *datatypes.Deliberation) error
	PutIdea(i *datatypes.Idea) error
	PutCell(c *datatypes.Cell) error

	// PutComment and PutPrediction upsert without a version check; the
	// transaction's own isolation protects them.
	PutComment(c *datatypes.Comment) error
	PutPrediction(p *datatypes.Prediction) error

	// ReplaceBallot overwrites every vote of voterID in cellID.
	ReplaceBallot(cellID, voterID string, votes []datatypes.Vote) error

	// AddMember returns false when the user already belongs to the
	// deliberation.
	AddMember(m datatypes.Membership) (bool, error)

	// AddUpvote returns false when the user already upvoted the comment.
	AddUpvote(commentID, userID string) (bool, error)

	// AppendEvent queues an outbox event inside the transaction.
	AppendEvent(ev datatypes.Event) error
}

// Store is a transactional persistence backend.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(r Reader) error) error

	// Update runs fn in a read-write transaction and commits when fn
	// returns nil. Commit conflicts surface as ErrConflict.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// PendingEvents lists undispatched outbox events, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]datatypes.Event, error)

	// MarkDispatched claims an event for delivery. It returns false when
	// another dispatcher already claimed it.
	MarkDispatched(ctx context.Context, ev datatypes.Event) (bool, error)

	// Close releases the backend.
	Close() error
}
