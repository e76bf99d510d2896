// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres implements store.Store on PostgreSQL.
//
// # Description
//
// Every Update runs in a SERIALIZABLE transaction. Versioned entities are
// written with "UPDATE ... WHERE id = $1 AND version = $n"; zero affected
// rows means another writer got there first and surfaces as
// store.ErrConflict, as do serialization failures (SQLSTATE 40001),
// deadlocks (40P01) and unique violations on insert races (23505).
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

//go:embed schema.sql
var schemaSQL string

// Config holds connection settings.
type Config struct {
	// DSN is a libpq connection string or URL. Required.
	DSN string

	// MaxConns caps the pool size. Default: 10.
	MaxConns int32

	// ConnectTimeout bounds the initial ping. Default: 5s.
	ConnectTimeout time.Duration

	// Migrate applies schema.sql on Open.
	Migrate bool

	Logger *slog.Logger
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and optionally migrates.
//
// # Inputs
//
//   - ctx: bounds connection setup.
//   - cfg: connection settings. DSN is required.
//
// # Outputs
//
//   - *Store: ready store. Call Close() when done.
//   - error: invalid DSN, unreachable server or failed migration.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(t *tx) error {
		return fn(t)
	})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(t store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(t *tx) error {
		return fn(t)
	})
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, fn func(t *tx) error) error {
	q, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", mapErr(err))
	}
	defer func() { _ = q.Rollback(ctx) }()

	if err := fn(&tx{ctx: ctx, q: q}); err != nil {
		return mapErr(err)
	}
	if err := q.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

// PendingEvents implements store.Store.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]datatypes.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, deliberation_id, payload, created_at, seq
		 FROM chant_events WHERE NOT dispatched ORDER BY created_at, seq LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Event
	for rows.Next() {
		var ev datatypes.Event
		var kind string
		if err := rows.Scan(&ev.ID, &kind, &ev.DeliberationID, &ev.Payload, &ev.CreatedAt, &ev.Seq); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = datatypes.EventKind(kind)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkDispatched implements store.Store.
func (s *Store) MarkDispatched(ctx context.Context, ev datatypes.Event) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chant_events SET dispatched = TRUE, dispatched_at = now() WHERE id = $1 AND NOT dispatched`, ev.ID)
	if err != nil {
		return false, fmt.Errorf("mark event %s dispatched: %w", ev.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%s: %w", pgErr.Code, store.ErrConflict)
		}
	}
	return err
}

// =============================================================================
// Transaction view
// =============================================================================

// tx binds one pgx transaction to the context it was opened with.
type tx struct {
	ctx context.Context
	q   pgx.Tx
}

func decodeDoc[T any](raw []byte, version int64, setVersion func(*T, int64)) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if setVersion != nil {
		setVersion(&v, version)
	}
	return &v, nil
}

func queryDocs[T any](t *tx, sql string, setVersion func(*T, int64), args ...any) ([]*T, error) {
	rows, err := t.q.Query(t.ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		var version int64
		if err := rows.Scan(&raw, &version); err != nil {
			return nil, err
		}
		v, err := decodeDoc(raw, version, setVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryDoc[T any](t *tx, what, sql string, setVersion func(*T, int64), args ...any) (*T, error) {
	var raw []byte
	var version int64
	if err := t.q.QueryRow(t.ctx, sql, args...).Scan(&raw, &version); err != nil {
		return nil, fmt.Errorf("%s: %w", what, mapErr(err))
	}
	return decodeDoc(raw, version, setVersion)
}

// putVersioned inserts when *version is zero and otherwise updates with a
// version guard. Both statements take ($1 id, $2 doc, $3 new version);
// the update also takes ($4 expected version). Extra arguments follow.
func (t *tx) putVersioned(what, id string, v any, version *int64, insertSQL string, insertExtra []any, updateSQL string, updateExtra []any) error {
	expected := *version
	*version = expected + 1
	doc, err := json.Marshal(v)
	if err != nil {
		*version = expected
		return fmt.Errorf("encode %s %s: %w", what, id, err)
	}

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = t.q.Exec(t.ctx, insertSQL, append([]any{id, doc, expected + 1}, insertExtra...)...)
	} else {
		tag, err = t.q.Exec(t.ctx, updateSQL, append([]any{id, doc, expected + 1, expected}, updateExtra...)...)
	}
	if err != nil {
		*version = expected
		return fmt.Errorf("put %s %s: %w", what, id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		*version = expected
		return fmt.Errorf("put %s %s at version %d: %w", what, id, expected, store.ErrConflict)
	}
	return nil
}

// --- Deliberations ---

func setDeliberationVersion(d *datatypes.Deliberation, v int64) { d.Version = v }

func (t *tx) Deliberation(id string) (*datatypes.Deliberation, error) {
	return queryDoc(t, "deliberation "+id,
		`SELECT doc, version FROM chant_deliberations WHERE id = $1`, setDeliberationVersion, id)
}

func (t *tx) DeliberationsInPhase(phase datatypes.Phase) ([]*datatypes.Deliberation, error) {
	return queryDocs(t,
		`SELECT doc, version FROM chant_deliberations WHERE phase = $1 ORDER BY created_at, id`,
		setDeliberationVersion, phase.String())
}

func (t *tx) PutDeliberation(d *datatypes.Deliberation) error {
	return t.putVersioned("deliberation", d.ID, d, &d.Version,
		`INSERT INTO chant_deliberations (id, doc, version, phase, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		[]any{d.Phase.String(), d.CreatedAt},
		`UPDATE chant_deliberations SET doc = $2, version = $3, phase = $5 WHERE id = $1 AND version = $4`,
		[]any{d.Phase.String()})
}

// --- Ideas ---

func setIdeaVersion(i *datatypes.Idea, v int64) { i.Version = v }

func (t *tx) Idea(deliberationID, ideaID string) (*datatypes.Idea, error) {
	return queryDoc(t, "idea "+ideaID,
		`SELECT doc, version FROM chant_ideas WHERE id = $1 AND deliberation_id = $2`, setIdeaVersion, ideaID, deliberationID)
}

func (t *tx) Ideas(deliberationID string) ([]*datatypes.Idea, error) {
	return queryDocs(t,
		`SELECT doc, version FROM chant_ideas WHERE deliberation_id = $1 ORDER BY created_at, id`,
		setIdeaVersion, deliberationID)
}

func (t *tx) PutIdea(i *datatypes.Idea) error {
	return t.putVersioned("idea", i.ID, i, &i.Version,
		`INSERT INTO chant_ideas (id, doc, version, deliberation_id, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		[]any{i.DeliberationID, i.CreatedAt},
		`UPDATE chant_ideas SET doc = $2, version = $3 WHERE id = $1 AND version = $4`,
		nil)
}

// --- Cells ---

func setCellVersion(c *datatypes.Cell, v int64) { c.Version = v }

func (t *tx) Cell(id string) (*datatypes.Cell, error) {
	return queryDoc(t, "cell "+id, `SELECT doc, version FROM chant_cells WHERE id = $1`, setCellVersion, id)
}

func (t *tx) Cells(deliberationID string) ([]*datatypes.Cell, error) {
	return queryDocs(t,
		`SELECT doc, version FROM chant_cells WHERE deliberation_id = $1 ORDER BY created_at, id`,
		setCellVersion, deliberationID)
}

func (t *tx) CellsInStatus(status datatypes.CellStatus) ([]*datatypes.Cell, error) {
	return queryDocs(t,
		`SELECT doc, version FROM chant_cells WHERE status = $1 ORDER BY created_at, id`,
		setCellVersion, status.String())
}

func (t *tx) PutCell(c *datatypes.Cell) error {
	return t.putVersioned("cell", c.ID, c, &c.Version,
		`INSERT INTO chant_cells (id, doc, version, deliberation_id, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		[]any{c.DeliberationID, c.Status.String(), c.CreatedAt},
		`UPDATE chant_cells SET doc = $2, version = $3, status = $5 WHERE id = $1 AND version = $4`,
		[]any{c.Status.String()})
}

// --- Votes ---

func (t *tx) Votes(cellID string) ([]datatypes.Vote, error) {
	rows, err := t.q.Query(t.ctx,
		`SELECT cell_id, voter_id, idea_id, points, cast_at FROM chant_votes
		 WHERE cell_id = $1 ORDER BY voter_id, idea_id`, cellID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []datatypes.Vote
	for rows.Next() {
		var v datatypes.Vote
		if err := rows.Scan(&v.CellID, &v.VoterID, &v.IdeaID, &v.Points, &v.CastAt); err != nil {
			return nil, err
		}
		v.CastAt = v.CastAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *tx) ReplaceBallot(cellID, voterID string, votes []datatypes.Vote) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM chant_votes WHERE cell_id = $1 AND voter_id = $2`, cellID, voterID)
	for _, v := range votes {
		batch.Queue(`INSERT INTO chant_votes (cell_id, voter_id, idea_id, points, cast_at) VALUES ($1, $2, $3, $4, $5)`,
			cellID, voterID, v.IdeaID, v.Points, v.CastAt)
	}
	if err := t.q.SendBatch(t.ctx, batch).Close(); err != nil {
		return fmt.Errorf("replace ballot %s/%s: %w", cellID, voterID, mapErr(err))
	}
	return nil
}

// --- Members ---

func (t *tx) Members(deliberationID string) ([]datatypes.Membership, error) {
	rows, err := t.q.Query(t.ctx,
		`SELECT deliberation_id, user_id, joined_at FROM chant_members
		 WHERE deliberation_id = $1 ORDER BY joined_at, user_id`, deliberationID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []datatypes.Membership
	for rows.Next() {
		var m datatypes.Membership
		if err := rows.Scan(&m.DeliberationID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.JoinedAt = m.JoinedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) AddMember(m datatypes.Membership) (bool, error) {
	tag, err := t.q.Exec(t.ctx,
		`INSERT INTO chant_members (deliberation_id, user_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`, m.DeliberationID, m.UserID, m.JoinedAt)
	if err != nil {
		return false, fmt.Errorf("add member: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

// --- Comments ---

func (t *tx) Comment(id string) (*datatypes.Comment, error) {
	return queryDoc[datatypes.Comment](t, "comment "+id, `SELECT doc, 0 FROM chant_comments WHERE id = $1`, nil, id)
}

func (t *tx) Comments(deliberationID string) ([]*datatypes.Comment, error) {
	return queryDocs[datatypes.Comment](t,
		`SELECT doc, 0 FROM chant_comments WHERE deliberation_id = $1 ORDER BY created_at, id`, nil, deliberationID)
}

func (t *tx) PutComment(c *datatypes.Comment) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode comment %s: %w", c.ID, err)
	}
	_, err = t.q.Exec(t.ctx,
		`INSERT INTO chant_comments (id, deliberation_id, created_at, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, c.ID, c.DeliberationID, c.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("put comment %s: %w", c.ID, mapErr(err))
	}
	return nil
}

func (t *tx) AddUpvote(commentID, userID string) (bool, error) {
	tag, err := t.q.Exec(t.ctx,
		`INSERT INTO chant_upvotes (comment_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, commentID, userID)
	if err != nil {
		return false, fmt.Errorf("add upvote: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

// --- Predictions ---

func (t *tx) Predictions(cellID string) ([]*datatypes.Prediction, error) {
	return queryDocs[datatypes.Prediction](t,
		`SELECT doc, 0 FROM chant_predictions WHERE cell_id = $1 ORDER BY created_at, id`, nil, cellID)
}

func (t *tx) PutPrediction(p *datatypes.Prediction) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prediction %s: %w", p.ID, err)
	}
	_, err = t.q.Exec(t.ctx,
		`INSERT INTO chant_predictions (id, cell_id, created_at, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, p.ID, p.CellID, p.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("put prediction %s: %w", p.ID, mapErr(err))
	}
	return nil
}

// --- Outbox ---

// AppendEvent relies on the seq column default; nextval is monotonic within
// the transaction, so events keep their append order.
func (t *tx) AppendEvent(ev datatypes.Event) error {
	_, err := t.q.Exec(t.ctx,
		`INSERT INTO chant_events (id, kind, deliberation_id, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, string(ev.Kind), ev.DeliberationID, []byte(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Kind, mapErr(err))
	}
	return nil
}
