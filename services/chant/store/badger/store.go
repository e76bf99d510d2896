// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/unitychant/chant/services/chant/datatypes"
	"github.com/unitychant/chant/services/chant/store"
)

// Key layout. Values are JSON documents.
//
//	d/<delib>                      Deliberation
//	i/<delib>/<idea>               Idea
//	c/<delib>/<cell>               Cell
//	cx/<cell>                      cell id -> delib id
//	v/<cell>/<voter>/<idea>        Vote
//	m/<delib>/<user>               Membership
//	cm/<delib>/<comment>           Comment
//	cmx/<comment>                  comment id -> delib id
//	u/<comment>/<user>             upvote marker
//	p/<cell>/<prediction>          Prediction
//	e/<unix nanos>/<seq>/<id>      pending outbox Event (fixed-width numbers)
//	ed/<id>                        dispatched outbox Event
//	!seq/events                    outbox sequence lease
func deliberationKey(id string) []byte { return []byte("d/" + id) }
func ideaKey(delib, id string) []byte { return []byte("i/" + delib + "/" + id) }
func ideaPrefix(delib string) []byte { return []byte("i/" + delib + "/") }
func cellKey(delib, id string) []byte { return []byte("c/" + delib + "/" + id) }
func cellPrefix(delib string) []byte { return []byte("c/" + delib + "/") }
func cellIndexKey(id string) []byte { return []byte("cx/" + id) }
func votePrefix(cell string) []byte { return []byte("v/" + cell + "/") }
func ballotPrefix(cell, voter string) []byte { return []byte("v/" + cell + "/" + voter + "/") }
func memberKey(delib, user string) []byte { return []byte("m/" + delib + "/" + user) }
func memberPrefix(delib string) []byte { return []byte("m/" + delib + "/") }
func commentKey(delib, id string) []byte { return []byte("cm/" + delib + "/" + id) }
func commentPrefix(delib string) []byte { return []byte("cm/" + delib + "/") }
func commentIndexKey(id string) []byte { return []byte("cmx/" + id) }
func upvoteKey(comment, user string) []byte { return []byte("u/" + comment + "/" + user) }
func predictionKey(cell, id string) []byte { return []byte("p/" + cell + "/" + id) }
func predictionPrefix(cell string) []byte { return []byte("p/" + cell + "/") }
func dispatchedKey(id string) []byte { return []byte("ed/" + id) }
func eventKey(ev datatypes.Event) []byte {
	return fmt.Appendf(nil, "e/%020d/%020d/%s", ev.CreatedAt.UnixNano(), ev.Seq, ev.ID)
}

// eventSeqLease is how many sequence numbers are leased per disk write.
// Unused numbers of a lease are skipped after a restart.
const eventSeqLease = 256

var (
	eventSeqKey      = []byte("!seq/events")
	allDeliberations = []byte("d/")
	allCells         = []byte("c/")
	pendingEvents    = []byte("e/")
)

// Store implements store.Store on BadgerDB.
type Store struct {
	db       *badger.DB
	events   *badger.Sequence
	gc       *gcRunner
	path     string
	inMemory bool
}

var _ store.Store = (*Store)(nil)

// Open opens a BadgerDB-backed store.
//
// Description:
//
//	Opens the database and starts a GC runner when GCInterval is set and
//	the database is persistent.
//
// Inputs:
//
//	cfg - Database configuration.
//
// Outputs:
//
//	*Store - The store. Call Close() when done.
//	error - Non-nil if the database cannot be opened.
//
// Thread Safety: Safe for concurrent use.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	events, err := db.GetSequence(eventSeqKey, eventSeqLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open event sequence: %w", err)
	}

	s := &Store{db: db, events: events, path: cfg.Path, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			_ = events.Release()
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for tests. Data is lost when closed.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.events.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release event sequence: %w", err)
	}
	return s.db.Close()
}

// Path returns the database path, or empty string for in-memory databases.
func (s *Store) Path() string {
	return s.path
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(r store.Reader) error) error {
	return withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, fn func(t store.Tx) error) error {
	return withTxn(ctx, s.db, func(txn *badger.Txn) error {
		return fn(&tx{txn: txn, events: s.events})
	})
}

// PendingEvents implements store.Store.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]datatypes.Event, error) {
	var out []datatypes.Event
	err := withReadTxn(ctx, s.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: pendingEvents, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var ev datatypes.Event
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
				return fmt.Errorf("decode event %s: %w", it.Item().Key(), err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// MarkDispatched implements store.Store. The pending key is moved to the
// dispatched keyspace; a concurrent claim loses on commit.
func (s *Store) MarkDispatched(ctx context.Context, ev datatypes.Event) (bool, error) {
	claimed := false
	err := withTxn(ctx, s.db, func(txn *badger.Txn) error {
		key := eventKey(ev)
		var stored datatypes.Event
		if err := getJSON(txn, key, &stored); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		stored.Dispatched = true
		if err := setJSON(txn, dispatchedKey(stored.ID), stored); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// =============================================================================
// Transaction view
// =============================================================================

// tx implements store.Tx over one badger transaction. Read-only
// transactions reject writes inside badger itself.
type tx struct {
	txn *badger.Txn

	// events hands out outbox sequence numbers. Nil for read transactions.
	events *badger.Sequence
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func scanJSON[T any](txn *badger.Txn, prefix []byte) ([]T, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	var out []T
	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	return string(raw), err
}

// putVersioned compares *version with the stored document's version, then
// writes v with the version incremented.
func putVersioned(txn *badger.Txn, key []byte, v any, version *int64) error {
	var current struct {
		Version int64 `json:"version"`
	}
	err := getJSON(txn, key, &current)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if *version != 0 {
			return fmt.Errorf("%s missing at version %d: %w", key, *version, store.ErrConflict)
		}
	case err != nil:
		return err
	case current.Version != *version:
		return fmt.Errorf("%s at version %d, expected %d: %w", key, current.Version, *version, store.ErrConflict)
	}

	*version++
	if err := setJSON(txn, key, v); err != nil {
		*version--
		return err
	}
	return nil
}

func byCreated[T any](items []T, created func(T) time.Time, id func(T) string) {
	slices.SortStableFunc(items, func(a, b T) int {
		if c := created(a).Compare(created(b)); c != 0 {
			return c
		}
		return cmp.Compare(id(a), id(b))
	})
}

// --- Deliberations ---

func (t *tx) Deliberation(id string) (*datatypes.Deliberation, error) {
	var d datatypes.Deliberation
	if err := getJSON(t.txn, deliberationKey(id), &d); err != nil {
		return nil, fmt.Errorf("deliberation %s: %w", id, err)
	}
	return &d, nil
}

func (t *tx) DeliberationsInPhase(phase datatypes.Phase) ([]*datatypes.Deliberation, error) {
	all, err := scanJSON[*datatypes.Deliberation](t.txn, allDeliberations)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(d *datatypes.Deliberation) bool { return d.Phase != phase })
	byCreated(out, func(d *datatypes.Deliberation) time.Time { return d.CreatedAt }, func(d *datatypes.Deliberation) string { return d.ID })
	return out, nil
}

func (t *tx) PutDeliberation(d *datatypes.Deliberation) error {
	return putVersioned(t.txn, deliberationKey(d.ID), d, &d.Version)
}

// --- Ideas ---

func (t *tx) Idea(deliberationID, ideaID string) (*datatypes.Idea, error) {
	var i datatypes.Idea
	if err := getJSON(t.txn, ideaKey(deliberationID, ideaID), &i); err != nil {
		return nil, fmt.Errorf("idea %s: %w", ideaID, err)
	}
	return &i, nil
}

func (t *tx) Ideas(deliberationID string) ([]*datatypes.Idea, error) {
	out, err := scanJSON[*datatypes.Idea](t.txn, ideaPrefix(deliberationID))
	if err != nil {
		return nil, err
	}
	byCreated(out, func(i *datatypes.Idea) time.Time { return i.CreatedAt }, func(i *datatypes.Idea) string { return i.ID })
	return out, nil
}

func (t *tx) PutIdea(i *datatypes.Idea) error {
	return putVersioned(t.txn, ideaKey(i.DeliberationID, i.ID), i, &i.Version)
}

// --- Cells ---

func (t *tx) Cell(id string) (*datatypes.Cell, error) {
	delib, err := getString(t.txn, cellIndexKey(id))
	if err != nil {
		return nil, fmt.Errorf("cell %s: %w", id, err)
	}
	var c datatypes.Cell
	if err := getJSON(t.txn, cellKey(delib, id), &c); err != nil {
		return nil, fmt.Errorf("cell %s: %w", id, err)
	}
	return &c, nil
}

func (t *tx) Cells(deliberationID string) ([]*datatypes.Cell, error) {
	out, err := scanJSON[*datatypes.Cell](t.txn, cellPrefix(deliberationID))
	if err != nil {
		return nil, err
	}
	byCreated(out, func(c *datatypes.Cell) time.Time { return c.CreatedAt }, func(c *datatypes.Cell) string { return c.ID })
	return out, nil
}

// CellsInStatus scans every cell. The sweeper is its only caller.
func (t *tx) CellsInStatus(status datatypes.CellStatus) ([]*datatypes.Cell, error) {
	all, err := scanJSON[*datatypes.Cell](t.txn, allCells)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(c *datatypes.Cell) bool { return c.Status != status })
	byCreated(out, func(c *datatypes.Cell) time.Time { return c.CreatedAt }, func(c *datatypes.Cell) string { return c.ID })
	return out, nil
}

func (t *tx) PutCell(c *datatypes.Cell) error {
	if c.Version == 0 {
		if err := t.txn.Set(cellIndexKey(c.ID), []byte(c.DeliberationID)); err != nil {
			return err
		}
	}
	return putVersioned(t.txn, cellKey(c.DeliberationID, c.ID), c, &c.Version)
}

// --- Votes ---

func (t *tx) Votes(cellID string) ([]datatypes.Vote, error) {
	out, err := scanJSON[datatypes.Vote](t.txn, votePrefix(cellID))
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b datatypes.Vote) int {
		if c := cmp.Compare(a.VoterID, b.VoterID); c != 0 {
			return c
		}
		return cmp.Compare(a.IdeaID, b.IdeaID)
	})
	return out, nil
}

func (t *tx) ReplaceBallot(cellID, voterID string, votes []datatypes.Vote) error {
	prefix := ballotPrefix(cellID, voterID)
	var stale [][]byte
	it := t.txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	for it.Rewind(); it.Valid(); it.Next() {
		stale = append(stale, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range stale {
		if err := t.txn.Delete(k); err != nil {
			return err
		}
	}
	for _, v := range votes {
		if err := setJSON(t.txn, append(slices.Clone(prefix), v.IdeaID...), v); err != nil {
			return err
		}
	}
	return nil
}

// --- Members ---

func (t *tx) Members(deliberationID string) ([]datatypes.Membership, error) {
	out, err := scanJSON[datatypes.Membership](t.txn, memberPrefix(deliberationID))
	if err != nil {
		return nil, err
	}
	byCreated(out, func(m datatypes.Membership) time.Time { return m.JoinedAt }, func(m datatypes.Membership) string { return m.UserID })
	return out, nil
}

func (t *tx) AddMember(m datatypes.Membership) (bool, error) {
	key := memberKey(m.DeliberationID, m.UserID)
	if _, err := t.txn.Get(key); err == nil {
		return false, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	return true, setJSON(t.txn, key, m)
}

// --- Comments ---

func (t *tx) Comment(id string) (*datatypes.Comment, error) {
	delib, err := getString(t.txn, commentIndexKey(id))
	if err != nil {
		return nil, fmt.Errorf("comment %s: %w", id, err)
	}
	var c datatypes.Comment
	if err := getJSON(t.txn, commentKey(delib, id), &c); err != nil {
		return nil, fmt.Errorf("comment %s: %w", id, err)
	}
	return &c, nil
}

func (t *tx) Comments(deliberationID string) ([]*datatypes.Comment, error) {
	out, err := scanJSON[*datatypes.Comment](t.txn, commentPrefix(deliberationID))
	if err != nil {
		return nil, err
	}
	byCreated(out, func(c *datatypes.Comment) time.Time { return c.CreatedAt }, func(c *datatypes.Comment) string { return c.ID })
	return out, nil
}

func (t *tx) PutComment(c *datatypes.Comment) error {
	if err := t.txn.Set(commentIndexKey(c.ID), []byte(c.DeliberationID)); err != nil {
		return err
	}
	return setJSON(t.txn, commentKey(c.DeliberationID, c.ID), c)
}

func (t *tx) AddUpvote(commentID, userID string) (bool, error) {
	key := upvoteKey(commentID, userID)
	if _, err := t.txn.Get(key); err == nil {
		return false, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	return true, t.txn.Set(key, nil)
}

// --- Predictions ---

func (t *tx) Predictions(cellID string) ([]*datatypes.Prediction, error) {
	out, err := scanJSON[*datatypes.Prediction](t.txn, predictionPrefix(cellID))
	if err != nil {
		return nil, err
	}
	byCreated(out, func(p *datatypes.Prediction) time.Time { return p.CreatedAt }, func(p *datatypes.Prediction) string { return p.ID })
	return out, nil
}

func (t *tx) PutPrediction(p *datatypes.Prediction) error {
	return setJSON(t.txn, predictionKey(p.CellID, p.ID), p)
}

// --- Outbox ---

func (t *tx) AppendEvent(ev datatypes.Event) error {
	n, err := t.events.Next()
	if err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	ev.Seq = int64(n)
	return setJSON(t.txn, eventKey(ev), ev)
}
