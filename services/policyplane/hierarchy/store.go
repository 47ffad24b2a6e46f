// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

// Errors returned by the hierarchy store.
var (
	// ErrNodeNotFound indicates an unknown node id.
	ErrNodeNotFound = errors.New("hierarchy node not found")

	// ErrNodeExists indicates a duplicate node id on create.
	ErrNodeExists = errors.New("hierarchy node already exists")

	// ErrHasChildren indicates a delete attempt on a node with children.
	ErrHasChildren = errors.New("hierarchy node has children")

	// ErrCycle indicates a structural edit that would make a node its
	// own ancestor.
	ErrCycle = errors.New("edit would create a hierarchy cycle")

	// ErrInvalidKind indicates an unknown node kind.
	ErrInvalidKind = errors.New("invalid hierarchy node kind")

	// ErrEmptyID indicates a missing node id.
	ErrEmptyID = errors.New("hierarchy node id is empty")

	// ErrInvalidID indicates a node id with characters the key scheme
	// cannot carry.
	ErrInvalidID = errors.New("invalid hierarchy node id")
)

var (
	recomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fedmesh_hierarchy_recompute_duration_seconds",
		Help:    "Time to recompute all transitive closures",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	structuralEditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedmesh_hierarchy_structural_edits_total",
		Help: "Structural hierarchy edits by operation",
	}, []string{"operation"})
)

var tracer = otel.Tracer("policyplane.hierarchy")

const nodePrefix = "hier/node/"

func nodeKey(id string) []byte {
	return []byte(nodePrefix + id)
}

// Store persists the COI hierarchy and its denormalized closures.
//
// Structural edits (Create, Update with reparenting, Delete) leave the
// stored closures dirty; callers that need fresh closures must follow
// the edit with RecomputeAll. The two are deliberately separate
// operations so unrelated reads are not serialized behind every edit.
//
// Thread Safety: safe for concurrent use; each operation runs in its
// own Badger transaction.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a hierarchy store on the shared policy plane
// database.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "hierarchy_store")),
	}, nil
}

// Create inserts a new node. The id must be unique and the parent, when
// set, must already exist; the new node is appended to the parent's
// children in the same transaction. Closures of affected nodes are
// dirty until the next RecomputeAll.
func (s *Store) Create(ctx context.Context, n *Node) (*Node, error) {
	if n == nil || n.ID == "" {
		return nil, ErrEmptyID
	}
	if strings.Contains(n.ID, "/") {
		return nil, fmt.Errorf("%w: id must not contain '/'", ErrInvalidID)
	}
	if !n.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, n.Kind)
	}
	if n.ParentID == n.ID {
		return nil, fmt.Errorf("%w: node %s cannot parent itself", ErrCycle, n.ID)
	}

	now := time.Now().UnixMilli()
	stored := *n
	stored.Children = []string{}
	stored.Ancestors = []string{}
	stored.Descendants = []string{}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(nodeKey(stored.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrNodeExists, stored.ID)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("check node %s: %w", stored.ID, err)
		}

		if stored.ParentID != "" {
			parent, err := getNode(txn, stored.ParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", stored.ParentID, err)
			}
			parent.Children = insertSorted(parent.Children, stored.ID)
			parent.UpdatedAt = now
			parent.Revision++
			if err := putNode(txn, parent); err != nil {
				return err
			}
			// Provisional until the next RecomputeAll.
			stored.Level = parent.Level + 1
		}

		return putNode(txn, &stored)
	})
	if err != nil {
		return nil, err
	}

	structuralEditsTotal.WithLabelValues("create").Inc()
	s.logger.Info("hierarchy node created",
		slog.String("node_id", stored.ID),
		slog.String("kind", string(stored.Kind)),
		slog.String("parent_id", stored.ParentID),
		slog.String("actor", stored.Actor),
	)
	return &stored, nil
}

// Get returns a node by id.
func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	var n *Node
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		n, err = getNode(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Update applies partial fields to a node, bumping its revision.
// Reparenting validates the cycle invariant at write time: the new
// parent must not be the node itself or any of its descendants.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Node, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	now := time.Now().UnixMilli()
	var updated *Node
	reparented := false

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		n, err := getNode(txn, id)
		if err != nil {
			return err
		}

		if u.Name != nil {
			n.Name = *u.Name
		}
		if u.Enabled != nil {
			n.Enabled = *u.Enabled
		}
		if u.Conditional != nil {
			if u.Conditional.Empty() {
				n.Conditional = nil
			} else {
				n.Conditional = u.Conditional
			}
		}

		if u.SetParent != nil && *u.SetParent != n.ParentID {
			newParent := *u.SetParent
			if newParent == id {
				return fmt.Errorf("%w: node %s cannot parent itself", ErrCycle, id)
			}

			snapshot, err := loadSnapshot(txn)
			if err != nil {
				return err
			}
			if newParent != "" {
				if _, ok := snapshot[newParent]; !ok {
					return fmt.Errorf("parent %s: %w", newParent, ErrNodeNotFound)
				}
				if isDescendant(snapshot, id, newParent) {
					return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, newParent, id)
				}
			}

			if n.ParentID != "" {
				if old, ok := snapshot[n.ParentID]; ok {
					old.Children = removeSorted(old.Children, id)
					old.UpdatedAt = now
					old.Revision++
					if err := putNode(txn, old); err != nil {
						return err
					}
				}
			}
			if newParent != "" {
				np := snapshot[newParent]
				np.Children = insertSorted(np.Children, id)
				np.UpdatedAt = now
				np.Revision++
				if err := putNode(txn, np); err != nil {
					return err
				}
			}

			n.ParentID = newParent
			reparented = true
		}

		if u.Actor != "" {
			n.Actor = u.Actor
		}
		n.UpdatedAt = now
		n.Revision++

		if err := putNode(txn, n); err != nil {
			return err
		}
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	op := "update"
	if reparented {
		op = "reparent"
		structuralEditsTotal.WithLabelValues(op).Inc()
	}
	s.logger.Info("hierarchy node updated",
		slog.String("node_id", id),
		slog.String("operation", op),
		slog.Int64("revision", updated.Revision),
		slog.String("actor", u.Actor),
	)
	return updated, nil
}

// Delete removes a node. Nodes with children refuse deletion with
// ErrHasChildren and are left untouched.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}

	now := time.Now().UnixMilli()
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		n, err := getNode(txn, id)
		if err != nil {
			return err
		}
		if len(n.Children) > 0 {
			return fmt.Errorf("%w: %s has %d children", ErrHasChildren, id, len(n.Children))
		}

		if n.ParentID != "" {
			parent, err := getNode(txn, n.ParentID)
			if err == nil {
				parent.Children = removeSorted(parent.Children, id)
				parent.UpdatedAt = now
				parent.Revision++
				if err := putNode(txn, parent); err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNodeNotFound) {
				return err
			}
		}

		return txn.Delete(nodeKey(id))
	})
	if err != nil {
		return err
	}

	structuralEditsTotal.WithLabelValues("delete").Inc()
	s.logger.Info("hierarchy node deleted", slog.String("node_id", id))
	return nil
}

// Children returns the direct children of a node.
func (s *Store) Children(ctx context.Context, id string) ([]string, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), n.Children...), nil
}

// Ancestors returns the stored ancestor closure of a node. The value
// reflects the last RecomputeAll, not necessarily the live edges.
func (s *Store) Ancestors(ctx context.Context, id string) ([]string, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), n.Ancestors...), nil
}

// Descendants returns the stored descendant closure of a node. The
// value reflects the last RecomputeAll, not necessarily the live edges.
func (s *Store) Descendants(ctx context.Context, id string) ([]string, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), n.Descendants...), nil
}

// ComputeTransitiveClosure recomputes and persists the closure of a
// single node from the live edges. Structural edits still require
// RecomputeAll, since closure changes propagate transitively in both
// directions; this operation serves spot-checks and repairs.
func (s *Store) ComputeTransitiveClosure(ctx context.Context, id string) (*Node, error) {
	var n *Node
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}
		node, ok := snapshot[id]
		if !ok {
			return fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
		}

		node.Ancestors = ancestorsOf(snapshot, id)
		node.Descendants = descendantsOf(snapshot, id)
		node.Level = levelOf(snapshot, id)

		if err := putNode(txn, node); err != nil {
			return err
		}
		n = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// RecomputeAll rebuilds every node's denormalized closure from the
// live parent/children edges. Must follow every structural edit before
// the closures can be trusted again.
func (s *Store) RecomputeAll(ctx context.Context) (int, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "hierarchy.RecomputeAll")
	defer span.End()

	changed := 0
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}

		for _, id := range recomputeClosures(snapshot) {
			if err := putNode(txn, snapshot[id]); err != nil {
				return err
			}
			changed++
		}
		span.SetAttributes(
			attribute.Int("node_count", len(snapshot)),
			attribute.Int("changed", changed),
		)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recompute failed")
		return 0, err
	}

	recomputeDuration.Observe(time.Since(start).Seconds())
	s.logger.Info("hierarchy closures recomputed",
		slog.Int("changed", changed),
		slog.Duration("duration", time.Since(start)),
	)
	return changed, nil
}

// PathsBetween returns every simple path from parentID down to childID
// along children edges. Callers use the full set to justify
// authorization decisions in audit records.
func (s *Store) PathsBetween(ctx context.Context, parentID, childID string) ([][]string, error) {
	var paths [][]string
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}
		if _, ok := snapshot[parentID]; !ok {
			return fmt.Errorf("node %s: %w", parentID, ErrNodeNotFound)
		}
		if _, ok := snapshot[childID]; !ok {
			return fmt.Errorf("node %s: %w", childID, ErrNodeNotFound)
		}
		paths = simplePaths(snapshot, parentID, childID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// All returns every node, sorted by id.
func (s *Store) All(ctx context.Context) ([]*Node, error) {
	var out []*Node
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}
		out = make([]*Node, 0, len(snapshot))
		for _, n := range snapshot {
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func getNode(txn *badgerdb.Txn, id string) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}

	var n Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	}); err != nil {
		return nil, fmt.Errorf("decode node %s: %w", id, err)
	}
	return &n, nil
}

func putNode(txn *badgerdb.Txn, n *Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", n.ID, err)
	}
	if err := txn.Set(nodeKey(n.ID), data); err != nil {
		return fmt.Errorf("put node %s: %w", n.ID, err)
	}
	return nil
}

// loadSnapshot reads every node into memory for graph traversal.
func loadSnapshot(txn *badgerdb.Txn) (map[string]*Node, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = []byte(nodePrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	nodes := make(map[string]*Node)
	for it.Rewind(); it.Valid(); it.Next() {
		var n Node
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", it.Item().Key(), err)
		}
		nodes[n.ID] = &n
	}
	return nodes, nil
}
