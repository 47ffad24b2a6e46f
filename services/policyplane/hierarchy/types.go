// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hierarchy maintains the Community-of-Interest graph used to
// expand implicit authorization membership.
//
// The graph is a forest by convention: every node has at most one parent
// and must never be its own ancestor. Transitive closures (ancestors and
// descendants) are denormalized onto each node and kept consistent with
// the live edges by explicit recomputation, never implicitly. A reader
// between a structural edit and the following RecomputeAll may observe a
// stale (but never corrupt) closure.
//
// The package does not evaluate conditional rules; it carries them as
// static metadata for the downstream evaluation engine.
package hierarchy

import (
	"time"
)

// NodeKind classifies a COI node's position in the coalition topology.
type NodeKind string

// Node kinds. The set is closed; Valid rejects anything else.
const (
	KindRoot      NodeKind = "root"
	KindAlliance  NodeKind = "alliance"
	KindRegional  NodeKind = "regional"
	KindBilateral NodeKind = "bilateral"
	KindProgram   NodeKind = "program"
)

// Valid reports whether k is a known node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindRoot, KindAlliance, KindRegional, KindBilateral, KindProgram:
		return true
	}
	return false
}

// TimeWindow restricts a conditional grant to a time interval.
// Either bound may be zero, meaning unbounded on that side.
type TimeWindow struct {
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// Predicate is a free-form evaluable expression applied by the
// evaluation engine at decision time. The policy plane treats it as
// opaque text.
type Predicate struct {
	Expression string `json:"expression"`
}

// Conditional restricts when a node actively grants membership. Any
// subset of its conditions may be present; all present conditions must
// hold for the grant to apply. Evaluation happens downstream, not here.
type Conditional struct {
	TimeWindow        *TimeWindow `json:"time_window,omitempty"`
	Predicate         *Predicate  `json:"predicate,omitempty"`
	MinClassification string      `json:"min_classification,omitempty"`
	RequiredOperation string      `json:"required_operation,omitempty"`
}

// Empty reports whether no condition is present.
func (c *Conditional) Empty() bool {
	if c == nil {
		return true
	}
	return c.TimeWindow == nil && c.Predicate == nil &&
		c.MinClassification == "" && c.RequiredOperation == ""
}

// Node is a single Community-of-Interest in the hierarchy.
//
// Ancestors and Descendants are denormalized transitive closures. They
// are only trustworthy after a RecomputeAll that followed the most
// recent structural edit; the store exposes that contract explicitly
// rather than pretending the fields are a transparent cache.
//
// Timestamps are Unix milliseconds UTC.
type Node struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Kind NodeKind `json:"kind"`

	// Level is the depth in the forest; 0 for roots.
	Level int `json:"level"`

	// ParentID is empty only for roots.
	ParentID string `json:"parent_id,omitempty"`

	// Children holds direct child ids, kept sorted.
	Children []string `json:"children"`

	// Ancestors and Descendants are the precomputed closures.
	Ancestors   []string `json:"ancestors"`
	Descendants []string `json:"descendants"`

	Enabled     bool         `json:"enabled"`
	Conditional *Conditional `json:"conditional,omitempty"`

	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Actor     string `json:"actor,omitempty"`

	// Revision increases on every mutation of this node.
	Revision int64 `json:"revision"`
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Update carries partial node fields for Store.Update. Nil pointers
// leave the corresponding field untouched. Reparenting uses SetParent
// so that "move to root" (empty string) is distinguishable from "leave
// alone" (nil).
type Update struct {
	Name        *string      `json:"name,omitempty"`
	Enabled     *bool        `json:"enabled,omitempty"`
	Conditional *Conditional `json:"conditional,omitempty"`
	SetParent   *string      `json:"set_parent,omitempty"`
	Actor       string       `json:"actor,omitempty"`
}

// DetailedEntry is one node's view in the detailed export map consumed
// by the evaluation engine.
type DetailedEntry struct {
	Children    []string     `json:"children"`
	Ancestors   []string     `json:"ancestors"`
	Descendants []string     `json:"descendants"`
	Type        NodeKind     `json:"type"`
	Level       int          `json:"level"`
	Conditional *Conditional `json:"conditional,omitempty"`
}
