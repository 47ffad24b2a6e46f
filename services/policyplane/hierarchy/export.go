// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hierarchy

import (
	"context"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// FlatMap exports the hierarchy as id -> direct children, the compact
// reference shape consumed verbatim by the evaluation engine.
func (s *Store) FlatMap(ctx context.Context) (map[string][]string, error) {
	var out map[string][]string
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}
		out = make(map[string][]string, len(snapshot))
		for id, n := range snapshot {
			out[id] = append([]string(nil), n.Children...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DetailedMap exports the hierarchy with closures and conditional
// metadata per node. Closure fields reflect the last RecomputeAll.
func (s *Store) DetailedMap(ctx context.Context) (map[string]DetailedEntry, error) {
	var out map[string]DetailedEntry
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}
		out = make(map[string]DetailedEntry, len(snapshot))
		for id, n := range snapshot {
			out[id] = DetailedEntry{
				Children:    append([]string(nil), n.Children...),
				Ancestors:   append([]string(nil), n.Ancestors...),
				Descendants: append([]string(nil), n.Descendants...),
				Type:        n.Kind,
				Level:       n.Level,
				Conditional: n.Conditional,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpandMembership returns the COI set implied by raw membership:
// each raw COI plus all of its ancestors. Holding a descendant COI
// implies membership in its ancestors; the reverse never holds, so a
// parent COI does not expand into its children's narrower scopes.
// Unknown COIs pass through unexpanded. The result is sorted and
// deduplicated.
func (s *Store) ExpandMembership(ctx context.Context, raw []string) ([]string, error) {
	var out []string
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		snapshot, err := loadSnapshot(txn)
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		for _, coi := range raw {
			if !seen[coi] {
				seen[coi] = true
				out = append(out, coi)
			}
			for _, anc := range ancestorsOf(snapshot, coi) {
				if !seen[anc] {
					seen[anc] = true
					out = append(out, anc)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
