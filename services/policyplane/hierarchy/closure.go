// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hierarchy

import (
	"sort"
)

// The closure functions below operate on an in-memory snapshot of the
// graph. They are pure and iterative: every traversal carries an
// explicit visited set, so a cycle that slipped past write-time
// validation stops expanding instead of looping. Write-time validation
// is the first line of defense (Store.Update rejects reparenting that
// would create a cycle); these guards are the second.

// descendantsOf returns the transitive descendant set of id, walking
// children edges with an iterative worklist. The result is sorted and
// excludes id itself. Unknown ids yield an empty set.
func descendantsOf(nodes map[string]*Node, id string) []string {
	start, ok := nodes[id]
	if !ok {
		return []string{}
	}

	visited := map[string]bool{id: true}
	out := make([]string, 0)

	work := append([]string(nil), start.Children...)
	for len(work) > 0 {
		next := work[len(work)-1]
		work = work[:len(work)-1]

		if visited[next] {
			continue
		}
		visited[next] = true

		n, ok := nodes[next]
		if !ok {
			// Dangling child reference; still counts as reachable.
			out = append(out, next)
			continue
		}

		out = append(out, next)
		work = append(work, n.Children...)
	}

	sort.Strings(out)
	return out
}

// ancestorsOf returns the transitive ancestor set of id by walking
// parent links. The visited guard terminates on parent cycles.
func ancestorsOf(nodes map[string]*Node, id string) []string {
	start, ok := nodes[id]
	if !ok {
		return []string{}
	}

	visited := map[string]bool{id: true}
	out := make([]string, 0)

	cur := start.ParentID
	for cur != "" && !visited[cur] {
		visited[cur] = true
		out = append(out, cur)

		p, ok := nodes[cur]
		if !ok {
			break
		}
		cur = p.ParentID
	}

	sort.Strings(out)
	return out
}

// levelOf returns the depth of id (0 for roots), measured by the
// ancestor chain length with the same cycle guard.
func levelOf(nodes map[string]*Node, id string) int {
	n, ok := nodes[id]
	if !ok {
		return 0
	}

	visited := map[string]bool{id: true}
	level := 0
	cur := n.ParentID
	for cur != "" && !visited[cur] {
		visited[cur] = true
		level++
		p, ok := nodes[cur]
		if !ok {
			break
		}
		cur = p.ParentID
	}
	return level
}

// isDescendant reports whether candidate is in the transitive
// descendant set of id.
func isDescendant(nodes map[string]*Node, id, candidate string) bool {
	for _, d := range descendantsOf(nodes, id) {
		if d == candidate {
			return true
		}
	}
	return false
}

// simplePaths returns every simple path from parentID to childID along
// children edges. Callers need all justifying paths, not just the
// shortest, so the search enumerates exhaustively. A node already on
// the current path is never re-entered, which both defines "simple"
// and terminates on cycles.
func simplePaths(nodes map[string]*Node, parentID, childID string) [][]string {
	if _, ok := nodes[parentID]; !ok {
		return nil
	}

	var paths [][]string
	onPath := map[string]bool{}

	// Iterative DFS with an explicit stack of (node, child cursor).
	type frame struct {
		id   string
		next int
	}

	stack := []frame{{id: parentID}}
	path := []string{parentID}
	onPath[parentID] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.id == childID {
			found := make([]string, len(path))
			copy(found, path)
			paths = append(paths, found)

			onPath[top.id] = false
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}

		n, ok := nodes[top.id]
		if !ok || top.next >= len(n.Children) {
			onPath[top.id] = false
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}

		child := n.Children[top.next]
		top.next++

		if onPath[child] {
			continue
		}

		stack = append(stack, frame{id: child})
		path = append(path, child)
		onPath[child] = true
	}

	return paths
}

// recomputeClosures rebuilds the denormalized Ancestors, Descendants
// and Level fields of every node in the snapshot. Mutates the snapshot
// in place and returns the ids of nodes whose closure changed.
func recomputeClosures(nodes map[string]*Node) []string {
	changed := make([]string, 0)

	for id, n := range nodes {
		anc := ancestorsOf(nodes, id)
		desc := descendantsOf(nodes, id)
		lvl := levelOf(nodes, id)

		if !equalStrings(n.Ancestors, anc) || !equalStrings(n.Descendants, desc) || n.Level != lvl {
			n.Ancestors = anc
			n.Descendants = desc
			n.Level = lvl
			changed = append(changed, id)
		}
	}

	sort.Strings(changed)
	return changed
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// insertSorted inserts v into a sorted slice if absent.
func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// removeSorted removes v from a sorted slice if present.
func removeSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	if i < len(s) && s[i] == v {
		return append(s[:i], s[i+1:]...)
	}
	return s
}
