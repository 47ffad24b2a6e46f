// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

// DecisionRecord is the immutable trail of one hierarchy-based
// authorization decision. Written once, never edited; eligible for
// deletion after ExpiresAt.
type DecisionRecord struct {
	// ID is assigned at write time.
	ID string `json:"id"`

	// RequestID correlates the decision with the request that
	// triggered it.
	RequestID string `json:"request_id"`

	Subject  string `json:"subject"`
	Resource string `json:"resource"`

	// RawCOIs are the subject's asserted COIs; ExpandedCOIs the set
	// after hierarchy expansion.
	RawCOIs      []string `json:"raw_cois"`
	ExpandedCOIs []string `json:"expanded_cois"`

	// RequiredCOIs and COIOperator describe the resource's demand.
	RequiredCOIs []string `json:"required_cois"`
	COIOperator  string   `json:"coi_operator"`

	Granted bool `json:"granted"`

	// GrantingCOIs are the ancestor COIs that justified the grant;
	// Paths are the full justifying paths from user COI to resource
	// COI.
	GrantingCOIs []string   `json:"granting_cois,omitempty"`
	Paths        [][]string `json:"paths,omitempty"`

	// MultiLevel reports whether multi-level expansion was used.
	MultiLevel bool `json:"multi_level"`

	// ConditionalResults maps conditional-rule ids to their outcome
	// at decision time.
	ConditionalResults map[string]bool `json:"conditional_results,omitempty"`

	// LatencyMicros is the decision latency in microseconds.
	LatencyMicros int64 `json:"latency_micros"`

	// Timestamp is when the decision was made (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`

	// ExpiresAt is the retention horizon (Unix milliseconds), set at
	// write time.
	ExpiresAt int64 `json:"expires_at"`
}

// ConfigChangeRecord is the immutable trail of one hierarchy or
// constraint configuration change.
type ConfigChangeRecord struct {
	ID string `json:"id"`

	// Action is create, update, or delete.
	Action string `json:"action"`

	// EntityType names the changed collection (hierarchy_node,
	// federation_constraint); EntityID its natural key.
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	Actor  string `json:"actor"`
	Detail string `json:"detail,omitempty"`

	Timestamp int64 `json:"timestamp"`
	ExpiresAt int64 `json:"expires_at"`
}

// COICount is one aggregate rank entry.
type COICount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}
