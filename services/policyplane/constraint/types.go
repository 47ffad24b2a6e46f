// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package constraint maintains the bilateral overlay that narrows or
// widens cross-tenant access independently of the base COI hierarchy.
//
// Constraints are keyed by the ordered (owner, partner) tenant pair and
// are never assumed symmetric: A->B and B->A are independent rows.
// hub_spoke rows protect the trust anchor; mutating one requires an
// explicit elevated authorization flag.
package constraint

import (
	"time"
)

// RelationshipType classifies which trust edge a constraint governs.
type RelationshipType string

const (
	// SpokeSpoke governs a lateral edge between two spokes.
	SpokeSpoke RelationshipType = "spoke_spoke"

	// HubSpoke governs an edge between the hub and a spoke. These rows
	// anchor the federation; weakening one is a security incident, so
	// the store gates every mutation behind an elevation check.
	HubSpoke RelationshipType = "hub_spoke"
)

// Valid reports whether t is a known relationship type.
func (t RelationshipType) Valid() bool {
	switch t {
	case SpokeSpoke, HubSpoke:
		return true
	}
	return false
}

// COIOperator selects the whitelist combination semantics.
type COIOperator string

const (
	// OperatorAny permits a request matching any whitelisted COI.
	OperatorAny COIOperator = "ANY"

	// OperatorAll permits a request only when every requested COI is
	// whitelisted.
	OperatorAll COIOperator = "ALL"
)

// Valid reports whether o is a known operator.
func (o COIOperator) Valid() bool {
	return o == OperatorAny || o == OperatorAll
}

// Status is a constraint's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Constraint is one bilateral access overlay row.
//
// Timestamps are Unix milliseconds UTC. EffectiveAt and ExpiresAt are
// zero when unbounded.
type Constraint struct {
	OwnerTenant   string `json:"owner_tenant"`
	PartnerTenant string `json:"partner_tenant"`

	RelationshipType RelationshipType `json:"relationship_type"`

	// MaxClassification caps the classification level shareable across
	// this edge. Opaque to the policy plane; the evaluation engine
	// interprets it.
	MaxClassification string `json:"max_classification"`

	// AllowedCOIs whitelists COIs, combined per COIOperator.
	// DeniedCOIs blacklists; a denied COI always loses regardless of
	// the whitelist or operator.
	AllowedCOIs []string    `json:"allowed_cois"`
	DeniedCOIs  []string    `json:"denied_cois"`
	COIOperator COIOperator `json:"coi_operator"`

	EffectiveAt int64 `json:"effective_at,omitempty"`
	ExpiresAt   int64 `json:"expires_at,omitempty"`

	Status          Status `json:"status"`
	SuspendedReason string `json:"suspended_reason,omitempty"`

	CreatedBy  string `json:"created_by"`
	ModifiedBy string `json:"modified_by,omitempty"`
	Rationale  string `json:"rationale,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// IsExpired reports whether the constraint's expiration date has
// passed, regardless of the stored Status. Expiry is evaluated lazily
// at read time; Status catches up best-effort afterwards.
func (c *Constraint) IsExpired(now time.Time) bool {
	return c.ExpiresAt != 0 && now.UnixMilli() >= c.ExpiresAt
}

// IsLive reports whether the constraint participates in the active
// matrix at the given instant: active status, effective date reached,
// not expired.
func (c *Constraint) IsLive(now time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if c.EffectiveAt != 0 && now.UnixMilli() < c.EffectiveAt {
		return false
	}
	return !c.IsExpired(now)
}

// PermitsCOIs evaluates the requested COI set against this constraint.
// Deny always wins: any requested COI on the deny list fails the
// request no matter what the whitelist says. With OperatorAll every
// requested COI must be whitelisted; with OperatorAny one match
// suffices. An empty whitelist permits nothing.
func (c *Constraint) PermitsCOIs(requested []string) bool {
	if len(requested) == 0 {
		return false
	}

	denied := make(map[string]bool, len(c.DeniedCOIs))
	for _, d := range c.DeniedCOIs {
		denied[d] = true
	}
	allowed := make(map[string]bool, len(c.AllowedCOIs))
	for _, a := range c.AllowedCOIs {
		allowed[a] = true
	}

	for _, r := range requested {
		if denied[r] {
			return false
		}
	}

	switch c.COIOperator {
	case OperatorAll:
		for _, r := range requested {
			if !allowed[r] {
				return false
			}
		}
		return true
	default: // ANY
		for _, r := range requested {
			if allowed[r] {
				return true
			}
		}
		return false
	}
}

// MatrixEntry is one cell of the exported active matrix.
type MatrixEntry struct {
	MaxClassification string           `json:"max_classification"`
	AllowedCOIs       []string         `json:"allowed_cois"`
	DeniedCOIs        []string         `json:"denied_cois"`
	COIOperator       COIOperator      `json:"coi_operator"`
	RelationshipType  RelationshipType `json:"relationship_type"`
	EffectiveAt       int64            `json:"effective_at,omitempty"`
	ExpiresAt         int64            `json:"expires_at,omitempty"`
	ModifiedBy        string           `json:"modified_by,omitempty"`
}

// Update carries partial constraint fields for Store.Update. Nil
// pointers leave the corresponding field untouched.
type Update struct {
	MaxClassification *string      `json:"max_classification,omitempty"`
	AllowedCOIs       *[]string    `json:"allowed_cois,omitempty"`
	DeniedCOIs        *[]string    `json:"denied_cois,omitempty"`
	COIOperator       *COIOperator `json:"coi_operator,omitempty"`
	EffectiveAt       *int64       `json:"effective_at,omitempty"`
	ExpiresAt         *int64       `json:"expires_at,omitempty"`
	Rationale         *string      `json:"rationale,omitempty"`
	ModifiedBy        string       `json:"modified_by,omitempty"`
}
