// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policyplane

import (
	"github.com/fedmesh/fedmesh/services/policyplane/bundle"
	"github.com/fedmesh/fedmesh/services/policyplane/constraint"
	"github.com/fedmesh/fedmesh/services/policyplane/hierarchy"
	"github.com/fedmesh/fedmesh/services/policyplane/spokesync"
)

// ServiceVersion is the policy plane service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse reports readiness including storage reachability.
type ReadyResponse struct {
	Ready         bool   `json:"ready"`
	LatestVersion string `json:"latest_version,omitempty"`
}

// HeartbeatRequest is a spoke's periodic report.
type HeartbeatRequest struct {
	// CurrentVersion is the bundle version the spoke runs. Empty
	// means the spoke has not applied any bundle yet.
	CurrentVersion string `json:"currentVersion"`

	// Timestamp is the spoke's local clock (Unix milliseconds),
	// recorded for skew diagnostics only.
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatResponse answers with the spoke's derived status and the
// latest published version so the spoke knows whether to pull.
type HeartbeatResponse struct {
	Spoke  *spokesync.Status     `json:"spoke"`
	Latest *bundle.PolicyVersion `json:"latest,omitempty"`
}

// BuildRequest triggers a bundle build.
type BuildRequest struct {
	Scopes   []string `json:"scopes"`
	Sign     bool     `json:"sign"`
	Compress bool     `json:"compress"`
	Reason   string   `json:"reason"`
}

// CreateNodeRequest creates a hierarchy node.
type CreateNodeRequest struct {
	ID          string                 `json:"id" binding:"required"`
	Name        string                 `json:"name" binding:"required"`
	Kind        hierarchy.NodeKind     `json:"kind" binding:"required"`
	ParentID    string                 `json:"parentId"`
	Enabled     *bool                  `json:"enabled"`
	Conditional *hierarchy.Conditional `json:"conditional"`
	Actor       string                 `json:"actor" binding:"required"`
}

// UpdateNodeRequest partially updates a hierarchy node.
type UpdateNodeRequest struct {
	Name        *string                `json:"name"`
	Enabled     *bool                  `json:"enabled"`
	Conditional *hierarchy.Conditional `json:"conditional"`
	ParentID    *string                `json:"parentId"`
	Actor       string                 `json:"actor" binding:"required"`
}

// CreateConstraintRequest creates a federation constraint.
type CreateConstraintRequest struct {
	OwnerTenant       string                      `json:"ownerTenant" binding:"required"`
	PartnerTenant     string                      `json:"partnerTenant" binding:"required"`
	RelationshipType  constraint.RelationshipType `json:"relationshipType" binding:"required"`
	MaxClassification string                      `json:"maxClassification" binding:"required"`
	AllowedCOIs       []string                    `json:"allowedCOIs"`
	DeniedCOIs        []string                    `json:"deniedCOIs"`
	COIOperator       constraint.COIOperator      `json:"coiOperator" binding:"required"`
	EffectiveAt       int64                       `json:"effectiveAt"`
	ExpiresAt         int64                       `json:"expiresAt"`
	CreatedBy         string                      `json:"createdBy" binding:"required"`
	Rationale         string                      `json:"rationale"`
}

// UpdateConstraintRequest partially updates a constraint.
type UpdateConstraintRequest struct {
	MaxClassification *string                 `json:"maxClassification"`
	AllowedCOIs       *[]string               `json:"allowedCOIs"`
	DeniedCOIs        *[]string               `json:"deniedCOIs"`
	COIOperator       *constraint.COIOperator `json:"coiOperator"`
	EffectiveAt       *int64                  `json:"effectiveAt"`
	ExpiresAt         *int64                  `json:"expiresAt"`
	Rationale         *string                 `json:"rationale"`
	ModifiedBy        string                  `json:"modifiedBy" binding:"required"`
}

// DeleteConstraintRequest suspends or removes a constraint.
type DeleteConstraintRequest struct {
	// Hard physically removes the row; default is a suspension that
	// keeps it for audit continuity.
	Hard   bool   `json:"hard"`
	Reason string `json:"reason"`
	Actor  string `json:"actor" binding:"required"`
}
