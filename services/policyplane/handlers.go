// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policyplane

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fedmesh/fedmesh/services/policyplane/audit"
	"github.com/fedmesh/fedmesh/services/policyplane/bundle"
	"github.com/fedmesh/fedmesh/services/policyplane/constraint"
	"github.com/fedmesh/fedmesh/services/policyplane/hierarchy"
	"github.com/fedmesh/fedmesh/services/policyplane/spokesync"
)

// elevationHeader asserts elevated authorization for hub_spoke
// constraint mutations. The authn layer in front of the hub is
// responsible for stripping it from untrusted callers.
const elevationHeader = "X-Elevated-Authorization"

// Handlers contains the HTTP handlers for the policy plane.
type Handlers struct {
	hierarchy   *hierarchy.Store
	constraints *constraint.Store
	bundles     *bundle.Manager
	spokes      *spokesync.Tracker
	sink        *audit.Sink
	logger      *slog.Logger
}

// NewHandlers creates handlers over the policy plane components.
func NewHandlers(h *hierarchy.Store, c *constraint.Store, b *bundle.Manager, s *spokesync.Tracker, sink *audit.Sink, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		hierarchy:   h,
		constraints: c,
		bundles:     b,
		spokes:      s,
		sink:        sink,
		logger:      logger.With(slog.String("component", "policyplane_handlers")),
	}
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// writeError maps component errors onto the HTTP error taxonomy.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	switch {
	case errors.Is(err, hierarchy.ErrNodeNotFound),
		errors.Is(err, constraint.ErrConstraintNotFound),
		errors.Is(err, bundle.ErrVersionNotFound),
		errors.Is(err, spokesync.ErrSpokeNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, hierarchy.ErrNodeExists),
		errors.Is(err, constraint.ErrConstraintExists):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, hierarchy.ErrHasChildren),
		errors.Is(err, hierarchy.ErrCycle),
		errors.Is(err, hierarchy.ErrInvalidKind),
		errors.Is(err, hierarchy.ErrInvalidID),
		errors.Is(err, hierarchy.ErrEmptyID),
		errors.Is(err, constraint.ErrSameTenant),
		errors.Is(err, constraint.ErrInvalidRelationship),
		errors.Is(err, constraint.ErrInvalidOperator),
		errors.Is(err, constraint.ErrElevationRequired),
		errors.Is(err, bundle.ErrInvalidScope),
		errors.Is(err, spokesync.ErrEmptySpokeID):
		status = http.StatusUnprocessableEntity
		code = "INVALID_STATE"
	case errors.Is(err, bundle.ErrSourceMissing),
		errors.Is(err, bundle.ErrArtifactMissing):
		status = http.StatusServiceUnavailable
		code = "UPSTREAM_UNAVAILABLE"
	}

	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// logConfigChange records a configuration change. Audit failures are
// non-fatal to the mutation that triggered them.
func (h *Handlers) logConfigChange(c *gin.Context, action, entityType, entityID, actor, detail string) {
	rec := &audit.ConfigChangeRecord{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Detail:     detail,
	}
	if err := h.sink.LogConfigChange(c.Request.Context(), rec); err != nil {
		h.logger.Warn("config change audit failed",
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Spoke protocol
// ---------------------------------------------------------------------------

// HandleHeartbeat handles POST /v1/federation/spokes/:spokeId/heartbeat.
//
// Records the spoke's acknowledged version (when it reports one) and
// its liveness, then answers with the latest published version so the
// spoke knows whether to pull.
func (h *Handlers) HandleHeartbeat(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleHeartbeat"))

	spokeID := c.Param("spokeId")
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	ctx := c.Request.Context()
	var err error
	if req.CurrentVersion != "" {
		err = h.spokes.RecordAck(ctx, spokeID, req.CurrentVersion)
	} else {
		err = h.spokes.Heartbeat(ctx, spokeID)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	st, err := h.spokes.Get(ctx, spokeID)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := HeartbeatResponse{Spoke: st}
	latest, err := h.bundles.GetLatest(ctx)
	if err == nil {
		resp.Latest = latest
	} else if !errors.Is(err, bundle.ErrVersionNotFound) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListSpokes handles GET /v1/federation/spokes.
func (h *Handlers) HandleListSpokes(c *gin.Context) {
	all, err := h.spokes.All(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spokes": all})
}

// HandleOutOfSyncSpokes handles GET /v1/federation/spokes/out-of-sync.
func (h *Handlers) HandleOutOfSyncSpokes(c *gin.Context) {
	out, err := h.spokes.OutOfSyncSpokes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"spokes": out})
}

// HandleGetSpoke handles GET /v1/federation/spokes/:spokeId.
func (h *Handlers) HandleGetSpoke(c *gin.Context) {
	st, err := h.spokes.Get(c.Request.Context(), c.Param("spokeId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ---------------------------------------------------------------------------
// Bundles
// ---------------------------------------------------------------------------

// HandleLatestBundle handles GET /v1/federation/bundles/latest.
func (h *Handlers) HandleLatestBundle(c *gin.Context) {
	pv, err := h.bundles.GetLatest(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pv)
}

// HandleGetBundle handles GET /v1/federation/bundles/:version.
func (h *Handlers) HandleGetBundle(c *gin.Context) {
	pv, err := h.bundles.GetVersion(c.Request.Context(), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pv)
}

// HandleBundleArtifact handles GET /v1/federation/bundles/:version/artifact.
//
// Serves the already-built artifact straight off disk; never blocks
// on in-flight builds.
func (h *Handlers) HandleBundleArtifact(c *gin.Context) {
	pv, err := h.bundles.GetVersion(c.Request.Context(), c.Param("version"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("X-Bundle-Version", pv.Version)
	c.Header("X-Bundle-Hash", pv.Hash)
	if pv.Signed() {
		c.Header("X-Bundle-Signature", pv.Signature)
	}
	if pv.Compressed {
		c.Header("Content-Type", "application/gzip")
	} else {
		c.Header("Content-Type", "application/x-tar")
	}
	c.File(h.bundles.ArtifactPath(pv))
}

// HandleListBundles handles GET /v1/federation/bundles.
//
// Query Parameters:
//
//	since: exclusive lower version bound (optional). Spokes that were
//	offline pass their current version to see what they missed.
func (h *Handlers) HandleListBundles(c *gin.Context) {
	versions, err := h.bundles.GetVersionsSince(c.Request.Context(), c.Query("since"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// HandleBuildBundle handles POST /v1/federation/bundles.
func (h *Handlers) HandleBuildBundle(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleBuildBundle"))

	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	pv, err := h.bundles.Build(c.Request.Context(), bundle.BuildOptions{
		Scopes:   req.Scopes,
		Sign:     req.Sign,
		Compress: req.Compress,
		BuiltBy:  c.GetHeader("X-Actor"),
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pv)
}

// ---------------------------------------------------------------------------
// Hierarchy
// ---------------------------------------------------------------------------

// HandleCreateNode handles POST /v1/federation/hierarchy/nodes.
func (h *Handlers) HandleCreateNode(c *gin.Context) {
	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	node, err := h.hierarchy.Create(c.Request.Context(), &hierarchy.Node{
		ID:          req.ID,
		Name:        req.Name,
		Kind:        req.Kind,
		ParentID:    req.ParentID,
		Enabled:     enabled,
		Conditional: req.Conditional,
		Actor:       req.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	h.logConfigChange(c, "create", "hierarchy_node", node.ID, req.Actor, "node created")
	c.JSON(http.StatusCreated, node)
}

// HandleGetNode handles GET /v1/federation/hierarchy/nodes/:id.
func (h *Handlers) HandleGetNode(c *gin.Context) {
	node, err := h.hierarchy.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// HandleListNodes handles GET /v1/federation/hierarchy/nodes.
func (h *Handlers) HandleListNodes(c *gin.Context) {
	nodes, err := h.hierarchy.All(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// HandleUpdateNode handles PATCH /v1/federation/hierarchy/nodes/:id.
func (h *Handlers) HandleUpdateNode(c *gin.Context) {
	var req UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	id := c.Param("id")
	node, err := h.hierarchy.Update(c.Request.Context(), id, hierarchy.Update{
		Name:        req.Name,
		Enabled:     req.Enabled,
		Conditional: req.Conditional,
		SetParent:   req.ParentID,
		Actor:       req.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	h.logConfigChange(c, "update", "hierarchy_node", id, req.Actor, "node updated")
	c.JSON(http.StatusOK, node)
}

// HandleDeleteNode handles DELETE /v1/federation/hierarchy/nodes/:id.
func (h *Handlers) HandleDeleteNode(c *gin.Context) {
	id := c.Param("id")
	if err := h.hierarchy.Delete(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.logConfigChange(c, "delete", "hierarchy_node", id, c.GetHeader("X-Actor"), "node deleted")
	c.Status(http.StatusNoContent)
}

// HandleRecompute handles POST /v1/federation/hierarchy/recompute.
//
// Structural edits leave closures dirty until this runs; the endpoint
// makes the edit-then-recompute sequence an explicit caller decision.
func (h *Handlers) HandleRecompute(c *gin.Context) {
	changed, err := h.hierarchy.RecomputeAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// HandlePaths handles GET /v1/federation/hierarchy/paths.
//
// Query Parameters:
//
//	from: ancestor node id (required)
//	to:   descendant node id (required)
func (h *Handlers) HandlePaths(c *gin.Context) {
	from := c.Query("from")
	to := c.Query("to")
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "from and to are required", Code: "INVALID_REQUEST"})
		return
	}

	paths, err := h.hierarchy.PathsBetween(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paths": paths})
}

// HandleFlatExport handles GET /v1/federation/hierarchy/export/flat.
func (h *Handlers) HandleFlatExport(c *gin.Context) {
	m, err := h.hierarchy.FlatMap(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// HandleDetailedExport handles GET /v1/federation/hierarchy/export/detailed.
func (h *Handlers) HandleDetailedExport(c *gin.Context) {
	m, err := h.hierarchy.DetailedMap(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ---------------------------------------------------------------------------
// Constraints
// ---------------------------------------------------------------------------

func elevated(c *gin.Context) constraint.WriteOptions {
	return constraint.WriteOptions{Elevated: c.GetHeader(elevationHeader) == "true"}
}

// HandleCreateConstraint handles POST /v1/federation/constraints.
func (h *Handlers) HandleCreateConstraint(c *gin.Context) {
	var req CreateConstraintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	created, err := h.constraints.Create(c.Request.Context(), &constraint.Constraint{
		OwnerTenant:       req.OwnerTenant,
		PartnerTenant:     req.PartnerTenant,
		RelationshipType:  req.RelationshipType,
		MaxClassification: req.MaxClassification,
		AllowedCOIs:       req.AllowedCOIs,
		DeniedCOIs:        req.DeniedCOIs,
		COIOperator:       req.COIOperator,
		EffectiveAt:       req.EffectiveAt,
		ExpiresAt:         req.ExpiresAt,
		CreatedBy:         req.CreatedBy,
		Rationale:         req.Rationale,
	}, elevated(c))
	if err != nil {
		writeError(c, err)
		return
	}

	h.logConfigChange(c, "create", "federation_constraint",
		req.OwnerTenant+"->"+req.PartnerTenant, req.CreatedBy, req.Rationale)
	c.JSON(http.StatusCreated, created)
}

// HandleGetConstraint handles GET /v1/federation/constraints/:owner/:partner.
func (h *Handlers) HandleGetConstraint(c *gin.Context) {
	cons, err := h.constraints.Get(c.Request.Context(), c.Param("owner"), c.Param("partner"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

// HandleBilateral handles GET /v1/federation/constraints/:owner/:partner/bilateral.
//
// Returns both directions independently; either side may be absent.
func (h *Handlers) HandleBilateral(c *gin.Context) {
	ab, ba, err := h.constraints.Bilateral(c.Request.Context(), c.Param("owner"), c.Param("partner"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outbound": ab, "inbound": ba})
}

// HandleUpdateConstraint handles PATCH /v1/federation/constraints/:owner/:partner.
func (h *Handlers) HandleUpdateConstraint(c *gin.Context) {
	var req UpdateConstraintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	owner, partner := c.Param("owner"), c.Param("partner")
	updated, err := h.constraints.Update(c.Request.Context(), owner, partner, constraint.Update{
		MaxClassification: req.MaxClassification,
		AllowedCOIs:       req.AllowedCOIs,
		DeniedCOIs:        req.DeniedCOIs,
		COIOperator:       req.COIOperator,
		EffectiveAt:       req.EffectiveAt,
		ExpiresAt:         req.ExpiresAt,
		Rationale:         req.Rationale,
		ModifiedBy:        req.ModifiedBy,
	}, elevated(c))
	if err != nil {
		writeError(c, err)
		return
	}

	h.logConfigChange(c, "update", "federation_constraint", owner+"->"+partner, req.ModifiedBy, "constraint updated")
	c.JSON(http.StatusOK, updated)
}

// HandleDeleteConstraint handles DELETE /v1/federation/constraints/:owner/:partner.
//
// Default is a soft delete (suspension with reason); hard=true removes
// the row entirely.
func (h *Handlers) HandleDeleteConstraint(c *gin.Context) {
	var req DeleteConstraintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	owner, partner := c.Param("owner"), c.Param("partner")
	var err error
	if req.Hard {
		err = h.constraints.HardDelete(c.Request.Context(), owner, partner, elevated(c))
	} else {
		err = h.constraints.SoftDelete(c.Request.Context(), owner, partner, req.Reason, req.Actor, elevated(c))
	}
	if err != nil {
		writeError(c, err)
		return
	}

	action := "suspend"
	if req.Hard {
		action = "delete"
	}
	h.logConfigChange(c, action, "federation_constraint", owner+"->"+partner, req.Actor, req.Reason)
	c.Status(http.StatusNoContent)
}

// HandleOutboundConstraints handles GET /v1/federation/constraints/outbound/:tenant.
func (h *Handlers) HandleOutboundConstraints(c *gin.Context) {
	out, err := h.constraints.Outbound(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"constraints": out})
}

// HandleConstraintMatrix handles GET /v1/federation/constraints/matrix.
func (h *Handlers) HandleConstraintMatrix(c *gin.Context) {
	matrix, err := h.constraints.ActiveMatrix(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, matrix)
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// HandleLogDecision handles POST /v1/federation/audit/decisions.
//
// Spokes report the hierarchy-based decisions their evaluation engines
// made so the hub holds the coalition-wide compliance trail.
func (h *Handlers) HandleLogDecision(c *gin.Context) {
	var rec audit.DecisionRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if err := h.sink.LogDecision(c.Request.Context(), &rec); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID})
}

// HandleQueryDecisions handles GET /v1/federation/audit/decisions.
//
// Query Parameters:
//
//	requestId, subject, resource: exact-match filters (optional)
//	granted: "true"/"false" outcome filter (optional)
//	from, to: Unix-millisecond time bounds (optional)
func (h *Handlers) HandleQueryDecisions(c *gin.Context) {
	f := audit.Filter{
		RequestID: c.Query("requestId"),
		Subject:   c.Query("subject"),
		Resource:  c.Query("resource"),
	}
	if g := c.Query("granted"); g != "" {
		granted := g == "true"
		f.Granted = &granted
	}
	if from := c.Query("from"); from != "" {
		v, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid from timestamp", Code: "INVALID_REQUEST"})
			return
		}
		f.From = v
	}
	if to := c.Query("to"); to != "" {
		v, err := strconv.ParseInt(to, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid to timestamp", Code: "INVALID_REQUEST"})
			return
		}
		f.To = v
	}

	recs, err := h.sink.QueryDecisions(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": recs})
}

// HandleTopGrantingCOIs handles GET /v1/federation/audit/top-granting-cois.
func (h *Handlers) HandleTopGrantingCOIs(c *gin.Context) {
	limit := queryLimit(c, 10)
	top, err := h.sink.TopGrantingCOIs(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"top": top})
}

// HandleTopExpandedResources handles GET /v1/federation/audit/top-expanded-resources.
func (h *Handlers) HandleTopExpandedResources(c *gin.Context) {
	limit := queryLimit(c, 10)
	top, err := h.sink.TopExpandedResources(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"top": top})
}

func queryLimit(c *gin.Context, fallback int) int {
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// HandleHealth handles GET /v1/federation/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleReady handles GET /v1/federation/ready.
//
// Ready means storage answers; a hub with no published versions is
// still ready (first build may not have run yet).
func (h *Handlers) HandleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	latest, err := h.bundles.GetLatest(ctx)
	if err != nil && !errors.Is(err, bundle.ErrVersionNotFound) {
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false})
		return
	}

	resp := ReadyResponse{Ready: true}
	if latest != nil {
		resp.LatestVersion = latest.Version
	}
	c.JSON(http.StatusOK, resp)
}
