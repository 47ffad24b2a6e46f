// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policyplane

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all federation policy plane routes.
//
// Description:
//
//	Registers all /v1/federation/* endpoints with the given Gin
//	router group. The group should already have any required
//	middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Spoke Protocol Endpoints:
//
//	POST /v1/federation/spokes/:spokeId/heartbeat - Report version + liveness
//	GET  /v1/federation/spokes - All spoke sync statuses
//	GET  /v1/federation/spokes/out-of-sync - Spokes not on the latest version
//	GET  /v1/federation/spokes/:spokeId - One spoke's status
//
// Bundle Endpoints:
//
//	POST /v1/federation/bundles - Trigger a build
//	GET  /v1/federation/bundles - Version history, optionally since a version
//	GET  /v1/federation/bundles/latest - Latest version metadata
//	GET  /v1/federation/bundles/:version - Version metadata
//	GET  /v1/federation/bundles/:version/artifact - The artifact blob
//
// Hierarchy Endpoints:
//
//	POST   /v1/federation/hierarchy/nodes - Create a COI node
//	GET    /v1/federation/hierarchy/nodes - List nodes
//	GET    /v1/federation/hierarchy/nodes/:id - Get a node
//	PATCH  /v1/federation/hierarchy/nodes/:id - Partially update a node
//	DELETE /v1/federation/hierarchy/nodes/:id - Delete a childless node
//	POST   /v1/federation/hierarchy/recompute - Recompute all closures
//	GET    /v1/federation/hierarchy/paths - All simple paths between two nodes
//	GET    /v1/federation/hierarchy/export/flat - Flat evaluation-engine export
//	GET    /v1/federation/hierarchy/export/detailed - Detailed export
//
// Constraint Endpoints:
//
//	POST   /v1/federation/constraints - Create a constraint
//	GET    /v1/federation/constraints/matrix - Active overlay matrix
//	GET    /v1/federation/constraints/outbound/:tenant - Tenant's outbound rules
//	GET    /v1/federation/constraints/:owner/:partner - One direction
//	GET    /v1/federation/constraints/:owner/:partner/bilateral - Both directions
//	PATCH  /v1/federation/constraints/:owner/:partner - Partially update
//	DELETE /v1/federation/constraints/:owner/:partner - Suspend or remove
//
// Audit Endpoints:
//
//	POST /v1/federation/audit/decisions - Record a decision
//	GET  /v1/federation/audit/decisions - Query decisions
//	GET  /v1/federation/audit/top-granting-cois - Rank granting ancestor COIs
//	GET  /v1/federation/audit/top-expanded-resources - Rank expanded resources
//
// Health Endpoints:
//
//	GET /v1/federation/health - Health check
//	GET /v1/federation/ready - Readiness check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	federation := rg.Group("/federation")
	{
		// Spoke protocol
		federation.POST("/spokes/:spokeId/heartbeat", handlers.HandleHeartbeat)
		federation.GET("/spokes", handlers.HandleListSpokes)
		federation.GET("/spokes/out-of-sync", handlers.HandleOutOfSyncSpokes)
		federation.GET("/spokes/:spokeId", handlers.HandleGetSpoke)

		// Bundles
		federation.POST("/bundles", handlers.HandleBuildBundle)
		federation.GET("/bundles", handlers.HandleListBundles)
		federation.GET("/bundles/latest", handlers.HandleLatestBundle)
		federation.GET("/bundles/:version", handlers.HandleGetBundle)
		federation.GET("/bundles/:version/artifact", handlers.HandleBundleArtifact)

		// Hierarchy
		federation.POST("/hierarchy/nodes", handlers.HandleCreateNode)
		federation.GET("/hierarchy/nodes", handlers.HandleListNodes)
		federation.GET("/hierarchy/nodes/:id", handlers.HandleGetNode)
		federation.PATCH("/hierarchy/nodes/:id", handlers.HandleUpdateNode)
		federation.DELETE("/hierarchy/nodes/:id", handlers.HandleDeleteNode)
		federation.POST("/hierarchy/recompute", handlers.HandleRecompute)
		federation.GET("/hierarchy/paths", handlers.HandlePaths)
		federation.GET("/hierarchy/export/flat", handlers.HandleFlatExport)
		federation.GET("/hierarchy/export/detailed", handlers.HandleDetailedExport)

		// Constraints
		federation.POST("/constraints", handlers.HandleCreateConstraint)
		federation.GET("/constraints/matrix", handlers.HandleConstraintMatrix)
		federation.GET("/constraints/outbound/:tenant", handlers.HandleOutboundConstraints)
		federation.GET("/constraints/:owner/:partner", handlers.HandleGetConstraint)
		federation.GET("/constraints/:owner/:partner/bilateral", handlers.HandleBilateral)
		federation.PATCH("/constraints/:owner/:partner", handlers.HandleUpdateConstraint)
		federation.DELETE("/constraints/:owner/:partner", handlers.HandleDeleteConstraint)

		// Audit
		federation.POST("/audit/decisions", handlers.HandleLogDecision)
		federation.GET("/audit/decisions", handlers.HandleQueryDecisions)
		federation.GET("/audit/top-granting-cois", handlers.HandleTopGrantingCOIs)
		federation.GET("/audit/top-expanded-resources", handlers.HandleTopExpandedResources)

		// Health checks
		federation.GET("/health", handlers.HandleHealth)
		federation.GET("/ready", handlers.HandleReady)
	}
}
