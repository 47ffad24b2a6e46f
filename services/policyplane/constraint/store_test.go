// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package constraint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, nil)
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	return s
}

func spokeConstraint(owner, partner string) *Constraint {
	return &Constraint{
		OwnerTenant:       owner,
		PartnerTenant:     partner,
		RelationshipType:  SpokeSpoke,
		MaxClassification: "SECRET",
		AllowedCOIs:       []string{"NATO"},
		COIOperator:       OperatorAny,
		CreatedBy:         "admin@hub",
	}
}

func TestPermitsCOIs_DenyWins(t *testing.T) {
	c := &Constraint{
		AllowedCOIs: []string{"NATO", "EU-DEFENSE"},
		DeniedCOIs:  []string{"NATO"},
		COIOperator: OperatorAny,
	}

	// NATO is on both lists; deny dominates regardless of operator.
	if c.PermitsCOIs([]string{"NATO"}) {
		t.Error("NATO permitted despite deny-list membership")
	}
	c.COIOperator = OperatorAll
	if c.PermitsCOIs([]string{"NATO"}) {
		t.Error("NATO permitted under ALL despite deny-list membership")
	}

	// An undenied whitelisted COI still passes.
	if !c.PermitsCOIs([]string{"EU-DEFENSE"}) {
		t.Error("EU-DEFENSE rejected despite whitelist membership")
	}
}

func TestPermitsCOIs_Operators(t *testing.T) {
	tests := []struct {
		name      string
		operator  COIOperator
		requested []string
		want      bool
	}{
		{"ANY one match", OperatorAny, []string{"NATO", "UNLISTED"}, true},
		{"ANY no match", OperatorAny, []string{"UNLISTED"}, false},
		{"ALL full match", OperatorAll, []string{"NATO", "EU-DEFENSE"}, true},
		{"ALL partial match", OperatorAll, []string{"NATO", "UNLISTED"}, false},
		{"empty request", OperatorAny, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Constraint{
				AllowedCOIs: []string{"NATO", "EU-DEFENSE"},
				COIOperator: tt.operator,
			}
			if got := c.PermitsCOIs(tt.requested); got != tt.want {
				t.Errorf("PermitsCOIs(%v) = %v, want %v", tt.requested, got, tt.want)
			}
		})
	}
}

func TestCreate_DuplicatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, spokeConstraint("esp", "fra"), WriteOptions{}); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	_, err := s.Create(ctx, spokeConstraint("esp", "fra"), WriteOptions{})
	if !errors.Is(err, ErrConstraintExists) {
		t.Errorf("duplicate Create = %v, want ErrConstraintExists", err)
	}

	// Reverse direction is a distinct row.
	if _, err := s.Create(ctx, spokeConstraint("fra", "esp"), WriteOptions{}); err != nil {
		t.Errorf("reverse pair Create = %v, want nil", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := spokeConstraint("esp", "esp")
	if _, err := s.Create(ctx, c, WriteOptions{}); !errors.Is(err, ErrSameTenant) {
		t.Errorf("same tenant = %v, want ErrSameTenant", err)
	}

	c = spokeConstraint("esp", "fra")
	c.RelationshipType = "sibling"
	if _, err := s.Create(ctx, c, WriteOptions{}); !errors.Is(err, ErrInvalidRelationship) {
		t.Errorf("bad relationship = %v, want ErrInvalidRelationship", err)
	}

	c = spokeConstraint("esp", "fra")
	c.COIOperator = "SOME"
	if _, err := s.Create(ctx, c, WriteOptions{}); !errors.Is(err, ErrInvalidOperator) {
		t.Errorf("bad operator = %v, want ErrInvalidOperator", err)
	}
}

func TestHubSpoke_RequiresElevation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hub := spokeConstraint("hub", "esp")
	hub.RelationshipType = HubSpoke

	if _, err := s.Create(ctx, hub, WriteOptions{}); !errors.Is(err, ErrElevationRequired) {
		t.Fatalf("unelevated hub_spoke Create = %v, want ErrElevationRequired", err)
	}
	if _, err := s.Create(ctx, hub, WriteOptions{Elevated: true}); err != nil {
		t.Fatalf("elevated hub_spoke Create = %v", err)
	}

	reason := "tightening"
	if _, err := s.Update(ctx, "hub", "esp", Update{Rationale: &reason}, WriteOptions{}); !errors.Is(err, ErrElevationRequired) {
		t.Errorf("unelevated hub_spoke Update = %v, want ErrElevationRequired", err)
	}
	if err := s.SoftDelete(ctx, "hub", "esp", "x", "admin", WriteOptions{}); !errors.Is(err, ErrElevationRequired) {
		t.Errorf("unelevated hub_spoke SoftDelete = %v, want ErrElevationRequired", err)
	}
	if err := s.HardDelete(ctx, "hub", "esp", WriteOptions{}); !errors.Is(err, ErrElevationRequired) {
		t.Errorf("unelevated hub_spoke HardDelete = %v, want ErrElevationRequired", err)
	}

	// spoke_spoke rows never demand elevation.
	if _, err := s.Create(ctx, spokeConstraint("esp", "fra"), WriteOptions{}); err != nil {
		t.Errorf("spoke_spoke Create = %v", err)
	}
	if err := s.SoftDelete(ctx, "esp", "fra", "rotation", "admin", WriteOptions{}); err != nil {
		t.Errorf("spoke_spoke SoftDelete = %v", err)
	}
}

func TestSoftDelete_KeepsRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, spokeConstraint("esp", "fra"), WriteOptions{}); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := s.SoftDelete(ctx, "esp", "fra", "treaty lapsed", "admin@hub", WriteOptions{}); err != nil {
		t.Fatalf("SoftDelete() = %v", err)
	}

	c, err := s.Get(ctx, "esp", "fra")
	if err != nil {
		t.Fatalf("Get after SoftDelete = %v", err)
	}
	if c.Status != StatusSuspended {
		t.Errorf("status = %s, want suspended", c.Status)
	}
	if c.SuspendedReason != "treaty lapsed" {
		t.Errorf("reason = %q", c.SuspendedReason)
	}

	if err := s.HardDelete(ctx, "esp", "fra", WriteOptions{}); err != nil {
		t.Fatalf("HardDelete() = %v", err)
	}
	if _, err := s.Get(ctx, "esp", "fra"); !errors.Is(err, ErrConstraintNotFound) {
		t.Errorf("Get after HardDelete = %v, want ErrConstraintNotFound", err)
	}
}

func TestBilateral_Asymmetric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := spokeConstraint("esp", "fra")
	c.MaxClassification = "TOP_SECRET"
	if _, err := s.Create(ctx, c, WriteOptions{}); err != nil {
		t.Fatalf("Create() = %v", err)
	}

	ab, ba, err := s.Bilateral(ctx, "esp", "fra")
	if err != nil {
		t.Fatalf("Bilateral() = %v", err)
	}
	if ab == nil || ab.MaxClassification != "TOP_SECRET" {
		t.Errorf("esp->fra = %+v", ab)
	}
	if ba != nil {
		t.Errorf("fra->esp = %+v, want nil (directions are independent)", ba)
	}
}

func TestActiveMatrix_LazyExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Freeze time, then move it past the expiration without any
	// cleanup pass running.
	base := time.Now()
	s.now = func() time.Time { return base }

	live := spokeConstraint("esp", "fra")
	expired := spokeConstraint("esp", "deu")
	expired.ExpiresAt = base.Add(time.Hour).UnixMilli()
	if _, err := s.Create(ctx, live, WriteOptions{}); err != nil {
		t.Fatalf("Create(live) = %v", err)
	}
	if _, err := s.Create(ctx, expired, WriteOptions{}); err != nil {
		t.Fatalf("Create(expiring) = %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }

	matrix, err := s.ActiveMatrix(ctx)
	if err != nil {
		t.Fatalf("ActiveMatrix() = %v", err)
	}
	if _, ok := matrix["esp"]["fra"]; !ok {
		t.Error("live constraint missing from matrix")
	}
	if _, ok := matrix["esp"]["deu"]; ok {
		t.Error("expired constraint present in matrix before any cleanup pass")
	}

	// The opportunistic correction flips the stored status.
	s.Wait()
	c, err := s.Get(ctx, "esp", "deu")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if c.Status != StatusExpired {
		t.Errorf("status after matrix read = %s, want expired", c.Status)
	}
}

func TestActiveMatrix_SkipsSuspendedAndPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	if _, err := s.Create(ctx, spokeConstraint("esp", "fra"), WriteOptions{}); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if err := s.SoftDelete(ctx, "esp", "fra", "paused", "admin", WriteOptions{}); err != nil {
		t.Fatalf("SoftDelete() = %v", err)
	}

	pending := spokeConstraint("esp", "ita")
	pending.EffectiveAt = base.Add(time.Hour).UnixMilli()
	if _, err := s.Create(ctx, pending, WriteOptions{}); err != nil {
		t.Fatalf("Create(pending) = %v", err)
	}

	matrix, err := s.ActiveMatrix(ctx)
	if err != nil {
		t.Fatalf("ActiveMatrix() = %v", err)
	}
	if len(matrix) != 0 {
		t.Errorf("matrix = %v, want empty", matrix)
	}
}

func TestOutboundInbound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"esp", "fra"}, {"esp", "deu"}, {"fra", "deu"}} {
		if _, err := s.Create(ctx, spokeConstraint(pair[0], pair[1]), WriteOptions{}); err != nil {
			t.Fatalf("Create(%v) = %v", pair, err)
		}
	}

	out, err := s.Outbound(ctx, "esp")
	if err != nil {
		t.Fatalf("Outbound() = %v", err)
	}
	if len(out) != 2 {
		t.Errorf("Outbound(esp) = %d rows, want 2", len(out))
	}

	in, err := s.Inbound(ctx, "deu")
	if err != nil {
		t.Fatalf("Inbound() = %v", err)
	}
	if len(in) != 2 {
		t.Errorf("Inbound(deu) = %d rows, want 2", len(in))
	}
}
