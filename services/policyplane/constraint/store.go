// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package constraint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

// Errors returned by the constraint store.
var (
	// ErrConstraintNotFound indicates an unknown (owner, partner) pair.
	ErrConstraintNotFound = errors.New("federation constraint not found")

	// ErrConstraintExists indicates a duplicate (owner, partner) pair
	// on create. Creation never silently overwrites.
	ErrConstraintExists = errors.New("federation constraint already exists")

	// ErrSameTenant indicates owner == partner.
	ErrSameTenant = errors.New("owner and partner tenant must differ")

	// ErrInvalidRelationship indicates an unknown relationship type.
	ErrInvalidRelationship = errors.New("invalid relationship type")

	// ErrInvalidOperator indicates an unknown COI operator.
	ErrInvalidOperator = errors.New("invalid coi operator")

	// ErrElevationRequired indicates a hub_spoke mutation attempted
	// without elevated authorization. hub_spoke rows protect the trust
	// anchor and never ride the spoke_spoke code path unchecked.
	ErrElevationRequired = errors.New("hub_spoke constraint mutation requires elevated authorization")
)

const constraintPrefix = "fc/"

func constraintKey(owner, partner string) []byte {
	return []byte(constraintPrefix + owner + "/" + partner)
}

// WriteOptions qualifies a mutation request.
type WriteOptions struct {
	// Elevated asserts that the caller passed the elevated
	// authorization check required to touch hub_spoke rows.
	Elevated bool
}

// Store persists bilateral federation constraints.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	// expiryWG tracks in-flight background status corrections so
	// shutdown (and tests) can wait them out.
	expiryWG sync.WaitGroup
}

// NewStore creates a constraint store on the shared policy plane
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
		logger: logger.With(slog.String("component", "constraint_store")),
		now:    time.Now,
	}, nil
}

func (s *Store) validate(c *Constraint) error {
	if c.OwnerTenant == "" || c.PartnerTenant == "" {
		return fmt.Errorf("%w: tenant ids must not be empty", ErrSameTenant)
	}
	if c.OwnerTenant == c.PartnerTenant {
		return fmt.Errorf("%w: %s", ErrSameTenant, c.OwnerTenant)
	}
	if strings.ContainsAny(c.OwnerTenant+c.PartnerTenant, "/") {
		return fmt.Errorf("%w: tenant ids must not contain '/'", ErrSameTenant)
	}
	if !c.RelationshipType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRelationship, c.RelationshipType)
	}
	if !c.COIOperator.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOperator, c.COIOperator)
	}
	return nil
}

// requireElevation gates hub_spoke mutations.
func requireElevation(c *Constraint, opts WriteOptions) error {
	if c.RelationshipType == HubSpoke && !opts.Elevated {
		return fmt.Errorf("%w: %s->%s", ErrElevationRequired, c.OwnerTenant, c.PartnerTenant)
	}
	return nil
}

// Create inserts a new constraint. The (owner, partner) pair must be
// unique; duplicates fail with ErrConstraintExists. hub_spoke rows
// require opts.Elevated.
func (s *Store) Create(ctx context.Context, c *Constraint, opts WriteOptions) (*Constraint, error) {
	if c == nil {
		return nil, errors.New("constraint must not be nil")
	}
	if err := s.validate(c); err != nil {
		return nil, err
	}
	if err := requireElevation(c, opts); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	stored := *c
	stored.Status = StatusActive
	stored.CreatedAt = now
	stored.UpdatedAt = now

	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		key := constraintKey(stored.OwnerTenant, stored.PartnerTenant)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: %s->%s", ErrConstraintExists, stored.OwnerTenant, stored.PartnerTenant)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("check constraint: %w", err)
		}
		return putConstraint(txn, &stored)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("federation constraint created",
		slog.String("owner", stored.OwnerTenant),
		slog.String("partner", stored.PartnerTenant),
		slog.String("relationship", string(stored.RelationshipType)),
		slog.String("created_by", stored.CreatedBy),
	)
	return &stored, nil
}

// Get returns the constraint for the ordered (owner, partner) pair.
func (s *Store) Get(ctx context.Context, owner, partner string) (*Constraint, error) {
	var c *Constraint
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		c, err = getConstraint(txn, owner, partner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Update applies partial fields. hub_spoke rows require opts.Elevated.
func (s *Store) Update(ctx context.Context, owner, partner string, u Update, opts WriteOptions) (*Constraint, error) {
	var updated *Constraint
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		c, err := getConstraint(txn, owner, partner)
		if err != nil {
			return err
		}
		if err := requireElevation(c, opts); err != nil {
			return err
		}

		if u.MaxClassification != nil {
			c.MaxClassification = *u.MaxClassification
		}
		if u.AllowedCOIs != nil {
			c.AllowedCOIs = *u.AllowedCOIs
		}
		if u.DeniedCOIs != nil {
			c.DeniedCOIs = *u.DeniedCOIs
		}
		if u.COIOperator != nil {
			if !u.COIOperator.Valid() {
				return fmt.Errorf("%w: %q", ErrInvalidOperator, *u.COIOperator)
			}
			c.COIOperator = *u.COIOperator
		}
		if u.EffectiveAt != nil {
			c.EffectiveAt = *u.EffectiveAt
		}
		if u.ExpiresAt != nil {
			c.ExpiresAt = *u.ExpiresAt
		}
		if u.Rationale != nil {
			c.Rationale = *u.Rationale
		}
		c.ModifiedBy = u.ModifiedBy
		c.UpdatedAt = s.now().UnixMilli()

		if err := putConstraint(txn, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("federation constraint updated",
		slog.String("owner", owner),
		slog.String("partner", partner),
		slog.String("modified_by", u.ModifiedBy),
	)
	return updated, nil
}

// SoftDelete marks the constraint suspended with a reason. The row
// stays in the store for audit continuity. hub_spoke rows require
// opts.Elevated.
func (s *Store) SoftDelete(ctx context.Context, owner, partner, reason, actor string, opts WriteOptions) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		c, err := getConstraint(txn, owner, partner)
		if err != nil {
			return err
		}
		if err := requireElevation(c, opts); err != nil {
			return err
		}
		c.Status = StatusSuspended
		c.SuspendedReason = reason
		c.ModifiedBy = actor
		c.UpdatedAt = s.now().UnixMilli()
		return putConstraint(txn, c)
	})
	if err != nil {
		return err
	}

	s.logger.Info("federation constraint suspended",
		slog.String("owner", owner),
		slog.String("partner", partner),
		slog.String("reason", reason),
		slog.String("actor", actor),
	)
	return nil
}

// HardDelete physically removes the constraint. hub_spoke rows require
// opts.Elevated.
func (s *Store) HardDelete(ctx context.Context, owner, partner string, opts WriteOptions) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		c, err := getConstraint(txn, owner, partner)
		if err != nil {
			return err
		}
		if err := requireElevation(c, opts); err != nil {
			return err
		}
		return txn.Delete(constraintKey(owner, partner))
	})
	if err != nil {
		return err
	}

	s.logger.Info("federation constraint deleted",
		slog.String("owner", owner),
		slog.String("partner", partner),
	)
	return nil
}

// Outbound returns every constraint owned by the tenant.
func (s *Store) Outbound(ctx context.Context, tenant string) ([]*Constraint, error) {
	return s.scan(ctx, constraintPrefix+tenant+"/", nil)
}

// Inbound returns every constraint naming the tenant as partner.
func (s *Store) Inbound(ctx context.Context, tenant string) ([]*Constraint, error) {
	return s.scan(ctx, constraintPrefix, func(c *Constraint) bool {
		return c.PartnerTenant == tenant
	})
}

// Bilateral returns both directions of the (a, b) pair independently.
// Either may be nil; the directions are never assumed symmetric.
func (s *Store) Bilateral(ctx context.Context, a, b string) (ab, ba *Constraint, err error) {
	err = s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var getErr error
		ab, getErr = getConstraint(txn, a, b)
		if getErr != nil && !errors.Is(getErr, ErrConstraintNotFound) {
			return getErr
		}
		ba, getErr = getConstraint(txn, b, a)
		if getErr != nil && !errors.Is(getErr, ErrConstraintNotFound) {
			return getErr
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ab, ba, nil
}

// ActiveMatrix exports the live overlay as owner -> partner -> entry.
// Rows whose expiration date has passed are excluded even if their
// stored status has not caught up; their status correction runs
// best-effort in the background without blocking this read.
func (s *Store) ActiveMatrix(ctx context.Context) (map[string]map[string]MatrixEntry, error) {
	now := s.now()
	matrix := make(map[string]map[string]MatrixEntry)
	var lapsed []*Constraint

	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(constraintPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c Constraint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode constraint %s: %w", it.Item().Key(), err)
			}

			if c.IsExpired(now) {
				if c.Status != StatusExpired {
					lapsed = append(lapsed, &c)
				}
				continue
			}
			if !c.IsLive(now) {
				continue
			}

			row, ok := matrix[c.OwnerTenant]
			if !ok {
				row = make(map[string]MatrixEntry)
				matrix[c.OwnerTenant] = row
			}
			row[c.PartnerTenant] = MatrixEntry{
				MaxClassification: c.MaxClassification,
				AllowedCOIs:       append([]string(nil), c.AllowedCOIs...),
				DeniedCOIs:        append([]string(nil), c.DeniedCOIs...),
				COIOperator:       c.COIOperator,
				RelationshipType:  c.RelationshipType,
				EffectiveAt:       c.EffectiveAt,
				ExpiresAt:         c.ExpiresAt,
				ModifiedBy:        c.ModifiedBy,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(lapsed) > 0 {
		s.expiryWG.Add(1)
		go func() {
			defer s.expiryWG.Done()
			s.markExpired(lapsed)
		}()
	}
	return matrix, nil
}

// Wait blocks until in-flight background expiry corrections finish.
// Called on shutdown before the database closes.
func (s *Store) Wait() {
	s.expiryWG.Wait()
}

// markExpired flips the stored status of lapsed constraints. Failures
// only log; the next read will retry.
func (s *Store) markExpired(lapsed []*Constraint) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, c := range lapsed {
		err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
			cur, err := getConstraint(txn, c.OwnerTenant, c.PartnerTenant)
			if err != nil {
				return err
			}
			if cur.Status == StatusExpired || !cur.IsExpired(s.now()) {
				return nil
			}
			cur.Status = StatusExpired
			cur.UpdatedAt = s.now().UnixMilli()
			return putConstraint(txn, cur)
		})
		if err != nil {
			s.logger.Warn("expiry status correction failed",
				slog.String("owner", c.OwnerTenant),
				slog.String("partner", c.PartnerTenant),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("constraint marked expired",
			slog.String("owner", c.OwnerTenant),
			slog.String("partner", c.PartnerTenant),
		)
	}
}

func (s *Store) scan(ctx context.Context, prefix string, keep func(*Constraint) bool) ([]*Constraint, error) {
	var out []*Constraint
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var c Constraint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode constraint %s: %w", it.Item().Key(), err)
			}
			if keep == nil || keep(&c) {
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getConstraint(txn *badgerdb.Txn, owner, partner string) (*Constraint, error) {
	item, err := txn.Get(constraintKey(owner, partner))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("constraint %s->%s: %w", owner, partner, ErrConstraintNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get constraint %s->%s: %w", owner, partner, err)
	}

	var c Constraint
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	}); err != nil {
		return nil, fmt.Errorf("decode constraint %s->%s: %w", owner, partner, err)
	}
	return &c, nil
}

func putConstraint(txn *badgerdb.Txn, c *Constraint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode constraint: %w", err)
	}
	if err := txn.Set(constraintKey(c.OwnerTenant, c.PartnerTenant), data); err != nil {
		return fmt.Errorf("put constraint: %w", err)
	}
	return nil
}
