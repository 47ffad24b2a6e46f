// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

// ErrInvalidRetention indicates a non-positive retention period.
var ErrInvalidRetention = errors.New("retention must be positive")

var auditRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fedmesh_audit_records_total",
	Help: "Audit records written by kind",
}, []string{"kind"})

const (
	decisionPrefix = "audit/dec/"
	configPrefix   = "audit/cfg/"
)

// Filter narrows a decision query. Zero fields match everything.
type Filter struct {
	RequestID string
	Subject   string
	Resource  string

	// Granted filters on outcome when non-nil.
	Granted *bool

	// From and To bound the decision timestamp (Unix milliseconds,
	// inclusive from, exclusive to). Zero means unbounded.
	From int64
	To   int64
}

func (f Filter) matches(r *DecisionRecord) bool {
	if f.RequestID != "" && r.RequestID != f.RequestID {
		return false
	}
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.Resource != "" && r.Resource != f.Resource {
		return false
	}
	if f.Granted != nil && r.Granted != *f.Granted {
		return false
	}
	if f.From != 0 && r.Timestamp < f.From {
		return false
	}
	if f.To != 0 && r.Timestamp >= f.To {
		return false
	}
	return true
}

// Sink appends immutable, retention-bounded audit records.
//
// Description:
//
//	Records are written with a storage-level TTL so expiry is
//	enforced by the database, not an application sweep. Keys are
//	time-ordered so range queries ride the key space. Callers treat
//	logging failures as non-fatal; the error is still reported so
//	they can count it.
//
// Thread Safety: Safe for concurrent use.
type Sink struct {
	db        *badger.DB
	retention time.Duration
	logger    *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewSink creates an audit sink with the given retention horizon.
func NewSink(db *badger.DB, retention time.Duration, logger *slog.Logger) (*Sink, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRetention, retention)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		db:        db,
		retention: retention,
		logger:    logger.With(slog.String("component", "audit_sink")),
		now:       time.Now,
	}, nil
}

// timeKey builds a time-ordered key: fixed-width nanos keep byte order
// equal to time order, the uuid disambiguates same-instant writes.
func timeKey(prefix string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", prefix, ts.UnixNano(), id))
}

// LogDecision appends an authorization decision record. The record's
// ID, Timestamp, and ExpiresAt are assigned here.
func (s *Sink) LogDecision(ctx context.Context, rec *DecisionRecord) error {
	if rec == nil {
		return errors.New("record must not be nil")
	}

	now := s.now()
	rec.ID = uuid.NewString()
	rec.Timestamp = now.UnixMilli()
	rec.ExpiresAt = now.Add(s.retention).UnixMilli()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode decision record: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(timeKey(decisionPrefix, now, rec.ID), data).WithTTL(s.retention)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("append decision record: %w", err)
	}

	auditRecordsTotal.WithLabelValues("decision").Inc()
	s.logger.Debug("decision recorded",
		slog.String("request_id", rec.RequestID),
		slog.String("subject", rec.Subject),
		slog.String("resource", rec.Resource),
		slog.Bool("granted", rec.Granted),
	)
	return nil
}

// LogConfigChange appends a configuration change record.
func (s *Sink) LogConfigChange(ctx context.Context, rec *ConfigChangeRecord) error {
	if rec == nil {
		return errors.New("record must not be nil")
	}

	now := s.now()
	rec.ID = uuid.NewString()
	rec.Timestamp = now.UnixMilli()
	rec.ExpiresAt = now.Add(s.retention).UnixMilli()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode config change record: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(timeKey(configPrefix, now, rec.ID), data).WithTTL(s.retention)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("append config change record: %w", err)
	}

	auditRecordsTotal.WithLabelValues("config_change").Inc()
	s.logger.Info("config change recorded",
		slog.String("action", rec.Action),
		slog.String("entity_type", rec.EntityType),
		slog.String("entity_id", rec.EntityID),
		slog.String("actor", rec.Actor),
	)
	return nil
}

// QueryDecisions returns decision records matching the filter, oldest
// first.
func (s *Sink) QueryDecisions(ctx context.Context, f Filter) ([]*DecisionRecord, error) {
	var out []*DecisionRecord
	err := s.scanDecisions(ctx, func(r *DecisionRecord) {
		if f.matches(r) {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfigChanges returns config change records in [from, to), oldest
// first. Zero bounds are open.
func (s *Sink) ConfigChanges(ctx context.Context, from, to int64) ([]*ConfigChangeRecord, error) {
	var out []*ConfigChangeRecord
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(configPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec ConfigChangeRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode config record %s: %w", it.Item().Key(), err)
			}
			if from != 0 && rec.Timestamp < from {
				continue
			}
			if to != 0 && rec.Timestamp >= to {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TopGrantingCOIs ranks the ancestor COIs that most often justified a
// grant, descending.
func (s *Sink) TopGrantingCOIs(ctx context.Context, limit int) ([]COICount, error) {
	counts := map[string]int{}
	err := s.scanDecisions(ctx, func(r *DecisionRecord) {
		if !r.Granted {
			return
		}
		for _, coi := range r.GrantingCOIs {
			counts[coi]++
		}
	})
	if err != nil {
		return nil, err
	}
	return rank(counts, limit), nil
}

// TopExpandedResources ranks the resources most often reached through
// hierarchy expansion, descending.
func (s *Sink) TopExpandedResources(ctx context.Context, limit int) ([]COICount, error) {
	counts := map[string]int{}
	err := s.scanDecisions(ctx, func(r *DecisionRecord) {
		if r.Granted && r.MultiLevel {
			counts[r.Resource]++
		}
	})
	if err != nil {
		return nil, err
	}
	return rank(counts, limit), nil
}

func (s *Sink) scanDecisions(ctx context.Context, visit func(*DecisionRecord)) error {
	return s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(decisionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec DecisionRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode decision record %s: %w", it.Item().Key(), err)
			}
			visit(&rec)
		}
		return nil
	})
}

// rank turns a count map into a descending list, ties broken by key so
// output is deterministic.
func rank(counts map[string]int, limit int) []COICount {
	out := make([]COICount, 0, len(counts))
	for k, n := range counts {
		out = append(out, COICount{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
