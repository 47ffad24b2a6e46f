// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package spokesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

var (
	// ErrSpokeNotFound indicates an unknown spoke id.
	ErrSpokeNotFound = errors.New("spoke not found")

	// ErrEmptySpokeID indicates a blank spoke id.
	ErrEmptySpokeID = errors.New("spoke id must not be empty")
)

var spokeStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "fedmesh_spoke_state_count",
	Help: "Number of spokes per derived sync state",
}, []string{"state"})

const spokePrefix = "spoke/"

// DefaultHistoryCap bounds each spoke's sync history ring.
const DefaultHistoryCap = 50

// VersionSource reports the published version stream the tracker
// derives distance against. bundle.Manager implements it.
type VersionSource interface {
	// LatestVersion returns the highest published version, or ""
	// when nothing has been published.
	LatestVersion(ctx context.Context) (string, error)

	// CountSince returns how many published versions are strictly
	// newer than the given one.
	CountSince(ctx context.Context, version string) (int, error)
}

// Tracker records spoke acknowledgments and heartbeats and derives
// per-spoke sync health.
//
// Description:
//
//	Acks are highest-version-wins: spokes report on no schedule over
//	unreliable links, so a lower-version ack arriving after a higher
//	one refreshes recency but never regresses the recorded version.
//	Health is a pure function of version distance and recency,
//	recomputed on every read.
//
// Thread Safety: Safe for concurrent use.
type Tracker struct {
	db         *badger.DB
	source     VersionSource
	thresholds Thresholds
	historyCap int
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates a tracker on the shared policy plane database.
func NewTracker(db *badger.DB, source VersionSource, thresholds Thresholds, logger *slog.Logger) (*Tracker, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if source == nil {
		return nil, errors.New("version source must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		db:         db,
		source:     source,
		thresholds: thresholds,
		historyCap: DefaultHistoryCap,
		logger:     logger.With(slog.String("component", "spoke_tracker")),
		now:        time.Now,
	}, nil
}

// RecordAck records a version acknowledgment from a spoke, creating
// the spoke record on first contact. Highest version wins; an
// out-of-order lower ack refreshes recency only.
func (t *Tracker) RecordAck(ctx context.Context, spokeID, version string) error {
	if spokeID == "" {
		return ErrEmptySpokeID
	}

	now := t.now().UnixMilli()
	var regressed bool
	// Simultaneous acks for one spoke conflict on its record; retry so
	// every ack lands and the highest version still wins.
	err := t.db.WithTxnRetry(ctx, func(txn *badgerdb.Txn) error {
		regressed = false
		st, err := getSpoke(txn, spokeID)
		if errors.Is(err, ErrSpokeNotFound) {
			st = &Status{SpokeID: spokeID}
		} else if err != nil {
			return err
		}

		if version > st.CurrentVersion {
			st.CurrentVersion = version
		} else {
			regressed = version < st.CurrentVersion
		}
		st.LastSyncTime = now
		st.LastSeen = now
		t.appendEvent(st, Event{Type: EventAck, Version: version, Timestamp: now})
		return putSpoke(txn, st)
	})
	if err != nil {
		return err
	}

	if regressed {
		t.logger.Debug("out-of-order ack ignored for version",
			slog.String("spoke_id", spokeID),
			slog.String("acked", version),
		)
	} else {
		t.logger.Info("spoke acknowledged version",
			slog.String("spoke_id", spokeID),
			slog.String("version", version),
		)
	}
	return nil
}

// Heartbeat refreshes a spoke's recency without touching its version.
func (t *Tracker) Heartbeat(ctx context.Context, spokeID string) error {
	if spokeID == "" {
		return ErrEmptySpokeID
	}

	now := t.now().UnixMilli()
	return t.db.WithTxnRetry(ctx, func(txn *badgerdb.Txn) error {
		st, err := getSpoke(txn, spokeID)
		if errors.Is(err, ErrSpokeNotFound) {
			st = &Status{SpokeID: spokeID}
		} else if err != nil {
			return err
		}
		st.LastSeen = now
		t.appendEvent(st, Event{Type: EventHeartbeat, Timestamp: now})
		return putSpoke(txn, st)
	})
}

func (t *Tracker) appendEvent(st *Status, e Event) {
	st.History = append(st.History, e)
	if len(st.History) > t.historyCap {
		st.History = st.History[len(st.History)-t.historyCap:]
	}
}

// Get returns one spoke's status with derived state.
func (t *Tracker) Get(ctx context.Context, spokeID string) (*Status, error) {
	var st *Status
	err := t.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		var err error
		st, err = getSpoke(txn, spokeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := t.derive(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// All returns every spoke's status with derived state, and refreshes
// the per-state gauge.
func (t *Tracker) All(ctx context.Context) ([]*Status, error) {
	var out []*Status
	err := t.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(spokePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var st Status
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); err != nil {
				return fmt.Errorf("decode spoke %s: %w", it.Item().Key(), err)
			}
			out = append(out, &st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	counts := map[State]int{}
	for _, st := range out {
		if err := t.derive(ctx, st); err != nil {
			return nil, err
		}
		counts[st.State]++
	}
	for _, state := range []State{StateCurrent, StateBehind, StateStale, StateCriticalStale, StateOffline} {
		spokeStateGauge.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	return out, nil
}

// OutOfSyncSpokes returns every spoke not in the current state.
func (t *Tracker) OutOfSyncSpokes(ctx context.Context) ([]*Status, error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Status
	for _, st := range all {
		if st.State != StateCurrent {
			out = append(out, st)
		}
	}
	return out, nil
}

// StaleSpokes returns every spoke not heard from within maxAge.
func (t *Tracker) StaleSpokes(ctx context.Context, maxAge time.Duration) ([]*Status, error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := t.now().Add(-maxAge).UnixMilli()
	var out []*Status
	for _, st := range all {
		if st.LastSeen < cutoff {
			out = append(out, st)
		}
	}
	return out, nil
}

// derive fills in the read-time fields: version distance and state.
func (t *Tracker) derive(ctx context.Context, st *Status) error {
	latest, err := t.source.LatestVersion(ctx)
	if err != nil {
		return fmt.Errorf("latest version: %w", err)
	}

	behind := 0
	if latest != "" && st.CurrentVersion != latest {
		behind, err = t.source.CountSince(ctx, st.CurrentVersion)
		if err != nil {
			return fmt.Errorf("count versions since %s: %w", st.CurrentVersion, err)
		}
	}

	sinceHeard := time.Duration(t.now().UnixMilli()-st.LastSeen) * time.Millisecond
	st.VersionsBehind = behind
	st.State = t.thresholds.Derive(behind, sinceHeard)
	return nil
}

func getSpoke(txn *badgerdb.Txn, spokeID string) (*Status, error) {
	item, err := txn.Get([]byte(spokePrefix + spokeID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("spoke %s: %w", spokeID, ErrSpokeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get spoke %s: %w", spokeID, err)
	}

	var st Status
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &st)
	}); err != nil {
		return nil, fmt.Errorf("decode spoke %s: %w", spokeID, err)
	}
	return &st, nil
}

func putSpoke(txn *badgerdb.Txn, st *Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode spoke: %w", err)
	}
	if err := txn.Set([]byte(spokePrefix+st.SpokeID), data); err != nil {
		return fmt.Errorf("put spoke: %w", err)
	}
	return nil
}
