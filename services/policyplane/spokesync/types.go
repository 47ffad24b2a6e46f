// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package spokesync

import "time"

// State is a spoke's derived sync health. It is recomputed on every
// read from version distance and recency, never stored as the sole
// source of truth.
type State string

const (
	// StateCurrent: on the latest version and recently heard from.
	StateCurrent State = "current"

	// StateBehind: a small number of versions behind.
	StateBehind State = "behind"

	// StateStale: too far behind, or quiet beyond the stale band.
	StateStale State = "stale"

	// StateCriticalStale: quiet beyond the critical band.
	StateCriticalStale State = "critical_stale"

	// StateOffline: not heard from beyond the outer bound.
	StateOffline State = "offline"
)

// EventType classifies a sync history entry.
type EventType string

const (
	// EventAck records a version acknowledgment.
	EventAck EventType = "ack"

	// EventHeartbeat records a liveness ping without a version change.
	EventHeartbeat EventType = "heartbeat"
)

// Event is one entry in a spoke's bounded sync history.
type Event struct {
	Type EventType `json:"type"`

	// Version is the acknowledged version; empty for heartbeats.
	Version string `json:"version,omitempty"`

	// Timestamp is when the event arrived (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`
}

// Status is the tracked and derived state of one spoke.
type Status struct {
	SpokeID string `json:"spoke_id"`

	// CurrentVersion is the highest version the spoke acknowledged.
	// Out-of-order lower acks never regress it.
	CurrentVersion string `json:"current_version"`

	// LastSyncTime is when the last ack arrived (Unix milliseconds).
	LastSyncTime int64 `json:"last_sync_time"`

	// LastSeen is when the spoke was last heard from at all, ack or
	// heartbeat (Unix milliseconds).
	LastSeen int64 `json:"last_seen"`

	// State is derived at read time; see Thresholds.
	State State `json:"state"`

	// VersionsBehind is the number of published versions separating
	// the spoke from the latest, derived at read time.
	VersionsBehind int `json:"versions_behind"`

	// History is the bounded ring of recent sync events, oldest
	// first. Oldest entries are evicted at capacity.
	History []Event `json:"history"`
}

// Thresholds configure state derivation.
type Thresholds struct {
	// BehindMax is the largest version distance still reported as
	// behind; beyond it the spoke is stale regardless of recency.
	BehindMax int

	// StaleAfter, CriticalAfter, OfflineAfter are escalating
	// time-since-last-heard bands.
	StaleAfter    time.Duration
	CriticalAfter time.Duration
	OfflineAfter  time.Duration
}

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		BehindMax:     3,
		StaleAfter:    1 * time.Hour,
		CriticalAfter: 6 * time.Hour,
		OfflineAfter:  24 * time.Hour,
	}
}

// Derive computes the state for a version distance and a
// time-since-last-heard. Pure so the bands are testable in isolation.
func (t Thresholds) Derive(versionsBehind int, sinceHeard time.Duration) State {
	switch {
	case sinceHeard >= t.OfflineAfter:
		return StateOffline
	case sinceHeard >= t.CriticalAfter:
		return StateCriticalStale
	case sinceHeard >= t.StaleAfter:
		return StateStale
	case versionsBehind > t.BehindMax:
		return StateStale
	case versionsBehind > 0:
		return StateBehind
	default:
		return StateCurrent
	}
}
