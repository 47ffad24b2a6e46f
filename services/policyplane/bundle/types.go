// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bundle

import "time"

// BaseScope is the shared policy scope every bundle carries. A
// tenant-scoped bundle without the base scope would hand a spoke an
// incomplete policy set, so scope resolution always folds it in.
const BaseScope = "base"

// ScopeAll expands to every configured scope.
const ScopeAll = "all"

// BuildOptions configures a single bundle build.
type BuildOptions struct {
	// Scopes are the requested scope names. "all" expands to every
	// configured scope. Empty defaults to "all".
	Scopes []string

	// Sign requests an ed25519 signature over the content hash. A
	// missing or unreadable key degrades to an unsigned build.
	Sign bool

	// Compress gzips the staged artifact.
	Compress bool

	// BuiltBy and Reason are free-text provenance recorded on the
	// resulting version.
	BuiltBy string
	Reason  string
}

// Manifest describes the structure of a built artifact.
type Manifest struct {
	// Revision is the version string the manifest belongs to.
	Revision string `json:"revision"`

	// Roots are the resolved scope names included in the build.
	Roots []string `json:"roots"`

	// Files are the staged file paths in staging order.
	Files []string `json:"files"`
}

// PolicyVersion is the immutable record of one published bundle.
// Corrections require a new version, never an edit.
//
// Thread Safety: Immutable after creation.
type PolicyVersion struct {
	// Version is the sortable identifier, "YYYYMMDD-NNNNNN". The
	// zero-padded day sequence keeps plain string comparison a total
	// order.
	Version string `json:"version"`

	// BundleID is a unique id assigned per build, distinct even when
	// two builds hash identically.
	BundleID string `json:"bundle_id"`

	// Hash is the hex SHA256 of the staged (pre-compression) bytes.
	// Identical inputs always produce an identical hash.
	Hash string `json:"hash"`

	// Timestamp is the build completion time (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Signature is the base64 ed25519 signature over the hash digest.
	// Empty when the build ran unsigned.
	Signature string `json:"signature,omitempty"`

	// SizeBytes is the on-disk artifact size.
	SizeBytes int64 `json:"size_bytes"`

	// FileCount is the number of staged files.
	FileCount int `json:"file_count"`

	// BuiltBy and Reason are free-text provenance.
	BuiltBy string `json:"built_by,omitempty"`
	Reason  string `json:"reason,omitempty"`

	// Compressed reports whether the artifact is gzipped on disk.
	Compressed bool `json:"compressed"`

	Manifest Manifest `json:"manifest"`
}

// Signed reports whether the version carries a signature.
func (v *PolicyVersion) Signed() bool {
	return v.Signature != ""
}

// Age returns the time since the version was built.
func (v *PolicyVersion) Age() time.Duration {
	return time.Since(time.UnixMilli(v.Timestamp))
}
