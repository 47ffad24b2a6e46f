// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrVersionNotFound indicates an unknown version identifier, or
	// that nothing has been published yet.
	ErrVersionNotFound = errors.New("policy version not found")

	// ErrInvalidScope indicates a requested scope name outside the
	// configured set. Raised before any build I/O.
	ErrInvalidScope = errors.New("invalid bundle scope")

	// ErrSourceMissing indicates the policy source directory (or a
	// resolved scope directory) does not exist. Builds fail closed.
	ErrSourceMissing = errors.New("policy source directory missing")

	// ErrArtifactMissing indicates a recorded version whose artifact
	// file is gone from disk.
	ErrArtifactMissing = errors.New("bundle artifact missing")

	// ErrArtifactCorrupted indicates the artifact no longer matches
	// its recorded content hash.
	ErrArtifactCorrupted = errors.New("bundle artifact corrupted: content hash mismatch")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	buildDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedmesh_bundle_build_duration_seconds",
		Help:    "Time to build a policy bundle",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"status"})

	buildOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fedmesh_bundle_operations_total",
		Help: "Total bundle operations by type and status",
	}, []string{"operation", "status"})

	bundleSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedmesh_bundle_size_bytes",
		Help: "Size of the most recently built bundle in bytes",
	})

	bundleFileGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fedmesh_bundle_file_count",
		Help: "File count of the most recently built bundle",
	})
)

var bundleTracer = otel.Tracer("policyplane.bundle")

// loggerWithTrace returns a logger with trace context attached so log
// lines can be joined to their span.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the bundle manager.
type Config struct {
	// SourceDir is the policy source root. Each scope lives in a
	// subdirectory named after it.
	SourceDir string

	// OutputDir receives built artifacts.
	OutputDir string

	// TenantScopes are the configured tenant scope names. The base
	// scope is always known and never needs listing.
	TenantScopes []string

	// SigningKeyPath is the ed25519 PKCS#8 PEM private key used when
	// a build requests signing. Load failure degrades to unsigned.
	SigningKeyPath string

	// CompressionLevel is the gzip level for compressed builds (1-9).
	// Default: 6.
	CompressionLevel int

	// Logger for build operations.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return errors.New("source_dir must not be empty")
	}
	if c.OutputDir == "" {
		return errors.New("output_dir must not be empty")
	}
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression_level must be 1-9, got %d", c.CompressionLevel)
	}
	return nil
}

const (
	versionPrefix  = "bundle/ver/"
	sequencePrefix = "bundle/seq/"
	latestKey      = "bundle/latest"
)

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager builds, versions, and serves policy bundles.
//
// Description:
//
//	A build stages the resolved scope files deterministically (stable
//	sorted order), streams them through SHA256, optionally gzips and
//	signs, then records an immutable PolicyVersion under a
//	date+sequence identifier. Builds never block reads: serving an
//	already-built artifact touches only committed state, and the
//	latest pointer flips atomically once a build completes.
//
// Thread Safety: Safe for concurrent use. Concurrent builds each
// produce their own version; the highest version string wins the
// latest pointer.
type Manager struct {
	db     *badger.DB
	cfg    Config
	logger *slog.Logger

	// known is the full scope set: base plus configured tenants.
	known map[string]bool

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a bundle manager on the shared policy plane
// database. The output directory is created if absent.
func NewManager(db *badger.DB, cfg Config) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 6
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.OutputDir, 0750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", cfg.OutputDir, err)
	}

	known := map[string]bool{BaseScope: true}
	for _, s := range cfg.TenantScopes {
		known[s] = true
	}

	return &Manager{
		db:     db,
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("component", "bundle_manager")),
		known:  known,
		now:    time.Now,
	}, nil
}

// resolveScopes expands and validates the requested scope set. "all"
// expands to every configured scope; a tenant scope always pulls in
// the base scope. Unknown names fail before any I/O.
func (m *Manager) resolveScopes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = []string{ScopeAll}
	}

	set := map[string]bool{BaseScope: true}
	for _, s := range requested {
		if s == ScopeAll {
			for k := range m.known {
				set[k] = true
			}
			continue
		}
		if !m.known[s] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		set[s] = true
	}

	scopes := make([]string, 0, len(set))
	for s := range set {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// collectFiles walks the resolved scope directories and returns the
// staged file list in stable sorted order.
func (m *Manager) collectFiles(scopes []string) ([]string, error) {
	if _, err := os.Stat(m.cfg.SourceDir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, m.cfg.SourceDir)
	}

	var files []string
	for _, scope := range scopes {
		scopeDir := filepath.Join(m.cfg.SourceDir, scope)
		info, err := os.Stat(scopeDir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: scope dir %s", ErrSourceMissing, scopeDir)
		}

		err = filepath.WalkDir(scopeDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(m.cfg.SourceDir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk scope %s: %w", scope, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Build cuts a new bundle version.
//
// Description:
//
//	Resolves scopes, stages the inputs deterministically through
//	SHA256, optionally compresses and signs, assigns the next
//	date+sequence version, and records the immutable PolicyVersion.
//	A signing-key failure logs and proceeds unsigned; a missing
//	source directory fails closed with nothing emitted.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Build(ctx context.Context, opts BuildOptions) (*PolicyVersion, error) {
	start := time.Now()
	ctx, span := bundleTracer.Start(ctx, "bundle.Manager.Build",
		trace.WithAttributes(
			attribute.StringSlice("scopes", opts.Scopes),
			attribute.Bool("sign", opts.Sign),
			attribute.Bool("compress", opts.Compress),
		),
	)
	defer span.End()

	logger := loggerWithTrace(ctx, m.logger).With(slog.String("operation", "build"))

	scopes, err := m.resolveScopes(opts.Scopes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scope resolution failed")
		buildOperationsTotal.WithLabelValues("build", "invalid_scope").Inc()
		return nil, err
	}

	files, err := m.collectFiles(scopes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source collection failed")
		buildOperationsTotal.WithLabelValues("build", "error").Inc()
		return nil, err
	}

	logger.Info("starting bundle build",
		slog.Any("scopes", scopes),
		slog.Int("file_count", len(files)),
		slog.Bool("sign", opts.Sign),
		slog.Bool("compress", opts.Compress),
	)

	// Stage into a temp file so a failed build never leaves a partial
	// artifact behind.
	tmpPath := filepath.Join(m.cfg.OutputDir, ".build-"+uuid.NewString()+".tmp")
	hash, size, err := m.stage(tmpPath, files, opts.Compress)
	if err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, "staging failed")
		buildOperationsTotal.WithLabelValues("build", "error").Inc()
		buildDurationHistogram.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}

	// Signing degrades, never fails the build.
	signature := ""
	if opts.Sign {
		signer, sigErr := LoadSigner(m.cfg.SigningKeyPath)
		if sigErr == nil {
			signature, sigErr = signer.Sign(hash)
		}
		if sigErr != nil {
			logger.Warn("signing unavailable, publishing unsigned",
				slog.String("error", sigErr.Error()),
			)
			signature = ""
		}
	}

	version, err := m.nextVersion(ctx)
	if err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, "version allocation failed")
		buildOperationsTotal.WithLabelValues("build", "error").Inc()
		return nil, err
	}

	pv := &PolicyVersion{
		Version:    version,
		BundleID:   uuid.NewString(),
		Hash:       hash,
		Timestamp:  m.now().UnixMilli(),
		Signature:  signature,
		SizeBytes:  size,
		FileCount:  len(files),
		BuiltBy:    opts.BuiltBy,
		Reason:     opts.Reason,
		Compressed: opts.Compress,
		Manifest: Manifest{
			Revision: version,
			Roots:    scopes,
			Files:    files,
		},
	}

	// Atomic rename, then commit the record. A crash between the two
	// leaves an orphan artifact, never a dangling record.
	if err := os.Rename(tmpPath, m.ArtifactPath(pv)); err != nil {
		os.Remove(tmpPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, "artifact rename failed")
		buildOperationsTotal.WithLabelValues("build", "error").Inc()
		return nil, fmt.Errorf("atomic rename: %w", err)
	}

	if err := m.record(ctx, pv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		buildOperationsTotal.WithLabelValues("build", "error").Inc()
		return nil, err
	}

	duration := time.Since(start)
	buildDurationHistogram.WithLabelValues("success").Observe(duration.Seconds())
	buildOperationsTotal.WithLabelValues("build", "success").Inc()
	bundleSizeGauge.Set(float64(pv.SizeBytes))
	bundleFileGauge.Set(float64(pv.FileCount))

	span.SetAttributes(
		attribute.String("version", pv.Version),
		attribute.String("bundle_id", pv.BundleID),
		attribute.Int64("size_bytes", pv.SizeBytes),
		attribute.Int("file_count", pv.FileCount),
		attribute.Bool("signed", pv.Signed()),
	)

	logger.Info("bundle build completed",
		slog.String("version", pv.Version),
		slog.String("bundle_id", pv.BundleID),
		slog.String("hash", pv.Hash),
		slog.Int64("size_bytes", pv.SizeBytes),
		slog.Bool("signed", pv.Signed()),
		slog.Duration("duration", duration),
	)
	return pv, nil
}

// stage writes the staged tar stream to path and returns the content
// hash (over the pre-compression bytes) and the on-disk size. Fixed
// tar header fields keep identical inputs hashing identically.
func (m *Manager) stage(path string, files []string, compress bool) (hash string, size int64, err error) {
	out, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create temp artifact: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close artifact: %w", cerr)
		}
	}()

	onDisk := &countingWriter{w: out}
	var sink io.Writer = onDisk

	var gz *gzip.Writer
	if compress {
		gz, err = gzip.NewWriterLevel(onDisk, m.cfg.CompressionLevel)
		if err != nil {
			return "", 0, fmt.Errorf("create gzip writer: %w", err)
		}
		sink = gz
	}

	hasher := sha256.New()
	tw := tar.NewWriter(io.MultiWriter(hasher, sink))

	for _, rel := range files {
		src := filepath.Join(m.cfg.SourceDir, filepath.FromSlash(rel))
		info, err := os.Stat(src)
		if err != nil {
			return "", 0, fmt.Errorf("stat %s: %w", rel, err)
		}
		hdr := &tar.Header{
			Name:    rel,
			Mode:    0644,
			Size:    info.Size(),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", 0, fmt.Errorf("write header %s: %w", rel, err)
		}
		f, err := os.Open(src)
		if err != nil {
			return "", 0, fmt.Errorf("open %s: %w", rel, err)
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return "", 0, fmt.Errorf("stage %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("close tar: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return "", 0, fmt.Errorf("close gzip: %w", err)
		}
	}
	if err := out.Sync(); err != nil {
		return "", 0, fmt.Errorf("sync artifact: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), onDisk.count, nil
}

// nextVersion allocates the next date+sequence version. Concurrent
// builds contend on the day counter, so the allocation retries on
// transaction conflict until each build holds a distinct sequence.
func (m *Manager) nextVersion(ctx context.Context) (string, error) {
	date := m.now().UTC().Format("20060102")
	key := []byte(sequencePrefix + date)

	var seq int64
	err := m.db.WithTxnRetry(ctx, func(txn *badgerdb.Txn) error {
		seq = 0
		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				seq, err = strconv.ParseInt(string(val), 10, 64)
				return err
			}); err != nil {
				return fmt.Errorf("parse day sequence: %w", err)
			}
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("read day sequence: %w", err)
		}
		seq++
		return txn.Set(key, []byte(strconv.FormatInt(seq, 10)))
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%06d", date, seq), nil
}

// record commits the version and advances the latest pointer if the
// new version string sorts higher. Concurrent builds race on the
// latest pointer, so the commit retries on transaction conflict.
func (m *Manager) record(ctx context.Context, pv *PolicyVersion) error {
	data, err := json.Marshal(pv)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}

	return m.db.WithTxnRetry(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte(versionPrefix+pv.Version), data); err != nil {
			return fmt.Errorf("put version: %w", err)
		}

		current := ""
		if item, err := txn.Get([]byte(latestKey)); err == nil {
			if err := item.Value(func(val []byte) error {
				current = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("read latest pointer: %w", err)
			}
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("get latest pointer: %w", err)
		}

		if pv.Version > current {
			if err := txn.Set([]byte(latestKey), []byte(pv.Version)); err != nil {
				return fmt.Errorf("set latest pointer: %w", err)
			}
		}
		return nil
	})
}

// GetLatest returns the highest published version. ErrVersionNotFound
// when nothing has been published.
func (m *Manager) GetLatest(ctx context.Context) (*PolicyVersion, error) {
	var version string
	err := m.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(latestKey))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("no versions published: %w", ErrVersionNotFound)
		}
		if err != nil {
			return fmt.Errorf("get latest pointer: %w", err)
		}
		return item.Value(func(val []byte) error {
			version = string(val)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return m.GetVersion(ctx, version)
}

// GetVersion returns the record for a specific version.
func (m *Manager) GetVersion(ctx context.Context, version string) (*PolicyVersion, error) {
	var pv *PolicyVersion
	err := m.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(versionPrefix + version))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("version %s: %w", version, ErrVersionNotFound)
		}
		if err != nil {
			return fmt.Errorf("get version %s: %w", version, err)
		}
		return item.Value(func(val []byte) error {
			pv = &PolicyVersion{}
			return json.Unmarshal(val, pv)
		})
	})
	if err != nil {
		return nil, err
	}
	return pv, nil
}

// GetVersionsSince returns every version strictly newer than the given
// one, ascending. An empty argument returns all versions.
func (m *Manager) GetVersionsSince(ctx context.Context, since string) ([]*PolicyVersion, error) {
	var out []*PolicyVersion
	err := m.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(versionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			version := string(it.Item().Key()[len(versionPrefix):])
			if since != "" && version <= since {
				continue
			}
			var pv PolicyVersion
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &pv)
			}); err != nil {
				return fmt.Errorf("decode version %s: %w", version, err)
			}
			out = append(out, &pv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LatestVersion returns the latest version string, or "" when nothing
// has been published.
func (m *Manager) LatestVersion(ctx context.Context) (string, error) {
	pv, err := m.GetLatest(ctx)
	if errors.Is(err, ErrVersionNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return pv.Version, nil
}

// CountSince returns how many published versions are strictly newer
// than the given one.
func (m *Manager) CountSince(ctx context.Context, version string) (int, error) {
	newer, err := m.GetVersionsSince(ctx, version)
	if err != nil {
		return 0, err
	}
	return len(newer), nil
}

// PruneOlderThan removes all but the newest keepCount versions,
// records and artifacts both. The latest version always survives.
func (m *Manager) PruneOlderThan(ctx context.Context, keepCount int) (int, error) {
	if keepCount < 1 {
		keepCount = 1
	}

	all, err := m.GetVersionsSince(ctx, "")
	if err != nil {
		return 0, err
	}
	if len(all) <= keepCount {
		return 0, nil
	}

	// Ascending order: everything before the keep window goes.
	doomed := all[:len(all)-keepCount]
	pruned := 0
	for _, pv := range doomed {
		err := m.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
			return txn.Delete([]byte(versionPrefix + pv.Version))
		})
		if err != nil {
			return pruned, fmt.Errorf("delete version %s: %w", pv.Version, err)
		}
		if err := os.Remove(m.ArtifactPath(pv)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("prune artifact failed",
				slog.String("version", pv.Version),
				slog.String("error", err.Error()),
			)
		}
		pruned++
	}

	buildOperationsTotal.WithLabelValues("prune", "success").Inc()
	m.logger.Info("pruned old bundle versions",
		slog.Int("pruned", pruned),
		slog.Int("kept", keepCount),
	)
	return pruned, nil
}

// ArtifactPath returns the on-disk location of a version's artifact.
func (m *Manager) ArtifactPath(pv *PolicyVersion) string {
	name := pv.Version + ".bundle"
	if pv.Compressed {
		name += ".gz"
	}
	return filepath.Join(m.cfg.OutputDir, name)
}

// Verify recomputes the artifact's content hash and, when a public key
// is supplied, checks the recorded signature against it.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Verify(ctx context.Context, version string, pub ed25519.PublicKey) error {
	pv, err := m.GetVersion(ctx, version)
	if err != nil {
		return err
	}

	f, err := os.Open(m.ArtifactPath(pv))
	if os.IsNotExist(err) {
		return fmt.Errorf("version %s: %w", version, ErrArtifactMissing)
	}
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", version, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if pv.Compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip %s: %w", version, err)
		}
		defer gz.Close()
		reader = gz
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return fmt.Errorf("hash artifact %s: %w", version, err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != pv.Hash {
		return fmt.Errorf("version %s: %w: expected=%s actual=%s",
			version, ErrArtifactCorrupted, pv.Hash, actual)
	}

	if pub != nil {
		if !pv.Signed() {
			return fmt.Errorf("version %s: %w", version, ErrUnsignedVersion)
		}
		if err := VerifySignature(pub, pv.Hash, pv.Signature); err != nil {
			return fmt.Errorf("version %s: %w", version, err)
		}
	}
	return nil
}

// countingWriter wraps a writer and counts bytes written.
type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}
