// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bundle

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fedmesh/fedmesh/services/policyplane/storage/badger"
)

func newTestManager(t *testing.T, cfg func(*Config)) *Manager {
	t.Helper()

	db, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srcDir := t.TempDir()
	for path, content := range map[string]string{
		"base/hierarchy.json":   `{"NATO":["NATO-COSMIC"]}`,
		"base/constraints.json": `{}`,
		"esp/overrides.json":    `{"maxClassification":"SECRET"}`,
		"fra/overrides.json":    `{"maxClassification":"TOP_SECRET"}`,
	} {
		full := filepath.Join(srcDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0640); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	c := Config{
		SourceDir:    srcDir,
		OutputDir:    t.TempDir(),
		TenantScopes: []string{"esp", "fra"},
	}
	if cfg != nil {
		cfg(&c)
	}

	m, err := NewManager(db, c)
	if err != nil {
		t.Fatalf("NewManager() = %v", err)
	}
	return m
}

func writeSigningKey(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "signing.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, pub
}

func TestBuild_DeterministicHashDistinctVersions(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.Build(ctx, BuildOptions{Scopes: []string{"esp"}})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	second, err := m.Build(ctx, BuildOptions{Scopes: []string{"esp"}})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	if first.Hash != second.Hash {
		t.Errorf("identical inputs hashed differently: %s vs %s", first.Hash, second.Hash)
	}
	if first.Version == second.Version {
		t.Errorf("two builds share version %s", first.Version)
	}
	if first.BundleID == second.BundleID {
		t.Errorf("two builds share bundle id %s", first.BundleID)
	}
	if second.Version <= first.Version {
		t.Errorf("versions not ascending: %s then %s", first.Version, second.Version)
	}
}

func TestBuild_ConcurrentBuildsAllSucceed(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	// Parallel builds contend on the day-sequence counter and the
	// latest pointer; every build must still commit with its own
	// version.
	const builds = 8
	var wg sync.WaitGroup
	results := make([]*PolicyVersion, builds)
	errs := make([]error, builds)
	for i := 0; i < builds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Build(ctx, BuildOptions{Scopes: []string{"esp"}})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, builds)
	highest := ""
	for i := 0; i < builds; i++ {
		if errs[i] != nil {
			t.Fatalf("build %d = %v", i, errs[i])
		}
		v := results[i].Version
		if seen[v] {
			t.Errorf("version %s allocated twice", v)
		}
		seen[v] = true
		if v > highest {
			highest = v
		}
	}

	latest, err := m.GetLatest(ctx)
	if err != nil {
		t.Fatalf("GetLatest() = %v", err)
	}
	if latest.Version != highest {
		t.Errorf("latest = %s, want highest allocated version %s", latest.Version, highest)
	}
}

func TestBuild_ScopeResolution(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	// A tenant scope always folds in the base scope.
	pv, err := m.Build(ctx, BuildOptions{Scopes: []string{"esp"}})
	if err != nil {
		t.Fatalf("Build(esp) = %v", err)
	}
	wantRoots := []string{"base", "esp"}
	if len(pv.Manifest.Roots) != len(wantRoots) {
		t.Fatalf("roots = %v, want %v", pv.Manifest.Roots, wantRoots)
	}
	for i, r := range wantRoots {
		if pv.Manifest.Roots[i] != r {
			t.Errorf("roots = %v, want %v", pv.Manifest.Roots, wantRoots)
		}
	}

	// "all" expands to every configured scope.
	all, err := m.Build(ctx, BuildOptions{Scopes: []string{"all"}})
	if err != nil {
		t.Fatalf("Build(all) = %v", err)
	}
	if len(all.Manifest.Roots) != 3 {
		t.Errorf("all roots = %v, want base+esp+fra", all.Manifest.Roots)
	}
	if all.FileCount != 4 {
		t.Errorf("all file count = %d, want 4", all.FileCount)
	}
}

func TestBuild_InvalidScope(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Build(context.Background(), BuildOptions{Scopes: []string{"atlantis"}})
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("Build(atlantis) = %v, want ErrInvalidScope", err)
	}

	// Rejected before any I/O: no artifacts, not even temp files.
	entries, readErr := os.ReadDir(m.cfg.OutputDir)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("output dir has %d entries after rejected build", len(entries))
	}
}

func TestBuild_MissingSourceFailsClosed(t *testing.T) {
	m := newTestManager(t, nil)
	if err := os.RemoveAll(m.cfg.SourceDir); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	_, err := m.Build(context.Background(), BuildOptions{})
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("Build() = %v, want ErrSourceMissing", err)
	}

	entries, readErr := os.ReadDir(m.cfg.OutputDir)
	if readErr != nil {
		t.Fatalf("read output dir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("partial bundle emitted: %d entries", len(entries))
	}
	if _, err := m.GetLatest(context.Background()); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("GetLatest after failed build = %v, want ErrVersionNotFound", err)
	}
}

func TestBuild_SigningKeyUnavailableDegrades(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.SigningKeyPath = "/nonexistent/signing.pem"
	})

	pv, err := m.Build(context.Background(), BuildOptions{Sign: true})
	if err != nil {
		t.Fatalf("Build() = %v, want unsigned success", err)
	}
	if pv.Signed() {
		t.Errorf("signature = %q, want empty when key unavailable", pv.Signature)
	}
	if pv.Hash == "" {
		t.Error("hash missing from unsigned build")
	}
}

func TestBuild_SignAndVerify(t *testing.T) {
	keyPath, pub := writeSigningKey(t)
	m := newTestManager(t, func(c *Config) {
		c.SigningKeyPath = keyPath
	})
	ctx := context.Background()

	pv, err := m.Build(ctx, BuildOptions{Sign: true, Compress: true})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if !pv.Signed() {
		t.Fatal("build with valid key produced no signature")
	}

	if err := m.Verify(ctx, pv.Version, pub); err != nil {
		t.Errorf("Verify() = %v", err)
	}

	// A foreign key must not verify.
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := m.Verify(ctx, pv.Version, otherPub); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify(wrong key) = %v, want ErrBadSignature", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	pv, err := m.Build(ctx, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	if err := m.Verify(ctx, pv.Version, nil); err != nil {
		t.Fatalf("Verify(untampered) = %v", err)
	}

	f, err := os.OpenFile(m.ArtifactPath(pv), os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	if _, err := f.WriteString("tamper"); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	f.Close()

	if err := m.Verify(ctx, pv.Version, nil); !errors.Is(err, ErrArtifactCorrupted) {
		t.Errorf("Verify(tampered) = %v, want ErrArtifactCorrupted", err)
	}
}

func TestVerify_UnsignedVersion(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	pv, err := m.Build(ctx, BuildOptions{})
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := m.Verify(ctx, pv.Version, pub); !errors.Is(err, ErrUnsignedVersion) {
		t.Errorf("Verify(unsigned, key) = %v, want ErrUnsignedVersion", err)
	}
}

func TestGetLatest_HighestVersionWins(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	var last *PolicyVersion
	for i := 0; i < 3; i++ {
		pv, err := m.Build(ctx, BuildOptions{})
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		last = pv
	}

	latest, err := m.GetLatest(ctx)
	if err != nil {
		t.Fatalf("GetLatest() = %v", err)
	}
	if latest.Version != last.Version {
		t.Errorf("latest = %s, want %s", latest.Version, last.Version)
	}
}

func TestGetVersionsSince(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	var versions []string
	for i := 0; i < 3; i++ {
		pv, err := m.Build(ctx, BuildOptions{})
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		versions = append(versions, pv.Version)
	}

	newer, err := m.GetVersionsSince(ctx, versions[0])
	if err != nil {
		t.Fatalf("GetVersionsSince() = %v", err)
	}
	if len(newer) != 2 {
		t.Fatalf("got %d newer versions, want 2", len(newer))
	}
	if newer[0].Version != versions[1] || newer[1].Version != versions[2] {
		t.Errorf("newer = [%s %s], want [%s %s]",
			newer[0].Version, newer[1].Version, versions[1], versions[2])
	}

	n, err := m.CountSince(ctx, versions[1])
	if err != nil {
		t.Fatalf("CountSince() = %v", err)
	}
	if n != 1 {
		t.Errorf("CountSince = %d, want 1", n)
	}
}

func TestPruneOlderThan(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	var built []*PolicyVersion
	for i := 0; i < 4; i++ {
		pv, err := m.Build(ctx, BuildOptions{})
		if err != nil {
			t.Fatalf("Build() = %v", err)
		}
		built = append(built, pv)
	}

	pruned, err := m.PruneOlderThan(ctx, 2)
	if err != nil {
		t.Fatalf("PruneOlderThan() = %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}

	if _, err := m.GetVersion(ctx, built[0].Version); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("oldest version still present: %v", err)
	}
	if _, err := os.Stat(m.ArtifactPath(built[0])); !os.IsNotExist(err) {
		t.Errorf("oldest artifact still on disk")
	}

	latest, err := m.GetLatest(ctx)
	if err != nil {
		t.Fatalf("GetLatest after prune = %v", err)
	}
	if latest.Version != built[3].Version {
		t.Errorf("latest = %s, want %s", latest.Version, built[3].Version)
	}
}

func TestWatcher_MarksDirty(t *testing.T) {
	m := newTestManager(t, nil)

	w, err := NewWatcher(m.cfg.SourceDir, nil)
	if err != nil {
		t.Fatalf("NewWatcher() = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer w.Stop()

	if w.Dirty() {
		t.Fatal("watcher dirty before any change")
	}

	path := filepath.Join(m.cfg.SourceDir, "base", "hierarchy.json")
	if err := os.WriteFile(path, []byte(`{"NATO":[]}`), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	// fsnotify delivery is asynchronous.
	deadline := time.Now().Add(5 * time.Second)
	for !w.Dirty() {
		if time.Now().After(deadline) {
			t.Fatal("watcher never went dirty")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w.Reset()
	if w.Dirty() {
		t.Error("Reset did not clear dirty flag")
	}
}
