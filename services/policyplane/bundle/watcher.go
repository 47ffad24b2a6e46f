// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the policy source tree and marks it dirty when
// anything changes, so operators (or an automation loop) know a
// rebuild is due. It never triggers builds itself.
//
// Thread Safety: Safe for concurrent use.
type Watcher struct {
	dir    string
	logger *slog.Logger

	fw    *fsnotify.Watcher
	dirty atomic.Bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex
}

// NewWatcher creates a watcher over the given policy source root.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("dir must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		logger: logger.With(slog.String("component", "bundle_watcher")),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins watching the source root and every directory under it.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.fw = fw
	w.started = true
	go w.run()
	w.logger.Info("policy source watcher started", slog.String("dir", w.dir))
	return nil
}

// Stop shuts down the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.fw.Close()
	w.started = false
}

// Dirty reports whether the source tree changed since the last Reset.
func (w *Watcher) Dirty() bool {
	return w.dirty.Load()
}

// Reset clears the dirty flag, typically after a build.
func (w *Watcher) Reset() {
	w.dirty.Store(false)
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.dirty.Store(true)
			// New subdirectories need their own watch.
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.fw.Add(event.Name); err != nil {
						w.logger.Warn("watch new dir failed",
							slog.String("dir", event.Name),
							slog.String("error", err.Error()),
						)
					}
				}
			}
			w.logger.Debug("policy source changed",
				slog.String("path", event.Name),
				slog.String("op", event.Op.String()),
			)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}
