// Copyright (C) 2026 the fedmesh authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("hier/node/NATO"), []byte(`{"id":"NATO"}`))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("hier/node/NATO"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte(`{"id":"NATO"}`), val)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestOpenPersistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0 // no GC in short-lived test DBs

	db, err := Open(cfg)
	require.NoError(t, err)

	err = db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("spoke/esp"), []byte(`{"spoke_id":"esp"}`))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("spoke/esp"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte(`{"spoke_id":"esp"}`), val)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, dir, db2.Path())
	assert.False(t, db2.InMemory())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{InMemory: false})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig has SyncWrites", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
	})

	t.Run("InMemoryConfig has InMemory", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Equal(t, time.Duration(0), cfg.GCInterval)
	})
}

func TestWithTxn_RespectsContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTxn_CommitsAndRollsBack(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte("fc/esp/fra"), []byte("{}"))
	})
	require.NoError(t, err)

	// A returned error discards the transaction's writes.
	wantErr := assert.AnError
	err = db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Set([]byte("fc/esp/deu"), []byte("{}")); err != nil {
			return err
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	err = db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte("fc/esp/fra"))
		assert.NoError(t, err)
		_, err = txn.Get([]byte("fc/esp/deu"))
		assert.ErrorIs(t, err, badgerdb.ErrKeyNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestWithTxnRetry_ConcurrentCounter(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := []byte("bundle/seq/20260831")

	// Every goroutine read-modify-writes the same key. Plain WithTxn
	// would abort most of them with ErrConflict; the retrying variant
	// must land all increments.
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.WithTxnRetry(ctx, func(txn *badgerdb.Txn) error {
				n := 0
				item, err := txn.Get(key)
				switch {
				case err == nil:
					if err := item.Value(func(val []byte) error {
						var perr error
						n, perr = strconv.Atoi(string(val))
						return perr
					}); err != nil {
						return err
					}
				case errors.Is(err, badgerdb.ErrKeyNotFound):
				default:
					return err
				}
				return txn.Set(key, []byte(strconv.Itoa(n+1)))
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}

	err = db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, strconv.Itoa(workers), string(val))
			return nil
		})
	})
	require.NoError(t, err)
}

func TestWithTxnRetry_NonConflictErrorPassesThrough(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	calls := 0
	wantErr := assert.AnError
	err = db.WithTxnRetry(context.Background(), func(txn *badgerdb.Txn) error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}
