// Copyright 2025 Certen Protocol
//
// KV Adapter for CometBFT Database Integration
// Wraps CometBFT's dbm.DB interface to implement storage.KV, including the
// atomic multi-operation batch the record store requires.

package kvdb

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/block-storage-engine/pkg/storage"
)

// Adapter wraps a CometBFT dbm.DB and exposes the storage.KV interface.
// This allows the record store to use any cometbft-db backend directly.
type Adapter struct {
	db dbm.DB
}

// NewAdapter creates a new Adapter for the given underlying DB.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Open opens (or creates) a named database with the given cometbft-db
// backend under dir and wraps it.
func Open(name, backend, dir string) (*Adapter, error) {
	db, err := dbm.NewDB(name, dbm.BackendType(backend), dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", backend, err)
	}
	return &Adapter{db: db}, nil
}

// Get implements storage.KV.Get. A missing key returns nil, nil.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	return a.db.Get(key)
}

// Has implements storage.KV.Has.
func (a *Adapter) Has(key []byte) (bool, error) {
	return a.db.Has(key)
}

// Set implements storage.KV.Set.
//
// Uses SetSync: single-key puts outside a batch are metadata updates (at
// finalization time, and the version stamp on a fresh store's first open)
// and must be durable before any event is emitted.
func (a *Adapter) Set(key, value []byte) error {
	return a.db.SetSync(key, value)
}

// Delete implements storage.KV.Delete.
func (a *Adapter) Delete(key []byte) error {
	return a.db.DeleteSync(key)
}

// Iterate implements storage.KV.Iterate.
func (a *Adapter) Iterate(start, end []byte, fn func(key, value []byte) (stop bool, err error)) error {
	it, err := a.db.Iterator(start, end)
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		stop, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return it.Error()
}

// NewBatch implements storage.KV.NewBatch.
func (a *Adapter) NewBatch() storage.Batch {
	return &batch{b: a.db.NewBatch()}
}

// Close closes the underlying database.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// batch wraps a dbm.Batch. WriteSync gives the all-or-nothing durability
// the store's atomicity invariant depends on.
type batch struct {
	b dbm.Batch
}

func (w *batch) Set(key, value []byte) error { return w.b.Set(key, value) }
func (w *batch) Delete(key []byte) error     { return w.b.Delete(key) }
func (w *batch) Write() error                { return w.b.WriteSync() }
func (w *batch) Close() error                { return w.b.Close() }
