// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"context"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/pluggable"

	"github.com/simonsobs/librarian/internal/models"
)

// StagingHandle identifies a staged-but-uncommitted file on a store. Handles
// are serializable: the incoming_transfers table stores Path so that a
// different process (or a restarted one) can commit or abort the handle.
//
// Path is always a UUID-suffixed subpath of the store's staging area, so
// concurrent stagings of the same file name never collide.
type StagingHandle struct {
	FileName string `json:"file_name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

// StoreDriver is the interface between the librarian and a storage backend.
//
// Paths passed to Open, Checksum and Delete are store-relative paths as
// returned by Commit. Implementations must make Commit atomic with respect to
// readers: either the full file appears at its final path, or nothing does.
// Delete must be idempotent.
type StoreDriver interface {
	pluggable.Plugin

	// Init is called before any other method with the store's catalog row.
	Init(store models.Store) error

	// Stage reserves a staging location for `size` bytes. It fails with
	// ErrCapacityExceeded if the backend cannot fit the file. Aborting a
	// staged handle must leave no side effects.
	Stage(ctx context.Context, fileName string, size int64) (StagingHandle, error)
	// WriteStaged streams bytes into the staging location. It may be called
	// once with the complete content or repeatedly with chunks.
	WriteStaged(ctx context.Context, handle StagingHandle, chunk io.Reader) error
	// Commit verifies the staged bytes against the declared checksum, then
	// atomically promotes them to their final path. On checksum mismatch it
	// fails with ErrChecksumMismatch and leaves the staged bytes in place for
	// inspection by the hypervisor.
	Commit(ctx context.Context, handle StagingHandle, declared digest.Digest) (path string, err error)
	// Abort discards a staged handle. It is idempotent.
	Abort(ctx context.Context, handle StagingHandle) error

	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// Checksum measures the on-store bytes at `path`.
	Checksum(ctx context.Context, path string) (digest.Digest, int64, error)
	Delete(ctx context.Context, path string) error
	// FreeSpace reports the bytes the backend can still absorb, independent
	// of the catalog's capacity accounting.
	FreeSpace(ctx context.Context) (int64, error)
}

// StoreDriverRegistry is a pluggable.Registry for StoreDriver implementations.
var StoreDriverRegistry pluggable.Registry[StoreDriver]

// NewStoreDriver instantiates and initializes the StoreDriver for the given
// store row.
func NewStoreDriver(store models.Store) (StoreDriver, error) {
	driver, ok := StoreDriverRegistry.TryInstantiate(store.BackendType).Unpack()
	if !ok {
		return nil, fmt.Errorf("store %q: no such store backend: %q", store.Name, store.BackendType)
	}
	return driver, driver.Init(store)
}

// StoreSet resolves store rows to initialized drivers, caching one driver per
// store id. All tasks and APIs share one StoreSet per process.
type StoreSet struct {
	db      *DB
	drivers map[int64]StoreDriver
}

// NewStoreSet creates a StoreSet.
func NewStoreSet(db *DB) *StoreSet {
	return &StoreSet{db: db, drivers: make(map[int64]StoreDriver)}
}

// DriverFor returns the initialized driver for a store row.
func (s *StoreSet) DriverFor(store models.Store) (StoreDriver, error) {
	if driver, exists := s.drivers[store.ID]; exists {
		return driver, nil
	}
	driver, err := NewStoreDriver(store)
	if err != nil {
		return nil, err
	}
	s.drivers[store.ID] = driver
	return driver, nil
}

// DriverForID loads the store row and returns its driver.
func (s *StoreSet) DriverForID(storeID int64) (models.Store, StoreDriver, error) {
	var store models.Store
	err := s.db.SelectOne(&store, `SELECT * FROM stores WHERE id = $1`, storeID)
	if err != nil {
		return models.Store{}, nil, err
	}
	driver, err := s.DriverFor(store)
	return store, driver, err
}

// SelectIngestable picks the first enabled, ingestable store that can fit
// `size` bytes by both the catalog's accounting and the backend's own view.
// It returns ErrCapacityExceeded when no store qualifies.
func (s *StoreSet) SelectIngestable(ctx context.Context, size int64) (models.Store, StoreDriver, error) {
	var stores []models.Store
	_, err := s.db.Select(&stores, `
		SELECT * FROM stores
		 WHERE enabled AND ingestable AND used_bytes + $1 <= capacity_bytes
		 ORDER BY capacity_bytes - used_bytes DESC`, size)
	if err != nil {
		return models.Store{}, nil, err
	}

	for _, store := range stores {
		driver, err := s.DriverFor(store)
		if err != nil {
			return models.Store{}, nil, err
		}
		free, err := driver.FreeSpace(ctx)
		if err != nil || free < size {
			continue
		}
		return store, driver, nil
	}
	return models.Store{}, nil, ErrCapacityExceeded
}
