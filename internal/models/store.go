// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package models

import "time"

// Store contains a record from the `stores` table.
//
// A store is a named local storage backend: a POSIX filesystem tree, an
// rsync-reachable host, or a cloud bucket. The BackendType selects the
// librarian.StoreDriver implementation; the driver reads its own connection
// parameters from RootPath (a path, an scp-style host:path, or a bucket URL).
type Store struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	BackendType string `db:"backend_type"`
	RootPath    string `db:"root_path"`

	// CapacityBytes is the configured size limit. UsedBytes is maintained by
	// the catalog in the same transaction as any Instance row change, so it
	// can disagree with the filesystem only transiently.
	CapacityBytes int64 `db:"capacity_bytes"`
	UsedBytes     int64 `db:"used_bytes"`

	// Ingestable stores accept staged uploads from peers and users.
	Ingestable bool       `db:"ingestable"`
	Enabled    bool       `db:"enabled"`
	DisabledAt *time.Time `db:"disabled_at"`
}

// FreeBytes returns the capacity that is not yet accounted to instances.
func (s Store) FreeBytes() int64 {
	free := s.CapacityBytes - s.UsedBytes
	if free < 0 {
		return 0
	}
	return free
}
