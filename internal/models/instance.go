// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// DeletionPolicy is the per-instance gate consulted by rolling deletion.
type DeletionPolicy string

const (
	DeletionAllowed    DeletionPolicy = "allowed"
	DeletionDisallowed DeletionPolicy = "disallowed"
)

// Instance contains a record from the `instances` table.
//
// Files are unique, instances are not; there may be many copies of a single
// File on several stores. (store_id, path) pairs are unique.
type Instance struct {
	ID             int64          `db:"id"`
	FileName       string         `db:"file_name"`
	StoreID        int64          `db:"store_id"`
	Path           string         `db:"path"`
	CreatedAt      time.Time      `db:"created_at"`
	Available      bool           `db:"available"`
	DeletionPolicy DeletionPolicy `db:"deletion_policy"`

	// CalculatedChecksum caches the most recent on-disk measurement so that
	// integrity checks and pre-deletion audits do not re-hash fresh files.
	CalculatedChecksum *digest.Digest `db:"calculated_checksum"`
	CalculatedSize     *int64         `db:"calculated_size"`
	ChecksumTime       *time.Time     `db:"checksum_time"`
}

// RemoteInstance contains a record from the `remote_instances` table.
//
// It records that a peer librarian claims to hold a copy of a file. The
// verified checksum is only trusted for rolling deletion if it matches the
// file's checksum; duplicate (file, librarian) rows are collapsed by the
// duplicate hypervisor, keeping the latest verified one.
type RemoteInstance struct {
	ID               int64          `db:"id"`
	FileName         string         `db:"file_name"`
	LibrarianName    string         `db:"librarian_name"`
	CopyTime         time.Time      `db:"copy_time"`
	LastVerifiedAt   *time.Time     `db:"last_verified_at"`
	VerifiedChecksum *digest.Digest `db:"verified_checksum"`
}
