// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Observation contains a record from the `observations` table.
//
// Observations are externally catalogued; the librarian only carries enough
// metadata to group files. Rows are immutable after creation.
type Observation struct {
	ID            int64   `db:"id"` // externally supplied, not a sequence
	JulianDate    float64 `db:"julian_date"`
	Polarization  string  `db:"polarization"`
	LengthSeconds float64 `db:"length_seconds"`
}

// File contains a record from the `files` table.
//
// A File is the logical object; its bytes live in 0..N Instances on local
// stores and 0..N RemoteInstances across the federation. The name is the
// primary key and may contain path separators (e.g. obs123/vis.h5).
//
// The checksum is immutable after first ingest. Every instance of the file,
// local or remote, must measure to this digest or be flagged corrupt.
type File struct {
	Name            string        `db:"name"`
	OriginLibrarian string        `db:"origin_librarian"`
	SizeBytes       int64         `db:"size_bytes"`
	Checksum        digest.Digest `db:"checksum"`
	UploadedAt      time.Time     `db:"uploaded_at"`
	ObservationID   *int64        `db:"observation_id"`
}
