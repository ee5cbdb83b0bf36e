// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// CorruptionDetector identifies which audit found the corruption.
type CorruptionDetector string

const (
	DetectorIntegrityCheck   CorruptionDetector = "integrity-check"
	DetectorPredeletionAudit CorruptionDetector = "predeletion-audit"
	DetectorIncomingTransfer CorruptionDetector = "incoming-transfer"
)

// CorruptFile contains a record from the `corrupt_files` table.
//
// file_name is deliberately not a foreign key: remediation may have to delete
// the File row before the replacement arrives, and the corrupt row must
// survive that.
type CorruptFile struct {
	ID         int64              `db:"id"`
	FileName   string             `db:"file_name"`
	InstanceID int64              `db:"instance_id"`
	DetectedAt time.Time          `db:"detected_at"`
	Detector   CorruptionDetector `db:"detector"`

	// MeasuredChecksum is what the audit actually saw on disk.
	MeasuredChecksum digest.Digest `db:"measured_checksum"`
	CorruptCount     int           `db:"corrupt_count"`

	// ReplacementRequested is set once corruption_fixer has asked a peer to
	// resend. ReplacementTransferID is the peer's outgoing transfer id; our
	// matching incoming transfer is found via its source idempotency key.
	ReplacementRequested  bool   `db:"replacement_requested"`
	ReplacementTransferID *int64 `db:"replacement_transfer_id"`
}
