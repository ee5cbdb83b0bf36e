// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// TransferStatus is the state of an outgoing or incoming transfer.
//
// Outgoing transfers move initiated -> ongoing -> staged -> completed.
// Incoming transfers move initiated -> ongoing -> staged -> committed.
// Failure arcs lead to failed from any non-terminal state; cancelled is
// reachable from initiated and ongoing. Terminal states are absorbing.
type TransferStatus string

const (
	TransferInitiated TransferStatus = "initiated"
	TransferOngoing   TransferStatus = "ongoing"
	TransferStaged    TransferStatus = "staged"
	TransferCompleted TransferStatus = "completed"
	TransferCommitted TransferStatus = "committed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case TransferCompleted, TransferCommitted, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

var nextStatuses = map[TransferStatus][]TransferStatus{
	TransferInitiated: {TransferOngoing, TransferFailed, TransferCancelled},
	TransferOngoing:   {TransferStaged, TransferFailed, TransferCancelled},
	TransferStaged:    {TransferCompleted, TransferCommitted, TransferFailed},
}

// CanTransitionTo reports whether the state machine admits the given move.
// The catalog's compare-and-set transition helpers enforce this; callers use
// it to fail fast before touching the database.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, candidate := range nextStatuses[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// TransportKind selects how bytes move between librarians.
type TransportKind string

const (
	TransportNetwork    TransportKind = "network"
	TransportSneakerNet TransportKind = "sneakernet"
)

// OutgoingTransfer contains a record from the `outgoing_transfers` table.
//
// Rows are retained after reaching a terminal state for audit.
type OutgoingTransfer struct {
	ID                   int64          `db:"id"`
	FileName             string         `db:"file_name"`
	DestinationLibrarian string         `db:"destination_librarian"`
	SourceStoreID        int64          `db:"source_store_id"`
	Status               TransferStatus `db:"status"`
	Transport            TransportKind  `db:"transport"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`

	// RemoteTransferID is the peer's IncomingTransfer id, known after a
	// successful prepare_transfer call.
	RemoteTransferID *int64 `db:"remote_transfer_id"`
	AttemptCount     int    `db:"attempt_count"`
}

// IncomingTransfer contains a record from the `incoming_transfers` table.
//
// The destination store is chosen at prepare time, but the Instance row only
// exists after commit. Staged-but-uncommitted transfers older than the
// hypervisor age threshold have their staging bytes garbage-collected.
type IncomingTransfer struct {
	ID              int64          `db:"id"`
	FileName        string         `db:"file_name"`
	SourceLibrarian string         `db:"source_librarian"`
	DestStoreID     *int64         `db:"dest_store_id"`
	StagingPath     string         `db:"staging_path"`
	Status          TransferStatus `db:"status"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`

	// SourceTransferID is the sender's OutgoingTransfer id; prepare_transfer
	// is idempotent over (source_librarian, source_transfer_id).
	SourceTransferID int64 `db:"source_transfer_id"`

	// Declared size and checksum from prepare_transfer; the staged bytes must
	// measure to these before the transfer may leave ongoing.
	DeclaredSize     int64         `db:"declared_size"`
	DeclaredChecksum digest.Digest `db:"declared_checksum"`
}

// CompletedTransferLog contains a record from the `completed_transfer_log`
// table, a bandwidth bookkeeping row written when an outgoing transfer
// completes.
type CompletedTransferLog struct {
	ID                   int64     `db:"id"`
	OutgoingTransferID   int64     `db:"outgoing_transfer_id"`
	DestinationLibrarian string    `db:"destination_librarian"`
	StartTime            time.Time `db:"start_time"`
	EndTime              time.Time `db:"end_time"`
	BytesTransferred     int64     `db:"bytes_transferred"`
	EffectiveBandwidth   float64   `db:"effective_bandwidth_bps"`
}
