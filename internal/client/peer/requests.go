// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package peerclient

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// PrepareTransferRequest asks a peer to create an IncomingTransfer and stage
// space for the declared file. The call is idempotent over
// (source_librarian, source_transfer_id): repeating it returns the same
// remote transfer.
type PrepareTransferRequest struct {
	SourceLibrarian  string               `json:"source_librarian"`
	SourceTransferID int64                `json:"source_transfer_id"`
	FileName         string               `json:"file_name"`
	SizeBytes        int64                `json:"size_bytes"`
	Checksum         digest.Digest        `json:"checksum"`
	Transport        models.TransportKind `json:"transport"`
}

// PrepareTransferResponse carries the peer's transfer id and the staging
// destination descriptor.
type PrepareTransferResponse struct {
	RemoteTransferID int64                   `json:"remote_transfer_id"`
	DestStoreName    string                  `json:"dest_store_name"`
	StagingHandle    librarian.StagingHandle `json:"staging_handle"`
}

// TransferRef names a transfer on the peer.
type TransferRef struct {
	RemoteTransferID int64 `json:"remote_transfer_id"`
}

// TransferStatusResponse reports the peer-side transfer state.
type TransferStatusResponse struct {
	Status models.TransferStatus `json:"status"`
}

// CommitTransferResponse confirms a committed transfer. Re-calling commit
// after completion returns the same remote instance record.
type CommitTransferResponse struct {
	Status         models.TransferStatus `json:"status"`
	FileName       string                `json:"file_name"`
	StoreName      string                `json:"store_name"`
	Checksum       digest.Digest         `json:"checksum"`
	CommittedAt    time.Time             `json:"committed_at"`
	DestInstanceID int64                 `json:"dest_instance_id"`
}

// VerifyChecksumRequest asks a peer to measure its on-store bytes for a file.
type VerifyChecksumRequest struct {
	FileName string `json:"file_name"`
}

// VerifyChecksumResponse reports the measured digest.
type VerifyChecksumResponse struct {
	FileName   string        `json:"file_name"`
	Checksum   digest.Digest `json:"checksum"`
	SizeBytes  int64         `json:"size_bytes"`
	VerifiedAt time.Time     `json:"verified_at"`
}

// CloneCompleteRequest is the receiver-to-sender callback confirming that an
// incoming transfer was committed, so the sender can finalize its outgoing
// transfer without polling.
type CloneCompleteRequest struct {
	SourceTransferID int64         `json:"source_transfer_id"`
	DestLibrarian    string        `json:"dest_librarian"`
	DestInstanceID   int64         `json:"dest_instance_id"`
	VerifiedChecksum digest.Digest `json:"verified_checksum"`
}

// ResendRequest asks the origin of a corrupt file to send a fresh copy via
// the normal transfer protocol.
type ResendRequest struct {
	FileName      string `json:"file_name"`
	DestLibrarian string `json:"dest_librarian"`
}

// ResendResponse reports the outgoing transfer the origin created in response.
type ResendResponse struct {
	SourceTransferID int64 `json:"source_transfer_id"`
}

// PingResponse confirms liveness.
type PingResponse struct {
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}
