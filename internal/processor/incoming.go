// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sapcc/go-bits/logg"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// PrepareIncoming creates an IncomingTransfer for the declared file and
// stages space on an ingestable store. It is idempotent over
// (source_librarian, source_transfer_id): repeated prepare calls return the
// already-existing transfer.
func (p *Processor) PrepareIncoming(ctx context.Context, req peerclient.PrepareTransferRequest) (models.IncomingTransfer, models.Store, librarian.StagingHandle, error) {
	source, err := p.db.FindLibrarianByName(req.SourceLibrarian)
	if err != nil {
		return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{},
			librarian.ErrUnauthorized.With("unknown source librarian %q", req.SourceLibrarian)
	}
	if !source.TransfersEnabled {
		return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{},
			librarian.ErrTransfersDisabled.With("inbound transfers from %q are disabled", req.SourceLibrarian)
	}

	// user uploads (source_transfer_id == 0) are never idempotent; each stage
	// call opens a fresh transfer
	if req.SourceTransferID > 0 {
		var existing models.IncomingTransfer
		err = p.db.SelectOne(&existing,
			`SELECT * FROM incoming_transfers WHERE source_librarian = $1 AND source_transfer_id = $2`,
			req.SourceLibrarian, req.SourceTransferID)
		if err == nil {
			return p.describeExisting(existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{}, err
		}
	}

	store, driver, err := p.stores.SelectIngestable(ctx, req.SizeBytes)
	if err != nil {
		if errors.Is(err, librarian.ErrCapacityExceeded) {
			return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{},
				librarian.ErrStoreFull.With("no ingestable store can fit %d bytes", req.SizeBytes)
		}
		return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{}, err
	}
	handle, err := driver.Stage(ctx, req.FileName, req.SizeBytes)
	if err != nil {
		return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{}, err
	}

	now := p.timeNow()
	transfer := models.IncomingTransfer{
		FileName:         req.FileName,
		SourceLibrarian:  req.SourceLibrarian,
		DestStoreID:      &store.ID,
		StagingPath:      encodeHandle(handle),
		Status:           models.TransferInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
		SourceTransferID: req.SourceTransferID,
		DeclaredSize:     req.SizeBytes,
		DeclaredChecksum: req.Checksum,
	}
	err = p.db.Insert(&transfer)
	if err != nil {
		return models.IncomingTransfer{}, models.Store{}, librarian.StagingHandle{}, err
	}
	return transfer, store, handle, nil
}

func (p *Processor) describeExisting(transfer models.IncomingTransfer) (models.IncomingTransfer, models.Store, librarian.StagingHandle, error) {
	if transfer.DestStoreID == nil {
		return transfer, models.Store{}, librarian.StagingHandle{}, nil
	}
	store, _, err := p.stores.DriverForID(*transfer.DestStoreID)
	if err != nil {
		return transfer, models.Store{}, librarian.StagingHandle{}, err
	}
	handle, err := decodeHandle(transfer.StagingPath)
	return transfer, store, handle, err
}

// ReceiveUpload streams pushed bytes into the staging area of the given
// transfer and, once the staged bytes measure to the declared size and
// checksum, moves the transfer to staged.
func (p *Processor) ReceiveUpload(ctx context.Context, transfer models.IncomingTransfer, body io.Reader) error {
	if transfer.Status == models.TransferInitiated {
		err := p.db.TransitionIncomingTransfer(p.db, transfer.ID,
			models.TransferInitiated, models.TransferOngoing, p.timeNow(), nil)
		if err != nil && !errors.Is(err, librarian.ErrStaleState) {
			return err
		}
		transfer.Status = models.TransferOngoing
	}
	if transfer.Status != models.TransferOngoing {
		return librarian.ErrTransferStale.With("transfer %d is %s, cannot accept bytes", transfer.ID, transfer.Status)
	}

	_, driver, err := p.stores.DriverForID(*transfer.DestStoreID)
	if err != nil {
		return err
	}
	handle, err := decodeHandle(transfer.StagingPath)
	if err != nil {
		return err
	}
	err = driver.WriteStaged(ctx, handle, body)
	if err != nil {
		return err
	}

	return p.promoteIfStaged(ctx, transfer)
}

// promoteIfStaged measures the staged bytes and moves the transfer from
// ongoing to staged when size and checksum match the declared values. Partial
// uploads (size below declared) are left in ongoing; surplus or conflicting
// bytes fail the transfer.
func (p *Processor) promoteIfStaged(ctx context.Context, transfer models.IncomingTransfer) error {
	_, driver, err := p.stores.DriverForID(*transfer.DestStoreID)
	if err != nil {
		return err
	}
	handle, err := decodeHandle(transfer.StagingPath)
	if err != nil {
		return err
	}

	measured, size, err := driver.Checksum(ctx, handle.Path)
	if err != nil {
		return err
	}
	if size < transfer.DeclaredSize {
		return nil // still incomplete
	}
	if size > transfer.DeclaredSize || measured != transfer.DeclaredChecksum {
		p.failIncoming(ctx, transfer, fmt.Sprintf(
			"staged bytes measure %s (%d bytes), declared %s (%d bytes)",
			measured, size, transfer.DeclaredChecksum, transfer.DeclaredSize))
		return librarian.ErrDigestInvalid.With("staged content does not match declaration")
	}

	err = p.db.TransitionIncomingTransfer(p.db, transfer.ID,
		models.TransferOngoing, models.TransferStaged, p.timeNow(), nil)
	if errors.Is(err, librarian.ErrStaleState) {
		return nil
	}
	return err
}

// CheckStaged reports the current incoming status, re-measuring ongoing
// transfers so that bytes which arrived out-of-band (SneakerNet, rsync into
// the staging tree) are noticed.
func (p *Processor) CheckStaged(ctx context.Context, transfer models.IncomingTransfer) (models.TransferStatus, error) {
	// bytes placed directly into the staging path (rsync, drive swap) are
	// observed here: any content at all moves the transfer to ongoing
	if transfer.Status == models.TransferInitiated && transfer.DestStoreID != nil {
		_, driver, err := p.stores.DriverForID(*transfer.DestStoreID)
		if err != nil {
			return "", err
		}
		handle, err := decodeHandle(transfer.StagingPath)
		if err != nil {
			return "", err
		}
		_, size, err := driver.Checksum(ctx, handle.Path)
		if err == nil && size > 0 {
			err = p.db.TransitionIncomingTransfer(p.db, transfer.ID,
				models.TransferInitiated, models.TransferOngoing, p.timeNow(), nil)
			if err != nil && !errors.Is(err, librarian.ErrStaleState) {
				return "", err
			}
			transfer.Status = models.TransferOngoing
		}
	}

	if transfer.Status == models.TransferOngoing && transfer.DestStoreID != nil {
		err := p.promoteIfStaged(ctx, transfer)
		if err != nil && !errors.Is(err, librarian.ErrStaleState) {
			logg.Error("while re-measuring incoming transfer %d: %s", transfer.ID, err.Error())
		}
		err = p.db.SelectOne(&transfer, `SELECT * FROM incoming_transfers WHERE id = $1`, transfer.ID)
		if err != nil {
			return "", err
		}
	}
	return transfer.Status, nil
}

// CommitIncoming promotes a staged transfer into a File + Instance. It is
// idempotent: committing a committed transfer returns the existing instance.
// A checksum mismatch during the store commit is fatal for the transfer.
func (p *Processor) CommitIncoming(ctx context.Context, transfer models.IncomingTransfer, deletionPolicy models.DeletionPolicy) (models.Instance, error) {
	if transfer.Status == models.TransferCommitted {
		var instance models.Instance
		err := p.db.SelectOne(&instance,
			`SELECT * FROM instances WHERE file_name = $1 AND store_id = $2`,
			transfer.FileName, *transfer.DestStoreID)
		return instance, err
	}
	if transfer.Status != models.TransferStaged {
		return models.Instance{}, librarian.ErrTransferStale.With(
			"transfer %d is %s, cannot commit", transfer.ID, transfer.Status)
	}

	store, driver, err := p.stores.DriverForID(*transfer.DestStoreID)
	if err != nil {
		return models.Instance{}, err
	}
	handle, err := decodeHandle(transfer.StagingPath)
	if err != nil {
		return models.Instance{}, err
	}

	path, err := driver.Commit(ctx, handle, transfer.DeclaredChecksum)
	if err != nil {
		if errors.Is(err, librarian.ErrChecksumMismatch) {
			p.failIncoming(ctx, transfer, err.Error())
			return models.Instance{}, librarian.ErrDigestInvalid.With("%s", err.Error())
		}
		return models.Instance{}, err
	}

	now := p.timeNow()
	err = p.db.CreateFile(models.File{
		Name:            transfer.FileName,
		OriginLibrarian: transfer.SourceLibrarian,
		SizeBytes:       transfer.DeclaredSize,
		Checksum:        transfer.DeclaredChecksum,
		UploadedAt:      now,
	}, &models.Instance{
		FileName:       transfer.FileName,
		StoreID:        store.ID,
		Path:           path,
		CreatedAt:      now,
		Available:      true,
		DeletionPolicy: deletionPolicy,
	})
	if err != nil {
		return models.Instance{}, err
	}

	err = p.db.TransitionIncomingTransfer(p.db, transfer.ID,
		models.TransferStaged, models.TransferCommitted, now, nil)
	if err != nil && !errors.Is(err, librarian.ErrStaleState) {
		return models.Instance{}, err
	}

	var instance models.Instance
	err = p.db.SelectOne(&instance,
		`SELECT * FROM instances WHERE file_name = $1 AND store_id = $2`,
		transfer.FileName, store.ID)
	if err != nil {
		return models.Instance{}, err
	}

	p.callBackToSource(ctx, transfer, instance)
	return instance, nil
}

// callBackToSource tells the sending librarian that its clone arrived, so it
// can finalize without polling. Best effort: the sender's hypervisor covers
// a lost callback.
func (p *Processor) callBackToSource(ctx context.Context, transfer models.IncomingTransfer, instance models.Instance) {
	source, err := p.db.FindLibrarianByName(transfer.SourceLibrarian)
	if err != nil {
		logg.Error("incoming transfer %d has no source librarian %q, cannot call back",
			transfer.ID, transfer.SourceLibrarian)
		return
	}
	err = p.newPeerClient(source).CloneComplete(ctx, peerclient.CloneCompleteRequest{
		SourceTransferID: transfer.SourceTransferID,
		DestLibrarian:    p.cfg.LibrarianName,
		DestInstanceID:   instance.ID,
		VerifiedChecksum: transfer.DeclaredChecksum,
	})
	if err != nil {
		logg.Error("could not call back to %s for transfer %d: %s",
			transfer.SourceLibrarian, transfer.ID, err.Error())
	}
}

// FailIncomingTransfer moves an incoming transfer to failed and discards its
// staging bytes.
func (p *Processor) FailIncomingTransfer(ctx context.Context, transfer models.IncomingTransfer, reason string) error {
	p.failIncoming(ctx, transfer, reason)
	return nil
}

func (p *Processor) failIncoming(ctx context.Context, transfer models.IncomingTransfer, reason string) {
	logg.Error("incoming transfer %d of %s from %s failed: %s",
		transfer.ID, transfer.FileName, transfer.SourceLibrarian, reason)
	err := p.db.TransitionIncomingTransfer(p.db, transfer.ID,
		transfer.Status, models.TransferFailed, p.timeNow(), nil)
	if err != nil && !errors.Is(err, librarian.ErrStaleState) {
		logg.Error("while failing incoming transfer %d: %s", transfer.ID, err.Error())
		return
	}
	p.DiscardStagingBytes(ctx, transfer)
}

// DiscardStagingBytes aborts the staging handle of a transfer, if any.
func (p *Processor) DiscardStagingBytes(ctx context.Context, transfer models.IncomingTransfer) {
	if transfer.DestStoreID == nil || transfer.StagingPath == "" {
		return
	}
	_, driver, err := p.stores.DriverForID(*transfer.DestStoreID)
	if err != nil {
		logg.Error("cannot clean staging of transfer %d: %s", transfer.ID, err.Error())
		return
	}
	handle, err := decodeHandle(transfer.StagingPath)
	if err != nil {
		logg.Error("cannot clean staging of transfer %d: %s", transfer.ID, err.Error())
		return
	}
	err = driver.Abort(ctx, handle)
	if err != nil {
		logg.Error("cannot clean staging of transfer %d: %s", transfer.ID, err.Error())
	}
}

// CancelIncoming moves a non-terminal incoming transfer to cancelled (a
// staged one to failed) and discards its staging bytes. Idempotent.
func (p *Processor) CancelIncoming(ctx context.Context, transfer models.IncomingTransfer) error {
	if transfer.Status.IsTerminal() {
		return nil
	}
	// cancelled is only reachable from initiated/ongoing; a staged transfer
	// that gets cancelled from the outside is recorded as failed instead
	target := models.TransferCancelled
	if !transfer.Status.CanTransitionTo(target) {
		target = models.TransferFailed
	}
	err := p.db.TransitionIncomingTransfer(p.db, transfer.ID,
		transfer.Status, target, p.timeNow(), nil)
	if err != nil {
		if errors.Is(err, librarian.ErrStaleState) {
			return nil
		}
		return err
	}
	p.DiscardStagingBytes(ctx, transfer)
	return nil
}

// staging handles are stored JSON-encoded in incoming_transfers.staging_path
// so that a restarted process can resume them

func encodeHandle(handle librarian.StagingHandle) string {
	buf, _ := json.Marshal(handle) //nolint:errcheck // cannot fail for this type
	return string(buf)
}

func decodeHandle(encoded string) (librarian.StagingHandle, error) {
	var handle librarian.StagingHandle
	err := json.Unmarshal([]byte(encoded), &handle)
	if err != nil {
		return handle, fmt.Errorf("malformed staging handle %q: %w", encoded, err)
	}
	return handle, nil
}
