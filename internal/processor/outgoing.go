// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

var activeOutgoingTransferQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM outgoing_transfers
	 WHERE file_name = $1 AND destination_librarian = $2
	   AND status NOT IN ('completed', 'failed', 'cancelled')
`)

// CreateOutgoingTransfer records the intent to send a file to a peer: an
// OutgoingTransfer row in `initiated` plus a pending send-queue item. If a
// non-terminal transfer for the same (file, destination) already exists, that
// one is returned instead of creating a duplicate.
func (p *Processor) CreateOutgoingTransfer(fileName, destLibrarian string, sourceStoreID int64, transport models.TransportKind, priority int) (models.OutgoingTransfer, error) {
	var existing models.OutgoingTransfer
	err := p.db.SelectOne(&existing, activeOutgoingTransferQuery, fileName, destLibrarian)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.OutgoingTransfer{}, err
	}

	now := p.timeNow()
	transfer := models.OutgoingTransfer{
		FileName:             fileName,
		DestinationLibrarian: destLibrarian,
		SourceStoreID:        sourceStoreID,
		Status:               models.TransferInitiated,
		Transport:            transport,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	tx, err := p.db.Begin()
	if err != nil {
		return models.OutgoingTransfer{}, err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	err = tx.Insert(&transfer)
	if err != nil {
		return models.OutgoingTransfer{}, err
	}
	err = tx.Insert(&models.SendQueueItem{
		OutgoingTransferID: transfer.ID,
		Priority:           priority,
		Status:             models.QueueItemPending,
		EnqueuedAt:         now,
	})
	if err != nil {
		return models.OutgoingTransfer{}, err
	}
	return transfer, tx.Commit()
}

// DriveOutgoingTransfer advances the given transfer as far as it can within
// the context deadline: initiated -> ongoing (peer prepare), ongoing ->
// staged (byte push + peer confirmation), staged -> completed (peer commit +
// RemoteInstance registration). A checksum mismatch reported by the peer is
// fatal and moves the transfer to failed; any other error leaves the current
// state in place for a later drive or the hypervisor.
func (p *Processor) DriveOutgoingTransfer(ctx context.Context, transfer models.OutgoingTransfer) error {
	var file models.File
	err := p.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, transfer.FileName)
	if err != nil {
		return fmt.Errorf("while loading file %q: %w", transfer.FileName, err)
	}
	peer, err := p.db.FindLibrarianByName(transfer.DestinationLibrarian)
	if err != nil {
		return fmt.Errorf("while loading peer %q: %w", transfer.DestinationLibrarian, err)
	}
	client := p.newPeerClient(peer)

	if transfer.Status == models.TransferInitiated {
		transfer, err = p.prepareOutgoing(ctx, transfer, file, client)
		if err != nil {
			return err
		}
	}
	if transfer.Status == models.TransferOngoing {
		transfer, err = p.pushOutgoingBytes(ctx, transfer, file, client)
		if err != nil {
			return err
		}
	}
	if transfer.Status == models.TransferStaged {
		return p.commitOutgoing(ctx, transfer, file, client)
	}
	return nil
}

func (p *Processor) prepareOutgoing(ctx context.Context, transfer models.OutgoingTransfer, file models.File, client PeerAPI) (models.OutgoingTransfer, error) {
	resp, err := client.PrepareTransfer(ctx, peerclient.PrepareTransferRequest{
		SourceLibrarian:  p.cfg.LibrarianName,
		SourceTransferID: transfer.ID,
		FileName:         file.Name,
		SizeBytes:        file.SizeBytes,
		Checksum:         file.Checksum,
		Transport:        transfer.Transport,
	})
	if err != nil {
		return transfer, fmt.Errorf("while preparing transfer %d at %s: %w", transfer.ID, client.PeerName(), err)
	}

	err = p.db.TransitionOutgoingTransfer(p.db, transfer.ID,
		models.TransferInitiated, models.TransferOngoing, p.timeNow(),
		map[string]any{
			"remote_transfer_id": resp.RemoteTransferID,
			"attempt_count":      transfer.AttemptCount + 1,
		})
	if err != nil {
		return transfer, err
	}
	transfer.Status = models.TransferOngoing
	transfer.RemoteTransferID = &resp.RemoteTransferID
	return transfer, nil
}

func (p *Processor) pushOutgoingBytes(ctx context.Context, transfer models.OutgoingTransfer, file models.File, client PeerAPI) (models.OutgoingTransfer, error) {
	if transfer.RemoteTransferID == nil {
		return transfer, fmt.Errorf("transfer %d is ongoing but has no remote transfer id", transfer.ID)
	}

	// ask first: the bytes may already be there (an earlier upload whose
	// response was lost, or a sneakernet drive that got plugged in)
	settled, transfer, err := p.settleAgainstPeerStatus(ctx, transfer, client)
	if settled || err != nil {
		return transfer, err
	}

	if transfer.Transport == models.TransportNetwork {
		instance, err := p.findAvailableInstance(file.Name, transfer.SourceStoreID)
		if err != nil {
			return transfer, err
		}
		_, driver, err := p.stores.DriverForID(instance.StoreID)
		if err != nil {
			return transfer, err
		}
		reader, err := driver.Open(ctx, instance.Path)
		if err != nil {
			return transfer, err
		}
		err = client.UploadFileContent(ctx, *transfer.RemoteTransferID, reader, file.SizeBytes)
		reader.Close()
		if err != nil {
			return transfer, err
		}
		_, transfer, err = p.settleAgainstPeerStatus(ctx, transfer, client)
		return transfer, err
	}

	// for sneakernet, the bytes travel on a drive; stay ongoing until the
	// peer sees them arrive in its staging area
	return transfer, nil
}

// settleAgainstPeerStatus polls the peer's staged_transfer view and settles
// our ongoing transfer against it. It reports whether the transfer moved to
// a new state (staged or failed).
func (p *Processor) settleAgainstPeerStatus(ctx context.Context, transfer models.OutgoingTransfer, client PeerAPI) (bool, models.OutgoingTransfer, error) {
	resp, err := client.StagedTransfer(ctx, *transfer.RemoteTransferID)
	if err != nil {
		return false, transfer, err
	}
	switch resp.Status {
	case models.TransferStaged, models.TransferCommitted:
		err = p.db.TransitionOutgoingTransfer(p.db, transfer.ID,
			models.TransferOngoing, models.TransferStaged, p.timeNow(), nil)
		if err != nil && !errors.Is(err, librarian.ErrStaleState) {
			return false, transfer, err
		}
		transfer.Status = models.TransferStaged
		return true, transfer, nil
	case models.TransferFailed, models.TransferCancelled:
		return true, transfer, p.FailOutgoingTransfer(transfer,
			fmt.Sprintf("peer reports transfer in status %q", resp.Status))
	default:
		return false, transfer, nil
	}
}

func (p *Processor) commitOutgoing(ctx context.Context, transfer models.OutgoingTransfer, file models.File, client PeerAPI) error {
	resp, err := client.CommitTransfer(ctx, *transfer.RemoteTransferID)
	if err != nil {
		var apiErr *librarian.APIError
		if errors.As(err, &apiErr) && apiErr.Code == librarian.ErrDigestInvalid {
			// fatal: the bytes that arrived do not match the declared checksum
			return p.FailOutgoingTransfer(transfer, "peer measured a conflicting checksum on commit")
		}
		return fmt.Errorf("while committing transfer %d at %s: %w", transfer.ID, client.PeerName(), err)
	}
	if resp.Checksum != file.Checksum {
		p.sink.Notify(librarian.Notification{
			Event:      librarian.EventFileCorrupt,
			Subject:    file.Name,
			Detail:     fmt.Sprintf("peer %s committed checksum %s, expected %s", client.PeerName(), resp.Checksum, file.Checksum),
			OccurredAt: p.timeNow(),
		})
		return p.FailOutgoingTransfer(transfer, "peer committed a conflicting checksum")
	}

	return p.FinalizeOutgoingTransfer(transfer)
}

// FinalizeOutgoingTransfer moves a staged transfer to completed, registers
// the RemoteInstance, and writes the bandwidth log row. It is also called by
// the clone/complete callback handler, so it must tolerate the remote side
// confirming before our own commit poll does (idempotence via StaleState).
func (p *Processor) FinalizeOutgoingTransfer(transfer models.OutgoingTransfer) error {
	now := p.timeNow()
	err := p.db.TransitionOutgoingTransfer(p.db, transfer.ID,
		models.TransferStaged, models.TransferCompleted, now, nil)
	if errors.Is(err, librarian.ErrStaleState) {
		// someone else finalized concurrently; the remote instance exists
		return nil
	}
	if err != nil {
		return err
	}

	var file models.File
	err = p.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, transfer.FileName)
	if err != nil {
		return err
	}
	err = p.db.RegisterRemoteInstance(transfer.FileName, transfer.DestinationLibrarian, file.Checksum, now)
	if err != nil {
		return err
	}

	elapsed := now.Sub(transfer.CreatedAt)
	bandwidth := 0.0
	if elapsed > 0 {
		bandwidth = float64(file.SizeBytes) / elapsed.Seconds()
	}
	err = p.db.Insert(&models.CompletedTransferLog{
		OutgoingTransferID:   transfer.ID,
		DestinationLibrarian: transfer.DestinationLibrarian,
		StartTime:            transfer.CreatedAt,
		EndTime:              now,
		BytesTransferred:     file.SizeBytes,
		EffectiveBandwidth:   bandwidth,
	})
	if err != nil {
		return err
	}

	logg.Info("outgoing transfer %d of %s to %s completed (%d bytes in %s)",
		transfer.ID, transfer.FileName, transfer.DestinationLibrarian, file.SizeBytes, elapsed)
	return nil
}

// FailOutgoingTransfer moves a transfer to failed from whatever non-terminal
// state it is in.
func (p *Processor) FailOutgoingTransfer(transfer models.OutgoingTransfer, reason string) error {
	logg.Error("outgoing transfer %d of %s to %s failed: %s",
		transfer.ID, transfer.FileName, transfer.DestinationLibrarian, reason)
	err := p.db.TransitionOutgoingTransfer(p.db, transfer.ID,
		transfer.Status, models.TransferFailed, p.timeNow(), nil)
	if errors.Is(err, librarian.ErrStaleState) {
		return nil
	}
	return err
}

// CancelOutgoingTransfer moves an initiated or ongoing transfer to cancelled
// and asks the peer to drop its side. Idempotent.
func (p *Processor) CancelOutgoingTransfer(ctx context.Context, transfer models.OutgoingTransfer) error {
	if transfer.Status.IsTerminal() {
		return nil
	}
	// cancelled is only reachable from initiated/ongoing; staged transfers
	// that get cancelled from the outside are recorded as failed instead
	target := models.TransferCancelled
	if !transfer.Status.CanTransitionTo(target) {
		target = models.TransferFailed
	}
	err := p.db.TransitionOutgoingTransfer(p.db, transfer.ID,
		transfer.Status, target, p.timeNow(), nil)
	if err != nil && !errors.Is(err, librarian.ErrStaleState) {
		return err
	}

	if transfer.RemoteTransferID != nil {
		peer, err := p.db.FindLibrarianByName(transfer.DestinationLibrarian)
		if err != nil {
			return err
		}
		err = p.newPeerClient(peer).CancelTransfer(ctx, *transfer.RemoteTransferID)
		if err != nil {
			logg.Error("could not cancel remote side of transfer %d at %s: %s",
				transfer.ID, transfer.DestinationLibrarian, err.Error())
		}
	}
	return nil
}

// findAvailableInstance prefers an instance on the given store, but falls
// back to any available instance of the file.
func (p *Processor) findAvailableInstance(fileName string, preferredStoreID int64) (models.Instance, error) {
	var instance models.Instance
	err := p.db.SelectOne(&instance, sqlext.SimplifyWhitespace(`
		SELECT i.* FROM instances i JOIN stores s ON s.id = i.store_id
		 WHERE i.file_name = $1 AND i.available AND s.enabled
		 ORDER BY (i.store_id = $2) DESC, i.created_at ASC
		 LIMIT 1
	`), fileName, preferredStoreID)
	if errors.Is(err, sql.ErrNoRows) {
		return instance, fmt.Errorf("no available instance of file %q", fileName)
	}
	return instance, err
}
