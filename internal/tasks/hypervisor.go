// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// The hypervisors reconcile transfers that stopped making progress: crashed
// consumers, lost callbacks, peers that died mid-transfer. They only touch
// transfers that have not been updated for the configured age.

var staleIncomingTransfersQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM incoming_transfers
	 WHERE status NOT IN ('committed', 'failed', 'cancelled') AND updated_at < $1
	 ORDER BY updated_at ASC
`)

// IncomingTransferHypervisorJob asks the origin of each stale incoming
// transfer what became of it: if the origin gave up, the staging bytes are
// deleted; if the origin completed but our commit was lost, the commit is
// retried; otherwise the transfer is failed.
func (j *Janitor) IncomingTransferHypervisorJob(cfg librarian.TransferHypervisorConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "incoming_transfer_hypervisor", "librarian_incoming_hypervisor_runs", registerer,
		func(ctx context.Context) error {
			return j.superviseIncomingTransfers(ctx, cfg)
		})
}

func (j *Janitor) superviseIncomingTransfers(ctx context.Context, cfg librarian.TransferHypervisorConfig) error {
	var transfers []models.IncomingTransfer
	_, err := j.db.Select(&transfers, staleIncomingTransfersQuery, j.ageCutoff(cfg.AgeInDays))
	if err != nil {
		return err
	}

	for _, transfer := range transfers {
		if deadlineExpired(ctx) {
			return nil
		}
		err := j.superviseOneIncoming(ctx, transfer)
		if err != nil {
			logg.Error("incoming_transfer_hypervisor: transfer %d: %s", transfer.ID, err.Error())
		}
	}
	return nil
}

func (j *Janitor) superviseOneIncoming(ctx context.Context, transfer models.IncomingTransfer) error {
	// user uploads have no origin to ask; a stale one is abandoned
	if transfer.SourceTransferID == 0 || transfer.SourceLibrarian == j.cfg.LibrarianName {
		return j.proc.FailIncomingTransfer(ctx, transfer, "user upload aged out")
	}

	client, err := j.peerClientFor(transfer.SourceLibrarian)
	if err != nil {
		return err
	}
	resp, err := client.OutgoingStatus(ctx, transfer.SourceTransferID)
	if err != nil {
		var apiErr *librarian.APIError
		if errors.As(err, &apiErr) && apiErr.Code == librarian.ErrTransferUnknown {
			return j.proc.FailIncomingTransfer(ctx, transfer, "origin does not know this transfer")
		}
		// the transfer has already aged out; an unreachable origin does not
		// keep its staging space reserved any longer
		return j.proc.FailIncomingTransfer(ctx, transfer,
			"transfer aged out and origin is unreachable: "+err.Error())
	}

	switch resp.Status {
	case models.TransferFailed, models.TransferCancelled:
		return j.proc.FailIncomingTransfer(ctx, transfer,
			"origin reports transfer as "+string(resp.Status))
	case models.TransferCompleted:
		if transfer.Status == models.TransferStaged {
			// our commit was lost; catch up
			_, err := j.proc.CommitIncoming(ctx, transfer, models.DeletionDisallowed)
			return err
		}
		return j.proc.FailIncomingTransfer(ctx, transfer,
			"origin believes the transfer completed but no staged bytes match")
	default:
		// the origin still considers this live, but it has aged out on our
		// side; release the staging space
		return j.proc.FailIncomingTransfer(ctx, transfer, "transfer aged out")
	}
}

var staleOutgoingTransfersQuery = sqlext.SimplifyWhitespace(`
	SELECT * FROM outgoing_transfers
	 WHERE status NOT IN ('completed', 'failed', 'cancelled') AND updated_at < $1
	 ORDER BY updated_at ASC
`)

// OutgoingTransferHypervisorJob mirrors the incoming hypervisor on the
// sending side: stale outgoing transfers are settled against the
// destination's view, finalizing those whose completion callback was lost.
func (j *Janitor) OutgoingTransferHypervisorJob(cfg librarian.TransferHypervisorConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "outgoing_transfer_hypervisor", "librarian_outgoing_hypervisor_runs", registerer,
		func(ctx context.Context) error {
			return j.superviseOutgoingTransfers(ctx, cfg)
		})
}

func (j *Janitor) superviseOutgoingTransfers(ctx context.Context, cfg librarian.TransferHypervisorConfig) error {
	var transfers []models.OutgoingTransfer
	_, err := j.db.Select(&transfers, staleOutgoingTransfersQuery, j.ageCutoff(cfg.AgeInDays))
	if err != nil {
		return err
	}

	for _, transfer := range transfers {
		if deadlineExpired(ctx) {
			return nil
		}
		err := j.superviseOneOutgoing(ctx, transfer)
		if err != nil {
			logg.Error("outgoing_transfer_hypervisor: transfer %d: %s", transfer.ID, err.Error())
		}
	}
	return nil
}

func (j *Janitor) superviseOneOutgoing(ctx context.Context, transfer models.OutgoingTransfer) error {
	if transfer.RemoteTransferID == nil {
		// never even prepared; nothing exists on the far side
		return j.proc.FailOutgoingTransfer(transfer, "transfer aged out before the peer prepared it")
	}

	client, err := j.peerClientFor(transfer.DestinationLibrarian)
	if err != nil {
		return err
	}
	resp, err := client.TransferStatus(ctx, *transfer.RemoteTransferID)
	if err != nil {
		var apiErr *librarian.APIError
		if errors.As(err, &apiErr) && apiErr.Code == librarian.ErrTransferUnknown {
			return j.proc.FailOutgoingTransfer(transfer, "destination does not know this transfer")
		}
		// aged out and the destination cannot confirm anything: fail now, no
		// RemoteInstance is registered without a confirmed commit
		return j.proc.FailOutgoingTransfer(transfer,
			"transfer aged out and destination is unreachable: "+err.Error())
	}

	switch resp.Status {
	case models.TransferCommitted:
		// the destination has our bytes; finalize on our side
		if transfer.Status == models.TransferOngoing {
			err := j.db.TransitionOutgoingTransfer(j.db, transfer.ID,
				models.TransferOngoing, models.TransferStaged, j.timeNow(), nil)
			if err != nil && !errors.Is(err, librarian.ErrStaleState) {
				return err
			}
			transfer.Status = models.TransferStaged
		}
		return j.proc.FinalizeOutgoingTransfer(transfer)
	case models.TransferStaged:
		// bytes have arrived but nobody called commit; push it through
		return j.proc.DriveOutgoingTransfer(ctx, transfer)
	case models.TransferFailed, models.TransferCancelled:
		return j.proc.FailOutgoingTransfer(transfer,
			"destination reports transfer as "+string(resp.Status))
	default:
		// aged out while the destination still waits for bytes: cancel both sides
		return j.proc.CancelOutgoingTransfer(ctx, transfer)
	}
}

// DuplicateRemoteInstanceHypervisorJob collapses duplicate RemoteInstance
// rows per (file, librarian), keeping the row with the most recent
// verification (falling back to the most recent copy time).
func (j *Janitor) DuplicateRemoteInstanceHypervisorJob(cfg librarian.DuplicateRemoteInstanceHypervisorConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "duplicate_remote_instance_hypervisor", "librarian_duplicate_sweeps", registerer,
		func(ctx context.Context) error {
			return j.collapseDuplicateRemoteInstances(ctx)
		})
}

var collapseDuplicatesQuery = sqlext.SimplifyWhitespace(`
	DELETE FROM remote_instances WHERE id NOT IN (
		SELECT DISTINCT ON (file_name, librarian_name) id FROM remote_instances
		 ORDER BY file_name, librarian_name,
		          last_verified_at DESC NULLS LAST, copy_time DESC, id DESC
	)
`)

func (j *Janitor) collapseDuplicateRemoteInstances(ctx context.Context) error {
	result, err := j.db.Exec(collapseDuplicatesQuery)
	if err != nil {
		return err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if deleted > 0 {
		logg.Info("duplicate_remote_instance_hypervisor: removed %d duplicate rows", deleted)
	}
	return nil
}
