// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// ReceiveCloneJob is the twin of send_clone on the receiving side: it sweeps
// ongoing incoming transfers whose staged bytes have fully arrived (possibly
// out-of-band, e.g. from a SneakerNet drive plugged into the staging area)
// and commits them into instances. The push path commits eagerly; this task
// is the safety net that makes inbound progress independent of the sender.
func (j *Janitor) ReceiveCloneJob(cfg librarian.ReceiveCloneConfig, registerer prometheus.Registerer) jobloop.Job {
	policy := models.DeletionPolicy(cfg.DeletionPolicy)
	if policy == "" {
		policy = models.DeletionDisallowed
	}
	return j.cronJob(cfg.TaskSchedule, "receive_clone", "librarian_receive_clones", registerer,
		func(ctx context.Context) error {
			return j.receiveClones(ctx, policy)
		})
}

func (j *Janitor) receiveClones(ctx context.Context, policy models.DeletionPolicy) error {
	var transfers []models.IncomingTransfer
	_, err := j.db.Select(&transfers, `
		SELECT * FROM incoming_transfers WHERE status IN ('ongoing', 'staged') ORDER BY created_at ASC`)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		logg.Debug("receive_clone: no ongoing transfers to process")
		return nil
	}

	for _, transfer := range transfers {
		if deadlineExpired(ctx) {
			logg.Info("receive_clone: soft timeout reached, stopping early")
			return nil
		}
		if transfer.DestStoreID == nil {
			logg.Error("receive_clone: transfer %d has no destination store, skipping", transfer.ID)
			continue
		}

		status, err := j.proc.CheckStaged(ctx, transfer)
		if err != nil {
			logg.Error("receive_clone: could not measure transfer %d: %s", transfer.ID, err.Error())
			continue
		}
		if status != models.TransferStaged {
			logg.Debug("receive_clone: transfer %d has not fully arrived yet", transfer.ID)
			continue
		}
		transfer.Status = status

		_, err = j.proc.CommitIncoming(ctx, transfer, policy)
		if err != nil {
			logg.Error("receive_clone: could not commit transfer %d: %s", transfer.ID, err.Error())
			continue
		}
		logg.Info("receive_clone: committed transfer %d (%s from %s)",
			transfer.ID, transfer.FileName, transfer.SourceLibrarian)
	}
	return nil
}
