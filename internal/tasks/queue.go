// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// ConsumeQueueJob drains the send queue: it claims pending items and asks the
// transfer manager to drive each outgoing transfer as far as it will go. The
// claim TTL is the task's soft timeout, so a crashed consumer's claims expire
// by themselves.
func (j *Janitor) ConsumeQueueJob(cfg librarian.ConsumeQueueConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "consume_queue", "librarian_queue_consumptions", registerer,
		func(ctx context.Context) error {
			return j.consumeQueue(ctx, cfg)
		})
}

func (j *Janitor) consumeQueue(ctx context.Context, cfg librarian.ConsumeQueueConfig) error {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	claimID := fmt.Sprintf("%s/%s/%s", j.cfg.LibrarianName, cfg.TaskName, uuid.New())

	items, err := j.db.ClaimQueueItems(batchSize, claimID, cfg.SoftTimeout.Std(), j.timeNow())
	if err != nil {
		return err
	}
	logg.Info("consume_queue: claimed %d items as %s", len(items), claimID)

	for _, item := range items {
		if deadlineExpired(ctx) {
			// unworked items return to the pool right away instead of waiting
			// out their claim TTL
			err := j.releaseClaim(item)
			if err != nil {
				logg.Error("consume_queue: could not release item %d: %s", item.ID, err.Error())
			}
			continue
		}
		err := j.consumeQueueItem(ctx, item)
		if err != nil {
			logg.Error("consume_queue: item %d: %s", item.ID, err.Error())
		}
	}
	return nil
}

func (j *Janitor) consumeQueueItem(ctx context.Context, item models.SendQueueItem) error {
	var transfer models.OutgoingTransfer
	err := j.db.SelectOne(&transfer,
		`SELECT * FROM outgoing_transfers WHERE id = $1`, item.OutgoingTransferID)
	if err != nil {
		return err
	}

	if !transfer.Status.IsTerminal() {
		err = j.proc.DriveOutgoingTransfer(ctx, transfer)
		if err != nil {
			logg.Error("consume_queue: transfer %d did not advance: %s", transfer.ID, err.Error())
		}
		// re-read: the drive may have reached a terminal state
		err = j.db.SelectOne(&transfer,
			`SELECT * FROM outgoing_transfers WHERE id = $1`, item.OutgoingTransferID)
		if err != nil {
			return err
		}
	}

	switch transfer.Status {
	case models.TransferCompleted:
		return j.db.FinishQueueItem(item.ID, true)
	case models.TransferFailed, models.TransferCancelled:
		return j.db.FinishQueueItem(item.ID, false)
	default:
		// not terminal yet; hand the item back for the next tick
		return j.releaseClaim(item)
	}
}

func (j *Janitor) releaseClaim(item models.SendQueueItem) error {
	_, err := j.db.Exec(sqlext.SimplifyWhitespace(`
		UPDATE send_queue_items SET status = 'pending', claimed_by = NULL, claim_deadline = NULL
		 WHERE id = $1 AND status = 'claimed'
	`), item.ID)
	return err
}

// CheckConsumedQueueJob is the garbage collector for the send queue: expired
// claims return to pending, and claimed items whose transfer already reached
// a terminal state are finished off (e.g. after a consumer crashed between
// driving the transfer and updating the item).
func (j *Janitor) CheckConsumedQueueJob(cfg librarian.CheckConsumedQueueConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "check_consumed_queue", "librarian_queue_checks", registerer,
		func(ctx context.Context) error {
			return j.checkConsumedQueue(ctx)
		})
}

var orphanedClaimedItemsQuery = sqlext.SimplifyWhitespace(`
	SELECT q.* FROM send_queue_items q
	  JOIN outgoing_transfers t ON t.id = q.outgoing_transfer_id
	 WHERE q.status = 'claimed' AND t.status IN ('completed', 'failed', 'cancelled')
`)

func (j *Janitor) checkConsumedQueue(ctx context.Context) error {
	reverted, err := j.db.RevertExpiredClaims(j.timeNow())
	if err != nil {
		return err
	}
	if reverted > 0 {
		logg.Info("check_consumed_queue: reverted %d expired claims to pending", reverted)
	}

	var orphans []models.SendQueueItem
	_, err = j.db.Select(&orphans, orphanedClaimedItemsQuery)
	if err != nil {
		return err
	}
	for _, item := range orphans {
		if deadlineExpired(ctx) {
			return nil
		}
		var transfer models.OutgoingTransfer
		err := j.db.SelectOne(&transfer,
			`SELECT * FROM outgoing_transfers WHERE id = $1`, item.OutgoingTransferID)
		if err != nil {
			return err
		}
		err = j.db.FinishQueueItem(item.ID, transfer.Status == models.TransferCompleted)
		if err != nil {
			return err
		}
	}
	return nil
}
