// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// files that have no remote instance at the destination and no transfer on
// the way there
var sendCloneCandidatesQuery = sqlext.SimplifyWhitespace(`
	SELECT f.* FROM files f
	 WHERE f.uploaded_at >= $1
	   AND EXISTS (
		SELECT 1 FROM instances i JOIN stores s ON s.id = i.store_id
		 WHERE i.file_name = f.name AND i.available AND s.enabled
	   )
	   AND NOT EXISTS (
		SELECT 1 FROM remote_instances r
		 WHERE r.file_name = f.name AND r.librarian_name = $2
	   )
	   AND NOT EXISTS (
		SELECT 1 FROM outgoing_transfers t
		 WHERE t.file_name = f.name AND t.destination_librarian = $2
		   AND t.status NOT IN ('completed', 'failed', 'cancelled')
	   )
	 ORDER BY f.uploaded_at ASC, f.name ASC
	 LIMIT $3
`)

// SendCloneJob enqueues outbound transfer intents for files that are missing
// at the destination librarian. The actual byte movement happens later in
// consume_queue.
func (j *Janitor) SendCloneJob(cfg librarian.SendCloneConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "send_clone", "librarian_send_clones", registerer,
		func(ctx context.Context) error {
			return j.sendClones(ctx, cfg)
		})
}

func (j *Janitor) sendClones(ctx context.Context, cfg librarian.SendCloneConfig) error {
	dest, err := j.db.FindLibrarianByName(cfg.DestinationLibrarian)
	if err != nil {
		return fmt.Errorf("librarian %q does not exist, please update configuration: %w",
			cfg.DestinationLibrarian, err)
	}

	if !dest.TransfersEnabled {
		j.warnIfDisabledTooLong(dest, cfg.WarnDisabledTimer)
		return nil
	}

	transport := models.TransportNetwork
	if !dest.SupportsTransport(transport) {
		transport = models.TransportSneakerNet
		if !dest.SupportsTransport(transport) {
			return fmt.Errorf("librarian %q has no usable transport", dest.Name)
		}
	}

	var preferredStoreID int64
	if cfg.StorePreference != "" {
		store, err := j.db.FindStoreByName(cfg.StorePreference)
		if err != nil {
			return fmt.Errorf("store %q does not exist, please update configuration: %w",
				cfg.StorePreference, err)
		}
		preferredStoreID = store.ID
	}

	var files []models.File
	_, err = j.db.Select(&files, sendCloneCandidatesQuery,
		j.ageCutoff(cfg.AgeInDays), dest.Name, cfg.SendBatchSize)
	if err != nil {
		return err
	}
	logg.Info("send_clone: %d files to enqueue for %s", len(files), dest.Name)

	for _, file := range files {
		if deadlineExpired(ctx) {
			logg.Info("send_clone to %s: soft timeout reached, stopping early", dest.Name)
			return nil
		}

		sourceStoreID, err := j.pickSourceStore(file.Name, preferredStoreID)
		if err != nil {
			logg.Error("send_clone: no usable source for %s: %s", file.Name, err.Error())
			continue
		}
		_, err = j.proc.CreateOutgoingTransfer(file.Name, dest.Name, sourceStoreID, transport, 0)
		if err != nil {
			logg.Error("send_clone: could not enqueue %s for %s: %s", file.Name, dest.Name, err.Error())
		}
	}
	return nil
}

func (j *Janitor) pickSourceStore(fileName string, preferredStoreID int64) (int64, error) {
	var storeID int64
	err := j.db.SelectOne(&storeID, sqlext.SimplifyWhitespace(`
		SELECT i.store_id FROM instances i JOIN stores s ON s.id = i.store_id
		 WHERE i.file_name = $1 AND i.available AND s.enabled
		 ORDER BY (i.store_id = $2) DESC, i.created_at ASC
		 LIMIT 1
	`), fileName, preferredStoreID)
	return storeID, err
}

func (j *Janitor) warnIfDisabledTooLong(dest models.Librarian, warnAfterDays int) {
	if dest.DisabledAt == nil || warnAfterDays <= 0 {
		return
	}
	disabledFor := j.timeNow().Sub(*dest.DisabledAt)
	if disabledFor > time.Duration(warnAfterDays)*24*time.Hour {
		j.sink.Notify(librarian.Notification{
			Event:      librarian.EventPeerDisabled,
			Subject:    dest.Name,
			Detail:     fmt.Sprintf("transfers have been disabled for %s", disabledFor),
			OccurredAt: j.timeNow(),
		})
	}
}
