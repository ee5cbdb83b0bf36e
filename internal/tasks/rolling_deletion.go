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

var deletionCandidatesQuery = sqlext.SimplifyWhitespace(`
	SELECT i.* FROM instances i
	  JOIN files f ON f.name = i.file_name
	 WHERE i.store_id = $1 AND i.available AND i.created_at < $2
	 ORDER BY f.uploaded_at ASC, f.name ASC
`)

// RollingDeletionJob removes aged local instances from one store once enough
// verified remote copies exist. It never deletes the last copy in the
// federation: deletion requires number_of_remote_copies distinct peers whose
// verified checksum equals the file's checksum, and (unless force_deletion)
// the instance's own deletion policy must allow it.
func (j *Janitor) RollingDeletionJob(cfg librarian.RollingDeletionConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "rolling_deletion", "librarian_rolling_deletions", registerer,
		func(ctx context.Context) error {
			return j.rollingDeletion(ctx, cfg)
		})
}

func (j *Janitor) rollingDeletion(ctx context.Context, cfg librarian.RollingDeletionConfig) error {
	store, err := j.db.FindStoreByName(cfg.StoreName)
	if err != nil {
		return fmt.Errorf("store %q does not exist, please update configuration: %w", cfg.StoreName, err)
	}

	var candidates []models.Instance
	_, err = j.db.Select(&candidates, deletionCandidatesQuery, store.ID, j.ageCutoff(cfg.AgeInDays))
	if err != nil {
		return err
	}
	logg.Info("rolling_deletion: %d candidate instances on store %s", len(candidates), store.Name)

	for _, instance := range candidates {
		if deadlineExpired(ctx) {
			logg.Info("rolling_deletion on %s: soft timeout reached, stopping early", store.Name)
			return nil
		}

		err := j.considerInstanceForDeletion(ctx, cfg, store, instance)
		if err != nil {
			logg.Error("rolling_deletion: instance %d (%s): %s", instance.ID, instance.FileName, err.Error())
		}
	}
	return nil
}

func (j *Janitor) considerInstanceForDeletion(ctx context.Context, cfg librarian.RollingDeletionConfig, store models.Store, instance models.Instance) error {
	// per-instance deletion policy and the task's force flag are two
	// independent gates; both must permit the deletion
	if instance.DeletionPolicy == models.DeletionDisallowed && !cfg.ForceDeletion {
		logg.Debug("rolling_deletion: instance %d of %s skipped, deletion policy disallows",
			instance.ID, instance.FileName)
		return nil
	}

	var file models.File
	err := j.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, instance.FileName)
	if err != nil {
		return err
	}

	var remotes []models.RemoteInstance
	_, err = j.db.Select(&remotes,
		`SELECT * FROM remote_instances WHERE file_name = $1`, file.Name)
	if err != nil {
		return err
	}

	if cfg.VerifyDownstreamChecksums {
		remotes = j.verifyRemoteCopies(ctx, file, remotes)
	}

	verifiedPeers := make(map[string]bool)
	for _, remote := range remotes {
		if remote.VerifiedChecksum != nil && *remote.VerifiedChecksum == file.Checksum {
			verifiedPeers[remote.LibrarianName] = true
		}
	}

	if len(verifiedPeers) < cfg.NumberOfRemoteCopies {
		logg.Info("rolling_deletion: %s has %d verified remote copies, need %d; skipping",
			file.Name, len(verifiedPeers), cfg.NumberOfRemoteCopies)
		j.notifyInsufficientCopies(file, len(verifiedPeers), cfg.NumberOfRemoteCopies)
		return nil
	}

	// belt and braces: even with enough remote copies, never remove the last
	// copy the federation has
	otherLocalInstances, err := j.db.SelectInt(
		`SELECT COUNT(*) FROM instances WHERE file_name = $1 AND available AND id != $2`,
		file.Name, instance.ID)
	if err != nil {
		return err
	}
	totalCopies := len(verifiedPeers) + int(otherLocalInstances)
	if totalCopies < 1 {
		return fmt.Errorf("refusing to delete the last copy of %s in the federation", file.Name)
	}

	if !cfg.MarkUnavailable {
		_, driver, err := j.stores.DriverForID(instance.StoreID)
		if err != nil {
			return err
		}
		err = driver.Delete(ctx, instance.Path)
		if err != nil {
			return err
		}
	}
	err = j.db.DropInstance(instance, file.SizeBytes, cfg.MarkUnavailable)
	if err != nil {
		return err
	}

	verb := "deleted"
	if cfg.MarkUnavailable {
		verb = "marked unavailable"
	}
	logg.Info("rolling_deletion: %s instance %d of %s on store %s (%d verified remote copies)",
		verb, instance.ID, file.Name, store.Name, len(verifiedPeers))
	return nil
}

// verifyRemoteCopies asks each peer to re-measure its bytes and refreshes the
// verified checksum columns. Peers that cannot be reached keep their previous
// verification state.
func (j *Janitor) verifyRemoteCopies(ctx context.Context, file models.File, remotes []models.RemoteInstance) []models.RemoteInstance {
	for idx, remote := range remotes {
		client, err := j.peerClientFor(remote.LibrarianName)
		if err != nil {
			logg.Error("rolling_deletion: no peer row for %s: %s", remote.LibrarianName, err.Error())
			continue
		}
		resp, err := client.VerifyChecksum(ctx, file.Name)
		if err != nil {
			logg.Error("rolling_deletion: could not verify %s at %s: %s",
				file.Name, remote.LibrarianName, err.Error())
			continue
		}

		now := j.timeNow()
		checksum := resp.Checksum
		remotes[idx].LastVerifiedAt = &now
		remotes[idx].VerifiedChecksum = &checksum
		_, err = j.db.Exec(
			`UPDATE remote_instances SET last_verified_at = $1, verified_checksum = $2 WHERE id = $3`,
			now, string(checksum), remote.ID)
		if err != nil {
			logg.Error("rolling_deletion: could not record verification of %s at %s: %s",
				file.Name, remote.LibrarianName, err.Error())
		}
	}
	return remotes
}

// notifyInsufficientCopies emits the deletion-blocked event, but only once
// the file has been blocked for more than 24 hours (young files are expected
// to be under-replicated while their clones are in flight).
func (j *Janitor) notifyInsufficientCopies(file models.File, have, want int) {
	if j.timeNow().Sub(file.UploadedAt) < 24*time.Hour {
		return
	}
	j.sink.Notify(librarian.Notification{
		Event:      librarian.EventInsufficientRemoteCopies,
		Subject:    file.Name,
		Detail:     fmt.Sprintf("deletion blocked: %d of %d required verified remote copies", have, want),
		OccurredAt: j.timeNow(),
	})
}
