// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// files whose only available instance lives on the source store
var localCloneCandidatesQuery = sqlext.SimplifyWhitespace(`
	SELECT f.* FROM files f
	 WHERE f.uploaded_at >= $1
	   AND EXISTS (
		SELECT 1 FROM instances i WHERE i.file_name = f.name AND i.available AND i.store_id = $2
	   )
	   AND NOT EXISTS (
		SELECT 1 FROM instances i WHERE i.file_name = f.name AND i.available AND i.store_id != $2
	   )
	 ORDER BY f.uploaded_at ASC, f.name ASC
	 LIMIT $3
`)

// CreateLocalCloneJob copies recent single-copy files from one store to the
// first destination store with room. At most one new instance is created per
// source file across the whole clone_to list; a destination that fills up can
// be disabled on the spot.
func (j *Janitor) CreateLocalCloneJob(cfg librarian.CreateLocalCloneConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "create_local_clone", "librarian_local_clones", registerer,
		func(ctx context.Context) error {
			return j.createLocalClones(ctx, cfg)
		})
}

func (j *Janitor) createLocalClones(ctx context.Context, cfg librarian.CreateLocalCloneConfig) error {
	sourceStore, err := j.db.FindStoreByName(cfg.CloneFrom)
	if err != nil {
		return fmt.Errorf("store %q does not exist, please update configuration: %w", cfg.CloneFrom, err)
	}

	var files []models.File
	_, err = j.db.Select(&files, localCloneCandidatesQuery,
		j.ageCutoff(cfg.AgeInDays), sourceStore.ID, cfg.FilesPerRun)
	if err != nil {
		return err
	}
	logg.Info("create_local_clone: %d files to clone from %s", len(files), cfg.CloneFrom)

	for _, file := range files {
		if deadlineExpired(ctx) {
			logg.Info("create_local_clone from %s: soft timeout reached, stopping early", cfg.CloneFrom)
			return nil
		}

		err := j.cloneFileLocally(ctx, cfg, sourceStore, file)
		if err != nil {
			logg.Error("create_local_clone: could not clone %s: %s", file.Name, err.Error())
		}
	}
	return nil
}

func (j *Janitor) cloneFileLocally(ctx context.Context, cfg librarian.CreateLocalCloneConfig, sourceStore models.Store, file models.File) error {
	var sourceInstance models.Instance
	err := j.db.SelectOne(&sourceInstance,
		`SELECT * FROM instances WHERE file_name = $1 AND store_id = $2 AND available`,
		file.Name, sourceStore.ID)
	if err != nil {
		return err
	}

	for _, destName := range cfg.CloneTo {
		destStore, err := j.db.FindStoreByName(destName)
		if err != nil {
			return fmt.Errorf("store %q does not exist, please update configuration: %w", destName, err)
		}
		if !destStore.Enabled || destStore.FreeBytes() < file.SizeBytes {
			continue
		}

		err = j.copyBetweenStores(ctx, file, sourceStore, sourceInstance, destStore)
		if err == nil {
			return nil // at most one new instance per file
		}
		if errors.Is(err, librarian.ErrCapacityExceeded) {
			logg.Info("create_local_clone: store %s is full", destStore.Name)
			if cfg.DisableStoreOnFull {
				disableErr := j.db.DisableStore(destStore.ID, j.timeNow())
				if disableErr != nil {
					return disableErr
				}
				j.sink.Notify(librarian.Notification{
					Event:      librarian.EventStoreDisabled,
					Subject:    destStore.Name,
					Detail:     "disabled after running out of space during create_local_clone",
					OccurredAt: j.timeNow(),
				})
			}
			continue // try the next destination
		}
		return err
	}
	return fmt.Errorf("no enabled destination store has room for %d bytes", file.SizeBytes)
}

// copyBetweenStores moves bytes through the staging protocol of the
// destination driver, so that half-copied files are never visible.
func (j *Janitor) copyBetweenStores(ctx context.Context, file models.File, sourceStore models.Store, sourceInstance models.Instance, destStore models.Store) error {
	sourceDriver, err := j.stores.DriverFor(sourceStore)
	if err != nil {
		return err
	}
	destDriver, err := j.stores.DriverFor(destStore)
	if err != nil {
		return err
	}

	handle, err := destDriver.Stage(ctx, file.Name, file.SizeBytes)
	if err != nil {
		return err
	}
	reader, err := sourceDriver.Open(ctx, sourceInstance.Path)
	if err != nil {
		destDriver.Abort(ctx, handle) //nolint:errcheck // best-effort cleanup
		return err
	}
	err = destDriver.WriteStaged(ctx, handle, reader)
	reader.Close()
	if err != nil {
		destDriver.Abort(ctx, handle) //nolint:errcheck // best-effort cleanup
		return err
	}

	path, err := destDriver.Commit(ctx, handle, file.Checksum)
	if err != nil {
		destDriver.Abort(ctx, handle) //nolint:errcheck // best-effort cleanup
		return err
	}

	err = j.db.CreateInstance(models.Instance{
		FileName:       file.Name,
		StoreID:        destStore.ID,
		Path:           path,
		CreatedAt:      j.timeNow(),
		Available:      true,
		DeletionPolicy: sourceInstance.DeletionPolicy,
	}, file.SizeBytes)
	if err != nil {
		// roll the bytes back so that catalog and store stay in agreement
		destDriver.Delete(ctx, path) //nolint:errcheck // best-effort cleanup
		return err
	}

	logg.Info("create_local_clone: cloned %s from %s to %s", file.Name, sourceStore.Name, destStore.Name)
	return nil
}
