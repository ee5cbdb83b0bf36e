// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

var integrityCheckQuery = sqlext.SimplifyWhitespace(`
	SELECT i.* FROM instances i
	  JOIN files f ON f.name = i.file_name
	 WHERE i.store_id = $1 AND i.available AND i.created_at >= $2
	 ORDER BY f.uploaded_at ASC, f.name ASC
`)

// CheckIntegrityJob re-measures the checksums of recent instances on one
// store. A mismatch marks the instance unavailable and records a CorruptFile
// row for the corruption fixer; a repeat offender only bumps corrupt_count.
func (j *Janitor) CheckIntegrityJob(cfg librarian.CheckIntegrityConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "check_integrity", "librarian_integrity_checks", registerer,
		func(ctx context.Context) error {
			return j.checkIntegrity(ctx, cfg)
		})
}

func (j *Janitor) checkIntegrity(ctx context.Context, cfg librarian.CheckIntegrityConfig) error {
	store, err := j.db.FindStoreByName(cfg.StoreName)
	if err != nil {
		return fmt.Errorf("store %q does not exist, please update configuration: %w", cfg.StoreName, err)
	}

	var instances []models.Instance
	_, err = j.db.Select(&instances, integrityCheckQuery, store.ID, j.ageCutoff(cfg.AgeInDays))
	if err != nil {
		return err
	}
	logg.Info("check_integrity: validating %d instances on store %s", len(instances), store.Name)

	allFine := true
	for _, instance := range instances {
		if deadlineExpired(ctx) {
			logg.Info("check_integrity on %s: soft timeout reached, stopping early", store.Name)
			break
		}

		var file models.File
		err := j.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, instance.FileName)
		if err != nil {
			return err
		}

		measured, _, err := j.proc.MeasureInstance(ctx, instance)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				allFine = false
				logg.Error("instance %d of %s is missing on store %s", instance.ID, file.Name, store.Name)
				err = j.recordCorruption(instance, file, "")
			}
			if err != nil {
				logg.Error("while checking instance %d of %s: %s", instance.ID, file.Name, err.Error())
			}
			continue
		}

		if measured == file.Checksum {
			logg.Debug("instance %d of %s on store %s validated", instance.ID, file.Name, store.Name)
			continue
		}

		allFine = false
		logg.Error("instance %d of %s on store %s has an incorrect checksum: expected %s, got %s",
			instance.ID, file.Name, store.Name, file.Checksum, measured)
		err = j.recordCorruption(instance, file, measured)
		if err != nil {
			return err
		}
	}

	if allFine {
		logg.Info("check_integrity: all instances on store %s validated", store.Name)
	}
	return nil
}

// recordCorruption marks the instance unavailable and upserts the
// CorruptFile row. An empty measured digest means the bytes are missing
// entirely.
func (j *Janitor) recordCorruption(instance models.Instance, file models.File, measured digest.Digest) error {
	var existing models.CorruptFile
	err := j.db.SelectOne(&existing, `SELECT * FROM corrupt_files WHERE instance_id = $1`, instance.ID)
	switch {
	case err == nil:
		existing.CorruptCount++
		existing.MeasuredChecksum = measured
		_, err = j.db.Update(&existing)
		return err
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert below
	default:
		return err
	}

	_, err = j.db.Exec(`UPDATE instances SET available = FALSE WHERE id = $1`, instance.ID)
	if err != nil {
		return err
	}
	err = j.db.Insert(&models.CorruptFile{
		FileName:         file.Name,
		InstanceID:       instance.ID,
		DetectedAt:       j.timeNow(),
		Detector:         models.DetectorIntegrityCheck,
		MeasuredChecksum: measured,
		CorruptCount:     1,
	})
	if err != nil {
		return err
	}

	j.sink.Notify(librarian.Notification{
		Event:      librarian.EventFileCorrupt,
		Subject:    file.Name,
		Detail:     fmt.Sprintf("instance %d measured %q, expected %s", instance.ID, measured, file.Checksum),
		OccurredAt: j.timeNow(),
	})
	return nil
}
