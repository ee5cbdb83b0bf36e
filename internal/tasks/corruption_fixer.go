// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/sqlext"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// CorruptionFixerJob works the corrupt_files table in two phases. For fresh
// rows it re-checks the corruption (it may have been fixed behind our back),
// then asks the file's origin librarian for a replacement copy through the
// normal transfer protocol. For rows whose replacement was already requested
// it watches the resulting incoming transfer and clears the corrupt row once
// the fresh copy has been committed.
func (j *Janitor) CorruptionFixerJob(cfg librarian.CorruptionFixerConfig, registerer prometheus.Registerer) jobloop.Job {
	return j.cronJob(cfg.TaskSchedule, "corruption_fixer", "librarian_corruption_fixes", registerer,
		func(ctx context.Context) error {
			return j.fixCorruptFiles(ctx)
		})
}

func (j *Janitor) fixCorruptFiles(ctx context.Context) error {
	var fresh []models.CorruptFile
	_, err := j.db.Select(&fresh,
		`SELECT * FROM corrupt_files WHERE NOT replacement_requested ORDER BY detected_at ASC`)
	if err != nil {
		return err
	}
	logg.Info("corruption_fixer: %d corrupt files awaiting remediation", len(fresh))

	for _, corrupt := range fresh {
		if deadlineExpired(ctx) {
			logg.Info("corruption_fixer: soft timeout reached, stopping early")
			return nil
		}
		err := j.requestReplacement(ctx, corrupt)
		if err != nil {
			logg.Error("corruption_fixer: %s (corrupt row %d): %s", corrupt.FileName, corrupt.ID, err.Error())
		}
	}

	var inFlight []models.CorruptFile
	_, err = j.db.Select(&inFlight,
		`SELECT * FROM corrupt_files WHERE replacement_requested ORDER BY detected_at ASC`)
	if err != nil {
		return err
	}

	for _, corrupt := range inFlight {
		if deadlineExpired(ctx) {
			return nil
		}
		err := j.checkReplacementArrived(ctx, corrupt)
		if err != nil {
			logg.Error("corruption_fixer: %s (corrupt row %d): %s", corrupt.FileName, corrupt.ID, err.Error())
		}
	}
	return nil
}

func (j *Janitor) requestReplacement(ctx context.Context, corrupt models.CorruptFile) error {
	var file models.File
	fileExists := true
	err := j.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, corrupt.FileName)
	if errors.Is(err, sql.ErrNoRows) {
		fileExists = false
	} else if err != nil {
		return err
	}

	// step A: confirm that the file really is still corrupt; it may have been
	// fixed or re-ingested behind our back
	if fileExists {
		fixed, err := j.corruptionIsGone(ctx, corrupt, file)
		if err != nil {
			logg.Error("corruption_fixer: could not re-measure %s, continuing with recovery: %s",
				corrupt.FileName, err.Error())
		}
		if fixed {
			logg.Info("corruption_fixer: %s measures fine now, removing corrupt row %d",
				corrupt.FileName, corrupt.ID)
			_, err := j.db.Delete(&corrupt)
			return err
		}

		healthyCount, err := j.db.SelectInt(sqlext.SimplifyWhitespace(`
			SELECT COUNT(*) FROM instances WHERE file_name = $1 AND available AND id != $2
		`), corrupt.FileName, corrupt.InstanceID)
		if err != nil {
			return err
		}
		if healthyCount > 0 {
			// another local instance exists; this needs a local copy rather
			// than a federation round trip, which the next integrity check
			// will confirm before we touch anything
			logg.Error("corruption_fixer: %s has %d other local instances, needs manual remedy",
				corrupt.FileName, healthyCount)
			return nil
		}
	}

	// step B: the origin of this file is another librarian; ask for a new copy
	origin := file.OriginLibrarian
	if !fileExists || origin == j.cfg.LibrarianName {
		logg.Error("corruption_fixer: no remote origin for %s, cannot request a fresh copy", corrupt.FileName)
		return nil
	}
	client, err := j.peerClientFor(origin)
	if err != nil {
		return err
	}
	_, err = client.Ping(ctx)
	if err != nil {
		logg.Error("corruption_fixer: origin %s is unreachable, cannot restore %s yet", origin, corrupt.FileName)
		return nil
	}

	resp, err := client.RequestResend(ctx, corrupt.FileName, j.cfg.LibrarianName)
	if err != nil {
		return err
	}

	// drop the stale catalog rows (and bytes) so the replacement can land
	// under its own name; the corrupt row survives because it has no foreign
	// key on files
	err = j.dropCorruptInstance(ctx, corrupt, file)
	if err != nil {
		return err
	}

	corrupt.ReplacementRequested = true
	corrupt.ReplacementTransferID = &resp.SourceTransferID
	_, err = j.db.Update(&corrupt)
	return err
}

// corruptionIsGone re-measures the corrupt instance.
func (j *Janitor) corruptionIsGone(ctx context.Context, corrupt models.CorruptFile, file models.File) (bool, error) {
	var instance models.Instance
	err := j.db.SelectOne(&instance, `SELECT * FROM instances WHERE id = $1`, corrupt.InstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// the cache recorded the corrupt measurement; force a fresh hash
	err = j.proc.InvalidateChecksumCache(instance.ID)
	if err != nil {
		return false, err
	}
	measured, _, err := j.proc.MeasureInstance(ctx, instance)
	if err != nil {
		return false, err
	}
	return measured == file.Checksum, nil
}

// dropCorruptInstance removes the corrupt instance's bytes and rows, plus the
// File row once no instances remain.
func (j *Janitor) dropCorruptInstance(ctx context.Context, corrupt models.CorruptFile, file models.File) error {
	var instance models.Instance
	err := j.db.SelectOne(&instance, `SELECT * FROM instances WHERE id = $1`, corrupt.InstanceID)
	if err == nil {
		_, driver, err := j.stores.DriverForID(instance.StoreID)
		if err == nil {
			err = driver.Delete(ctx, instance.Path)
		}
		if err != nil {
			logg.Error("corruption_fixer: could not delete bytes of instance %d: %s", instance.ID, err.Error())
		}
		err = j.db.DropInstance(instance, file.SizeBytes, false)
		if err != nil {
			return err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	remaining, err := j.db.SelectInt(
		`SELECT COUNT(*) FROM instances WHERE file_name = $1`, file.Name)
	if err != nil {
		return err
	}
	if remaining == 0 {
		_, err = j.db.Delete(&file)
		return err
	}
	return nil
}

func (j *Janitor) checkReplacementArrived(ctx context.Context, corrupt models.CorruptFile) error {
	if corrupt.ReplacementTransferID == nil {
		// inconsistent row; send it back through phase one
		return j.resetReplacementRequest(corrupt)
	}

	var file models.File
	err := j.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, corrupt.FileName)
	fileExists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var transfer models.IncomingTransfer
	err = j.db.SelectOne(&transfer, sqlext.SimplifyWhitespace(`
		SELECT * FROM incoming_transfers WHERE source_transfer_id = $1 ORDER BY created_at DESC LIMIT 1
	`), *corrupt.ReplacementTransferID)
	if errors.Is(err, sql.ErrNoRows) {
		if fileExists {
			// the replacement was ingested through some other path
			return j.clearCorruptRow(corrupt)
		}
		// the origin has not prepared yet; keep waiting
		return nil
	}
	if err != nil {
		return err
	}

	switch transfer.Status {
	case models.TransferCommitted:
		logg.Info("corruption_fixer: replacement for %s arrived, removing corrupt row %d",
			corrupt.FileName, corrupt.ID)
		return j.clearCorruptRow(corrupt)
	case models.TransferFailed, models.TransferCancelled:
		if fileExists {
			logg.Info("corruption_fixer: transfer for %s is %s but the file was ingested anyway",
				corrupt.FileName, transfer.Status)
			return j.clearCorruptRow(corrupt)
		}
		logg.Info("corruption_fixer: replacement transfer for %s is %s, will re-request",
			corrupt.FileName, transfer.Status)
		return j.resetReplacementRequest(corrupt)
	default:
		return nil // still in flight
	}
}

func (j *Janitor) clearCorruptRow(corrupt models.CorruptFile) error {
	_, err := j.db.Delete(&corrupt)
	return err
}

func (j *Janitor) resetReplacementRequest(corrupt models.CorruptFile) error {
	corrupt.ReplacementRequested = false
	corrupt.ReplacementTransferID = nil
	_, err := j.db.Update(&corrupt)
	return err
}
