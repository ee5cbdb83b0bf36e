// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/sqlext"
	gorp "gopkg.in/gorp.v2"

	"github.com/simonsobs/librarian/internal/models"
)

// allowed extra columns for transfer transitions, per table
var transferUpdateColumns = map[string]map[string]bool{
	"outgoing_transfers": {
		"remote_transfer_id": true,
		"attempt_count":      true,
	},
	"incoming_transfers": {
		"dest_store_id": true,
		"staging_path":  true,
	},
}

// TransitionOutgoingTransfer is the only way the status of an outgoing
// transfer changes. The update only succeeds if the row is currently in the
// `from` status; otherwise ErrStaleState is returned and the caller skips
// this work unit. Extra column updates are applied in the same statement.
func (db *DB) TransitionOutgoingTransfer(dbi gorp.SqlExecutor, id int64, from, to models.TransferStatus, now time.Time, updates map[string]any) error {
	return transitionTransfer(dbi, "outgoing_transfers", id, from, to, now, updates)
}

// TransitionIncomingTransfer is the incoming twin of
// TransitionOutgoingTransfer.
func (db *DB) TransitionIncomingTransfer(dbi gorp.SqlExecutor, id int64, from, to models.TransferStatus, now time.Time, updates map[string]any) error {
	return transitionTransfer(dbi, "incoming_transfers", id, from, to, now, updates)
}

func transitionTransfer(dbi gorp.SqlExecutor, table string, id int64, from, to models.TransferStatus, now time.Time, updates map[string]any) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("forbidden transfer transition from %q to %q", from, to)
	}

	query := fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = $2`, table)
	args := []any{string(to), now}
	for column, value := range updates {
		if !transferUpdateColumns[table][column] {
			return fmt.Errorf("column %q cannot be updated during a %s transition", column, table)
		}
		args = append(args, value)
		query += fmt.Sprintf(`, %s = $%d`, column, len(args))
	}
	args = append(args, id, string(from))
	query += fmt.Sprintf(` WHERE id = $%d AND status = $%d`, len(args)-1, len(args))

	result, err := dbi.Exec(query, args...)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

var claimQueueItemsQuery = sqlext.SimplifyWhitespace(`
	UPDATE send_queue_items SET status = 'claimed', claimed_by = $1, claim_deadline = $2
	 WHERE id IN (
		SELECT id FROM send_queue_items WHERE status = 'pending'
		 ORDER BY priority DESC, enqueued_at ASC
		 FOR UPDATE SKIP LOCKED LIMIT $3
	 )
	RETURNING *
`)

// ClaimQueueItems atomically claims up to `limit` pending queue items for the
// given claimant. Contending claimants skip each other's rows; a claim
// expires at `now + ttl` and is then revertible by RevertExpiredClaims.
func (db *DB) ClaimQueueItems(limit int, claimID string, ttl time.Duration, now time.Time) ([]models.SendQueueItem, error) {
	var items []models.SendQueueItem
	_, err := db.Select(&items, claimQueueItemsQuery, claimID, now.Add(ttl), limit)
	return items, err
}

var revertExpiredClaimsQuery = sqlext.SimplifyWhitespace(`
	UPDATE send_queue_items SET status = 'pending', claimed_by = NULL, claim_deadline = NULL
	 WHERE status = 'claimed' AND claim_deadline < $1
`)

// RevertExpiredClaims returns orphaned claimed items to the pending pool and
// reports how many were reverted.
func (db *DB) RevertExpiredClaims(now time.Time) (int64, error) {
	result, err := db.Exec(revertExpiredClaimsQuery, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FinishQueueItem marks a claimed item as done or failed depending on the
// terminal status of its outgoing transfer.
func (db *DB) FinishQueueItem(itemID int64, succeeded bool) error {
	status := models.QueueItemDone
	if !succeeded {
		status = models.QueueItemFailed
	}
	_, err := db.Exec(
		`UPDATE send_queue_items SET status = $1 WHERE id = $2 AND status = 'claimed'`,
		string(status), itemID)
	return err
}

// CreateFile inserts a File row and optionally its first Instance in one
// transaction. It is idempotent when called again with an identical checksum
// and a non-conflicting instance; a same-name file with a different checksum
// yields ErrConflict.
func (db *DB) CreateFile(file models.File, instance *models.Instance) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	var existing models.File
	err = tx.SelectOne(&existing, `SELECT * FROM files WHERE name = $1`, file.Name)
	switch {
	case err == nil:
		if existing.Checksum != file.Checksum {
			return fmt.Errorf("%w: file %q already exists with checksum %s",
				ErrConflict, file.Name, existing.Checksum)
		}
		// idempotent re-ingest of the same file
	case errors.Is(err, sql.ErrNoRows):
		err = tx.Insert(&file)
		if err != nil {
			return err
		}
	default:
		return err
	}

	if instance != nil {
		err = createInstance(tx, *instance, file.SizeBytes)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateInstance inserts an Instance row and accounts its size to the store
// within one transaction.
func (db *DB) CreateInstance(instance models.Instance, sizeBytes int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)
	err = createInstance(tx, instance, sizeBytes)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func createInstance(tx *gorp.Transaction, instance models.Instance, sizeBytes int64) error {
	result, err := tx.Exec(
		`UPDATE stores SET used_bytes = used_bytes + $1 WHERE id = $2 AND used_bytes + $1 <= capacity_bytes AND enabled`,
		sizeBytes, instance.StoreID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrCapacityExceeded
	}
	return tx.Insert(&instance)
}

// DropInstance removes an Instance row (or just marks it unavailable) and
// releases its size from the store's accounting, in one transaction. The
// actual byte deletion is the caller's business.
func (db *DB) DropInstance(instance models.Instance, sizeBytes int64, markUnavailableOnly bool) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	if markUnavailableOnly {
		_, err = tx.Exec(`UPDATE instances SET available = FALSE WHERE id = $1`, instance.ID)
	} else {
		_, err = tx.Delete(&instance)
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`UPDATE stores SET used_bytes = GREATEST(used_bytes - $1, 0) WHERE id = $2`,
		sizeBytes, instance.StoreID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterRemoteInstance upserts the record that `librarianName` holds a
// verified copy of the file. If a row exists with a conflicting verified
// checksum, the upsert is refused until the remote side is reconciled.
func (db *DB) RegisterRemoteInstance(fileName, librarianName string, verifiedChecksum digest.Digest, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	var existing models.RemoteInstance
	err = tx.SelectOne(&existing,
		`SELECT * FROM remote_instances WHERE file_name = $1 AND librarian_name = $2 ORDER BY copy_time DESC LIMIT 1`,
		fileName, librarianName)
	switch {
	case err == nil:
		if existing.VerifiedChecksum != nil && *existing.VerifiedChecksum != verifiedChecksum {
			return fmt.Errorf("%w: remote instance of %q at %q has conflicting checksum %s",
				ErrConflict, fileName, librarianName, *existing.VerifiedChecksum)
		}
		existing.CopyTime = now
		existing.LastVerifiedAt = &now
		existing.VerifiedChecksum = &verifiedChecksum
		_, err = tx.Update(&existing)
		if err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		err = tx.Insert(&models.RemoteInstance{
			FileName:         fileName,
			LibrarianName:    librarianName,
			CopyTime:         now,
			LastVerifiedAt:   &now,
			VerifiedChecksum: &verifiedChecksum,
		})
		if err != nil {
			return err
		}
	default:
		return err
	}
	return tx.Commit()
}

// DisableStore marks a store as disabled so that it accepts no new instances.
func (db *DB) DisableStore(storeID int64, now time.Time) error {
	_, err := db.Exec(
		`UPDATE stores SET enabled = FALSE, disabled_at = $1 WHERE id = $2 AND enabled`,
		now, storeID)
	return err
}

// FindStoreByName returns the store row, or sql.ErrNoRows.
func (db *DB) FindStoreByName(name string) (models.Store, error) {
	var store models.Store
	err := db.SelectOne(&store, `SELECT * FROM stores WHERE name = $1`, name)
	return store, err
}

// FindLibrarianByName returns the peer row, or sql.ErrNoRows.
func (db *DB) FindLibrarianByName(name string) (models.Librarian, error) {
	var lib models.Librarian
	err := db.SelectOne(&lib, `SELECT * FROM librarians WHERE name = $1`, name)
	return lib, err
}

// ApplyServerConfig upserts the configured stores and peers into the catalog.
// Rows that vanish from the config are left as they are: they are neither
// deleted nor disabled, so their instances and transfer history stay
// referenced.
func (db *DB) ApplyServerConfig(cfg Configuration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer sqlext.RollbackUnlessCommitted(tx)

	selfURL := cfg.APIPublicURL.String()
	_, err = tx.Exec(sqlext.SimplifyWhitespace(`
		INSERT INTO librarians (name, base_url) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET base_url = EXCLUDED.base_url
	`), cfg.LibrarianName, selfURL)
	if err != nil {
		return err
	}

	for _, peer := range cfg.Server.Peers {
		transports := ""
		for idx, t := range peer.Transports {
			if idx > 0 {
				transports += ","
			}
			transports += t
		}
		_, err = tx.Exec(sqlext.SimplifyWhitespace(`
			INSERT INTO librarians (name, base_url, auth_token, transports) VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE SET
				base_url = EXCLUDED.base_url, auth_token = EXCLUDED.auth_token, transports = EXCLUDED.transports
		`), peer.Name, peer.URL, peer.AuthToken, transports)
		if err != nil {
			return err
		}
	}

	for _, store := range cfg.Server.Stores {
		_, err = tx.Exec(sqlext.SimplifyWhitespace(`
			INSERT INTO stores (name, backend_type, root_path, capacity_bytes, ingestable, enabled) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE SET
				backend_type = EXCLUDED.backend_type, root_path = EXCLUDED.root_path,
				capacity_bytes = EXCLUDED.capacity_bytes, ingestable = EXCLUDED.ingestable, enabled = EXCLUDED.enabled
		`), store.Name, store.Backend, store.Root, store.CapacityBytes, store.Ingestable, store.Enabled)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}
