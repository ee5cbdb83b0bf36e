// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"net/url"

	"github.com/sapcc/go-bits/easypg"
	gorp "gopkg.in/gorp.v2"

	"github.com/simonsobs/librarian/internal/models"
)

var sqlMigrations = map[string]string{
	"001_initial.up.sql": `
		CREATE TABLE librarians (
			name              TEXT        NOT NULL PRIMARY KEY,
			base_url          TEXT        NOT NULL,
			auth_token        TEXT        NOT NULL DEFAULT '',
			transports        TEXT        NOT NULL DEFAULT 'network',
			disabled_at       TIMESTAMPTZ DEFAULT NULL,
			last_seen_at      TIMESTAMPTZ DEFAULT NULL
		);

		CREATE TABLE stores (
			id             BIGSERIAL   NOT NULL PRIMARY KEY,
			name           TEXT        NOT NULL UNIQUE,
			backend_type   TEXT        NOT NULL,
			root_path      TEXT        NOT NULL,
			capacity_bytes BIGINT      NOT NULL,
			used_bytes     BIGINT      NOT NULL DEFAULT 0 CHECK (used_bytes <= capacity_bytes),
			ingestable     BOOLEAN     NOT NULL DEFAULT TRUE,
			enabled        BOOLEAN     NOT NULL DEFAULT TRUE,
			disabled_at    TIMESTAMPTZ DEFAULT NULL
		);

		CREATE TABLE observations (
			id             BIGINT           NOT NULL PRIMARY KEY,
			julian_date    DOUBLE PRECISION NOT NULL,
			polarization   TEXT             NOT NULL,
			length_seconds DOUBLE PRECISION NOT NULL
		);

		CREATE TABLE files (
			name             TEXT        NOT NULL PRIMARY KEY,
			origin_librarian TEXT        NOT NULL,
			size_bytes       BIGINT      NOT NULL,
			checksum         TEXT        NOT NULL,
			uploaded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			observation_id   BIGINT      REFERENCES observations ON DELETE SET NULL
		);

		CREATE TABLE instances (
			id              BIGSERIAL   NOT NULL PRIMARY KEY,
			file_name       TEXT        NOT NULL REFERENCES files ON DELETE CASCADE,
			store_id        BIGINT      NOT NULL REFERENCES stores ON DELETE RESTRICT,
			path            TEXT        NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			available       BOOLEAN     NOT NULL DEFAULT TRUE,
			deletion_policy TEXT        NOT NULL DEFAULT 'disallowed',
			UNIQUE (store_id, path)
		);

		-- file_name is deliberately not a foreign key: a remote instance row
		-- may outlive the local File row during corruption remediation
		CREATE TABLE remote_instances (
			id                BIGSERIAL   NOT NULL PRIMARY KEY,
			file_name         TEXT        NOT NULL,
			librarian_name    TEXT        NOT NULL REFERENCES librarians ON DELETE CASCADE,
			copy_time         TIMESTAMPTZ NOT NULL,
			last_verified_at  TIMESTAMPTZ DEFAULT NULL,
			verified_checksum TEXT        DEFAULT NULL
		);

		CREATE TABLE outgoing_transfers (
			id                    BIGSERIAL   NOT NULL PRIMARY KEY,
			file_name             TEXT        NOT NULL,
			destination_librarian TEXT        NOT NULL REFERENCES librarians ON DELETE CASCADE,
			source_store_id       BIGINT      NOT NULL REFERENCES stores ON DELETE RESTRICT,
			status                TEXT        NOT NULL DEFAULT 'initiated',
			transport             TEXT        NOT NULL DEFAULT 'network',
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			remote_transfer_id    BIGINT      DEFAULT NULL,
			attempt_count         INT         NOT NULL DEFAULT 0
		);

		CREATE TABLE incoming_transfers (
			id                 BIGSERIAL   NOT NULL PRIMARY KEY,
			file_name          TEXT        NOT NULL,
			source_librarian   TEXT        NOT NULL,
			dest_store_id      BIGINT      DEFAULT NULL REFERENCES stores ON DELETE RESTRICT,
			staging_path       TEXT        NOT NULL DEFAULT '',
			status             TEXT        NOT NULL DEFAULT 'initiated',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			source_transfer_id BIGINT      NOT NULL,
			declared_size      BIGINT      NOT NULL,
			declared_checksum  TEXT        NOT NULL
		);

		-- user uploads carry source_transfer_id = 0 and are exempt from the
		-- peer-transfer idempotency constraint
		CREATE UNIQUE INDEX incoming_transfers_source_idempotency
			ON incoming_transfers (source_librarian, source_transfer_id)
			WHERE source_transfer_id > 0;

		CREATE TABLE send_queue_items (
			id                   BIGSERIAL   NOT NULL PRIMARY KEY,
			outgoing_transfer_id BIGINT      NOT NULL REFERENCES outgoing_transfers ON DELETE CASCADE,
			priority             INT         NOT NULL DEFAULT 0,
			status               TEXT        NOT NULL DEFAULT 'pending',
			enqueued_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			claimed_by           TEXT        DEFAULT NULL,
			claim_deadline       TIMESTAMPTZ DEFAULT NULL
		);

		-- file_name is not a foreign key here either, see remote_instances
		CREATE TABLE corrupt_files (
			id                      BIGSERIAL   NOT NULL PRIMARY KEY,
			file_name               TEXT        NOT NULL,
			instance_id             BIGINT      NOT NULL,
			detected_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			detector                TEXT        NOT NULL,
			measured_checksum       TEXT        NOT NULL DEFAULT '',
			corrupt_count           INT         NOT NULL DEFAULT 1,
			replacement_requested   BOOLEAN     NOT NULL DEFAULT FALSE,
			replacement_transfer_id BIGINT      DEFAULT NULL
		);
	`,
	"001_initial.down.sql": `
		DROP TABLE corrupt_files;
		DROP TABLE send_queue_items;
		DROP TABLE incoming_transfers;
		DROP TABLE outgoing_transfers;
		DROP TABLE remote_instances;
		DROP TABLE instances;
		DROP TABLE files;
		DROP TABLE observations;
		DROP TABLE stores;
		DROP TABLE librarians;
	`,
	"002_add_librarian_transfer_toggling.up.sql": `
		ALTER TABLE librarians ADD COLUMN transfers_enabled BOOLEAN NOT NULL DEFAULT TRUE;
	`,
	"002_add_librarian_transfer_toggling.down.sql": `
		ALTER TABLE librarians DROP COLUMN transfers_enabled;
	`,
	"003_add_cached_checksums.up.sql": `
		ALTER TABLE instances
			ADD COLUMN calculated_checksum TEXT        DEFAULT NULL,
			ADD COLUMN calculated_size     BIGINT      DEFAULT NULL,
			ADD COLUMN checksum_time       TIMESTAMPTZ DEFAULT NULL;
	`,
	"003_add_cached_checksums.down.sql": `
		ALTER TABLE instances
			DROP COLUMN calculated_checksum,
			DROP COLUMN calculated_size,
			DROP COLUMN checksum_time;
	`,
	"004_add_completed_transfers_table.up.sql": `
		CREATE TABLE completed_transfer_log (
			id                      BIGSERIAL        NOT NULL PRIMARY KEY,
			outgoing_transfer_id    BIGINT           NOT NULL REFERENCES outgoing_transfers ON DELETE CASCADE,
			destination_librarian   TEXT             NOT NULL,
			start_time              TIMESTAMPTZ      NOT NULL,
			end_time                TIMESTAMPTZ      NOT NULL,
			bytes_transferred       BIGINT           NOT NULL,
			effective_bandwidth_bps DOUBLE PRECISION NOT NULL
		);
	`,
	"004_add_completed_transfers_table.down.sql": `
		DROP TABLE completed_transfer_log;
	`,
}

// DB adds convenience functions on top of gorp.DbMap.
type DB struct {
	gorp.DbMap
}

// InitDB connects to the Postgres database.
func InitDB(dbURL url.URL) (*DB, error) {
	db, err := easypg.Connect(dbURL, easypg.Configuration{
		Migrations: sqlMigrations,
	})
	if err != nil {
		return nil, err
	}

	result := &DB{DbMap: gorp.DbMap{Db: db, Dialect: gorp.PostgresDialect{}}}
	InitORM(&result.DbMap)
	return result, nil
}

// InitORM wires the table mappings into the given gorp.DbMap. It is only
// exported for use by tests that construct their own DbMap.
func InitORM(dbMap *gorp.DbMap) {
	dbMap.AddTableWithName(models.Librarian{}, "librarians").SetKeys(false, "name")
	dbMap.AddTableWithName(models.Store{}, "stores").SetKeys(true, "id")
	dbMap.AddTableWithName(models.Observation{}, "observations").SetKeys(false, "id")
	dbMap.AddTableWithName(models.File{}, "files").SetKeys(false, "name")
	dbMap.AddTableWithName(models.Instance{}, "instances").SetKeys(true, "id")
	dbMap.AddTableWithName(models.RemoteInstance{}, "remote_instances").SetKeys(true, "id")
	dbMap.AddTableWithName(models.OutgoingTransfer{}, "outgoing_transfers").SetKeys(true, "id")
	dbMap.AddTableWithName(models.IncomingTransfer{}, "incoming_transfers").SetKeys(true, "id")
	dbMap.AddTableWithName(models.SendQueueItem{}, "send_queue_items").SetKeys(true, "id")
	dbMap.AddTableWithName(models.CorruptFile{}, "corrupt_files").SetKeys(true, "id")
	dbMap.AddTableWithName(models.CompletedTransferLog{}, "completed_transfer_log").SetKeys(true, "id")
}
