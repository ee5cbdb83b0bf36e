// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
)

func TestCorruptionFixerClearsFilesFixedBehindOurBack(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()

	contents := []byte("actually fine again")
	checksum := digest.Canonical.FromBytes(contents)

	store := testStore(1, "fast")
	driver := seedDriver(t, j, store)
	driver.Contents["f1"] = contents

	// phase one: a fresh corrupt row whose instance measures fine now
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE NOT replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns).
			AddRow(3, "f1", 1, now, "integrity-check", "sha256:0000", 1, false, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM files WHERE name =`).
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow("f1", "site-b", int64(len(contents)), checksum.String(), now, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM instances WHERE id =`).
		WillReturnRows(sqlmock.NewRows(instanceColumns).
			AddRow(1, "f1", 1, "f1", now, false, "disallowed", nil, nil, nil))
	// the cached (corrupt) measurement is dropped before re-hashing
	mockCtl.ExpectExec(`UPDATE instances SET calculated_checksum = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE id =`).
		WillReturnRows(storeRows(store))
	mockCtl.ExpectExec(`UPDATE instances SET calculated_checksum = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// measures fine: the corrupt row goes away
	mockCtl.ExpectExec(`delete from "corrupt_files"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// phase two: nothing in flight
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns))

	err := j.fixCorruptFiles(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestCorruptionFixerRequestsReplacementFromOrigin(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()

	goodChecksum := digest.Canonical.FromString("what was ingested")
	tampered := []byte("rotten bytes")

	store := testStore(1, "fast")
	driver := seedDriver(t, j, store)
	driver.Contents["f1"] = tampered

	resendRequested := false
	usePeer(j, &fakePeer{
		name: "site-b",
		resend: func(fileName, ourName string) (peerclient.ResendResponse, error) {
			assert.Equal(t, "f1", fileName)
			assert.Equal(t, "site-a", ourName)
			resendRequested = true
			return peerclient.ResendResponse{SourceTransferID: 99}, nil
		},
	})

	// phase one: the instance really is corrupt and site-b is the origin
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE NOT replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns).
			AddRow(3, "f1", 1, now, "integrity-check", "sha256:0000", 1, false, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM files WHERE name =`).
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow("f1", "site-b", int64(len(tampered)), goodChecksum.String(), now, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM instances WHERE id =`).
		WillReturnRows(sqlmock.NewRows(instanceColumns).
			AddRow(1, "f1", 1, "f1", now, false, "disallowed", nil, nil, nil))
	mockCtl.ExpectExec(`UPDATE instances SET calculated_checksum = NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE id =`).
		WillReturnRows(storeRows(store))
	mockCtl.ExpectExec(`UPDATE instances SET calculated_checksum = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// still corrupt and no other healthy instance
	mockCtl.ExpectQuery(`SELECT COUNT\(\*\) FROM instances WHERE file_name =`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	// origin lookup for the peer client
	mockCtl.ExpectQuery(`SELECT \* FROM librarians WHERE name =`).
		WillReturnRows(librarianRows("site-b", true))
	// stale rows and bytes are dropped so the replacement can land
	mockCtl.ExpectQuery(`SELECT \* FROM instances WHERE id =`).
		WillReturnRows(sqlmock.NewRows(instanceColumns).
			AddRow(1, "f1", 1, "f1", now, false, "disallowed", nil, nil, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE id =`).
		WillReturnRows(storeRows(store))
	mockCtl.ExpectBegin()
	mockCtl.ExpectExec(`delete from "instances"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectExec(`UPDATE stores SET used_bytes = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectCommit()
	mockCtl.ExpectQuery(`SELECT COUNT\(\*\) FROM instances WHERE file_name =`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mockCtl.ExpectExec(`delete from "files"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// the corrupt row now tracks the origin's replacement transfer
	mockCtl.ExpectExec(`update "corrupt_files" set`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// phase two: nothing else in flight
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns))

	err := j.fixCorruptFiles(context.Background())
	require.NoError(t, err)
	assert.True(t, resendRequested)

	// the corrupt bytes are gone from the store
	assert.NotContains(t, driver.Contents, "f1")
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestCorruptionFixerConfirmsArrivedReplacement(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()
	checksum := digest.Canonical.FromString("fresh copy")

	// phase one: nothing fresh
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE NOT replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns))

	// phase two: the replacement transfer has been committed
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns).
			AddRow(3, "f1", 1, now, "integrity-check", "sha256:0000", 1, true, int64(99)))
	mockCtl.ExpectQuery(`SELECT \* FROM files WHERE name =`).
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow("f1", "site-b", int64(10), checksum.String(), now, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM incoming_transfers WHERE source_transfer_id =`).
		WillReturnRows(sqlmock.NewRows(incomingColumns).
			AddRow(12, "f1", "site-b", 1, "{}", "committed", now, now, 99, 10, checksum.String()))
	mockCtl.ExpectExec(`delete from "corrupt_files"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.fixCorruptFiles(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestCorruptionFixerRerequestsFailedReplacement(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()
	checksum := digest.Canonical.FromString("never arrived")

	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE NOT replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns))

	// the replacement transfer failed and the file was never re-ingested
	mockCtl.ExpectQuery(`SELECT \* FROM corrupt_files WHERE replacement_requested`).
		WillReturnRows(sqlmock.NewRows(corruptColumns).
			AddRow(3, "f1", 1, now, "integrity-check", "sha256:0000", 1, true, int64(99)))
	mockCtl.ExpectQuery(`SELECT \* FROM files WHERE name =`).
		WillReturnError(sql.ErrNoRows)
	mockCtl.ExpectQuery(`SELECT \* FROM incoming_transfers WHERE source_transfer_id =`).
		WillReturnRows(sqlmock.NewRows(incomingColumns).
			AddRow(12, "f1", "site-b", 1, "{}", "failed", now, now, 99, 10, checksum.String()))
	// back to phase one at the next tick
	mockCtl.ExpectExec(`update "corrupt_files" set`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.fixCorruptFiles(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}
