// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

func stagingPathJSON(t *testing.T, handle librarian.StagingHandle) string {
	t.Helper()
	buf, err := json.Marshal(handle)
	require.NoError(t, err)
	return string(buf)
}

func TestReceiveCloneSkipsIncompleteTransfers(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()

	contents := []byte("the whole declared payload")
	declared := digest.Canonical.FromBytes(contents)
	handle := librarian.StagingHandle{FileName: "f1", Path: ".staging/u1/f1", Size: int64(len(contents))}

	store := testStore(1, "fast")
	driver := seedDriver(t, j, store)
	driver.Contents[handle.Path] = contents[:10] // only part has arrived

	mockCtl.ExpectQuery(`SELECT \* FROM incoming_transfers WHERE status IN`).
		WillReturnRows(sqlmock.NewRows(incomingColumns).
			AddRow(7, "f1", "site-b", 1, stagingPathJSON(t, handle), "ongoing",
				now, now, 5, int64(len(contents)), declared.String()))
	// CheckStaged re-measures and re-reads; the transfer stays ongoing
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE id =`).
		WillReturnRows(storeRows(store))
	mockCtl.ExpectQuery(`SELECT \* FROM incoming_transfers WHERE id =`).
		WillReturnRows(sqlmock.NewRows(incomingColumns).
			AddRow(7, "f1", "site-b", 1, stagingPathJSON(t, handle), "ongoing",
				now, now, 5, int64(len(contents)), declared.String()))

	err := j.receiveClones(context.Background(), models.DeletionDisallowed)
	require.NoError(t, err)

	// no commit happened; the partial bytes stay staged
	assert.Equal(t, contents[:10], driver.Contents[handle.Path])
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestReceiveCloneCommitsArrivedTransfer(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()

	contents := []byte("delivered on a sneakernet drive")
	declared := digest.Canonical.FromBytes(contents)
	handle := librarian.StagingHandle{FileName: "f1", Path: ".staging/u1/f1", Size: int64(len(contents))}

	store := testStore(1, "fast")
	driver := seedDriver(t, j, store)
	driver.Contents[handle.Path] = contents

	incomingRow := func(status string) *sqlmock.Rows {
		return sqlmock.NewRows(incomingColumns).
			AddRow(7, "f1", "site-b", 1, stagingPathJSON(t, handle), status,
				now, now, int64(0), int64(len(contents)), declared.String())
	}

	mockCtl.ExpectQuery(`SELECT \* FROM incoming_transfers WHERE status IN`).
		WillReturnRows(incomingRow("ongoing"))
	// CheckStaged: the full payload has arrived, ongoing -> staged
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE id =`).
		WillReturnRows(storeRows(store))
	mockCtl.ExpectExec(`UPDATE incoming_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`SELECT \* FROM incoming_transfers WHERE id =`).
		WillReturnRows(incomingRow("staged"))
	// CommitIncoming: store commit, file + instance rows, staged -> committed
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE id =`).
		WillReturnRows(storeRows(store))
	mockCtl.ExpectBegin()
	mockCtl.ExpectQuery(`SELECT \* FROM files WHERE name =`).
		WillReturnError(sql.ErrNoRows)
	mockCtl.ExpectExec(`insert into "files"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectExec(`UPDATE stores SET used_bytes = used_bytes `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`insert into "instances"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mockCtl.ExpectCommit()
	mockCtl.ExpectExec(`UPDATE incoming_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`SELECT \* FROM instances WHERE file_name =`).
		WillReturnRows(sqlmock.NewRows(instanceColumns).
			AddRow(9, "f1", 1, "f1", now, true, "disallowed", nil, nil, nil))
	// the courtesy callback tells site-b that its clone arrived
	mockCtl.ExpectQuery(`SELECT \* FROM librarians WHERE name =`).
		WillReturnRows(librarianRows("site-b", true))

	callbackSent := false
	usePeer(j, &fakePeer{
		name: "site-b",
		complete: func(peerclient.CloneCompleteRequest) error {
			callbackSent = true
			return nil
		},
	})

	err := j.receiveClones(context.Background(), models.DeletionDisallowed)
	require.NoError(t, err)
	assert.True(t, callbackSent)

	// the committed bytes are at their final path
	assert.Equal(t, contents, driver.Contents["f1"])
	assert.NotContains(t, driver.Contents, handle.Path)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}
