// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

func TestCreateLocalCloneCopiesSingleCopyFile(t *testing.T) {
	j, mockCtl, sink, clock := setup(t)
	now := clock.Now()

	contents := []byte("single-copy observation")
	checksum := digest.Canonical.FromBytes(contents)

	sourceStore := testStore(1, "fast")
	destStore := testStore(2, "slow")
	sourceDriver := seedDriver(t, j, sourceStore)
	destDriver := seedDriver(t, j, destStore)
	sourceDriver.Contents["f1"] = contents

	cfg := librarian.CreateLocalCloneConfig{
		TaskSchedule: librarian.TaskSchedule{
			TaskName:    "fast-to-slow",
			Every:       librarian.Duration(time.Hour),
			SoftTimeout: librarian.Duration(30 * time.Minute),
		},
		CloneFrom:   "fast",
		CloneTo:     []string{"slow"},
		AgeInDays:   30,
		FilesPerRun: 10,
	}

	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE name =`).
		WillReturnRows(storeRows(sourceStore))
	mockCtl.ExpectQuery(`SELECT f\..* FROM files f`).
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow("f1", "site-a", int64(len(contents)), checksum.String(), now.Add(-time.Hour), nil))
	mockCtl.ExpectQuery(`SELECT \* FROM instances WHERE file_name =`).
		WillReturnRows(sqlmock.NewRows(instanceColumns).
			AddRow(1, "f1", 1, "f1", now, true, "disallowed", nil, nil, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE name =`).
		WillReturnRows(storeRows(destStore))
	// catalog side of the new instance
	mockCtl.ExpectBegin()
	mockCtl.ExpectExec(`UPDATE stores SET used_bytes = used_bytes `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`insert into "instances"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mockCtl.ExpectCommit()

	err := j.createLocalClones(context.Background(), cfg)
	require.NoError(t, err)

	// byte-for-byte copy landed on the destination store
	assert.Equal(t, contents, destDriver.Contents["f1"])
	assert.Empty(t, sink.Notifications)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestCreateLocalCloneDisablesFullStore(t *testing.T) {
	j, mockCtl, sink, clock := setup(t)
	now := clock.Now()

	contents := []byte("does not fit")
	checksum := digest.Canonical.FromBytes(contents)

	sourceStore := testStore(1, "fast")
	destStore := testStore(2, "slow")
	sourceDriver := seedDriver(t, j, sourceStore)
	destDriver := seedDriver(t, j, destStore)
	sourceDriver.Contents["f1"] = contents
	destDriver.Capacity = 1 // the backend is full even though the catalog row has room

	cfg := librarian.CreateLocalCloneConfig{
		CloneFrom:          "fast",
		CloneTo:            []string{"slow"},
		FilesPerRun:        10,
		DisableStoreOnFull: true,
	}
	file := models.File{
		Name:       "f1",
		SizeBytes:  int64(len(contents)),
		Checksum:   checksum,
		UploadedAt: now.Add(-time.Hour),
	}

	mockCtl.ExpectQuery(`SELECT \* FROM instances WHERE file_name =`).
		WillReturnRows(sqlmock.NewRows(instanceColumns).
			AddRow(1, "f1", 1, "f1", now, true, "disallowed", nil, nil, nil))
	mockCtl.ExpectQuery(`SELECT \* FROM stores WHERE name =`).
		WillReturnRows(storeRows(destStore))
	mockCtl.ExpectExec(`UPDATE stores SET enabled = FALSE, disabled_at = `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.cloneFileLocally(context.Background(), cfg, sourceStore, file)
	require.Error(t, err, "no destination store has room")

	require.Len(t, sink.Notifications, 1)
	assert.Equal(t, librarian.EventStoreDisabled, sink.Notifications[0].Event)
	assert.Equal(t, "slow", sink.Notifications[0].Subject)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}
