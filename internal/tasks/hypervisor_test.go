// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/models"
)

func TestOutgoingHypervisorFailsUnreachableDestination(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	remoteID := int64(42)

	usePeer(j, &fakePeer{
		name: "site-b",
		status: func(int64) (peerclient.TransferStatusResponse, error) {
			return peerclient.TransferStatusResponse{}, errors.New("connection refused")
		},
	})

	mockCtl.ExpectQuery(`SELECT \* FROM librarians WHERE name =`).
		WillReturnRows(librarianRows("site-b", true))
	// aged out + unreachable destination: the transfer fails, nothing else
	// happens (in particular no RemoteInstance is registered)
	mockCtl.ExpectExec(`UPDATE outgoing_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.superviseOneOutgoing(context.Background(), models.OutgoingTransfer{
		ID:                   7,
		FileName:             "f1",
		DestinationLibrarian: "site-b",
		Status:               models.TransferOngoing,
		RemoteTransferID:     &remoteID,
		CreatedAt:            clock.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestOutgoingHypervisorFailsUnpreparedTransfer(t *testing.T) {
	j, mockCtl, _, clock := setup(t)

	// no remote transfer id: nothing exists on the far side, no peer call
	mockCtl.ExpectExec(`UPDATE outgoing_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.superviseOneOutgoing(context.Background(), models.OutgoingTransfer{
		ID:                   7,
		FileName:             "f1",
		DestinationLibrarian: "site-b",
		Status:               models.TransferInitiated,
		CreatedAt:            clock.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestOutgoingHypervisorFinalizesCommittedTransfer(t *testing.T) {
	j, mockCtl, _, clock := setup(t)
	now := clock.Now()
	remoteID := int64(42)
	checksum := digest.Canonical.FromString("payload")

	usePeer(j, &fakePeer{
		name: "site-b",
		status: func(int64) (peerclient.TransferStatusResponse, error) {
			return peerclient.TransferStatusResponse{Status: models.TransferCommitted}, nil
		},
	})

	mockCtl.ExpectQuery(`SELECT \* FROM librarians WHERE name =`).
		WillReturnRows(librarianRows("site-b", true))
	// the completion callback was lost: ongoing -> staged -> completed
	mockCtl.ExpectExec(`UPDATE outgoing_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectExec(`UPDATE outgoing_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockCtl.ExpectQuery(`SELECT \* FROM files WHERE name =`).
		WillReturnRows(sqlmock.NewRows(fileColumns).
			AddRow("f1", "site-a", int64(7), checksum.String(), now, nil))
	mockCtl.ExpectBegin()
	mockCtl.ExpectQuery(`SELECT \* FROM remote_instances WHERE file_name =`).
		WillReturnError(sql.ErrNoRows)
	mockCtl.ExpectQuery(`insert into "remote_instances"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mockCtl.ExpectCommit()
	mockCtl.ExpectQuery(`insert into "completed_transfer_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	err := j.superviseOneOutgoing(context.Background(), models.OutgoingTransfer{
		ID:                   7,
		FileName:             "f1",
		DestinationLibrarian: "site-b",
		Status:               models.TransferOngoing,
		RemoteTransferID:     &remoteID,
		CreatedAt:            now,
	})
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestIncomingHypervisorFailsWhenOriginGaveUp(t *testing.T) {
	j, mockCtl, _, clock := setup(t)

	usePeer(j, &fakePeer{
		name: "site-b",
		outStatus: func(int64) (peerclient.TransferStatusResponse, error) {
			return peerclient.TransferStatusResponse{Status: models.TransferCancelled}, nil
		},
	})

	mockCtl.ExpectQuery(`SELECT \* FROM librarians WHERE name =`).
		WillReturnRows(librarianRows("site-b", true))
	mockCtl.ExpectExec(`UPDATE incoming_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.superviseOneIncoming(context.Background(), models.IncomingTransfer{
		ID:               7,
		FileName:         "f1",
		SourceLibrarian:  "site-b",
		Status:           models.TransferOngoing,
		SourceTransferID: 5,
		CreatedAt:        clock.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestIncomingHypervisorAbandonsAgedUserUploads(t *testing.T) {
	j, mockCtl, _, clock := setup(t)

	// user uploads have no origin to ask; no peer lookup happens
	mockCtl.ExpectExec(`UPDATE incoming_transfers SET status = `).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.superviseOneIncoming(context.Background(), models.IncomingTransfer{
		ID:               7,
		FileName:         "f1",
		SourceLibrarian:  "site-a", // ourselves
		Status:           models.TransferInitiated,
		SourceTransferID: 0,
		CreatedAt:        clock.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestDuplicateRemoteInstanceCollapse(t *testing.T) {
	j, mockCtl, _, _ := setup(t)

	mockCtl.ExpectExec(`DELETE FROM remote_instances WHERE id NOT IN`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.collapseDuplicateRemoteInstances(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}
