// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"errors"
	"io"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/models"
	"github.com/simonsobs/librarian/internal/processor"
	"github.com/simonsobs/librarian/internal/test"
)

// column lists for raw `SELECT *` mocks; they must match the db tags exactly
var (
	fileColumns = []string{
		"name", "origin_librarian", "size_bytes", "checksum", "uploaded_at", "observation_id",
	}
	librarianColumns = []string{
		"name", "base_url", "auth_token", "transports",
		"transfers_enabled", "disabled_at", "last_seen_at",
	}
	storeColumns = []string{
		"id", "name", "backend_type", "root_path", "capacity_bytes", "used_bytes",
		"ingestable", "enabled", "disabled_at",
	}
	instanceColumns = []string{
		"id", "file_name", "store_id", "path", "created_at", "available",
		"deletion_policy", "calculated_checksum", "calculated_size", "checksum_time",
	}
	remoteInstanceColumns = []string{
		"id", "file_name", "librarian_name", "copy_time", "last_verified_at", "verified_checksum",
	}
	incomingColumns = []string{
		"id", "file_name", "source_librarian", "dest_store_id", "staging_path", "status",
		"created_at", "updated_at", "source_transfer_id", "declared_size", "declared_checksum",
	}
	outgoingColumns = []string{
		"id", "file_name", "destination_librarian", "source_store_id", "status",
		"transport", "created_at", "updated_at", "remote_transfer_id", "attempt_count",
	}
	corruptColumns = []string{
		"id", "file_name", "instance_id", "detected_at", "detector", "measured_checksum",
		"corrupt_count", "replacement_requested", "replacement_transfer_id",
	}
)

// testStore returns a store row bound to the in-memory driver.
func testStore(id int64, name string) models.Store {
	return models.Store{
		ID:            id,
		Name:          name,
		BackendType:   "in-memory-for-testing",
		CapacityBytes: 1 << 40,
		Ingestable:    true,
		Enabled:       true,
	}
}

func storeRows(store models.Store) *sqlmock.Rows {
	return sqlmock.NewRows(storeColumns).AddRow(
		store.ID, store.Name, store.BackendType, store.RootPath, store.CapacityBytes,
		store.UsedBytes, store.Ingestable, store.Enabled, nil)
}

func librarianRows(name string, transfersEnabled bool) *sqlmock.Rows {
	return sqlmock.NewRows(librarianColumns).
		AddRow(name, "https://"+name+".example.org", "sekrit", "network", transfersEnabled, nil, nil)
}

// seedDriver hands out the in-memory driver that the Janitor's StoreSet will
// use for this store row, so tests can place and inspect content.
func seedDriver(t *testing.T, j *Janitor, store models.Store) *test.StoreDriver {
	t.Helper()
	driver, err := j.stores.DriverFor(store)
	require.NoError(t, err)
	return driver.(*test.StoreDriver)
}

// fakePeer is a deterministic processor.PeerAPI double. Unset callbacks
// report an unexpected call instead of silently succeeding.
type fakePeer struct {
	name      string
	staged    func(int64) (peerclient.TransferStatusResponse, error)
	status    func(int64) (peerclient.TransferStatusResponse, error)
	outStatus func(int64) (peerclient.TransferStatusResponse, error)
	cancel    func(int64) error
	complete  func(peerclient.CloneCompleteRequest) error
	verify    func(string) (peerclient.VerifyChecksumResponse, error)
	resend    func(string, string) (peerclient.ResendResponse, error)
}

var errUnexpectedCall = errors.New("unexpected peer RPC in this test")

func (f *fakePeer) PeerName() string { return f.name }

func (f *fakePeer) Ping(ctx context.Context) (peerclient.PingResponse, error) {
	return peerclient.PingResponse{Name: f.name}, nil
}

func (f *fakePeer) PrepareTransfer(ctx context.Context, req peerclient.PrepareTransferRequest) (peerclient.PrepareTransferResponse, error) {
	return peerclient.PrepareTransferResponse{}, errUnexpectedCall
}

func (f *fakePeer) UploadFileContent(ctx context.Context, remoteTransferID int64, contents io.Reader, sizeBytes int64) error {
	return errUnexpectedCall
}

func (f *fakePeer) StagedTransfer(ctx context.Context, remoteTransferID int64) (peerclient.TransferStatusResponse, error) {
	if f.staged == nil {
		return peerclient.TransferStatusResponse{}, errUnexpectedCall
	}
	return f.staged(remoteTransferID)
}

func (f *fakePeer) CommitTransfer(ctx context.Context, remoteTransferID int64) (peerclient.CommitTransferResponse, error) {
	return peerclient.CommitTransferResponse{}, errUnexpectedCall
}

func (f *fakePeer) TransferStatus(ctx context.Context, remoteTransferID int64) (peerclient.TransferStatusResponse, error) {
	if f.status == nil {
		return peerclient.TransferStatusResponse{}, errUnexpectedCall
	}
	return f.status(remoteTransferID)
}

func (f *fakePeer) OutgoingStatus(ctx context.Context, sourceTransferID int64) (peerclient.TransferStatusResponse, error) {
	if f.outStatus == nil {
		return peerclient.TransferStatusResponse{}, errUnexpectedCall
	}
	return f.outStatus(sourceTransferID)
}

func (f *fakePeer) CancelTransfer(ctx context.Context, remoteTransferID int64) error {
	if f.cancel == nil {
		return errUnexpectedCall
	}
	return f.cancel(remoteTransferID)
}

func (f *fakePeer) CloneComplete(ctx context.Context, req peerclient.CloneCompleteRequest) error {
	if f.complete == nil {
		return errUnexpectedCall
	}
	return f.complete(req)
}

func (f *fakePeer) VerifyChecksum(ctx context.Context, fileName string) (peerclient.VerifyChecksumResponse, error) {
	if f.verify == nil {
		return peerclient.VerifyChecksumResponse{}, errUnexpectedCall
	}
	return f.verify(fileName)
}

func (f *fakePeer) RequestResend(ctx context.Context, fileName, ourName string) (peerclient.ResendResponse, error) {
	if f.resend == nil {
		return peerclient.ResendResponse{}, errUnexpectedCall
	}
	return f.resend(fileName, ourName)
}

func usePeer(j *Janitor, peer *fakePeer) {
	j.proc.OverridePeerClient(func(models.Librarian) processor.PeerAPI { return peer })
}
