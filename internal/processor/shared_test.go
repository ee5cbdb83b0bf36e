// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"errors"
	"io"
	"net/url"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sapcc/go-bits/mock"
	"github.com/stretchr/testify/require"
	gorp "gopkg.in/gorp.v2"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
	"github.com/simonsobs/librarian/internal/test"
)

// recordingSink collects notifications for assertions.
type recordingSink struct {
	Notifications []librarian.Notification
}

func (s *recordingSink) Notify(n librarian.Notification) {
	s.Notifications = append(s.Notifications, n)
}

func setup(t *testing.T) (*Processor, sqlmock.Sqlmock, *librarian.StoreSet, *recordingSink, *mock.Clock) {
	t.Helper()
	mockDB, mockCtl, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := &librarian.DB{DbMap: gorp.DbMap{Db: mockDB, Dialect: gorp.PostgresDialect{}}}
	librarian.InitORM(&db.DbMap)

	cfg := librarian.Configuration{
		LibrarianName: "site-a",
		APIPublicURL:  url.URL{Scheme: "https", Host: "site-a.example.org"},
	}
	stores := librarian.NewStoreSet(db)
	sink := &recordingSink{}
	clock := mock.NewClock()
	proc := New(cfg, db, stores, sink).OverrideTimeNow(clock.Now)
	return proc, mockCtl, stores, sink, clock
}

// seedDriver hands out the in-memory driver that the StoreSet will use for
// this store row, so tests can place and inspect content.
func seedDriver(t *testing.T, stores *librarian.StoreSet, store models.Store) *test.StoreDriver {
	t.Helper()
	driver, err := stores.DriverFor(store)
	require.NoError(t, err)
	return driver.(*test.StoreDriver)
}

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
	incomingColumns = []string{
		"id", "file_name", "source_librarian", "dest_store_id", "staging_path", "status",
		"created_at", "updated_at", "source_transfer_id", "declared_size", "declared_checksum",
	}
)

func storeRow(columns []string, store models.Store) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		store.ID, store.Name, store.BackendType, store.RootPath, store.CapacityBytes,
		store.UsedBytes, store.Ingestable, store.Enabled, nil)
}

// fakePeer is a deterministic PeerAPI double. Unset callbacks report an
// unexpected call instead of silently succeeding.
type fakePeer struct {
	name      string
	prepare   func(peerclient.PrepareTransferRequest) (peerclient.PrepareTransferResponse, error)
	upload    func(int64, io.Reader, int64) error
	staged    func(int64) (peerclient.TransferStatusResponse, error)
	commit    func(int64) (peerclient.CommitTransferResponse, error)
	status    func(int64) (peerclient.TransferStatusResponse, error)
	outStatus func(int64) (peerclient.TransferStatusResponse, error)
	cancel    func(int64) error
	complete  func(peerclient.CloneCompleteRequest) error
	verify    func(string) (peerclient.VerifyChecksumResponse, error)
	resend    func(string, string) (peerclient.ResendResponse, error)
}

var errUnexpectedCall = errors.New("unexpected peer RPC in this test")

func (f *fakePeer) PeerName() string {
	return f.name
}

func (f *fakePeer) Ping(ctx context.Context) (peerclient.PingResponse, error) {
	return peerclient.PingResponse{Name: f.name}, nil
}

func (f *fakePeer) PrepareTransfer(ctx context.Context, req peerclient.PrepareTransferRequest) (peerclient.PrepareTransferResponse, error) {
	if f.prepare == nil {
		return peerclient.PrepareTransferResponse{}, errUnexpectedCall
	}
	return f.prepare(req)
}

func (f *fakePeer) UploadFileContent(ctx context.Context, remoteTransferID int64, contents io.Reader, sizeBytes int64) error {
	if f.upload == nil {
		return errUnexpectedCall
	}
	return f.upload(remoteTransferID, contents, sizeBytes)
}

func (f *fakePeer) StagedTransfer(ctx context.Context, remoteTransferID int64) (peerclient.TransferStatusResponse, error) {
	if f.staged == nil {
		return peerclient.TransferStatusResponse{}, errUnexpectedCall
	}
	return f.staged(remoteTransferID)
}

func (f *fakePeer) CommitTransfer(ctx context.Context, remoteTransferID int64) (peerclient.CommitTransferResponse, error) {
	if f.commit == nil {
		return peerclient.CommitTransferResponse{}, errUnexpectedCall
	}
	return f.commit(remoteTransferID)
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

func usePeer(proc *Processor, peer *fakePeer) {
	proc.OverridePeerClient(func(models.Librarian) PeerAPI { return peer })
}
