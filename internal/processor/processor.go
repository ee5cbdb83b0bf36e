// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"io"
	"time"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// PeerAPI is the subset of the peer client that the processor uses. It exists
// as an interface so that unit tests can substitute deterministic doubles.
type PeerAPI interface {
	PeerName() string
	Ping(ctx context.Context) (peerclient.PingResponse, error)
	PrepareTransfer(ctx context.Context, req peerclient.PrepareTransferRequest) (peerclient.PrepareTransferResponse, error)
	UploadFileContent(ctx context.Context, remoteTransferID int64, contents io.Reader, sizeBytes int64) error
	StagedTransfer(ctx context.Context, remoteTransferID int64) (peerclient.TransferStatusResponse, error)
	CommitTransfer(ctx context.Context, remoteTransferID int64) (peerclient.CommitTransferResponse, error)
	TransferStatus(ctx context.Context, remoteTransferID int64) (peerclient.TransferStatusResponse, error)
	OutgoingStatus(ctx context.Context, sourceTransferID int64) (peerclient.TransferStatusResponse, error)
	CancelTransfer(ctx context.Context, remoteTransferID int64) error
	CloneComplete(ctx context.Context, req peerclient.CloneCompleteRequest) error
	VerifyChecksum(ctx context.Context, fileName string) (peerclient.VerifyChecksumResponse, error)
	RequestResend(ctx context.Context, fileName, ourName string) (peerclient.ResendResponse, error)
}

// Processor implements the transfer manager: it drives outgoing transfers
// through their state machine and handles the receiving side of incoming
// transfers. All state changes go through the catalog's compare-and-set
// transition helpers, so concurrent drivers of the same transfer are safe.
type Processor struct {
	cfg    librarian.Configuration
	db     *librarian.DB
	stores *librarian.StoreSet
	sink   librarian.NotificationSink

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow       func() time.Time
	newPeerClient func(models.Librarian) PeerAPI
}

// New creates a new Processor.
func New(cfg librarian.Configuration, db *librarian.DB, stores *librarian.StoreSet, sink librarian.NotificationSink) *Processor {
	return &Processor{
		cfg:     cfg,
		db:      db,
		stores:  stores,
		sink:    sink,
		timeNow: time.Now,
		newPeerClient: func(peer models.Librarian) PeerAPI {
			return peerclient.New(peer)
		},
	}
}

// OverrideTimeNow replaces time.Now with a test double.
func (p *Processor) OverrideTimeNow(timeNow func() time.Time) *Processor {
	p.timeNow = timeNow
	return p
}

// OverridePeerClient replaces the peer client factory with a test double.
func (p *Processor) OverridePeerClient(factory func(models.Librarian) PeerAPI) *Processor {
	p.newPeerClient = factory
	return p
}

// PeerClientFor returns a client for the given peer name.
func (p *Processor) PeerClientFor(name string) (PeerAPI, error) {
	peer, err := p.db.FindLibrarianByName(name)
	if err != nil {
		return nil, err
	}
	return p.newPeerClient(peer), nil
}
