// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package peerv1

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
	"github.com/simonsobs/librarian/internal/processor"
)

// API contains the peer RPC endpoints. This is an internal API that is only
// available to peered librarians presenting their shared token.
type API struct {
	cfg  librarian.Configuration
	db   *librarian.DB
	proc *processor.Processor
}

// NewAPI constructs a new API instance.
func NewAPI(cfg librarian.Configuration, db *librarian.DB, proc *processor.Processor) *API {
	return &API{cfg, db, proc}
}

// AddTo implements the httpapi.API interface.
func (a *API) AddTo(r *mux.Router) {
	r.Methods("POST").Path("/api/v2/ping").HandlerFunc(a.handlePing)
	r.Methods("POST").Path("/api/v2/clone/prepare").HandlerFunc(a.handleClonePrepare)
	r.Methods("PUT").Path("/api/v2/clone/upload/{id}").HandlerFunc(a.handleCloneUpload)
	r.Methods("POST").Path("/api/v2/clone/staged").HandlerFunc(a.handleCloneStaged)
	r.Methods("POST").Path("/api/v2/clone/commit").HandlerFunc(a.handleCloneCommit)
	r.Methods("POST").Path("/api/v2/clone/status").HandlerFunc(a.handleCloneStatus)
	r.Methods("POST").Path("/api/v2/clone/outgoing-status").HandlerFunc(a.handleOutgoingStatus)
	r.Methods("POST").Path("/api/v2/clone/cancel").HandlerFunc(a.handleCloneCancel)
	r.Methods("POST").Path("/api/v2/clone/complete").HandlerFunc(a.handleCloneComplete)
	r.Methods("POST").Path("/api/v2/checksum/verify").HandlerFunc(a.handleChecksumVerify)
	r.Methods("POST").Path("/api/v2/corrupt/resend").HandlerFunc(a.handleCorruptResend)
}

// authenticateRequest resolves the bearer token to the calling peer's row.
func (a *API) authenticateRequest(w http.ResponseWriter, r *http.Request) *models.Librarian {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		librarian.ErrUnauthorized.With("missing bearer token").WriteAsJSONTo(w)
		return nil
	}

	var peers []models.Librarian
	_, err := a.db.Select(&peers, `SELECT * FROM librarians WHERE auth_token != ''`)
	if err != nil {
		librarian.ErrUnknown.With("%s", err.Error()).WriteAsJSONTo(w)
		return nil
	}
	for idx, peer := range peers {
		if subtle.ConstantTimeCompare([]byte(peer.AuthToken), []byte(token)) == 1 {
			return &peers[idx]
		}
	}

	librarian.ErrUnauthorized.With("unknown bearer token").WriteAsJSONTo(w)
	return nil
}

func (a *API) findIncomingTransfer(w http.ResponseWriter, r *http.Request, id int64) *models.IncomingTransfer {
	var transfer models.IncomingTransfer
	err := a.db.SelectOne(&transfer, `SELECT * FROM incoming_transfers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		librarian.ErrTransferUnknown.With("no incoming transfer with id %d", id).WriteAsJSONTo(w)
		return nil
	}
	if respondwith.ErrorText(w, err) {
		return nil
	}
	return &transfer
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *librarian.APIError
	if errors.As(err, &apiErr) {
		apiErr.WriteAsJSONTo(w)
		return
	}
	respondwith.ErrorText(w, err)
}

func (a *API) handlePing(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/ping")
	if a.authenticateRequest(w, r) == nil {
		return
	}
	respondwith.JSON(w, http.StatusOK, peerclient.PingResponse{
		Name: a.cfg.LibrarianName,
		Time: a.proc.Now(),
	})
}

func (a *API) handleClonePrepare(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/prepare")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}

	var req peerclient.PrepareTransferRequest
	err := librarian.UnmarshalJSONStrict(mustReadBody(r), &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}
	// the caller can only prepare transfers in its own name
	if req.SourceLibrarian != peer.Name {
		librarian.ErrUnauthorized.With("peer %q cannot prepare transfers for %q",
			peer.Name, req.SourceLibrarian).WriteAsJSONTo(w)
		return
	}
	if !models.IsValidFileName(req.FileName) {
		librarian.ErrNameInvalid.With("malformed file name %q", req.FileName).WriteAsJSONTo(w)
		return
	}
	if req.Checksum.Validate() != nil {
		librarian.ErrDigestInvalid.With("malformed checksum %q", req.Checksum).WriteAsJSONTo(w)
		return
	}

	transfer, store, handle, err := a.proc.PrepareIncoming(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	respondwith.JSON(w, http.StatusOK, peerclient.PrepareTransferResponse{
		RemoteTransferID: transfer.ID,
		DestStoreName:    store.Name,
		StagingHandle:    handle,
	})
}

func (a *API) handleCloneUpload(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/upload/:id")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		librarian.ErrTransferUnknown.With("malformed transfer id").WriteAsJSONTo(w)
		return
	}
	transfer := a.findIncomingTransfer(w, r, id)
	if transfer == nil {
		return
	}
	if transfer.SourceLibrarian != peer.Name {
		librarian.ErrUnauthorized.With("transfer %d does not belong to peer %q", id, peer.Name).WriteAsJSONTo(w)
		return
	}

	err = a.proc.ReceiveUpload(r.Context(), *transfer, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCloneStaged(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/staged")
	a.respondWithTransferStatus(w, r, true)
}

func (a *API) handleCloneStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/status")
	a.respondWithTransferStatus(w, r, false)
}

func (a *API) respondWithTransferStatus(w http.ResponseWriter, r *http.Request, remeasure bool) {
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}
	_, transfer := a.parseTransferRef(w, r, peer)
	if transfer == nil {
		return
	}

	status := transfer.Status
	if remeasure {
		var err error
		status, err = a.proc.CheckStaged(r.Context(), *transfer)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	respondwith.JSON(w, http.StatusOK, peerclient.TransferStatusResponse{Status: status})
}

func (a *API) parseTransferRef(w http.ResponseWriter, r *http.Request, peer *models.Librarian) (peerclient.TransferRef, *models.IncomingTransfer) {
	var ref peerclient.TransferRef
	err := librarian.UnmarshalJSONStrict(mustReadBody(r), &ref)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return ref, nil
	}
	transfer := a.findIncomingTransfer(w, r, ref.RemoteTransferID)
	if transfer == nil {
		return ref, nil
	}
	if transfer.SourceLibrarian != peer.Name {
		librarian.ErrUnauthorized.With("transfer %d does not belong to peer %q",
			ref.RemoteTransferID, peer.Name).WriteAsJSONTo(w)
		return ref, nil
	}
	return ref, transfer
}

func (a *API) handleCloneCommit(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/commit")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}
	_, transfer := a.parseTransferRef(w, r, peer)
	if transfer == nil {
		return
	}

	instance, err := a.proc.CommitIncoming(r.Context(), *transfer, models.DeletionDisallowed)
	if err != nil {
		writeError(w, err)
		return
	}

	var store models.Store
	err = a.db.SelectOne(&store, `SELECT * FROM stores WHERE id = $1`, instance.StoreID)
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, peerclient.CommitTransferResponse{
		Status:         models.TransferCommitted,
		FileName:       transfer.FileName,
		StoreName:      store.Name,
		Checksum:       transfer.DeclaredChecksum,
		CommittedAt:    instance.CreatedAt,
		DestInstanceID: instance.ID,
	})
}

func (a *API) handleCloneCancel(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/cancel")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}
	_, transfer := a.parseTransferRef(w, r, peer)
	if transfer == nil {
		return
	}

	err := a.proc.CancelIncoming(r.Context(), *transfer)
	if err != nil {
		writeError(w, err)
		return
	}
	// report the state CancelIncoming left the transfer in
	status := models.TransferCancelled
	if transfer.Status.IsTerminal() {
		status = transfer.Status
	} else if !transfer.Status.CanTransitionTo(status) {
		status = models.TransferFailed
	}
	respondwith.JSON(w, http.StatusOK, peerclient.TransferStatusResponse{Status: status})
}

// handleOutgoingStatus reports the state of one of OUR outgoing transfers to
// the peer that is (or was) on its receiving end. The peer's incoming
// hypervisor uses this to decide the fate of a stuck transfer.
func (a *API) handleOutgoingStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/outgoing-status")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}

	var ref peerclient.TransferRef
	err := librarian.UnmarshalJSONStrict(mustReadBody(r), &ref)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}

	var transfer models.OutgoingTransfer
	err = a.db.SelectOne(&transfer, `SELECT * FROM outgoing_transfers WHERE id = $1`, ref.RemoteTransferID)
	if errors.Is(err, sql.ErrNoRows) {
		librarian.ErrTransferUnknown.With("no outgoing transfer with id %d", ref.RemoteTransferID).WriteAsJSONTo(w)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}
	if transfer.DestinationLibrarian != peer.Name {
		librarian.ErrUnauthorized.With("transfer %d does not belong to peer %q",
			transfer.ID, peer.Name).WriteAsJSONTo(w)
		return
	}
	respondwith.JSON(w, http.StatusOK, peerclient.TransferStatusResponse{Status: transfer.Status})
}

// handleCloneComplete is the receiver-to-sender callback: one of OUR outgoing
// transfers was committed on the peer's side.
func (a *API) handleCloneComplete(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/clone/complete")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}

	var req peerclient.CloneCompleteRequest
	err := librarian.UnmarshalJSONStrict(mustReadBody(r), &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}

	var transfer models.OutgoingTransfer
	err = a.db.SelectOne(&transfer, `SELECT * FROM outgoing_transfers WHERE id = $1`, req.SourceTransferID)
	if errors.Is(err, sql.ErrNoRows) {
		librarian.ErrTransferUnknown.With("no outgoing transfer with id %d", req.SourceTransferID).WriteAsJSONTo(w)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}
	if transfer.DestinationLibrarian != peer.Name {
		librarian.ErrUnauthorized.With("transfer %d does not belong to peer %q",
			transfer.ID, peer.Name).WriteAsJSONTo(w)
		return
	}

	// the callback may overtake our own staged-poll; catch up through the
	// state machine before finalizing
	if transfer.Status == models.TransferOngoing {
		err = a.db.TransitionOutgoingTransfer(a.db, transfer.ID,
			models.TransferOngoing, models.TransferStaged, a.proc.Now(), nil)
		if err != nil && !errors.Is(err, librarian.ErrStaleState) {
			respondwith.ErrorText(w, err)
			return
		}
		transfer.Status = models.TransferStaged
	}
	if transfer.Status == models.TransferStaged {
		err = a.proc.FinalizeOutgoingTransfer(transfer)
		if respondwith.ErrorText(w, err) {
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChecksumVerify(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/checksum/verify")
	if a.authenticateRequest(w, r) == nil {
		return
	}

	var req peerclient.VerifyChecksumRequest
	err := librarian.UnmarshalJSONStrict(mustReadBody(r), &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}

	var instance models.Instance
	err = a.db.SelectOne(&instance, `
		SELECT * FROM instances WHERE file_name = $1 AND available ORDER BY created_at ASC LIMIT 1`,
		req.FileName)
	if errors.Is(err, sql.ErrNoRows) {
		librarian.ErrFileUnknown.With("no available instance of %q", req.FileName).WriteAsJSONTo(w)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}

	measured, size, err := a.proc.MeasureInstance(r.Context(), instance)
	if err != nil {
		writeError(w, err)
		return
	}
	respondwith.JSON(w, http.StatusOK, peerclient.VerifyChecksumResponse{
		FileName:   req.FileName,
		Checksum:   measured,
		SizeBytes:  size,
		VerifiedAt: a.proc.Now(),
	})
}

// handleCorruptResend lets a peer that detected corruption in a file we
// originated request a fresh copy through the normal transfer protocol.
func (a *API) handleCorruptResend(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/corrupt/resend")
	peer := a.authenticateRequest(w, r)
	if peer == nil {
		return
	}

	var req peerclient.ResendRequest
	err := librarian.UnmarshalJSONStrict(mustReadBody(r), &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}
	if req.DestLibrarian != peer.Name {
		librarian.ErrUnauthorized.With("peer %q cannot request resends for %q",
			peer.Name, req.DestLibrarian).WriteAsJSONTo(w)
		return
	}

	var instance models.Instance
	err = a.db.SelectOne(&instance, `
		SELECT * FROM instances WHERE file_name = $1 AND available ORDER BY created_at ASC LIMIT 1`,
		req.FileName)
	if errors.Is(err, sql.ErrNoRows) {
		librarian.ErrFileUnknown.With("no available instance of %q", req.FileName).WriteAsJSONTo(w)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}

	// resends jump the queue ahead of regular clones
	transfer, err := a.proc.CreateOutgoingTransfer(
		req.FileName, peer.Name, instance.StoreID, models.TransportNetwork, 10)
	if err != nil {
		writeError(w, err)
		return
	}
	respondwith.JSON(w, http.StatusOK, peerclient.ResendResponse{SourceTransferID: transfer.ID})
}

func mustReadBody(r *http.Request) []byte {
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	return buf
}
