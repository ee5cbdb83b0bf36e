// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package uploadapi

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/httpapi"
	"github.com/sapcc/go-bits/respondwith"

	peerclient "github.com/simonsobs/librarian/internal/client/peer"
	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
	"github.com/simonsobs/librarian/internal/processor"
)

// API contains the ingest and metadata endpoints used by upload clients and
// operators. User authentication sits in front of this API and is not part of
// the core (see the deployment docs); peers never call these endpoints.
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
	r.Methods("POST").Path("/api/v2/upload/stage").HandlerFunc(a.handleUploadStage)
	r.Methods("PUT").Path("/api/v2/upload/data/{id}").HandlerFunc(a.handleUploadData)
	r.Methods("POST").Path("/api/v2/upload/commit").HandlerFunc(a.handleUploadCommit)
	r.Methods("GET").Path("/api/v2/file/{name:.+}").HandlerFunc(a.handleGetFile)
	r.Methods("GET").Path("/api/v2/stores").HandlerFunc(a.handleListStores)
	r.Methods("POST").Path("/api/v2/librarians/transfers").HandlerFunc(a.handleToggleTransfers)
}

// StageUploadRequest declares a new user upload.
type StageUploadRequest struct {
	FileName      string        `json:"file_name"`
	SizeBytes     int64         `json:"size_bytes"`
	Checksum      digest.Digest `json:"checksum"`
	ObservationID *int64        `json:"observation_id,omitempty"`
}

// StageUploadResponse carries the transfer id and staging destination.
type StageUploadResponse struct {
	TransferID    int64                   `json:"transfer_id"`
	StoreName     string                  `json:"store_name"`
	StagingHandle librarian.StagingHandle `json:"staging_handle"`
}

// CommitUploadRequest promotes a staged upload.
type CommitUploadRequest struct {
	TransferID     int64  `json:"transfer_id"`
	DeletionPolicy string `json:"deletion_policy,omitempty"`
}

// FileInfo is the metadata response for GET /file/{name}.
type FileInfo struct {
	Name            string               `json:"name"`
	OriginLibrarian string               `json:"origin_librarian"`
	SizeBytes       int64                `json:"size_bytes"`
	Checksum        digest.Digest        `json:"checksum"`
	UploadedAt      time.Time            `json:"uploaded_at"`
	Instances       []InstanceInfo       `json:"instances"`
	RemoteInstances []RemoteInstanceInfo `json:"remote_instances"`
}

// InstanceInfo describes one local copy.
type InstanceInfo struct {
	StoreName string    `json:"store_name"`
	Path      string    `json:"path"`
	Available bool      `json:"available"`
	CreatedAt time.Time `json:"created_at"`
}

// RemoteInstanceInfo describes one remote copy we know about.
type RemoteInstanceInfo struct {
	LibrarianName  string     `json:"librarian_name"`
	CopyTime       time.Time  `json:"copy_time"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
}

// ToggleTransfersRequest enables or disables transfers for a peer.
type ToggleTransfersRequest struct {
	LibrarianName    string `json:"librarian_name"`
	TransfersEnabled bool   `json:"transfers_enabled"`
}

func (a *API) handleUploadStage(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/upload/stage")

	buf, err := io.ReadAll(r.Body)
	if respondwith.ErrorText(w, err) {
		return
	}
	var req StageUploadRequest
	err = librarian.UnmarshalJSONStrict(buf, &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
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
	if req.SizeBytes <= 0 {
		librarian.ErrSizeInvalid.With("size_bytes must be positive").WriteAsJSONTo(w)
		return
	}

	// a user upload is an incoming transfer whose source is ourselves
	transfer, store, handle, err := a.proc.PrepareIncoming(r.Context(), peerclient.PrepareTransferRequest{
		SourceLibrarian: a.cfg.LibrarianName,
		FileName:        req.FileName,
		SizeBytes:       req.SizeBytes,
		Checksum:        req.Checksum,
		Transport:       models.TransportNetwork,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	respondwith.JSON(w, http.StatusOK, StageUploadResponse{
		TransferID:    transfer.ID,
		StoreName:     store.Name,
		StagingHandle: handle,
	})
}

func (a *API) handleUploadData(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/upload/data/:id")
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		librarian.ErrTransferUnknown.With("malformed transfer id").WriteAsJSONTo(w)
		return
	}
	transfer := a.findTransfer(w, id)
	if transfer == nil {
		return
	}

	err = a.proc.ReceiveUpload(r.Context(), *transfer, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUploadCommit(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/upload/commit")

	buf, err := io.ReadAll(r.Body)
	if respondwith.ErrorText(w, err) {
		return
	}
	var req CommitUploadRequest
	err = librarian.UnmarshalJSONStrict(buf, &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}
	transfer := a.findTransfer(w, req.TransferID)
	if transfer == nil {
		return
	}

	policy := models.DeletionDisallowed
	if req.DeletionPolicy == string(models.DeletionAllowed) {
		policy = models.DeletionAllowed
	}

	// bytes may have arrived out-of-band (e.g. rsync into the staging area);
	// settle the state machine before committing
	status, err := a.proc.CheckStaged(r.Context(), *transfer)
	if err != nil {
		writeError(w, err)
		return
	}
	transfer.Status = status

	instance, err := a.proc.CommitIncoming(r.Context(), *transfer, policy)
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

func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/file/:name")
	fileName := mux.Vars(r)["name"]

	var file models.File
	err := a.db.SelectOne(&file, `SELECT * FROM files WHERE name = $1`, fileName)
	if errors.Is(err, sql.ErrNoRows) {
		librarian.ErrFileUnknown.With("no file named %q", fileName).WriteAsJSONTo(w)
		return
	}
	if respondwith.ErrorText(w, err) {
		return
	}

	info := FileInfo{
		Name:            file.Name,
		OriginLibrarian: file.OriginLibrarian,
		SizeBytes:       file.SizeBytes,
		Checksum:        file.Checksum,
		UploadedAt:      file.UploadedAt,
		Instances:       []InstanceInfo{},
		RemoteInstances: []RemoteInstanceInfo{},
	}

	var instances []models.Instance
	_, err = a.db.Select(&instances, `SELECT * FROM instances WHERE file_name = $1 ORDER BY created_at ASC`, fileName)
	if respondwith.ErrorText(w, err) {
		return
	}
	for _, instance := range instances {
		var store models.Store
		err = a.db.SelectOne(&store, `SELECT * FROM stores WHERE id = $1`, instance.StoreID)
		if respondwith.ErrorText(w, err) {
			return
		}
		info.Instances = append(info.Instances, InstanceInfo{
			StoreName: store.Name,
			Path:      instance.Path,
			Available: instance.Available,
			CreatedAt: instance.CreatedAt,
		})
	}

	var remotes []models.RemoteInstance
	_, err = a.db.Select(&remotes, `SELECT * FROM remote_instances WHERE file_name = $1 ORDER BY copy_time ASC`, fileName)
	if respondwith.ErrorText(w, err) {
		return
	}
	for _, remote := range remotes {
		info.RemoteInstances = append(info.RemoteInstances, RemoteInstanceInfo{
			LibrarianName:  remote.LibrarianName,
			CopyTime:       remote.CopyTime,
			LastVerifiedAt: remote.LastVerifiedAt,
		})
	}

	respondwith.JSON(w, http.StatusOK, info)
}

func (a *API) handleListStores(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/stores")
	var stores []models.Store
	_, err := a.db.Select(&stores, `SELECT * FROM stores ORDER BY name`)
	if respondwith.ErrorText(w, err) {
		return
	}
	respondwith.JSON(w, http.StatusOK, map[string]any{"stores": stores})
}

func (a *API) handleToggleTransfers(w http.ResponseWriter, r *http.Request) {
	httpapi.IdentifyEndpoint(r, "/api/v2/librarians/transfers")

	buf, err := io.ReadAll(r.Body)
	if respondwith.ErrorText(w, err) {
		return
	}
	var req ToggleTransfersRequest
	err = librarian.UnmarshalJSONStrict(buf, &req)
	if err != nil {
		librarian.ErrUnsupported.With("malformed request: %s", err.Error()).WriteAsJSONTo(w)
		return
	}

	result, err := a.db.Exec(`
		UPDATE librarians SET transfers_enabled = $1,
		       disabled_at = CASE WHEN $1 THEN NULL ELSE COALESCE(disabled_at, NOW()) END
		 WHERE name = $2`,
		req.TransfersEnabled, req.LibrarianName)
	if respondwith.ErrorText(w, err) {
		return
	}
	rowsAffected, err := result.RowsAffected()
	if respondwith.ErrorText(w, err) {
		return
	}
	if rowsAffected == 0 {
		librarian.ErrUnknown.With("no librarian named %q", req.LibrarianName).WriteAsJSONTo(w)
		return
	}
	respondwith.JSON(w, http.StatusOK, req)
}

func (a *API) findTransfer(w http.ResponseWriter, id int64) *models.IncomingTransfer {
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
