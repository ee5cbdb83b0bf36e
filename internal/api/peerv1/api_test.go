// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package peerv1

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gorp "gopkg.in/gorp.v2"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/processor"
)

func setup(t *testing.T) (http.Handler, sqlmock.Sqlmock) {
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
	proc := processor.New(cfg, db, librarian.NewStoreSet(db), librarian.LogNotificationSink{})

	router := mux.NewRouter()
	NewAPI(cfg, db, proc).AddTo(router)
	return router, mockCtl
}

var librarianColumns = []string{
	"name", "base_url", "auth_token", "transports",
	"transfers_enabled", "disabled_at", "last_seen_at",
}

func expectPeerLookup(mockCtl sqlmock.Sqlmock) {
	mockCtl.ExpectQuery(`SELECT \* FROM librarians WHERE auth_token != ''`).
		WillReturnRows(sqlmock.NewRows(librarianColumns).
			AddRow("site-b", "https://site-b.example.org", "sekrit", "network", true, nil, nil))
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	handler, _ := setup(t)

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest("POST", "/api/v2/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "UNAUTHORIZED")
}

func TestRequestsWithUnknownTokenAreRejected(t *testing.T) {
	handler, mockCtl := setup(t)
	expectPeerLookup(mockCtl)

	request := httptest.NewRequest("POST", "/api/v2/ping", nil)
	request.Header.Set("Authorization", "Bearer wrong-token")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestPing(t *testing.T) {
	handler, mockCtl := setup(t)
	expectPeerLookup(mockCtl)

	request := httptest.NewRequest("POST", "/api/v2/ping", nil)
	request.Header.Set("Authorization", "Bearer sekrit")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"name":"site-a"`)
}

func TestPrepareRejectsImpersonation(t *testing.T) {
	handler, mockCtl := setup(t)
	expectPeerLookup(mockCtl)

	body := `{"source_librarian": "site-c", "source_transfer_id": 1, "file_name": "f1",
	          "size_bytes": 10, "checksum": "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	          "transport": "network"}`
	request := httptest.NewRequest("POST", "/api/v2/clone/prepare", strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer sekrit")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	// site-b may not prepare transfers in site-c's name
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestOutgoingStatusHidesForeignTransfers(t *testing.T) {
	handler, mockCtl := setup(t)
	expectPeerLookup(mockCtl)

	transferColumns := []string{
		"id", "file_name", "destination_librarian", "source_store_id", "status",
		"transport", "created_at", "updated_at", "remote_transfer_id", "attempt_count",
	}
	now := time.Now()
	mockCtl.ExpectQuery(`SELECT \* FROM outgoing_transfers WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(transferColumns).
			AddRow(5, "f1", "site-c", 1, "ongoing", "network", now, now, nil, 1))

	request := httptest.NewRequest("POST", "/api/v2/clone/outgoing-status",
		strings.NewReader(`{"remote_transfer_id": 5}`))
	request.Header.Set("Authorization", "Bearer sekrit")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	// the transfer goes to site-c; site-b must not see it
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}
