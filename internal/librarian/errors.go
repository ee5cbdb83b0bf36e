// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for the hot-path catalog operations. These are matched with
// errors.Is across package boundaries.
var (
	// ErrStaleState is returned by the transfer transition helpers when the
	// row is no longer in the expected source state. The optimistic caller
	// lost the race; it skips the work unit.
	ErrStaleState = errors.New("stale state: transfer was modified concurrently")
	// ErrConflict is returned on unique-constraint style conflicts, e.g.
	// creating a file whose name exists with a different checksum.
	ErrConflict = errors.New("conflict with existing row")
	// ErrCapacityExceeded is returned by StoreDriver.Stage and
	// StoreSet.SelectIngestable when no store can fit the declared size.
	ErrCapacityExceeded = errors.New("store capacity exceeded")
	// ErrChecksumMismatch is fatal for the transfer or instance it concerns.
	ErrChecksumMismatch = errors.New("measured checksum does not match declared checksum")
)

// APIErrorCode is the closed set of error codes that can appear in responses
// from the librarian HTTP APIs.
type APIErrorCode string

// Possible values for APIErrorCode.
const (
	ErrFileUnknown       APIErrorCode = "FILE_UNKNOWN"
	ErrTransferUnknown   APIErrorCode = "TRANSFER_UNKNOWN"
	ErrTransferStale     APIErrorCode = "TRANSFER_STALE"
	ErrStoreUnknown      APIErrorCode = "STORE_UNKNOWN"
	ErrStoreFull         APIErrorCode = "STORE_FULL"
	ErrDigestInvalid     APIErrorCode = "DIGEST_INVALID"
	ErrNameInvalid       APIErrorCode = "NAME_INVALID"
	ErrSizeInvalid       APIErrorCode = "SIZE_INVALID"
	ErrUnauthorized      APIErrorCode = "UNAUTHORIZED"
	ErrTransfersDisabled APIErrorCode = "TRANSFERS_DISABLED"
	ErrUnsupported       APIErrorCode = "UNSUPPORTED"
	ErrUnknown           APIErrorCode = "UNKNOWN"
)

var apiErrorMessages = map[APIErrorCode]string{
	ErrFileUnknown:       "file not known to this librarian",
	ErrTransferUnknown:   "transfer not known to this librarian",
	ErrTransferStale:     "transfer is not in the expected state",
	ErrStoreUnknown:      "store not known to this librarian",
	ErrStoreFull:         "no store has sufficient free space",
	ErrDigestInvalid:     "provided digest did not match uploaded content",
	ErrNameInvalid:       "invalid file name",
	ErrSizeInvalid:       "provided length did not match content length",
	ErrUnauthorized:      "authentication required",
	ErrTransfersDisabled: "transfers to this librarian are disabled",
	ErrUnsupported:       "operation is unsupported",
	ErrUnknown:           "internal error",
}

var apiErrorStatusCodes = map[APIErrorCode]int{
	ErrFileUnknown:       http.StatusNotFound,
	ErrTransferUnknown:   http.StatusNotFound,
	ErrTransferStale:     http.StatusConflict,
	ErrStoreUnknown:      http.StatusNotFound,
	ErrStoreFull:         http.StatusInsufficientStorage,
	ErrDigestInvalid:     http.StatusUnprocessableEntity,
	ErrNameInvalid:       http.StatusUnprocessableEntity,
	ErrSizeInvalid:       http.StatusUnprocessableEntity,
	ErrUnauthorized:      http.StatusUnauthorized,
	ErrTransfersDisabled: http.StatusServiceUnavailable,
	ErrUnsupported:       http.StatusNotImplemented,
	ErrUnknown:           http.StatusInternalServerError,
}

// With is a convenience function for constructing type APIError.
func (c APIErrorCode) With(msg string, args ...any) *APIError {
	var err error
	if msg != "" {
		if len(args) > 0 {
			err = fmt.Errorf(msg, args...)
		} else {
			err = errors.New(msg)
		}
	}
	return &APIError{Code: c, Inner: err}
}

// APIError is the error type rendered by the librarian HTTP APIs and decoded
// by the peer client.
type APIError struct {
	Code  APIErrorCode `json:"code"`
	Inner error        `json:"-"`

	// Detail carries Inner across the wire.
	Detail string `json:"detail,omitempty"`
}

// Error implements the builtin/error interface.
func (e *APIError) Error() string {
	text := apiErrorMessages[e.Code]
	if text == "" {
		text = string(e.Code)
	}
	if e.Inner != nil {
		text += ": " + e.Inner.Error()
	} else if e.Detail != "" {
		text += ": " + e.Detail
	}
	return text
}

// StatusCode returns the HTTP status code for this error.
func (e *APIError) StatusCode() int {
	if code, ok := apiErrorStatusCodes[e.Code]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// WriteAsJSONTo reports this error in the JSON format used by all librarian
// HTTP APIs.
func (e *APIError) WriteAsJSONTo(w http.ResponseWriter) {
	if e.Inner != nil {
		e.Detail = e.Inner.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	fmt.Fprintf(w, `{"code":%q,"message":%q,"detail":%q}`+"\n",
		e.Code, apiErrorMessages[e.Code], e.Detail)
}

// IsTransientDBError reports whether a catalog error is worth retrying with
// backoff (connection reset, serialization failure, deadlock) rather than
// surfacing immediately.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection reset",
		"connection refused",
		"deadlock detected",
		"could not serialize access",
		"bad connection",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
