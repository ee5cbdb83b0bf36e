// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

// Client can be used for API access to one of our peers (using our peering
// credentials from the librarians table).
//
// Calls that fail on the network level are retried with exponential backoff
// until the context deadline; the caller's soft timeout therefore bounds the
// total time spent. Errors reported by the peer itself (an APIError body) are
// not retried.
type Client struct {
	peer models.Librarian
	http *http.Client
}

// New wraps a peer row into a Client instance.
func New(peer models.Librarian) *Client {
	return &Client{peer: peer, http: http.DefaultClient}
}

// PeerName returns the name of the peer this client talks to.
func (c *Client) PeerName() string {
	return c.peer.Name
}

func (c *Client) buildRequestURL(path string) string {
	return strings.TrimSuffix(c.peer.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// post sends a JSON request body and decodes a JSON response into target.
func (c *Client) post(ctx context.Context, path string, requestBody, target any) error {
	buf, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildRequestURL(path), bytes.NewReader(buf))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.peer.AuthToken)

		resp, err := c.http.Do(req)
		if err != nil {
			// network-level problem: the peer may just be unreachable, retry
			return fmt.Errorf("peer %s unreachable during POST %s: %w", c.peer.Name, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return backoff.Permanent(decodeAPIError(c.peer.Name, path, resp))
		}
		if target == nil {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck // connection reuse only
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(target)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("malformed response from peer %s for POST %s: %w", c.peer.Name, path, err))
		}
		return nil
	}

	return backoff.Retry(operation, backoff.WithContext(newBackOff(), ctx))
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // bounded by the caller's context deadline instead
	return b
}

func decodeAPIError(peerName, path string, resp *http.Response) error {
	var apiErr librarian.APIError
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(buf, &apiErr) == nil && apiErr.Code != "" {
		return &apiErr
	}
	return fmt.Errorf("peer %s rejected POST %s with status %d: %s",
		peerName, path, resp.StatusCode, strings.TrimSpace(string(buf)))
}

// Ping checks liveness of the peer.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var resp PingResponse
	err := c.post(ctx, "api/v2/ping", struct{}{}, &resp)
	return resp, err
}

// PrepareTransfer asks the peer to create an incoming transfer and stage
// space for the declared file. Idempotent.
func (c *Client) PrepareTransfer(ctx context.Context, req PrepareTransferRequest) (PrepareTransferResponse, error) {
	var resp PrepareTransferResponse
	err := c.post(ctx, "api/v2/clone/prepare", req, &resp)
	return resp, err
}

// UploadFileContent streams the file's bytes into the peer's staging area for
// the given transfer. This is the byte path of the "network" transport.
func (c *Client) UploadFileContent(ctx context.Context, remoteTransferID int64, contents io.Reader, sizeBytes int64) error {
	url := c.buildRequestURL(fmt.Sprintf("api/v2/clone/upload/%d", remoteTransferID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, contents)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+c.peer.AuthToken)
	req.ContentLength = sizeBytes

	// no automatic retry here: the body reader cannot be rewound, and the
	// caller re-drives failed uploads through the transfer state machine
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s unreachable during upload of transfer %d: %w", c.peer.Name, remoteTransferID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(c.peer.Name, url, resp)
	}
	return nil
}

// StagedTransfer asks the peer whether the bytes for the given transfer have
// arrived and measured correctly.
func (c *Client) StagedTransfer(ctx context.Context, remoteTransferID int64) (TransferStatusResponse, error) {
	var resp TransferStatusResponse
	err := c.post(ctx, "api/v2/clone/staged", TransferRef{remoteTransferID}, &resp)
	return resp, err
}

// CommitTransfer asks the peer to promote the staged bytes into an instance.
// Idempotent: re-calling after commit returns the same record.
func (c *Client) CommitTransfer(ctx context.Context, remoteTransferID int64) (CommitTransferResponse, error) {
	var resp CommitTransferResponse
	err := c.post(ctx, "api/v2/clone/commit", TransferRef{remoteTransferID}, &resp)
	return resp, err
}

// TransferStatus reports the peer-side state of the given incoming transfer.
func (c *Client) TransferStatus(ctx context.Context, remoteTransferID int64) (TransferStatusResponse, error) {
	var resp TransferStatusResponse
	err := c.post(ctx, "api/v2/clone/status", TransferRef{remoteTransferID}, &resp)
	return resp, err
}

// OutgoingStatus reports the state of one of the peer's own outgoing
// transfers towards us. The incoming hypervisor uses this to learn the
// origin's verdict on a stuck transfer.
func (c *Client) OutgoingStatus(ctx context.Context, sourceTransferID int64) (TransferStatusResponse, error) {
	var resp TransferStatusResponse
	err := c.post(ctx, "api/v2/clone/outgoing-status", TransferRef{sourceTransferID}, &resp)
	return resp, err
}

// CancelTransfer cancels the peer-side transfer if it is not terminal yet.
// Idempotent.
func (c *Client) CancelTransfer(ctx context.Context, remoteTransferID int64) error {
	return c.post(ctx, "api/v2/clone/cancel", TransferRef{remoteTransferID}, nil)
}

// CloneComplete notifies the sender that we committed their transfer.
func (c *Client) CloneComplete(ctx context.Context, req CloneCompleteRequest) error {
	return c.post(ctx, "api/v2/clone/complete", req, nil)
}

// VerifyChecksum asks the peer to measure its bytes for the given file.
func (c *Client) VerifyChecksum(ctx context.Context, fileName string) (VerifyChecksumResponse, error) {
	var resp VerifyChecksumResponse
	err := c.post(ctx, "api/v2/checksum/verify", VerifyChecksumRequest{fileName}, &resp)
	return resp, err
}

// RequestResend asks the peer (the origin of a corrupt file) to send us a
// fresh copy via the normal transfer protocol.
func (c *Client) RequestResend(ctx context.Context, fileName, ourName string) (ResendResponse, error) {
	var resp ResendResponse
	err := c.post(ctx, "api/v2/corrupt/resend", ResendRequest{FileName: fileName, DestLibrarian: ourName}, &resp)
	return resp, err
}
