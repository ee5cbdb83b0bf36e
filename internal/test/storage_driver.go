// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

func init() {
	librarian.StoreDriverRegistry.Add(func() librarian.StoreDriver { return &StoreDriver{} })
}

// StoreDriver (driver ID "in-memory-for-testing") is a librarian.StoreDriver
// that stores everything in a map. Tests reach the instance that a StoreSet
// handed out (StoreSet caches one driver per store id) and seed or inspect
// Contents directly.
type StoreDriver struct {
	Contents map[string][]byte
	// Capacity bounds FreeSpace and Stage; the zero value means "unlimited".
	Capacity int64
}

// PluginTypeID implements the librarian.StoreDriver interface.
func (d *StoreDriver) PluginTypeID() string { return "in-memory-for-testing" }

// Init implements the librarian.StoreDriver interface.
func (d *StoreDriver) Init(store models.Store) error {
	if d.Contents == nil {
		d.Contents = make(map[string][]byte)
	}
	return nil
}

func (d *StoreDriver) usedBytes() int64 {
	var used int64
	for _, buf := range d.Contents {
		used += int64(len(buf))
	}
	return used
}

// Stage implements the librarian.StoreDriver interface.
func (d *StoreDriver) Stage(ctx context.Context, fileName string, size int64) (librarian.StagingHandle, error) {
	free, err := d.FreeSpace(ctx)
	if err != nil {
		return librarian.StagingHandle{}, err
	}
	if size > free {
		return librarian.StagingHandle{}, fmt.Errorf("%w: need %d bytes, have %d",
			librarian.ErrCapacityExceeded, size, free)
	}
	return librarian.StagingHandle{
		FileName: fileName,
		Path:     path.Join(".staging", uuid.New().String(), path.Base(fileName)),
		Size:     size,
	}, nil
}

// WriteStaged implements the librarian.StoreDriver interface.
func (d *StoreDriver) WriteStaged(ctx context.Context, handle librarian.StagingHandle, chunk io.Reader) error {
	buf, err := io.ReadAll(chunk)
	if err != nil {
		return err
	}
	d.Contents[handle.Path] = append(d.Contents[handle.Path], buf...)
	return nil
}

// Commit implements the librarian.StoreDriver interface.
func (d *StoreDriver) Commit(ctx context.Context, handle librarian.StagingHandle, declared digest.Digest) (string, error) {
	buf, exists := d.Contents[handle.Path]
	if !exists {
		return "", fmt.Errorf("no staged content at %s: %w", handle.Path, os.ErrNotExist)
	}
	measured := digest.Canonical.FromBytes(buf)
	if measured != declared {
		return "", fmt.Errorf("%w: declared %s, measured %s", librarian.ErrChecksumMismatch, declared, measured)
	}
	if handle.Size != 0 && int64(len(buf)) != handle.Size {
		return "", fmt.Errorf("%w: declared %d bytes, measured %d", librarian.ErrChecksumMismatch, handle.Size, len(buf))
	}
	d.Contents[handle.FileName] = buf
	delete(d.Contents, handle.Path)
	return handle.FileName, nil
}

// Abort implements the librarian.StoreDriver interface.
func (d *StoreDriver) Abort(ctx context.Context, handle librarian.StagingHandle) error {
	delete(d.Contents, handle.Path)
	return nil
}

// Open implements the librarian.StoreDriver interface.
func (d *StoreDriver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	buf, exists := d.Contents[p]
	if !exists {
		return nil, fmt.Errorf("no content at %s: %w", p, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Checksum implements the librarian.StoreDriver interface.
func (d *StoreDriver) Checksum(ctx context.Context, p string) (digest.Digest, int64, error) {
	buf, exists := d.Contents[p]
	if !exists {
		return "", 0, fmt.Errorf("no content at %s: %w", p, os.ErrNotExist)
	}
	return digest.Canonical.FromBytes(buf), int64(len(buf)), nil
}

// Delete implements the librarian.StoreDriver interface.
func (d *StoreDriver) Delete(ctx context.Context, p string) error {
	delete(d.Contents, p)
	return nil
}

// FreeSpace implements the librarian.StoreDriver interface.
func (d *StoreDriver) FreeSpace(ctx context.Context) (int64, error) {
	if d.Capacity == 0 {
		return 1 << 50, nil
	}
	free := d.Capacity - d.usedBytes()
	if free < 0 {
		free = 0
	}
	return free, nil
}
