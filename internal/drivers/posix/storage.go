// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package posix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

func init() {
	librarian.StoreDriverRegistry.Add(func() librarian.StoreDriver { return &StoreDriver{} })
}

const stagingDirName = ".staging"

// StoreDriver (driver ID "posix") is a librarian.StoreDriver that stores its
// contents in a local filesystem tree. Committed files live under the store
// root at their file name; staged files live under <root>/.staging/<uuid>/.
// Commit is a rename within the filesystem, so it is atomic for readers.
type StoreDriver struct {
	rootPath string
}

// PluginTypeID implements the librarian.StoreDriver interface.
func (d *StoreDriver) PluginTypeID() string { return "posix" }

// Init implements the librarian.StoreDriver interface.
func (d *StoreDriver) Init(store models.Store) (err error) {
	d.rootPath, err = filepath.Abs(store.RootPath)
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(d.rootPath, stagingDirName), 0777) // subject to umask
}

// resolve joins a store-relative path with the root and rejects paths that
// escape the store tree (e.g. "../../etc/passwd").
func (d *StoreDriver) resolve(path string) (string, error) {
	full := filepath.Join(d.rootPath, path)
	if full != d.rootPath && !strings.HasPrefix(full, d.rootPath+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the store", path)
	}
	return full, nil
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

	handle := librarian.StagingHandle{
		FileName: fileName,
		Path:     filepath.Join(stagingDirName, uuid.New().String(), filepath.Base(fileName)),
		Size:     size,
	}
	full, err := d.resolve(handle.Path)
	if err != nil {
		return librarian.StagingHandle{}, err
	}
	return handle, os.MkdirAll(filepath.Dir(full), 0777) // subject to umask
}

// WriteStaged implements the librarian.StoreDriver interface.
func (d *StoreDriver) WriteStaged(ctx context.Context, handle librarian.StagingHandle, chunk io.Reader) error {
	full, err := d.resolve(handle.Path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666) // subject to umask
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, chunk)
	return err
}

// Commit implements the librarian.StoreDriver interface.
func (d *StoreDriver) Commit(ctx context.Context, handle librarian.StagingHandle, declared digest.Digest) (string, error) {
	stagedPath, err := d.resolve(handle.Path)
	if err != nil {
		return "", err
	}

	measured, size, err := measureFile(stagedPath)
	if err != nil {
		return "", err
	}
	if measured != declared {
		return "", fmt.Errorf("%w: declared %s, measured %s", librarian.ErrChecksumMismatch, declared, measured)
	}
	if handle.Size != 0 && size != handle.Size {
		return "", fmt.Errorf("%w: declared %d bytes, measured %d", librarian.ErrChecksumMismatch, handle.Size, size)
	}

	finalPath, err := d.resolve(handle.FileName)
	if err != nil {
		return "", err
	}
	err = os.MkdirAll(filepath.Dir(finalPath), 0777) // subject to umask
	if err != nil {
		return "", err
	}
	err = os.Rename(stagedPath, finalPath)
	if err != nil {
		return "", err
	}
	// the per-handle staging directory is empty now
	os.Remove(filepath.Dir(stagedPath))
	return handle.FileName, nil
}

// Abort implements the librarian.StoreDriver interface.
func (d *StoreDriver) Abort(ctx context.Context, handle librarian.StagingHandle) error {
	full, err := d.resolve(handle.Path)
	if err != nil {
		return err
	}
	err = os.RemoveAll(filepath.Dir(full))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Open implements the librarian.StoreDriver interface.
func (d *StoreDriver) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// Checksum implements the librarian.StoreDriver interface.
func (d *StoreDriver) Checksum(ctx context.Context, path string) (digest.Digest, int64, error) {
	full, err := d.resolve(path)
	if err != nil {
		return "", 0, err
	}
	measured, size, err := measureFile(full)
	return measured, size, err
}

// Delete implements the librarian.StoreDriver interface. Deleting a path that
// does not exist is not an error; empty parent directories are cleaned up so
// that the store tree does not accumulate dregs.
func (d *StoreDriver) Delete(ctx context.Context, path string) error {
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for dir := filepath.Dir(full); dir != d.rootPath; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break // not empty, or gone already
		}
	}
	return nil
}

// FreeSpace implements the librarian.StoreDriver interface.
func (d *StoreDriver) FreeSpace(ctx context.Context) (int64, error) {
	var stat syscall.Statfs_t
	err := syscall.Statfs(d.rootPath, &stat)
	if err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * stat.Bsize, nil
}

func measureFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), size, nil
}
