// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package rsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

func init() {
	librarian.StoreDriverRegistry.Add(func() librarian.StoreDriver { return &StoreDriver{} })
}

const stagingDirName = ".staging"

// StoreDriver (driver ID "rsync") is a librarian.StoreDriver for a store tree
// on an ssh-reachable host. The store row's root path uses the scp form
// "user@host:/data/librarian". Byte streams run over ssh; checksums and
// renames are executed remotely so that the bytes never make a round trip.
type StoreDriver struct {
	target   string // user@host
	rootPath string
}

// PluginTypeID implements the librarian.StoreDriver interface.
func (d *StoreDriver) PluginTypeID() string { return "rsync" }

// Init implements the librarian.StoreDriver interface.
func (d *StoreDriver) Init(store models.Store) error {
	target, rootPath, ok := strings.Cut(store.RootPath, ":")
	if !ok {
		return fmt.Errorf("store %q: rsync root must have the form user@host:/path", store.Name)
	}
	d.target = target
	d.rootPath = rootPath
	return nil
}

func (d *StoreDriver) remotePath(p string) (string, error) {
	full := path.Join(d.rootPath, p)
	if full != d.rootPath && !strings.HasPrefix(full, d.rootPath+"/") {
		return "", fmt.Errorf("path %q resolves outside the store", p)
	}
	return full, nil
}

// shellQuote wraps an operand in single quotes for the remote shell. ssh
// joins its argument vector into one command line and hands that to the login
// shell on the far side, so every path operand must be quoted or a file name
// carrying shell metacharacters would be executed rather than transferred.
func shellQuote(operand string) string {
	return "'" + strings.ReplaceAll(operand, "'", `'\''`) + "'"
}

// run executes a command on the remote host and returns its stdout. The args
// are joined by ssh and re-parsed by the remote shell: callers must pass
// every path operand through shellQuote.
func (d *StoreDriver) run(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ssh", append([]string{d.target, "--"}, args...)...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return nil, fmt.Errorf("ssh %s %s: %w (%s)", d.target,
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
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
		Path:     path.Join(stagingDirName, uuid.New().String(), path.Base(fileName)),
		Size:     size,
	}
	full, err := d.remotePath(handle.Path)
	if err != nil {
		return librarian.StagingHandle{}, err
	}
	_, err = d.run(ctx, nil, "mkdir", "-p", shellQuote(path.Dir(full)))
	return handle, err
}

// WriteStaged implements the librarian.StoreDriver interface.
func (d *StoreDriver) WriteStaged(ctx context.Context, handle librarian.StagingHandle, chunk io.Reader) error {
	full, err := d.remotePath(handle.Path)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, chunk, "cat", ">>", shellQuote(full))
	return err
}

// Commit implements the librarian.StoreDriver interface.
func (d *StoreDriver) Commit(ctx context.Context, handle librarian.StagingHandle, declared digest.Digest) (string, error) {
	measured, _, err := d.Checksum(ctx, handle.Path)
	if err != nil {
		return "", err
	}
	if measured != declared {
		return "", fmt.Errorf("%w: declared %s, measured %s", librarian.ErrChecksumMismatch, declared, measured)
	}

	stagedPath, err := d.remotePath(handle.Path)
	if err != nil {
		return "", err
	}
	finalPath, err := d.remotePath(handle.FileName)
	if err != nil {
		return "", err
	}
	_, err = d.run(ctx, nil,
		"mkdir", "-p", shellQuote(path.Dir(finalPath)),
		"&&", "mv", shellQuote(stagedPath), shellQuote(finalPath),
		"&&", "rmdir", shellQuote(path.Dir(stagedPath)))
	if err != nil {
		return "", err
	}
	return handle.FileName, nil
}

// Abort implements the librarian.StoreDriver interface.
func (d *StoreDriver) Abort(ctx context.Context, handle librarian.StagingHandle) error {
	full, err := d.remotePath(handle.Path)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, nil, "rm", "-rf", shellQuote(path.Dir(full)))
	return err
}

// Open implements the librarian.StoreDriver interface.
func (d *StoreDriver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	full, err := d.remotePath(p)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "ssh", d.target, "--", "cat", shellQuote(full))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	err = cmd.Start()
	if err != nil {
		return nil, err
	}
	return &cmdReader{ReadCloser: stdout, cmd: cmd}, nil
}

type cmdReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (r *cmdReader) Close() error {
	r.ReadCloser.Close()
	return r.cmd.Wait()
}

// Checksum implements the librarian.StoreDriver interface.
func (d *StoreDriver) Checksum(ctx context.Context, p string) (digest.Digest, int64, error) {
	full, err := d.remotePath(p)
	if err != nil {
		return "", 0, err
	}

	out, err := d.run(ctx, nil,
		"sha256sum", shellQuote(full), "&&", "stat", "-c", "%s", shellQuote(full))
	if err != nil {
		return "", 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return "", 0, fmt.Errorf("unexpected checksum output from %s: %q", d.target, string(out))
	}
	hexDigest := strings.Fields(lines[0])[0]
	size, err := strconv.ParseInt(strings.TrimSpace(lines[len(lines)-1]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("unexpected stat output from %s: %q", d.target, string(out))
	}

	measured := digest.NewDigestFromEncoded(digest.SHA256, hexDigest)
	return measured, size, measured.Validate()
}

// Delete implements the librarian.StoreDriver interface.
func (d *StoreDriver) Delete(ctx context.Context, p string) error {
	full, err := d.remotePath(p)
	if err != nil {
		return err
	}
	_, err = d.run(ctx, nil, "rm", "-f", shellQuote(full))
	return err
}

// FreeSpace implements the librarian.StoreDriver interface.
func (d *StoreDriver) FreeSpace(ctx context.Context) (int64, error) {
	out, err := d.run(ctx, nil, "df", "-kP", shellQuote(d.rootPath))
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output from %s: %q", d.target, string(out))
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, fmt.Errorf("unexpected df output from %s: %q", d.target, string(out))
	}
	availKiB, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, err
	}
	return availKiB * 1024, nil
}
