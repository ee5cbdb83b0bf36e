// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
)

func init() {
	librarian.StoreDriverRegistry.Add(func() librarian.StoreDriver { return &StoreDriver{} })
}

const stagingDirName = ".staging"

// StoreDriver (driver ID "s3") is a librarian.StoreDriver for a cloud object
// bucket. The store row's root path has the form "s3://bucket/prefix".
// "Staging" and "committing" are both object writes; commit verifies the
// declared digest by streaming the staged object back, then performs a
// server-side copy to the final key. Readers never observe a partial file
// because S3 object writes are atomic.
type StoreDriver struct {
	client *awss3.Client
	bucket string
	prefix string
}

// PluginTypeID implements the librarian.StoreDriver interface.
func (d *StoreDriver) PluginTypeID() string { return "s3" }

// Init implements the librarian.StoreDriver interface.
func (d *StoreDriver) Init(store models.Store) error {
	trimmed, ok := strings.CutPrefix(store.RootPath, "s3://")
	if !ok {
		return fmt.Errorf("store %q: s3 root must have the form s3://bucket/prefix", store.Name)
	}
	d.bucket, d.prefix, _ = strings.Cut(trimmed, "/")
	if d.bucket == "" {
		return fmt.Errorf("store %q: missing bucket name", store.Name)
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return fmt.Errorf("store %q: %w", store.Name, err)
	}
	d.client = awss3.NewFromConfig(cfg)
	return nil
}

func (d *StoreDriver) key(p string) string {
	return path.Join(d.prefix, p)
}

// Stage implements the librarian.StoreDriver interface.
func (d *StoreDriver) Stage(ctx context.Context, fileName string, size int64) (librarian.StagingHandle, error) {
	// no preallocation is needed; the handle just names the staging key
	return librarian.StagingHandle{
		FileName: fileName,
		Path:     path.Join(stagingDirName, uuid.New().String(), path.Base(fileName)),
		Size:     size,
	}, nil
}

// WriteStaged implements the librarian.StoreDriver interface. Unlike the
// filesystem drivers this does not append: the whole content must arrive in
// one call, which is what the transfer paths do for cloud stores.
func (d *StoreDriver) WriteStaged(ctx context.Context, handle librarian.StagingHandle, chunk io.Reader) error {
	_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(handle.Path)),
		Body:   chunk,
	})
	return err
}

// Commit implements the librarian.StoreDriver interface.
func (d *StoreDriver) Commit(ctx context.Context, handle librarian.StagingHandle, declared digest.Digest) (string, error) {
	measured, size, err := d.Checksum(ctx, handle.Path)
	if err != nil {
		return "", err
	}
	if measured != declared {
		return "", fmt.Errorf("%w: declared %s, measured %s", librarian.ErrChecksumMismatch, declared, measured)
	}
	if handle.Size != 0 && size != handle.Size {
		return "", fmt.Errorf("%w: declared %d bytes, measured %d", librarian.ErrChecksumMismatch, handle.Size, size)
	}

	_, err = d.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key(handle.FileName)),
		CopySource: aws.String(d.bucket + "/" + d.key(handle.Path)),
	})
	if err != nil {
		return "", err
	}
	return handle.FileName, d.Delete(ctx, handle.Path)
}

// Abort implements the librarian.StoreDriver interface.
func (d *StoreDriver) Abort(ctx context.Context, handle librarian.StagingHandle) error {
	return d.Delete(ctx, handle.Path)
}

// Open implements the librarian.StoreDriver interface.
func (d *StoreDriver) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Checksum implements the librarian.StoreDriver interface. The object is
// streamed back for measurement; ETags are not trusted since they are not a
// content digest for multipart uploads.
func (d *StoreDriver) Checksum(ctx context.Context, p string) (digest.Digest, int64, error) {
	reader, err := d.Open(ctx, p)
	if err != nil {
		return "", 0, err
	}
	defer reader.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(digester.Hash(), reader)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), size, nil
}

// Delete implements the librarian.StoreDriver interface.
func (d *StoreDriver) Delete(ctx context.Context, p string) error {
	_, err := d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// FreeSpace implements the librarian.StoreDriver interface. Buckets have no
// usable free-space notion; the catalog's capacity accounting is the limit.
func (d *StoreDriver) FreeSpace(ctx context.Context) (int64, error) {
	return math.MaxInt64, nil
}
