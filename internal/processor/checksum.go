// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sapcc/go-bits/logg"

	"github.com/simonsobs/librarian/internal/models"
)

// MeasureInstance returns the on-store checksum and size of an instance. A
// cached measurement younger than the configured checksum cache timeout is
// reused; otherwise the bytes are re-hashed and the cache columns updated.
func (p *Processor) MeasureInstance(ctx context.Context, instance models.Instance) (digest.Digest, int64, error) {
	now := p.timeNow()
	cacheTimeout := p.cfg.Server.ChecksumCacheTimeout.Std()

	if cacheTimeout > 0 && instance.ChecksumTime != nil && instance.CalculatedChecksum != nil {
		if now.Sub(*instance.ChecksumTime) < cacheTimeout {
			logg.Debug("reusing cached checksum for instance %d at %s: %s",
				instance.ID, instance.Path, *instance.CalculatedChecksum)
			var size int64
			if instance.CalculatedSize != nil {
				size = *instance.CalculatedSize
			}
			return *instance.CalculatedChecksum, size, nil
		}
	}

	_, driver, err := p.stores.DriverForID(instance.StoreID)
	if err != nil {
		return "", 0, err
	}
	measured, size, err := driver.Checksum(ctx, instance.Path)
	if err != nil {
		return "", 0, err
	}

	_, err = p.db.Exec(
		`UPDATE instances SET calculated_checksum = $1, calculated_size = $2, checksum_time = $3 WHERE id = $4`,
		string(measured), size, now, instance.ID)
	if err != nil {
		return "", 0, err
	}
	return measured, size, nil
}

// InvalidateChecksumCache clears the cached measurement, forcing the next
// MeasureInstance to re-hash.
func (p *Processor) InvalidateChecksumCache(instanceID int64) error {
	_, err := p.db.Exec(
		`UPDATE instances SET calculated_checksum = NULL, calculated_size = NULL, checksum_time = NULL WHERE id = $1`,
		instanceID)
	return err
}

// Now exposes the processor's clock to the API handlers, which share its
// test-override mechanism.
func (p *Processor) Now() time.Time {
	return p.timeNow()
}
