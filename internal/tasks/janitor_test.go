// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"net/url"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/sapcc/go-bits/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gorp "gopkg.in/gorp.v2"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/models"
	"github.com/simonsobs/librarian/internal/processor"
)

// recordingSink collects notifications for assertions.
type recordingSink struct {
	Notifications []librarian.Notification
}

func (s *recordingSink) Notify(n librarian.Notification) {
	s.Notifications = append(s.Notifications, n)
}

func setup(t *testing.T) (*Janitor, sqlmock.Sqlmock, *recordingSink, *mock.Clock) {
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
	stores := librarian.NewStoreSet(db)
	sink := &recordingSink{}
	proc := processor.New(cfg, db, stores, sink)
	clock := mock.NewClock()

	j := NewJanitor(cfg, db, stores, proc, sink).OverrideTimeNow(clock.Now)
	j.DisableJitter()
	return j, mockCtl, sink, clock
}

func TestRollingDeletionHonorsDeletionPolicy(t *testing.T) {
	j, mockCtl, sink, _ := setup(t)

	// a disallowed instance without force_deletion is skipped before any
	// catalog access happens
	cfg := librarian.RollingDeletionConfig{
		StoreName:            "fast",
		NumberOfRemoteCopies: 1,
	}
	instance := models.Instance{
		ID:             1,
		FileName:       "f1",
		DeletionPolicy: models.DeletionDisallowed,
	}
	err := j.considerInstanceForDeletion(context.Background(), cfg, models.Store{ID: 1, Name: "fast"}, instance)
	assert.NoError(t, err)
	assert.Empty(t, sink.Notifications)
	assert.NoError(t, mockCtl.ExpectationsWereMet(), "no queries may have run")
}

func TestRollingDeletionBlockedNotificationOnlyAfter24h(t *testing.T) {
	j, _, sink, clock := setup(t)

	uploadedAt := clock.Now()
	file := models.File{Name: "f1", UploadedAt: uploadedAt}

	// a file younger than 24h is expected to be under-replicated; no event
	clock.StepBy(6 * time.Hour)
	j.notifyInsufficientCopies(file, 0, 2)
	assert.Empty(t, sink.Notifications)

	clock.StepBy(19 * time.Hour)
	j.notifyInsufficientCopies(file, 0, 2)
	require.Len(t, sink.Notifications, 1)
	assert.Equal(t, librarian.EventInsufficientRemoteCopies, sink.Notifications[0].Event)
	assert.Equal(t, "f1", sink.Notifications[0].Subject)
}

func TestWarnIfDisabledTooLong(t *testing.T) {
	j, _, sink, clock := setup(t)

	disabledAt := clock.Now()
	dest := models.Librarian{Name: "site-b", DisabledAt: &disabledAt}

	clock.StepBy(2 * 24 * time.Hour)
	j.warnIfDisabledTooLong(dest, 7)
	assert.Empty(t, sink.Notifications, "below the warn threshold")

	clock.StepBy(6 * 24 * time.Hour)
	j.warnIfDisabledTooLong(dest, 7)
	require.Len(t, sink.Notifications, 1)
	assert.Equal(t, librarian.EventPeerDisabled, sink.Notifications[0].Event)

	sink.Notifications = nil
	j.warnIfDisabledTooLong(models.Librarian{Name: "site-c"}, 7)
	assert.Empty(t, sink.Notifications, "never-disabled peers do not warn")
}

func TestCheckConsumedQueueRevertsAndFinishes(t *testing.T) {
	j, mockCtl, _, clock := setup(t)

	mockCtl.ExpectExec(`UPDATE send_queue_items SET status = 'pending'.*`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	queueColumns := []string{"id", "outgoing_transfer_id", "priority", "status", "enqueued_at", "claimed_by", "claim_deadline"}
	claimant := "gone-consumer"
	deadline := clock.Now()
	mockCtl.ExpectQuery(`SELECT q\..* FROM send_queue_items q.*JOIN outgoing_transfers t.*`).
		WillReturnRows(sqlmock.NewRows(queueColumns).
			AddRow(7, 70, 0, "claimed", clock.Now(), claimant, deadline))

	transferColumns := []string{
		"id", "file_name", "destination_librarian", "source_store_id", "status",
		"transport", "created_at", "updated_at", "remote_transfer_id", "attempt_count",
	}
	mockCtl.ExpectQuery(`SELECT \* FROM outgoing_transfers WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(transferColumns).
			AddRow(70, "f1", "site-b", 1, "completed", "network", clock.Now(), clock.Now(), nil, 1))

	mockCtl.ExpectExec(`UPDATE send_queue_items SET status = \$1 WHERE id = \$2 AND status = 'claimed'`).
		WithArgs("done", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := j.checkConsumedQueue(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mockCtl.ExpectationsWereMet())
}

func TestDeadlineExpired(t *testing.T) {
	assert.False(t, deadlineExpired(context.Background()))

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	assert.True(t, deadlineExpired(expired))

	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.True(t, deadlineExpired(cancelled))
}
