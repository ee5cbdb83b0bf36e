// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"time"

	"github.com/sapcc/go-bits/logg"
)

// NotificationEvent is the closed set of operator-visible events.
type NotificationEvent string

const (
	EventStoreDisabled            NotificationEvent = "store-disabled"
	EventPeerDisabled             NotificationEvent = "peer-disabled"
	EventFileCorrupt              NotificationEvent = "file-corrupt"
	EventInsufficientRemoteCopies NotificationEvent = "insufficient-remote-copies"
)

// Notification is one operator-visible event with its subject.
type Notification struct {
	Event      NotificationEvent
	Subject    string // store name, peer name, or file name
	Detail     string
	OccurredAt time.Time
}

// NotificationSink receives operator-visible events. The default sink writes
// to the log; deployments with a paging system plug in their own.
type NotificationSink interface {
	Notify(n Notification)
}

// LogNotificationSink is a NotificationSink that only writes log lines.
type LogNotificationSink struct{}

// Notify implements the NotificationSink interface.
func (LogNotificationSink) Notify(n Notification) {
	logg.Other("NOTIFY", "%s: %s (%s)", n.Event, n.Subject, n.Detail)
}
