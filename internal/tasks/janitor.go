// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapcc/go-bits/jobloop"

	"github.com/simonsobs/librarian/internal/librarian"
	"github.com/simonsobs/librarian/internal/processor"
)

// Janitor contains the toolbox of the librarian background process. Each
// configured task instance becomes one jobloop.CronJob; multiple instances of
// the same kind (e.g. two create_local_clone tasks for different store pairs)
// coexist, distinguished by their task_name label.
type Janitor struct {
	cfg    librarian.Configuration
	db     *librarian.DB
	stores *librarian.StoreSet
	proc   *processor.Processor
	sink   librarian.NotificationSink

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeNow   func() time.Time
	addJitter jobloop.Jitter
}

// NewJanitor creates a new Janitor.
func NewJanitor(cfg librarian.Configuration, db *librarian.DB, stores *librarian.StoreSet, proc *processor.Processor, sink librarian.NotificationSink) *Janitor {
	return &Janitor{
		cfg:       cfg,
		db:        db,
		stores:    stores,
		proc:      proc,
		sink:      sink,
		timeNow:   time.Now,
		addJitter: jobloop.DefaultJitter,
	}
}

// OverrideTimeNow replaces time.Now with a test double.
func (j *Janitor) OverrideTimeNow(timeNow func() time.Time) *Janitor {
	j.timeNow = timeNow
	j.proc.OverrideTimeNow(timeNow)
	return j
}

// DisableJitter replaces addJitter with a no-op for this Janitor.
func (j *Janitor) DisableJitter() {
	j.addJitter = jobloop.NoJitter
}

// cronJob builds the uniform CronJob shell around one task instance: the
// configured cadence becomes the interval (with jitter via InitialDelay), the
// soft timeout becomes a context deadline that the task body checks at batch
// boundaries, and the task_name goes into the metric labels.
func (j *Janitor) cronJob(schedule librarian.TaskSchedule, kind, counterName string, registerer prometheus.Registerer, task func(context.Context) error) jobloop.Job {
	return (&jobloop.CronJob{
		Metadata: jobloop.JobMetadata{
			ReadableName: kind + " " + schedule.TaskName,
			CounterOpts: prometheus.CounterOpts{
				Name:        counterName,
				Help:        "Counter for executions of the " + kind + " task.",
				ConstLabels: prometheus.Labels{"task_name": schedule.TaskName},
			},
		},
		Interval:     schedule.Every.Std(),
		InitialDelay: j.addJitter(schedule.Every.Std()) / 2,
		Task: func(ctx context.Context, _ prometheus.Labels) error {
			ctx, cancel := context.WithDeadline(ctx, j.timeNow().Add(schedule.SoftTimeout.Std()))
			defer cancel()
			return task(ctx)
		},
	}).Setup(registerer)
}

// deadlineExpired reports whether the soft timeout of the current tick has
// passed. Tasks call this at work-unit boundaries; the running unit is always
// finished.
func deadlineExpired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && time.Now().After(deadline)
}

// Jobs assembles the full set of jobloop.Jobs for a background config.
// Unknown task kinds cannot occur here: the strict config decoder has already
// rejected them.
func (j *Janitor) Jobs(bg librarian.BackgroundConfig, registerer prometheus.Registerer) []jobloop.Job {
	var jobs []jobloop.Job
	for _, cfg := range bg.CheckIntegrity {
		jobs = append(jobs, j.CheckIntegrityJob(cfg, registerer))
	}
	for _, cfg := range bg.CreateLocalClone {
		jobs = append(jobs, j.CreateLocalCloneJob(cfg, registerer))
	}
	for _, cfg := range bg.SendClone {
		jobs = append(jobs, j.SendCloneJob(cfg, registerer))
	}
	for _, cfg := range bg.ReceiveClone {
		jobs = append(jobs, j.ReceiveCloneJob(cfg, registerer))
	}
	for _, cfg := range bg.ConsumeQueue {
		jobs = append(jobs, j.ConsumeQueueJob(cfg, registerer))
	}
	for _, cfg := range bg.CheckConsumedQueue {
		jobs = append(jobs, j.CheckConsumedQueueJob(cfg, registerer))
	}
	for _, cfg := range bg.IncomingTransferHypervisor {
		jobs = append(jobs, j.IncomingTransferHypervisorJob(cfg, registerer))
	}
	for _, cfg := range bg.OutgoingTransferHypervisor {
		jobs = append(jobs, j.OutgoingTransferHypervisorJob(cfg, registerer))
	}
	for _, cfg := range bg.DuplicateRemoteInstanceHypervisor {
		jobs = append(jobs, j.DuplicateRemoteInstanceHypervisorJob(cfg, registerer))
	}
	for _, cfg := range bg.RollingDeletion {
		jobs = append(jobs, j.RollingDeletionJob(cfg, registerer))
	}
	for _, cfg := range bg.CorruptionFixer {
		jobs = append(jobs, j.CorruptionFixerJob(cfg, registerer))
	}
	return jobs
}

// ageCutoff returns now - ageInDays.
func (j *Janitor) ageCutoff(ageInDays int) time.Time {
	return j.timeNow().Add(-time.Duration(ageInDays) * 24 * time.Hour)
}

func (j *Janitor) peerClientFor(name string) (processor.PeerAPI, error) {
	return j.proc.PeerClientFor(name)
}
