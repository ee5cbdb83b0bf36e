// SPDX-FileCopyrightText: 2024 Simons Foundation
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"fmt"
	"os"
)

// TaskSchedule is the part of a task descriptor that every task kind shares.
type TaskSchedule struct {
	TaskName    string   `json:"task_name"`
	Every       Duration `json:"every"`
	SoftTimeout Duration `json:"soft_timeout"`
}

func (s TaskSchedule) validate(kind string) error {
	if s.TaskName == "" {
		return fmt.Errorf("%s: missing task_name", kind)
	}
	if s.Every <= 0 {
		return fmt.Errorf("%s %q: every must be positive", kind, s.TaskName)
	}
	if s.SoftTimeout <= 0 {
		return fmt.Errorf("%s %q: soft_timeout must be positive", kind, s.TaskName)
	}
	return nil
}

// CheckIntegrityConfig configures one check_integrity task instance.
type CheckIntegrityConfig struct {
	TaskSchedule
	StoreName string `json:"store_name"`
	AgeInDays int    `json:"age_in_days"`
}

// CreateLocalCloneConfig configures one create_local_clone task instance.
type CreateLocalCloneConfig struct {
	TaskSchedule
	CloneFrom          string   `json:"clone_from"`
	CloneTo            []string `json:"clone_to"`
	AgeInDays          int      `json:"age_in_days"`
	FilesPerRun        int      `json:"files_per_run"`
	DisableStoreOnFull bool     `json:"disable_store_on_full"`
}

// SendCloneConfig configures one send_clone task instance.
type SendCloneConfig struct {
	TaskSchedule
	DestinationLibrarian string `json:"destination_librarian"`
	AgeInDays            int    `json:"age_in_days"`
	StorePreference      string `json:"store_preference"`
	SendBatchSize        int    `json:"send_batch_size"`
	WarnDisabledTimer    int    `json:"warn_disabled_timer"` // days
}

// ConsumeQueueConfig configures one consume_queue task instance.
type ConsumeQueueConfig struct {
	TaskSchedule
	BatchSize int `json:"batch_size"`
}

// CheckConsumedQueueConfig configures one check_consumed_queue task instance.
type CheckConsumedQueueConfig struct {
	TaskSchedule
}

// ReceiveCloneConfig configures one receive_clone task instance.
type ReceiveCloneConfig struct {
	TaskSchedule
	DeletionPolicy string `json:"deletion_policy"`
}

// TransferHypervisorConfig configures an incoming or outgoing transfer
// hypervisor task instance.
type TransferHypervisorConfig struct {
	TaskSchedule
	AgeInDays int `json:"age_in_days"`
}

// DuplicateRemoteInstanceHypervisorConfig configures one
// duplicate_remote_instance_hypervisor task instance.
type DuplicateRemoteInstanceHypervisorConfig struct {
	TaskSchedule
}

// RollingDeletionConfig configures one rolling_deletion task instance.
type RollingDeletionConfig struct {
	TaskSchedule
	StoreName                 string `json:"store_name"`
	AgeInDays                 int    `json:"age_in_days"`
	NumberOfRemoteCopies      int    `json:"number_of_remote_copies"`
	VerifyDownstreamChecksums bool   `json:"verify_downstream_checksums"`
	MarkUnavailable           bool   `json:"mark_unavailable"`
	ForceDeletion             bool   `json:"force_deletion"`
}

// CorruptionFixerConfig configures one corruption_fixer task instance.
type CorruptionFixerConfig struct {
	TaskSchedule
}

// BackgroundConfig is the structured background config document: a mapping
// from task kind to the list of task instances of that kind. An unknown task
// kind (or any unknown key inside a descriptor) is a configuration error.
type BackgroundConfig struct {
	CheckIntegrity                    []CheckIntegrityConfig                    `json:"check_integrity"`
	CreateLocalClone                  []CreateLocalCloneConfig                  `json:"create_local_clone"`
	SendClone                         []SendCloneConfig                         `json:"send_clone"`
	ReceiveClone                      []ReceiveCloneConfig                      `json:"receive_clone"`
	ConsumeQueue                      []ConsumeQueueConfig                      `json:"consume_queue"`
	CheckConsumedQueue                []CheckConsumedQueueConfig                `json:"check_consumed_queue"`
	IncomingTransferHypervisor        []TransferHypervisorConfig                `json:"incoming_transfer_hypervisor"`
	OutgoingTransferHypervisor        []TransferHypervisorConfig                `json:"outgoing_transfer_hypervisor"`
	DuplicateRemoteInstanceHypervisor []DuplicateRemoteInstanceHypervisorConfig `json:"duplicate_remote_instance_hypervisor"`
	RollingDeletion                   []RollingDeletionConfig                   `json:"rolling_deletion"`
	CorruptionFixer                   []CorruptionFixerConfig                   `json:"corruption_fixer"`
}

// LoadBackgroundConfig reads and validates the background config document.
func LoadBackgroundConfig(path string) (BackgroundConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return BackgroundConfig{}, fmt.Errorf("cannot read background config: %w", err)
	}

	var cfg BackgroundConfig
	err = UnmarshalJSONStrict(buf, &cfg)
	if err != nil {
		return BackgroundConfig{}, fmt.Errorf("cannot parse background config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks all task descriptors.
func (cfg BackgroundConfig) Validate() error {
	for _, t := range cfg.CheckIntegrity {
		if err := t.validate("check_integrity"); err != nil {
			return err
		}
		if t.StoreName == "" {
			return fmt.Errorf("check_integrity %q: missing store_name", t.TaskName)
		}
	}
	for _, t := range cfg.CreateLocalClone {
		if err := t.validate("create_local_clone"); err != nil {
			return err
		}
		if t.CloneFrom == "" || len(t.CloneTo) == 0 {
			return fmt.Errorf("create_local_clone %q: clone_from and clone_to are required", t.TaskName)
		}
		if t.FilesPerRun <= 0 {
			return fmt.Errorf("create_local_clone %q: files_per_run must be positive", t.TaskName)
		}
	}
	for _, t := range cfg.SendClone {
		if err := t.validate("send_clone"); err != nil {
			return err
		}
		if t.DestinationLibrarian == "" {
			return fmt.Errorf("send_clone %q: missing destination_librarian", t.TaskName)
		}
		if t.SendBatchSize <= 0 {
			return fmt.Errorf("send_clone %q: send_batch_size must be positive", t.TaskName)
		}
	}
	for _, t := range cfg.ReceiveClone {
		if err := t.validate("receive_clone"); err != nil {
			return err
		}
		switch t.DeletionPolicy {
		case "", "allowed", "disallowed":
		default:
			return fmt.Errorf("receive_clone %q: unknown deletion_policy %q", t.TaskName, t.DeletionPolicy)
		}
	}
	for _, t := range cfg.ConsumeQueue {
		if err := t.validate("consume_queue"); err != nil {
			return err
		}
	}
	for _, t := range cfg.CheckConsumedQueue {
		if err := t.validate("check_consumed_queue"); err != nil {
			return err
		}
	}
	for _, t := range cfg.IncomingTransferHypervisor {
		if err := t.validate("incoming_transfer_hypervisor"); err != nil {
			return err
		}
	}
	for _, t := range cfg.OutgoingTransferHypervisor {
		if err := t.validate("outgoing_transfer_hypervisor"); err != nil {
			return err
		}
	}
	for _, t := range cfg.DuplicateRemoteInstanceHypervisor {
		if err := t.validate("duplicate_remote_instance_hypervisor"); err != nil {
			return err
		}
	}
	for _, t := range cfg.RollingDeletion {
		if err := t.validate("rolling_deletion"); err != nil {
			return err
		}
		if t.StoreName == "" {
			return fmt.Errorf("rolling_deletion %q: missing store_name", t.TaskName)
		}
		if t.NumberOfRemoteCopies <= 0 {
			return fmt.Errorf("rolling_deletion %q: number_of_remote_copies must be positive", t.TaskName)
		}
	}
	for _, t := range cfg.CorruptionFixer {
		if err := t.validate("corruption_fixer"); err != nil {
			return err
		}
	}
	return nil
}
