// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"
)

// BackupRecord notes the generation that was current before an
// activation. It is advisory: Nix keeps the generation itself, the
// record only says which one to return to.
type BackupRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Generation   int       `json:"generation"`
	PreviousPath string    `json:"previous_path"`
	StorePath    string    `json:"store_path"`
	Profile      string    `json:"profile"`
}

// LatestBackupName is the file mirroring the most recent record.
const LatestBackupName = "latest.json"

// BackupDir returns the backup directory under a state directory.
func BackupDir(stateDir string) string {
	return filepath.Join(stateDir, "backups")
}

// writeBackup writes record as backup-<timestamp>.json and mirrors it
// to latest.json. Returns the timestamped path.
func writeBackup(dir string, record BackupRecord) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup record: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(dir, "backup-"+record.Timestamp.UTC().Format("20060102T150405Z")+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing backup record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LatestBackupName), data, 0o644); err != nil {
		return "", fmt.Errorf("writing backup record: %w", err)
	}
	return path, nil
}

// ParseBackupRecord decodes a backup record.
func ParseBackupRecord(data []byte) (BackupRecord, error) {
	var record BackupRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return BackupRecord{}, fmt.Errorf("parsing backup record: %w", err)
	}
	if record.Profile == "" {
		return BackupRecord{}, fmt.Errorf("backup record has no profile")
	}
	return record, nil
}

// ReadLatestBackup reads latest.json from dir.
func ReadLatestBackup(dir string) (BackupRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, LatestBackupName))
	if err != nil {
		return BackupRecord{}, fmt.Errorf("reading latest backup: %w", err)
	}
	return ParseBackupRecord(data)
}

// RollbackPlan is the manual procedure for returning to a backed-up
// generation. nix-deploy never runs it.
type RollbackPlan struct {
	Record   BackupRecord `json:"record"`
	Commands []string     `json:"commands"`
}

// PlanRollback returns the commands that restore record.
func PlanRollback(record BackupRecord) RollbackPlan {
	plan := RollbackPlan{Record: record}
	if record.Generation > 0 {
		plan.Commands = append(plan.Commands, shellquote.Join(
			"nix-env", "--profile", record.Profile, "--switch-generation", strconv.Itoa(record.Generation)))
	}
	if record.PreviousPath != "" {
		plan.Commands = append(plan.Commands, shellquote.Join(filepath.Join(record.PreviousPath, "activate")))
	}
	return plan
}

// Rollback reads the latest backup in backupDir and returns the plan
// for restoring it.
func Rollback(backupDir string) (RollbackPlan, error) {
	record, err := ReadLatestBackup(backupDir)
	if err != nil {
		return RollbackPlan{}, err
	}
	return PlanRollback(record), nil
}
