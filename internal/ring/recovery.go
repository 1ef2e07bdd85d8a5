// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ring

import (
	"errors"
	"fmt"
	"os"

	"github.com/nishisan-dev/ringserver/internal/config"
)

// Opener constructs (or re-opens) a Handle over the given ring directory. A
// real disk/mmap engine would read packetbuf/streamidx from dir; MemEngine
// ignores dir entirely and always starts empty, which is sufficient for the
// volatile_ring path and for tests driving the recovery state machine.
type Opener func(dir string, cfg *config.Snapshot) (Handle, error)

// Converter replays a prior on-disk format's backup files into a freshly
// initialized Handle. Registered per source version (§6 "LoadBufferV1 for
// version 1").
type Converter func(backupDir string, h Handle) error

// Open runs the full init/auto-recovery protocol (§6, §7, S6):
//
//  1. Call opener(dir, cfg).
//  2. On success, return the handle.
//  3. On ErrFatal, or any error when cfg.AutoRecovery is off, fail fatally.
//  4. On ErrCorrupt or a *VersionError, apply the auto-recovery policy
//     (rename-aside or delete the ring files per cfg.AutoRecovery) and retry
//     the opener exactly once. If a *VersionError was returned, invoke the
//     registered Converter for that version against the renamed-aside backup
//     before returning the fresh handle. If the second attempt also errors,
//     that is fatal.
func Open(dir string, cfg *config.Snapshot, opener Opener, converters map[int]Converter) (Handle, error) {
	h, err := opener(dir, cfg)
	if err == nil {
		return h, nil
	}

	if cfg.AutoRecovery == config.AutoRecoveryOff {
		return nil, fmt.Errorf("ring init failed and auto_recovery is off: %w", err)
	}

	var verr *VersionError
	switch {
	case errors.Is(err, ErrFatal):
		return nil, fmt.Errorf("ring init fatal: %w", err)
	case errors.Is(err, ErrCorrupt):
		if _, recErr := recoverFilesWithBackup(dir, cfg.AutoRecovery, 0); recErr != nil {
			return nil, fmt.Errorf("ring auto-recovery (corrupt): %w", recErr)
		}
	case errors.As(err, &verr):
		backupDir, recErr := recoverFilesWithBackup(dir, cfg.AutoRecovery, verr.Version)
		if recErr != nil {
			return nil, fmt.Errorf("ring auto-recovery (version %d): %w", verr.Version, recErr)
		}
		h2, openErr := opener(dir, cfg)
		if openErr != nil {
			return nil, fmt.Errorf("ring re-init after auto-recovery failed: %w", openErr)
		}
		if conv, ok := converters[verr.Version]; ok && backupDir != "" {
			if convErr := conv(backupDir, h2); convErr != nil {
				return nil, fmt.Errorf("replaying version %d backup: %w", verr.Version, convErr)
			}
			if cfg.AutoRecovery == config.AutoRecoveryMove {
				_ = os.RemoveAll(backupDir)
			}
		}
		return h2, nil
	default:
		return nil, fmt.Errorf("ring init failed: %w", err)
	}

	h2, openErr := opener(dir, cfg)
	if openErr != nil {
		return nil, fmt.Errorf("ring re-init after auto-recovery failed: %w", openErr)
	}
	return h2, nil
}

// recoverFilesWithBackup moves (policy==Move) or deletes (policy==Delete)
// the ring's packetbuf/streamidx files. Under Move the files keep their
// names and are moved into a backup directory beside the ring directory,
// "<ringDir>.versionN" when version > 0 (so a registered Converter can
// replay it, S6) or "<ringDir>.corrupt" when version == 0; the files are not
// renamed in place inside ringDir. A second recovery never clobbers the
// first backup — a numeric suffix is added to the directory name if it
// already exists. The backup directory is returned ("" under Delete).
func recoverFilesWithBackup(dir string, policy config.AutoRecovery, version int) (backupDir string, err error) {
	if policy == config.AutoRecoveryDelete {
		for _, name := range []string{"packetbuf", "streamidx"} {
			_ = os.Remove(dir + "/" + name)
		}
		return "", nil
	}

	suffix := ".corrupt"
	if version > 0 {
		suffix = fmt.Sprintf(".version%d", version)
	}

	target := dir + suffix
	target = uniqueBackupPath(target)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("creating backup dir %s: %w", target, err)
	}

	for _, name := range []string{"packetbuf", "streamidx"} {
		src := dir + "/" + name
		if _, statErr := os.Stat(src); statErr != nil {
			continue
		}
		if err := os.Rename(src, target+"/"+name); err != nil {
			return "", fmt.Errorf("renaming %s to backup: %w", src, err)
		}
	}

	return target, nil
}

// uniqueBackupPath appends ".1", ".2", ... to path until it no longer
// exists, so repeated corruption events never clobber a prior backup
// (invariant #9).
func uniqueBackupPath(path string) string {
	candidate := path
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s.%d", path, i)
	}
}
