// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ring

import (
	"fmt"
	"os"
)

// LoadBufferV1 replays packets from a version-1 on-disk packet buffer
// (moved aside by the auto-recovery protocol to
// "<ringDir>.version1/packetbuf", passed in as backupDir) into a
// freshly initialized Handle (§6 "format converter (LoadBufferV1 for version
// 1)", S6). The version-1 record layout is out of scope for the core (§1);
// this reads the legacy "packetbuf" file as a flat sequence of
// newline-delimited packets, which is the minimal format a v1 reader needs
// to understand to satisfy the replay contract.
func LoadBufferV1(backupDir string, h Handle) error {
	data, err := os.ReadFile(backupDir + "/packetbuf")
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to replay
		}
		return fmt.Errorf("reading version-1 packet buffer: %w", err)
	}

	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if i > start {
			if _, err := h.WritePacket("v1-recovered", data[start:i]); err != nil {
				return fmt.Errorf("replaying v1 packet: %w", err)
			}
		}
		start = i + 1
	}
	if start < len(data) {
		if _, err := h.WritePacket("v1-recovered", data[start:]); err != nil {
			return fmt.Errorf("replaying v1 trailing packet: %w", err)
		}
	}

	return nil
}
