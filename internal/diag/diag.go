// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package diag produces the structured diagnostic dump triggered by SIGUSR1
// (§4.6 signal dispatcher: "forward to a diagnostic dump request"). It
// combines the server's own live parameters with host resource stats,
// grounded on internal/agent/monitor.go's SystemMonitor (periodic
// gopsutil collection into a small snapshot struct).
package diag

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/ringserver/internal/registry"
)

// HostStats holds the resource-usage fields collected via gopsutil.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	LoadAverage1  float64
}

// Snapshot is one SIGUSR1 dump (§4.6): server-side counts plus host stats.
type Snapshot struct {
	ServerUnits int
	Clients     int
	Host        HostStats
}

// collectHostStats gathers host resource stats. Collection failures are
// logged and leave the corresponding field at zero (§7 "diagnostic
// collection is best-effort, never fatal").
func collectHostStats(logger *slog.Logger) HostStats {
	var hs HostStats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		hs.CPUPercent = percentages[0]
	} else if logger != nil {
		logger.Debug("diag: failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		hs.MemoryPercent = v.UsedPercent
	} else if logger != nil {
		logger.Debug("diag: failed to collect memory stats", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		hs.LoadAverage1 = avg.Load1
	} else if logger != nil {
		logger.Debug("diag: failed to collect load average", "error", err)
	}

	return hs
}

// Dump builds one diagnostic snapshot from the registry's live catalogs.
func Dump(reg *registry.Registry, logger *slog.Logger) Snapshot {
	return Snapshot{
		ServerUnits: reg.ServerUnitCount(),
		Clients:     reg.ClientCount(),
		Host:        collectHostStats(logger),
	}
}

// Log writes the snapshot as one structured log line (§4.6 "log it").
func (s Snapshot) Log(logger *slog.Logger) {
	logger.Info("diagnostic dump",
		"server_units", s.ServerUnits,
		"clients", s.Clients,
		"cpu_percent", s.Host.CPUPercent,
		"memory_percent", s.Host.MemoryPercent,
		"load1", s.Host.LoadAverage1,
	)
}
