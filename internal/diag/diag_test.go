// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package diag

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nishisan-dev/ringserver/internal/client"
	"github.com/nishisan-dev/ringserver/internal/registry"
)

func TestDump_CountsServerUnitsAndClients(t *testing.T) {
	reg := registry.New()
	reg.AddServerUnit(registry.KindListener, "listener-1")
	reg.AddServerUnit(registry.KindDirectoryScanner, "scanner-1")
	reg.AddClientUnit(client.New(1, nil, time.Now()))
	reg.AddClientUnit(client.New(2, nil, time.Now()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snap := Dump(reg, logger)

	if snap.ServerUnits != 2 {
		t.Errorf("expected 2 server units, got %d", snap.ServerUnits)
	}
	if snap.Clients != 2 {
		t.Errorf("expected 2 clients, got %d", snap.Clients)
	}
}

func TestSnapshot_Log_DoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snap := Snapshot{ServerUnits: 1, Clients: 1, Host: HostStats{CPUPercent: 1.5}}
	snap.Log(logger)
}
