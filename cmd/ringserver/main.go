// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/ringserver/internal/config"
	"github.com/nishisan-dev/ringserver/internal/logging"
	"github.com/nishisan-dev/ringserver/internal/protocol"
	"github.com/nishisan-dev/ringserver/internal/ring"
	"github.com/nishisan-dev/ringserver/internal/signalbus"
	"github.com/nishisan-dev/ringserver/internal/supervisor"
)

func main() {
	os.Exit(run())
}

// run wires the process together: load config (file, then RS_-prefixed env,
// then flags, in ascending precedence per §6), build the ring handle, start
// the supervisor and block until it returns a drain/abandon/fatal exit code.
// Split out from main so the precedence chain and error paths are testable
// in isolation from os.Exit.
func run() int {
	configDefault := "/etc/ringserver/ringserver.yaml"
	if v, ok := os.LookupEnv(config.EnvPrefix + "CONFIG_FILE"); ok {
		configDefault = v
	}
	configPath := flag.String("c", configDefault, "path to ringserver config file")
	maxClients := flag.Int("max-clients", 0, "override max_clients from the config file (0 = no override)")
	ringDir := flag.String("ring-dir", "", "override ring_dir from the config file (empty = no override)")
	flag.Parse()

	snap, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}
	if err := snap.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "applying environment overrides: %v\n", err)
		return 1
	}
	if *maxClients > 0 {
		snap.MaxClients = *maxClients
	}
	if *ringDir != "" {
		snap.RingDir = *ringDir
	}

	logger, closer := logging.NewLogger(snap.Logging.Level, snap.Logging.Format, snap.Logging.File)
	defer closer.Close()

	rb, err := ring.Open(snap.RingDir, snap, memEngineOpener, map[int]ring.Converter{
		1: ring.LoadBufferV1,
	})
	if err != nil {
		logger.Error("failed to open ring", "error", err)
		return 1
	}

	store := config.NewStore(snap)
	bus := signalbus.New(logger)
	srv := supervisor.New(store, rb, bus, protocol.Reference{}, logger)

	if err := srv.Build(); err != nil {
		logger.Error("failed to start listeners/scanners", "error", err)
		return 1
	}

	logger.Info("ringserver started", "server_id", snap.ServerID, "config", *configPath)
	return srv.Run(context.Background())
}

// memEngineOpener backs the ring with the in-process MemEngine, sized from
// the snapshot's byte budget (§6 "ring_size" / "pkt_size"). A disk/mmap
// engine is out of scope for the core (§1 Non-goals) — volatile_ring is
// always effectively true here regardless of the config flag's value.
func memEngineOpener(dir string, cfg *config.Snapshot) (ring.Handle, error) {
	capacity := cfg.RingSizeBytes / cfg.PktSizeBytes
	if capacity < 1 {
		capacity = 1
	}
	return ring.NewMemEngine(capacity), nil
}
