// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix is the prefix recognized for environment-variable overrides
// (§6 "command-line flags override environment variables, which override
// the config file"). No teacher precedent — the teacher only reads a single
// flag for the config path — built on a plain stdlib lookup function
// (os.LookupEnv in production), with no env-binding library.
const EnvPrefix = "RS_"

// ApplyEnv overlays RS_-prefixed environment variables onto an
// already-loaded, already-validated snapshot. lookup is os.LookupEnv in
// production and an in-memory map in tests. Only a fixed, named set of
// fields is overridable; byte-size and duration fields are re-derived
// through the same parsers Load uses so RingSizeBytes/PktSizeBytes never
// drift from their string source.
func (s *Snapshot) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "SERVER_ID"); ok {
		s.ServerID = v
	}
	if v, ok := lookup(EnvPrefix + "RING_DIR"); ok {
		s.RingDir = v
	}
	if v, ok := lookup(EnvPrefix + "RING_SIZE"); ok {
		b, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("%sRING_SIZE: %w", EnvPrefix, err)
		}
		s.RingSize = v
		s.RingSizeBytes = b
	}
	if v, ok := lookup(EnvPrefix + "PKT_SIZE"); ok {
		b, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("%sPKT_SIZE: %w", EnvPrefix, err)
		}
		s.PktSize = v
		s.PktSizeBytes = b
	}
	if v, ok := lookup(EnvPrefix + "MAX_CLIENTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_CLIENTS: %w", EnvPrefix, err)
		}
		s.MaxClients = n
	}
	if v, ok := lookup(EnvPrefix + "MAX_CLIENTS_PER_IP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_CLIENTS_PER_IP: %w", EnvPrefix, err)
		}
		s.MaxClientsPerIP = n
	}
	if v, ok := lookup(EnvPrefix + "CLIENT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sCLIENT_TIMEOUT: %w", EnvPrefix, err)
		}
		s.ClientTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		s.Logging.Level = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_FORMAT"); ok {
		s.Logging.Format = v
	}
	if v, ok := lookup(EnvPrefix + "CLIENT_DEBUG_LOG_DIR"); ok {
		s.ClientDebugLogDir = v
	}
	return nil
}
