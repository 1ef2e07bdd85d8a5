// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
ring_dir: /var/lib/ringserver
ring_size: 64mb
pkt_size: 512
server_id: test-ring-01
max_clients: 100
max_clients_per_ip: 5
client_timeout: 30s
tls_cert_file: server.crt
tls_key_file: server.key
match_ips:
  - cidr: 10.0.0.0/8
reject_ips:
  - cidr: 10.0.0.5/32
write_ips:
  - cidr: 127.0.0.1/32
listeners:
  - port: "16000"
    protocols: [datalink, seedlink]
    family: [ipv4]
    tls: false
  - port: "443"
    protocols: [http]
    family: [ipv4]
    tls: true
scanners:
  - path: /data/incoming
    state_file: /var/lib/ringserver/scan.state
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ringserver.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoad_ExampleFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if snap.ServerID != "test-ring-01" {
		t.Errorf("expected server_id test-ring-01, got %q", snap.ServerID)
	}
	if snap.RingSizeBytes != 64<<20 {
		t.Errorf("expected ring size 64MB, got %d", snap.RingSizeBytes)
	}
	if snap.ClientTimeout != 30*time.Second {
		t.Errorf("expected client_timeout 30s, got %v", snap.ClientTimeout)
	}
	if len(snap.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(snap.Listeners))
	}
	if snap.MatchIPs[0].Network() == nil {
		t.Errorf("expected match_ips[0] network to be parsed")
	}
	if len(snap.Scanners) != 1 || snap.Scanners[0].Schedule != "@every 1m" {
		t.Errorf("expected scanner default schedule, got %+v", snap.Scanners)
	}
}

func TestLoad_MissingTLSCertWhenListenerWantsTLS(t *testing.T) {
	body := `
ring_dir: /var/lib/ringserver
ring_size: 1mb
listeners:
  - port: "443"
    protocols: [http]
    tls: true
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when tls listener lacks cert/key")
	}
}

func TestLoad_RequiresAtLeastOneListener(t *testing.T) {
	body := `
ring_dir: /var/lib/ringserver
ring_size: 1mb
`
	path := writeConfig(t, body)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no listeners configured")
	}
}

func TestStore_CheckReload_NoChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := NewStore(snap)

	reloaded, err := store.CheckReload()
	if err != nil {
		t.Fatalf("CheckReload: %v", err)
	}
	if reloaded {
		t.Error("expected no reload when mtime unchanged")
	}
	if store.Current() != snap {
		t.Error("expected identical snapshot pointer when no reload occurs")
	}
}

func TestStore_CheckReload_OnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := NewStore(snap)

	// Força mtime futuro para simular edição do arquivo.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	// Reescreve acrescentando verbosity: 3.
	if err := os.WriteFile(path, []byte(sampleConfig+"\nverbosity: 3\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	reloaded, err := store.CheckReload()
	if err != nil {
		t.Fatalf("CheckReload: %v", err)
	}
	if !reloaded {
		t.Fatal("expected reload when mtime advanced")
	}
	if store.Current().Verbosity != 3 {
		t.Errorf("expected reloaded snapshot to reflect new content, got verbosity=%d", store.Current().Verbosity)
	}
}

func TestApplyEnv_OverridesAndReparsesDerivedFields(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	env := map[string]string{
		"RS_SERVER_ID":      "from-env",
		"RS_RING_SIZE":      "128mb",
		"RS_MAX_CLIENTS":    "250",
		"RS_CLIENT_TIMEOUT": "45s",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	if err := snap.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if snap.ServerID != "from-env" {
		t.Errorf("expected server_id from-env, got %q", snap.ServerID)
	}
	if snap.RingSizeBytes != 128<<20 {
		t.Errorf("expected ring_size re-derived to 128MB, got %d", snap.RingSizeBytes)
	}
	if snap.MaxClients != 250 {
		t.Errorf("expected max_clients 250, got %d", snap.MaxClients)
	}
	if snap.ClientTimeout != 45*time.Second {
		t.Errorf("expected client_timeout 45s, got %v", snap.ClientTimeout)
	}
	// Fields with no matching env entry are left untouched.
	if snap.MaxClientsPerIP != 5 {
		t.Errorf("expected max_clients_per_ip unchanged at 5, got %d", snap.MaxClientsPerIP)
	}
}

func TestApplyEnv_RejectsInvalidValue(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lookup := func(key string) (string, bool) {
		if key == "RS_MAX_CLIENTS" {
			return "not-a-number", true
		}
		return "", false
	}
	if err := snap.ApplyEnv(lookup); err == nil {
		t.Fatal("expected error for malformed RS_MAX_CLIENTS")
	}
}
