// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ipacl

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/ringserver/internal/config"
)

// compiledList builds policy entries through a minimal Snapshot, since
// PolicyEntry's CIDR/regex compilation is unexported and only runs during
// config.Load.
func compiledList(t *testing.T, cidrs ...string) List {
	t.Helper()
	body := "ring_dir: /tmp\nring_size: 1mb\nlisteners:\n  - port: \"1\"\n    protocols: [http]\nmatch_ips:\n"
	for _, c := range cidrs {
		body += "  - cidr: " + c + "\n"
	}
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	snap, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return List(snap.MatchIPs)
}

func TestList_Match_IPv4(t *testing.T) {
	list := compiledList(t, "10.0.0.0/8", "192.0.2.0/24")

	entry, ok := list.Match(net.ParseIP("10.0.0.5"))
	if !ok || entry == nil {
		t.Fatal("expected match for 10.0.0.5")
	}

	if _, ok := list.Match(net.ParseIP("172.16.0.1")); ok {
		t.Error("expected no match for 172.16.0.1")
	}
}

func TestList_Match_FirstWins(t *testing.T) {
	list := compiledList(t, "10.0.0.0/24", "10.0.0.5/32")

	entry, ok := list.Match(net.ParseIP("10.0.0.5"))
	if !ok {
		t.Fatal("expected match")
	}
	if entry.CIDR != "10.0.0.0/24" {
		t.Errorf("expected first entry to win, got %q", entry.CIDR)
	}
}

func TestList_Match_IPv6(t *testing.T) {
	list := compiledList(t, "2001:db8::/32")

	if _, ok := list.Match(net.ParseIP("2001:db8::1")); !ok {
		t.Error("expected match for address inside 2001:db8::/32")
	}
	if _, ok := list.Match(net.ParseIP("2001:dead::1")); ok {
		t.Error("expected no match for address outside the network")
	}
}
