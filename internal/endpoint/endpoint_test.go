// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package endpoint

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/ringserver/internal/config"
	"github.com/nishisan-dev/ringserver/internal/ipacl"
)

// policy compiles a one-entry ipacl.List by round-tripping a CIDR through
// config.Load, since PolicyEntry's net.IPNet field is only populated by
// Snapshot.validate() (unexported).
func policy(t *testing.T, cidrs ...string) ipacl.List {
	t.Helper()
	var out ipacl.List
	for _, cidr := range cidrs {
		body := "ring_dir: /tmp\nring_size: 1mb\nmatch_ips:\n  - cidr: " + cidr +
			"\nlisteners:\n  - port: \"1\"\n    protocols: [http]\n"
		dir := t.TempDir()
		path := filepath.Join(dir, "c.yaml")
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatalf("writing fixture: %v", err)
		}
		snap, err := config.Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		out = append(out, snap.MatchIPs[0])
	}
	return out
}

func TestListener_Admit_MatchListRejectsOutsiders(t *testing.T) {
	l := &Listener{
		Policies: Policies{Match: policy(t, "10.0.0.0/8")},
	}
	if _, ok := l.admit(net.ParseIP("192.168.1.1")); ok {
		t.Error("expected address outside match list to be rejected")
	}
	if _, ok := l.admit(net.ParseIP("10.1.2.3")); !ok {
		t.Error("expected address inside match list to be admitted")
	}
}

func TestListener_Admit_RejectListWins(t *testing.T) {
	l := &Listener{
		Policies: Policies{
			Match:  policy(t, "10.0.0.0/8"),
			Reject: policy(t, "10.0.0.5/32"),
		},
	}
	if _, ok := l.admit(net.ParseIP("10.0.0.5")); ok {
		t.Error("expected rejected address to be denied even though it is inside the match list")
	}
}

func TestListener_Admit_PerIPCap(t *testing.T) {
	l := &Listener{
		MaxClientsPerIP:  2,
		CountFromAddress: func(net.IP) int { return 2 },
	}
	if _, ok := l.admit(net.ParseIP("1.2.3.4")); ok {
		t.Error("expected per-ip cap to reject")
	}
}

func TestListener_Admit_GlobalCapReserveForWriteList(t *testing.T) {
	l := &Listener{
		MaxClients:        10,
		GlobalClientCount: func() int { return 15 },
		Policies:          Policies{Write: policy(t, "192.168.0.0/16")},
	}
	if _, ok := l.admit(net.ParseIP("10.0.0.1")); ok {
		t.Error("expected non-write-list address to be rejected once at global cap")
	}
	if _, ok := l.admit(net.ParseIP("192.168.1.1")); !ok {
		t.Error("expected write-list address to be admitted within the +10 reserve")
	}
}

func TestListener_Admit_GlobalCapReserveExhausted(t *testing.T) {
	l := &Listener{
		MaxClients:        10,
		GlobalClientCount: func() int { return 20 },
		Policies:          Policies{Write: policy(t, "192.168.0.0/16")},
	}
	if _, ok := l.admit(net.ParseIP("192.168.1.1")); ok {
		t.Error("expected write-list address to be rejected once the reserve is exhausted")
	}
}
