// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package registry

import (
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/ringserver/internal/client"
)

func TestServerUnits_AddRemove(t *testing.T) {
	r := New()
	u := r.AddServerUnit(KindListener, "payload")
	if r.ServerUnitCount() != 1 {
		t.Fatalf("expected 1 server unit, got %d", r.ServerUnitCount())
	}
	r.RemoveServerUnit(u.ID)
	if r.ServerUnitCount() != 0 {
		t.Fatalf("expected 0 server units after remove, got %d", r.ServerUnitCount())
	}
}

func TestClientCount_ExcludesClosed(t *testing.T) {
	r := New()
	rec1 := client.New(1, nil, time.Now())
	rec2 := client.New(2, nil, time.Now())
	r.AddClientUnit(rec1)
	u2 := r.AddClientUnit(rec2)

	if r.ClientCount() != 2 {
		t.Fatalf("expected 2 active clients, got %d", r.ClientCount())
	}

	rec2.Lifecycle.MarkClosed()
	if r.ClientCount() != 1 {
		t.Fatalf("expected 1 active client after one closes, got %d", r.ClientCount())
	}

	r.RemoveClientUnit(u2.ID)
	if len(r.ClientUnits()) != 1 {
		t.Fatalf("expected 1 unit remaining after removal, got %d", len(r.ClientUnits()))
	}
}

func TestCountFromAddress_IPv4(t *testing.T) {
	r := New()
	mkRec := func(id uint64, ip string) *client.Record {
		rec := client.New(id, nil, time.Now())
		rec.RemoteAddr = &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
		return rec
	}

	r.AddClientUnit(mkRec(1, "10.0.0.5"))
	r.AddClientUnit(mkRec(2, "10.0.0.5"))
	r.AddClientUnit(mkRec(3, "10.0.0.6"))

	if n := r.CountFromAddress(net.ParseIP("10.0.0.5")); n != 2 {
		t.Errorf("expected 2 connections from 10.0.0.5, got %d", n)
	}
	if n := r.CountFromAddress(net.ParseIP("10.0.0.6")); n != 1 {
		t.Errorf("expected 1 connection from 10.0.0.6, got %d", n)
	}
	if n := r.CountFromAddress(net.ParseIP("10.0.0.7")); n != 0 {
		t.Errorf("expected 0 connections from 10.0.0.7, got %d", n)
	}
}

func TestCountFromAddress_ExcludesClosed(t *testing.T) {
	r := New()
	rec := client.New(1, nil, time.Now())
	rec.RemoteAddr = &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1}
	r.AddClientUnit(rec)

	if n := r.CountFromAddress(net.ParseIP("192.0.2.1")); n != 1 {
		t.Fatalf("expected 1 before close, got %d", n)
	}
	rec.Lifecycle.MarkClosed()
	if n := r.CountFromAddress(net.ParseIP("192.0.2.1")); n != 0 {
		t.Fatalf("expected 0 after close, got %d", n)
	}
}
