// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package registry holds the two catalogs of long-lived worker units the
// supervisor walks every tick (§3 "Thread registry", §9 "Linked lists of
// units with back-pointers"). Per §9's explicit equivalence note, this is
// realized as a mutex-guarded map keyed by an opaque unit id — a slot-map /
// arena-with-freelist, not a hand-rolled doubly linked list — removal is
// O(1) via the id either way.
package registry

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/ringserver/internal/client"
	"github.com/nishisan-dev/ringserver/internal/lifecycle"
)

// UnitID is the opaque handle callers use to address a unit for O(1)
// removal (§9).
type UnitID uint64

// ServerUnitKind tags whether a ServerUnit wraps a Listener or a
// DirectoryScanner (§3 ServerUnit "Kinds").
type ServerUnitKind int

const (
	KindListener ServerUnitKind = iota
	KindDirectoryScanner
)

// ServerUnit is a long-lived server-side worker (§3 ServerUnit).
type ServerUnit struct {
	ID        UnitID
	Kind      ServerUnitKind
	Payload   any // *endpoint.Listener or *scanner.Scanner; opaque to the registry
	Lifecycle *lifecycle.Box
	Done      chan struct{} // closed by the worker goroutine on exit; the join handle
	Err       error         // set by the worker before closing Done, if it exited on error

	// Cancel stops this unit's own worker goroutine. The registry never calls
	// it itself — it is the supervisor's handle for targeted shutdown/drain
	// of one unit (§4.1 step 2).
	Cancel context.CancelFunc
}

// ClientUnit is a long-lived per-connection worker wrapping a client.Record
// (§3 ClientRecord).
type ClientUnit struct {
	ID     UnitID
	Record *client.Record
	Done   chan struct{}

	// Cancel stops this client's handler goroutine (§4.1 step 6, idle
	// timeout / drain).
	Cancel context.CancelFunc

	// Conn is the raw connection, closed by the supervisor to unblock a
	// handler parked in a blocking read/write (ctx cancellation alone
	// cannot interrupt I/O that isn't itself context-aware).
	Conn net.Conn
}

// Registry is the process-wide owner of both catalogs (§9 "Process-wide
// mutable state... re-architect as a constructed Server value that owns the
// registries"). The Registry itself is that owned collection; the
// supervisor's Server value embeds one.
type Registry struct {
	nextID atomic.Uint64

	serverMu sync.Mutex
	server   map[UnitID]*ServerUnit

	clientMu sync.Mutex
	client   map[UnitID]*ClientUnit
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		server: make(map[UnitID]*ServerUnit),
		client: make(map[UnitID]*ClientUnit),
	}
}

func (r *Registry) allocID() UnitID {
	return UnitID(r.nextID.Add(1))
}

// NextClientID hands the listener a fresh client identifier before it builds
// a client.Record — the id namespace is shared with server units, which is
// harmless since the two catalogs are keyed independently.
func (r *Registry) NextClientID() uint64 {
	return uint64(r.allocID())
}

// AddServerUnit registers a new server-side worker and returns its unit,
// already carrying a fresh Lifecycle box in Spawning.
func (r *Registry) AddServerUnit(kind ServerUnitKind, payload any) *ServerUnit {
	u := &ServerUnit{
		ID:        r.allocID(),
		Kind:      kind,
		Payload:   payload,
		Lifecycle: lifecycle.NewBox(),
		Done:      make(chan struct{}),
	}
	r.serverMu.Lock()
	r.server[u.ID] = u
	r.serverMu.Unlock()
	return u
}

// RemoveServerUnit drops a server unit's record. The caller must have
// already joined its goroutine (read from Done) — this only mutates the
// registry (§5 "the lock is held only across list mutation").
func (r *Registry) RemoveServerUnit(id UnitID) {
	r.serverMu.Lock()
	delete(r.server, id)
	r.serverMu.Unlock()
}

// ServerUnits returns a stable snapshot of all current server units.
func (r *Registry) ServerUnits() []*ServerUnit {
	r.serverMu.Lock()
	defer r.serverMu.Unlock()
	out := make([]*ServerUnit, 0, len(r.server))
	for _, u := range r.server {
		out = append(out, u)
	}
	return out
}

// ServerUnitCount returns the number of registered server units (any state).
func (r *Registry) ServerUnitCount() int {
	r.serverMu.Lock()
	defer r.serverMu.Unlock()
	return len(r.server)
}

// AddClientUnit registers a newly-admitted client (§4.2 step 5 "Link the
// new unit at the head of the client list").
func (r *Registry) AddClientUnit(rec *client.Record) *ClientUnit {
	u := &ClientUnit{
		ID:     UnitID(rec.ID),
		Record: rec,
		Done:   make(chan struct{}),
	}
	r.clientMu.Lock()
	r.client[u.ID] = u
	r.clientMu.Unlock()
	return u
}

// RemoveClientUnit drops a client unit's record.
func (r *Registry) RemoveClientUnit(id UnitID) {
	r.clientMu.Lock()
	delete(r.client, id)
	r.clientMu.Unlock()
}

// ClientUnits returns a stable snapshot of all current client units.
func (r *Registry) ClientUnits() []*ClientUnit {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	out := make([]*ClientUnit, 0, len(r.client))
	for _, u := range r.client {
		out = append(out, u)
	}
	return out
}

// ClientCount returns the number of clients whose lifecycle has not reached
// Closed (invariant #3: globalClientCount == |{c : state != Closed}| after
// the reap phase).
func (r *Registry) ClientCount() int {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	n := 0
	for _, u := range r.client {
		if u.Record.Lifecycle.Get() != lifecycle.Closed {
			n++
		}
	}
	return n
}

// CountFromAddress walks the client list and counts entries whose stored
// remote address has the same family and full address bytes as addr
// (§4.5 "Per-source connection count"). IPv4 compares 4 bytes, IPv6 compares
// 16.
func (r *Registry) CountFromAddress(addr net.IP) int {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()

	n := 0
	for _, u := range r.client {
		if u.Record.Lifecycle.Get() == lifecycle.Closed {
			continue
		}
		host, ok := remoteIP(u.Record.RemoteAddr)
		if !ok {
			continue
		}
		if sameAddress(host, addr) {
			n++
		}
	}
	return n
}

func remoteIP(addr net.Addr) (net.IP, bool) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, true
	case *net.UDPAddr:
		return a.IP, true
	default:
		return nil, false
	}
}

func sameAddress(a, b net.IP) bool {
	a4, aIs4 := to4(a)
	b4, bIs4 := to4(b)
	if aIs4 != bIs4 {
		return false
	}
	if aIs4 {
		return a4 == b4
	}
	a16 := a.To16()
	b16 := b.To16()
	if a16 == nil || b16 == nil {
		return false
	}
	for i := range a16 {
		if a16[i] != b16[i] {
			return false
		}
	}
	return true
}

func to4(ip net.IP) ([4]byte, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, false
	}
	return [4]byte{v4[0], v4[1], v4[2], v4[3]}, true
}
