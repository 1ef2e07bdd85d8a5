// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package endpoint implements the Listener (§4.2): binds one configured
// endpoint, admits connections, enforces the coarse admission policy, and
// hands the built ClientRecord off to the caller. Grounded on the teacher's
// accept loop in internal/server/server.go (TLS listener construction,
// consecutive-error backoff, context-cancel-closes-listener).
package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/ringserver/internal/client"
	"github.com/nishisan-dev/ringserver/internal/config"
	"github.com/nishisan-dev/ringserver/internal/ipacl"
)

// Policies bundles the five CIDR lists consulted in the admission order
// fixed by §4.3/§4.2 step 3.
type Policies struct {
	Match   ipacl.List
	Reject  ipacl.List
	Write   ipacl.List
	Trusted ipacl.List
	Limit   ipacl.List
}

// Listener wraps one ListenEndpoint (§3) and runs its accept loop.
type Listener struct {
	Endpoint config.ListenEndpointConfig
	TLSConfig *tls.Config // nil unless Endpoint.TLS

	Policies Policies

	MaxClients        int // 0 = unlimited
	MaxClientsPerIP   int
	CountFromAddress  func(net.IP) int
	GlobalClientCount func() int

	// OnAdmit is invoked once per admitted connection, after the ClientRecord
	// has been fully built (§4.2 step 4). The caller is responsible for
	// spawning the client worker and registering the unit (§4.2 step 5) —
	// the listener itself does not know about the registry, to keep this
	// package free of a dependency on it.
	OnAdmit func(rec *client.Record, conn net.Conn)

	NextClientID func() uint64

	Logger *slog.Logger

	ln net.Listener
}

// reserveOverhead is the number of extra write-permitted clients allowed
// past MaxClients (§4.2 step 3d, invariant #6: "at most maxClients + 10").
const reserveOverhead = 10

// bind opens the listening socket for Endpoint, TLS-wrapped if configured.
func (l *Listener) bind() error {
	network := "tcp"
	for _, f := range l.Endpoint.Family {
		if strings.EqualFold(f, "unix") {
			network = "unix"
		}
	}

	addr := ":" + l.Endpoint.Port
	if network == "unix" {
		addr = l.Endpoint.Port
		_ = os.Remove(addr) // stale socket from a prior crashed run
	}

	var ln net.Listener
	var err error
	if l.TLSConfig != nil {
		ln, err = tls.Listen(network, addr, l.TLSConfig)
	} else {
		ln, err = net.Listen(network, addr)
	}
	if err != nil {
		return fmt.Errorf("binding endpoint %s: %w", l.Endpoint.Port, err)
	}
	l.ln = ln
	return nil
}

// Close closes the listening socket, unblocking Run's Accept call
// (§4.1 step 2 "close every listener socket (which unblocks the acceptor)").
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	ln := l.ln
	l.ln = nil // allow a later Run to rebind (respawn after drain or crash)
	err := ln.Close()
	if network, ok := ln.Addr().(*net.UnixAddr); ok {
		_ = os.Remove(network.Name) // §4.2 "On exit: ... unlink the socket path"
	}
	return err
}

// Run binds the endpoint (if not already bound) and runs the accept loop
// until ctx is cancelled or the listener is closed. It never returns an
// error for a clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	if l.ln == nil {
		if err := l.bind(); err != nil {
			return err
		}
	}

	consecutiveErrors := 0
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isTransientAcceptError(err) {
				consecutiveErrors++
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
			// Terminal: socket closed or bad descriptor (§4.2 step 1).
			return nil
		}
		consecutiveErrors = 0
		l.handleAccept(conn)
	}
}

// isTransientAcceptError reports whether err should be retried (§4.2 step 1,
// §7 "Accept-path transient"). net.Listener wraps most OS errors in
// *net.OpError; a closed listener surfaces as net.ErrClosed, which is
// terminal.
func isTransientAcceptError(err error) bool {
	if ne, ok := err.(net.Error); ok {
		return ne.Temporary()
	}
	return false
}

// handleAccept runs admission policy (§4.2 steps 2-4) and, if admitted,
// builds the ClientRecord and calls OnAdmit (§4.2 step 5). On any failure it
// closes the socket and logs (§4.2 step 6, §7 "Admission rejection").
func (l *Listener) handleAccept(conn net.Conn) {
	host, port, isUnix := l.addressOf(conn)

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	remoteIP := net.ParseIP(host)
	if remoteIP == nil && !isUnix {
		l.logger().Warn("admission rejected: unparseable remote address", "host", host)
		conn.Close()
		return
	}

	if !isUnix {
		if reason, ok := l.admit(remoteIP); !ok {
			l.logger().Info("admission rejected", "remote", host, "reason", reason)
			conn.Close()
			return
		}
	}

	writePermit := false
	trusted := false

	if !isUnix {
		if _, ok := l.Policies.Write.Match(remoteIP); ok {
			writePermit = true
		}
		if _, ok := l.Policies.Trusted.Match(remoteIP); ok {
			trusted = true
		}
	}

	var id uint64
	if l.NextClientID != nil {
		id = l.NextClientID()
	}

	rec := client.New(id, conn, time.Now())
	rec.EndpointPort = l.Endpoint.Port
	rec.AllowedProto = l.Endpoint.Protocols
	rec.TLS = l.Endpoint.TLS
	rec.TxBytesPerSec = l.Endpoint.RateLimitBps
	rec.Host = host
	rec.Port = port
	rec.DisplayID = fmt.Sprintf("%s:%s", host, port)
	rec.WritePermit = writePermit
	rec.Trusted = trusted
	rec.Protocol.Store(int32(client.ProtocolUndetermined))

	if !isUnix {
		if entry, ok := l.Policies.Limit.Match(remoteIP); ok {
			rec.StreamLimit = entry.LimitPattern()
		}
	}

	if l.OnAdmit == nil {
		conn.Close()
		return
	}
	l.OnAdmit(rec, conn)
}

// admit applies the exact order fixed by §4.2 step 3 / §4.3.
func (l *Listener) admit(addr net.IP) (reason string, ok bool) {
	if len(l.Policies.Match) > 0 {
		if _, matched := l.Policies.Match.Match(addr); !matched {
			return "not in match list", false
		}
	}
	if _, rejected := l.Policies.Reject.Match(addr); rejected {
		return "in reject list", false
	}

	_, onWriteList := l.Policies.Write.Match(addr)

	if l.MaxClientsPerIP > 0 && !onWriteList {
		current := 0
		if l.CountFromAddress != nil {
			current = l.CountFromAddress(addr)
		}
		if current >= l.MaxClientsPerIP {
			return "per-ip cap reached", false
		}
	}

	if l.MaxClients > 0 {
		current := 0
		if l.GlobalClientCount != nil {
			current = l.GlobalClientCount()
		}
		if current >= l.MaxClients {
			if !onWriteList {
				return "global cap reached", false
			}
			if current >= l.MaxClients+reserveOverhead {
				return "global cap + reserve exhausted", false
			}
		}
	}

	return "", true
}

// addressOf resolves printable host/port strings numerically for TCP, or
// returns the synthetic "unix" host and the endpoint's path for UNIX
// sockets (§4.2 step 2).
func (l *Listener) addressOf(conn net.Conn) (host, port string, isUnix bool) {
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		return addr.IP.String(), strconv.Itoa(addr.Port), false
	case *net.UnixAddr:
		return "unix", l.Endpoint.Port, true
	default:
		return conn.RemoteAddr().String(), "", false
	}
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
