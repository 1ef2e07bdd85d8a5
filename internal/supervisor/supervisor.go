// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package supervisor implements the tick-driven state machine at the heart
// of the server core (§4.1): it owns the config store, the unit registry,
// the ring handle and the transfer-log window, walks both catalogs every
// tick to reap finished units, respawn crashed ones, roll rates and drain
// on shutdown. Grounded on internal/server/server.go's Run (ticker-driven
// background goroutines, graceful shutdown via context, accept-loop
// backoff), generalized from a single accept loop into the full
// tick/reap/respawn/drain machine, and on §9's redesign note: "re-architect
// as a constructed Server value that owns the registries and the ring
// handle, with the signal dispatcher receiving a back-reference through a
// shared handle" — this package is that Server value.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/ringserver/internal/archive"
	"github.com/nishisan-dev/ringserver/internal/client"
	"github.com/nishisan-dev/ringserver/internal/config"
	"github.com/nishisan-dev/ringserver/internal/diag"
	"github.com/nishisan-dev/ringserver/internal/endpoint"
	"github.com/nishisan-dev/ringserver/internal/ipacl"
	"github.com/nishisan-dev/ringserver/internal/lifecycle"
	"github.com/nishisan-dev/ringserver/internal/logging"
	"github.com/nishisan-dev/ringserver/internal/pki"
	"github.com/nishisan-dev/ringserver/internal/protocol"
	"github.com/nishisan-dev/ringserver/internal/registry"
	"github.com/nishisan-dev/ringserver/internal/ring"
	"github.com/nishisan-dev/ringserver/internal/scanner"
	"github.com/nishisan-dev/ringserver/internal/signalbus"
	"github.com/nishisan-dev/ringserver/internal/transferlog"
)

// baseTickPeriod is the normal tick rate, 4Hz (§4.1 "250ms normally").
const baseTickPeriod = 250 * time.Millisecond

// drainTickPeriod is the tick rate once shutdown drain has begun, so the
// reap walk notices finished units sooner (§4.1 "100ms while draining").
const drainTickPeriod = 100 * time.Millisecond

// maxDrainTicks bounds how long the supervisor waits for every unit to
// finish draining before abandoning the wait and forcing exit (§4.1 "~100
// ticks, about 10s at the draining rate" deadlock-abandon threshold).
const maxDrainTicks = 100

// Server owns every long-lived piece of server state: the config store, the
// unit registry, the ring handle and the transfer-log window. It is built
// once at startup and then Run until shutdown completes or is abandoned.
type Server struct {
	cfg     *config.Store
	reg     *registry.Registry
	ring    ring.Handle
	signals *signalbus.Bus
	handler protocol.Handler
	logger  *slog.Logger

	tlog *transferlog.Window

	shuttingDown atomic.Bool
}

// New constructs a Server. Build must be called once before Run to spawn the
// initial set of listeners and scanners from the current config snapshot.
func New(cfg *config.Store, rb ring.Handle, signals *signalbus.Bus, handler protocol.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		reg:     registry.New(),
		ring:    rb,
		signals: signals,
		handler: handler,
		logger:  logger,
	}
}

// Registry exposes the unit catalogs, chiefly so cmd/ringserver can wire a
// diagnostic HTTP endpoint, or tests can assert on live counts.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Shutdown requests a graceful drain on the next tick, the same transition
// EventShutdown drives (§4.1 step 2). Exposed so a caller outside the
// signal bus — an admin endpoint, a test — can trigger it programmatically.
func (s *Server) Shutdown() { s.shuttingDown.Store(true) }

// buildPolicies assembles the five admission-order CIDR lists from a
// snapshot (§4.3). ipacl.List and []config.PolicyEntry share the same
// underlying type, so this is a plain conversion, not a copy.
func buildPolicies(snap *config.Snapshot) endpoint.Policies {
	return endpoint.Policies{
		Match:   ipacl.List(snap.MatchIPs),
		Reject:  ipacl.List(snap.RejectIPs),
		Write:   ipacl.List(snap.WriteIPs),
		Trusted: ipacl.List(snap.TrustedIPs),
		Limit:   ipacl.List(snap.LimitIPs),
	}
}

// Build spawns every configured listener and directory scanner as a
// ServerUnit, and opens the transfer-log window if one is configured
// (§4.2 "one goroutine per ListenEndpoint", §6 "Directory scanners"). The
// listener set is fixed for the process lifetime (§9 open-question
// decision: "endpoint set immutable after startup" — a config reload never
// binds or unbinds listener sockets).
func (s *Server) Build() error {
	snap := s.cfg.Current()

	var sharedTLS *tls.Config
	for _, lcfg := range snap.Listeners {
		if lcfg.TLS {
			cfg, err := pki.NewServerTLSConfig(snap.TLSCertFile, snap.TLSKeyFile, snap.TLSClientCAFile, snap.TLSVerifyClientCert)
			if err != nil {
				return fmt.Errorf("building TLS config: %w", err)
			}
			sharedTLS = cfg
			break
		}
	}

	policies := buildPolicies(snap)
	for _, lcfg := range snap.Listeners {
		var tlsCfg *tls.Config
		if lcfg.TLS {
			tlsCfg = sharedTLS
		}
		s.spawnListener(lcfg, policies, tlsCfg)
	}

	for _, scfg := range snap.Scanners {
		if err := s.spawnScanner(scfg); err != nil {
			return fmt.Errorf("starting scanner %q: %w", scfg.Path, err)
		}
	}

	if snap.TransferLog.Dir != "" {
		w, err := transferlog.Open(snap.TransferLog, time.Now())
		if err != nil {
			return fmt.Errorf("opening transfer log: %w", err)
		}
		s.tlog = w
	}

	return nil
}

// spawnListener builds one *endpoint.Listener wired to this server's
// registry and runs it as a fresh ServerUnit.
func (s *Server) spawnListener(lcfg config.ListenEndpointConfig, policies endpoint.Policies, tlsCfg *tls.Config) {
	l := &endpoint.Listener{
		Endpoint:          lcfg,
		TLSConfig:         tlsCfg,
		Policies:          policies,
		MaxClients:        s.cfg.Current().MaxClients,
		MaxClientsPerIP:   s.cfg.Current().MaxClientsPerIP,
		CountFromAddress:  s.reg.CountFromAddress,
		GlobalClientCount: s.reg.ClientCount,
		NextClientID:      s.reg.NextClientID,
		Logger:            s.logger,
	}
	l.OnAdmit = func(rec *client.Record, conn net.Conn) {
		s.spawnClient(rec, conn)
	}
	s.runListener(l)
}

// runListener registers l as a fresh ServerUnit and starts its accept loop
// in its own goroutine (§4.2).
func (s *Server) runListener(l *endpoint.Listener) *registry.ServerUnit {
	su := s.reg.AddServerUnit(registry.KindListener, l)
	ctx, cancel := context.WithCancel(context.Background())
	su.Cancel = cancel

	go func() {
		if err := su.Lifecycle.MarkActive(); err != nil {
			s.logger.Error("listener unit failed to activate", "error", err)
		}
		err := l.Run(ctx)
		su.Err = err
		if err != nil {
			s.logger.Warn("listener exited", "endpoint", l.Endpoint.Port, "error", err)
		}
		su.Lifecycle.MarkClosed()
		close(su.Done)
	}()
	return su
}

// spawnScanner builds one *scanner.Scanner and runs it as a fresh
// ServerUnit. The ingest callback only logs the match — turning a matched
// file into ring packets is explicitly out of scope (spec.md Non-goals).
func (s *Server) spawnScanner(scfg config.ScannerConfig) error {
	sc, err := scanner.New(scfg, func(path string) {
		s.logger.Info("directory scanner matched file", "path", path, "scan_path", scfg.Path)
	}, s.logger)
	if err != nil {
		return err
	}
	s.runScanner(sc)
	return nil
}

// runScanner registers sc as a fresh ServerUnit and starts its cron loop.
func (s *Server) runScanner(sc *scanner.Scanner) *registry.ServerUnit {
	su := s.reg.AddServerUnit(registry.KindDirectoryScanner, sc)
	ctx, cancel := context.WithCancel(context.Background())
	su.Cancel = cancel

	go func() {
		if err := su.Lifecycle.MarkActive(); err != nil {
			s.logger.Error("scanner unit failed to activate", "error", err)
		}
		err := sc.Run(ctx)
		su.Err = err
		if err != nil {
			s.logger.Warn("scanner exited", "error", err)
		}
		su.Lifecycle.MarkClosed()
		close(su.Done)
	}()
	return su
}

// spawnClient registers rec as a fresh ClientUnit and runs the protocol
// handler in its own goroutine (§4.2 step 5, §3 "one worker thread per
// ClientRecord"). When client_debug_log_dir is configured, each client gets
// its own fan-out debug log (grounded on internal/logging.NewSessionLogger,
// otherwise only exercised by that package's own tests) — adapted here from
// per-agent-session files to per-client-connection files, kept only for
// sessions that ended on an error so routine traffic doesn't pile up files.
func (s *Server) spawnClient(rec *client.Record, conn net.Conn) {
	cu := s.reg.AddClientUnit(rec)
	ctx, cancel := context.WithCancel(context.Background())
	cu.Cancel = cancel
	cu.Conn = conn

	debugDir := s.cfg.Current().ClientDebugLogDir
	clientLogger := s.logger
	var sessionCloser io.Closer
	sessionID := fmt.Sprintf("%d", rec.ID)
	if debugDir != "" {
		l, closer, _, err := logging.NewSessionLogger(s.logger, debugDir, "client", sessionID)
		if err != nil {
			s.logger.Warn("failed to open per-client debug log", "client", rec.ID, "error", err)
		} else {
			clientLogger = l
			sessionCloser = closer
		}
	}

	if archiveRoot := s.cfg.Current().MseedArchive; archiveRoot != "" {
		w, err := openArchiveWriter(archiveRoot, sessionID)
		if err != nil {
			s.logger.Warn("failed to open archive writer", "client", rec.ID, "error", err)
		} else {
			rec.ArchiveWriter = w
		}
	}

	go func() {
		if err := rec.Lifecycle.MarkActive(); err != nil {
			s.logger.Error("client unit failed to activate", "client", rec.ID, "error", err)
		}
		clientLogger.Debug("client connected", "client", rec.ID, "remote", rec.DisplayID, "endpoint", rec.EndpointPort)

		err := s.handler.Serve(ctx, rec, conn, s.ring)
		conn.Close()
		if rec.ArchiveWriter != nil {
			_ = rec.ArchiveWriter.Close()
		}

		if err != nil && !errors.Is(err, context.Canceled) {
			clientLogger.Debug("client handler exited with error", "client", rec.ID, "error", err)
		} else {
			clientLogger.Debug("client disconnected", "client", rec.ID)
		}

		if sessionCloser != nil {
			_ = sessionCloser.Close()
			if err == nil {
				logging.RemoveSessionLog(debugDir, "client", sessionID)
			}
		}

		rec.Lifecycle.MarkClosed()
		close(cu.Done)
	}()
}

// openArchiveWriter opens the per-client archive-writer descriptor (§3
// ClientRecord, §6 "mseedArchive"). An "s3://bucket/prefix" root targets an
// S3-compatible bucket (one object per client, flushed on Close); anything
// else is treated as a local directory (one appended file per client). One
// writer per connection, named by client id rather than per-stream — a
// connection's packets may carry more than one streamID but §3 only
// describes a single archive-writer slot per ClientRecord.
func openArchiveWriter(root, clientID string) (archive.Writer, error) {
	if rest, ok := strings.CutPrefix(root, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		key := path.Join(prefix, clientID+".bin")
		return archive.NewS3Writer(context.Background(), bucket, key, "", "")
	}
	return archive.NewLocalWriter(root, clientID, "session")
}

// Run executes the tick loop until ctx is cancelled, a shutdown signal is
// observed and drain completes, or drain is abandoned past the deadlock
// threshold. It returns a process exit code: 0 for every clean path, 1 if
// drain had to be abandoned or a fatal-signal event was received.
func (s *Server) Run(ctx context.Context) int {
	tickPeriod := baseTickPeriod
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	draining := false
	drainTicks := 0

	defer func() {
		if s.tlog != nil {
			_ = s.tlog.Close()
		}
		_ = s.ring.Shutdown()
		s.signals.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return 0

		case ev, ok := <-s.signals.Events():
			if !ok {
				continue
			}
			switch ev {
			case signalbus.EventShutdown:
				s.shuttingDown.Store(true)
			case signalbus.EventDiagnosticDump:
				diag.Dump(s.reg, s.logger).Log(s.logger)
			case signalbus.EventFatal:
				s.logger.Error("fatal signal received, forcing exit")
				return 1
			}

		case now := <-ticker.C:
			// Step 2: shutdown-drain transition (§4.1).
			if s.shuttingDown.Load() && !draining {
				draining = true
				s.beginDrain()
				tickPeriod = drainTickPeriod
				ticker.Reset(tickPeriod)
			}

			// Step 3: deadlock-abandon counter.
			if draining {
				drainTicks++
				if drainTicks > maxDrainTicks {
					s.logger.Error("shutdown drain exceeded deadline, forcing exit",
						"server_units", s.reg.ServerUnitCount(), "clients", s.reg.ClientCount())
					return 1
				}
			}

			// Step 4: transfer-log rollover boundary.
			if s.tlog != nil && s.tlog.Due(now) {
				if err := s.tlog.Roll(now); err != nil {
					s.logger.Warn("transfer log roll failed", "error", err)
				}
			}

			// Step 5: server-unit reap/respawn walk.
			s.walkServerUnits(draining)

			// Step 6: client-unit reap/rate-update/transferlog-write/idle-timeout.
			aggTx, aggRx := s.walkClientUnits(now, draining)

			// Step 7: publish aggregate rates (sole writer: the supervisor).
			s.ring.SetAggregateRates(aggTx, aggRx)

			// Step 8: config mtime re-read. The listener set never changes
			// (see Build's doc comment). A new snapshot affects the fields
			// read from s.cfg.Current() after the swap: the client idle
			// timeout here, and the debug-log dir and archive root read in
			// spawnClient. Listener caps and policy lists are copied into
			// each Listener by spawnListener and the transfer-log window is
			// opened once in Build, so a reload does not change them.
			if _, err := s.cfg.CheckReload(); err != nil {
				s.logger.Warn("config reread failed, keeping previous snapshot", "error", err)
			}

			// Step 9: drain-exit check.
			if draining && s.reg.ServerUnitCount() == 0 && s.reg.ClientCount() == 0 {
				return 0
			}
		}
	}
}

// beginDrain closes every listener socket (unblocking each acceptor) and
// requests every live unit to close (§4.1 step 2).
func (s *Server) beginDrain() {
	for _, su := range s.reg.ServerUnits() {
		if l, ok := su.Payload.(*endpoint.Listener); ok {
			_ = l.Close()
		}
		su.Lifecycle.RequestClose()
		if su.Cancel != nil {
			su.Cancel()
		}
	}
	for _, cu := range s.reg.ClientUnits() {
		requestClientClose(cu)
	}
}

// requestClientClose asks a client's handler to stop and forces its
// connection closed so a handler blocked in a read/write not wired to ctx
// unblocks immediately (§4.1 step 2/6).
func requestClientClose(cu *registry.ClientUnit) {
	cu.Record.Lifecycle.RequestClose()
	if cu.Cancel != nil {
		cu.Cancel()
	}
	if cu.Conn != nil {
		_ = cu.Conn.Close()
	}
}

// walkServerUnits reaps units whose worker has finished, respawning a fresh
// worker in its place when the supervisor is not draining (§4.1 step 5,
// §7 "a crashed listener or scanner is respawned").
func (s *Server) walkServerUnits(draining bool) {
	for _, su := range s.reg.ServerUnits() {
		if su.Lifecycle.Get() != lifecycle.Closed {
			continue
		}
		<-su.Done
		s.reg.RemoveServerUnit(su.ID)

		if draining {
			continue
		}
		if su.Err == nil {
			// Clean exit (socket closed deliberately outside of drain, e.g.
			// by an operator) is not a crash; nothing to respawn.
			continue
		}

		switch payload := su.Payload.(type) {
		case *endpoint.Listener:
			s.logger.Info("respawning crashed listener", "endpoint", payload.Endpoint.Port)
			s.runListener(payload)
		case *scanner.Scanner:
			s.logger.Info("respawning crashed scanner")
			s.runScanner(payload)
		}
	}
}

// walkClientUnits reaps closed clients, rolls rates and percent-lag, writes
// transfer-log lines and enforces the idle timeout (§4.1 step 6, §4.4,
// §4.5). It returns the ring-wide aggregate tx/rx rates for this tick.
func (s *Server) walkClientUnits(now time.Time, draining bool) (aggTx, aggRx float64) {
	timeout := s.cfg.Current().ClientTimeout
	latest, earliest, maxOffset := s.ring.LatestOffset(), s.ring.EarliestOffset(), s.ring.MaxOffset()

	for _, cu := range s.reg.ClientUnits() {
		rec := cu.Record

		if rec.Lifecycle.Get() == lifecycle.Closed {
			<-cu.Done
			s.reg.RemoveClientUnit(cu.ID)
			continue
		}

		txRate, rxRate := rec.RollRates(now)
		aggTx += txRate
		aggRx += rxRate

		rec.SetPercentLag(client.PercentLag(&rec.Reader, latest, earliest, maxOffset))

		if s.tlog != nil {
			txDelta, rxDelta := rec.TransferDelta()
			id := fmt.Sprintf("%d", rec.ID)
			if txDelta > 0 {
				if err := s.tlog.WriteTx(now, id, "", int(txDelta)); err != nil {
					s.logger.Warn("transfer log write failed", "error", err)
				}
			}
			if rxDelta > 0 {
				if err := s.tlog.WriteRx(now, id, "", int(rxDelta)); err != nil {
					s.logger.Warn("transfer log write failed", "error", err)
				}
			}
		}

		switch {
		case draining:
			requestClientClose(cu)
		case timeout > 0 && rec.IdleFor(now) > timeout:
			s.logger.Info("closing idle client", "client", rec.ID, "idle_for", rec.IdleFor(now))
			requestClientClose(cu)
		}
	}

	return aggTx, aggRx
}
