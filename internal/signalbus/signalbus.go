// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package signalbus implements the signal dispatcher (§4.6): a dedicated
// goroutine translating OS signals into typed events the supervisor loop
// consumes, grounded on cmd/nbackup-server/main.go's signal.Notify +
// goroutine pattern, generalized from "SIGTERM/SIGINT → cancel" to the full
// §4.6 vocabulary (shutdown, diagnostic dump, crash-and-exit, ignored).
package signalbus

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Event is one dispatched signal, categorized by what the supervisor should
// do about it (§4.6).
type Event int

const (
	// EventShutdown requests a graceful shutdown (SIGINT, SIGTERM).
	EventShutdown Event = iota
	// EventDiagnosticDump requests a diagnostic dump (SIGUSR1).
	EventDiagnosticDump
	// EventFatal means the process must log and force-exit (SIGSEGV — §4.6
	// "log it and force-exit"; Go's runtime itself already terminates on a
	// real SIGSEGV trap, so this event fires only for SIGSEGV delivered as
	// an ordinary signal, e.g. by `kill -SEGV`).
	EventFatal
)

// Bus owns the os/signal subscription and exposes dispatched events on a
// channel (§4.6 "Dedicated signal-handling thread ... translate into
// internal, typed events").
type Bus struct {
	raw    chan os.Signal
	events chan Event
	logger *slog.Logger
}

// New subscribes to the signal set §4.6 names explicitly. SIGPIPE is
// deliberately excluded from the wait set (§4.6 "SIGPIPE: excluded from the
// wait set — a broken pipe is handled as a normal write error on that
// client's socket, not a process-wide event").
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		raw:    make(chan os.Signal, 8),
		events: make(chan Event, 8),
		logger: logger,
	}
	signal.Notify(b.raw, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGSEGV)
	go b.run()
	return b
}

// Events returns the channel of dispatched, typed events.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Stop unsubscribes from signals. Safe to call once.
func (b *Bus) Stop() {
	signal.Stop(b.raw)
}

func (b *Bus) run() {
	for sig := range b.raw {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			b.logger.Info("received shutdown signal", "signal", sig)
			b.events <- EventShutdown
		case syscall.SIGUSR1:
			b.logger.Info("received diagnostic dump signal", "signal", sig)
			b.events <- EventDiagnosticDump
		case syscall.SIGSEGV:
			b.logger.Error("received fatal signal", "signal", sig)
			b.events <- EventFatal
		default:
			// §4.6 "Any other OS signal: logged and ignored."
			b.logger.Debug("ignoring unhandled signal", "signal", sig)
		}
	}
}
