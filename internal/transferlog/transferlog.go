// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transferlog implementa a TransferLogWindow (§3): uma janela de
// rotação que acumula linhas de tráfego tx/rx e, a cada intervalo
// configurado, fecha o arquivo corrente compactado e abre o próximo
// (§4.1 passo 4 "roll the transfer-log window if its interval elapsed").
package transferlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/ringserver/internal/config"
)

// Window é uma janela de transfer-log com rotação por intervalo, grounded no
// pipeline gzip.Writer+bufio.Writer de internal/agent/streamer.go's Stream,
// trocando compress/gzip pela implementação paralela do teacher,
// github.com/klauspost/pgzip, já que o transfer log não precisa do
// checksum/tar inline daquele pipeline — apenas linhas de texto comprimidas.
type Window struct {
	mu sync.Mutex

	cfg config.TransferLogConfig

	windowStart time.Time
	file        *os.File
	gz          *pgzip.Writer
	bw          *bufio.Writer
}

// Open cria (ou reabre) a janela corrente, criando o diretório de destino se
// necessário.
func Open(cfg config.TransferLogConfig, now time.Time) (*Window, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating transfer log dir: %w", err)
	}
	w := &Window{cfg: cfg}
	if err := w.roll(now); err != nil {
		return nil, err
	}
	return w, nil
}

// Due reports whether the window's interval has elapsed as of now (§4.1 step 4).
func (w *Window) Due(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.windowStart) >= time.Duration(w.cfg.IntervalHour)*time.Hour
}

// Roll closes the current window file and opens the next one if due.
// Idempotent if called before the interval elapses.
func (w *Window) Roll(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.windowStart) < time.Duration(w.cfg.IntervalHour)*time.Hour {
		return nil
	}
	return w.roll(now)
}

// roll must be called with w.mu held.
func (w *Window) roll(now time.Time) error {
	if w.gz != nil {
		if err := w.closeLocked(); err != nil {
			return err
		}
	}

	name := fmt.Sprintf("%s-%s.log.gz", w.cfg.Prefix, now.UTC().Format("20060102T150405Z"))
	path := filepath.Join(w.cfg.Dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening transfer log %s: %w", path, err)
	}

	gz := pgzip.NewWriter(f)
	w.file = f
	w.gz = gz
	w.bw = bufio.NewWriterSize(gz, 64*1024)
	w.windowStart = now
	return nil
}

// WriteTx appends a tx ("transmit", server-to-client) line if tx logging is enabled.
func (w *Window) WriteTx(now time.Time, clientID, streamID string, bytes int) error {
	if !w.cfg.TXEnabled {
		return nil
	}
	return w.writeLine(now, "TX", clientID, streamID, bytes)
}

// WriteRx appends an rx ("receive", client-to-server) line if rx logging is enabled.
func (w *Window) WriteRx(now time.Time, clientID, streamID string, bytes int) error {
	if !w.cfg.RXEnabled {
		return nil
	}
	return w.writeLine(now, "RX", clientID, streamID, bytes)
}

func (w *Window) writeLine(now time.Time, dir, clientID, streamID string, bytes int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw == nil {
		return fmt.Errorf("transfer log window not open")
	}
	_, err := fmt.Fprintf(w.bw, "%s %s %s %s %d\n", now.UTC().Format(time.RFC3339Nano), dir, clientID, streamID, bytes)
	return err
}

// Close flushes and closes the window's current file.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Window) closeLocked() error {
	var errs []error
	if w.bw != nil {
		if err := w.bw.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.bw, w.gz, w.file = nil, nil, nil
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

var _ io.Closer = (*Window)(nil)
