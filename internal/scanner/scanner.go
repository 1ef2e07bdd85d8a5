// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scanner implements the DirectoryScanner ServerUnit kind (§3
// ServerUnit kinds, §6 "Directory scanners"). Only the scanner's controlling
// lifecycle is in scope — the actual ingest pipeline that turns a matched
// file into ring packets is explicitly out of scope (spec.md Non-goals,
// "Directory-scanning ingest ... file format; only their controlling
// lifecycle is in scope"); this package walks, filters, and tracks which
// files have already been seen, and hands each newly matched file to an
// injected callback.
package scanner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/ringserver/internal/config"
)

// OnMatch is invoked once per newly discovered file matching the scan-job's
// filters. The callback owns the ingest semantics (out of scope here).
type OnMatch func(path string)

// Scanner is one scan-job (§6 "(path, stateFile, match, reject,
// initCurrentState)") with its own cron schedule, grounded on the teacher's
// DaemonInfo.Schedule + robfig/cron/v3 usage for periodic agent tasks.
type Scanner struct {
	cfg     config.ScannerConfig
	onMatch OnMatch
	logger  *slog.Logger

	matchRe  *regexp.Regexp
	rejectRe *regexp.Regexp

	mu   sync.Mutex
	seen map[string]struct{}
}

// New constructs a Scanner. If cfg.InitCurrentState is true, a first full
// walk is performed with files marked seen but not reported, establishing a
// baseline instead of replaying every pre-existing file on first run
// (§6 "initCurrentState").
func New(cfg config.ScannerConfig, onMatch OnMatch, logger *slog.Logger) (*Scanner, error) {
	s := &Scanner{
		cfg:     cfg,
		onMatch: onMatch,
		logger:  logger,
		seen:    make(map[string]struct{}),
	}

	if cfg.Match != "" {
		re, err := regexp.Compile(cfg.Match)
		if err != nil {
			return nil, fmt.Errorf("compiling match pattern: %w", err)
		}
		s.matchRe = re
	}
	if cfg.Reject != "" {
		re, err := regexp.Compile(cfg.Reject)
		if err != nil {
			return nil, fmt.Errorf("compiling reject pattern: %w", err)
		}
		s.rejectRe = re
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}

	if cfg.InitCurrentState && len(s.seen) == 0 {
		if err := s.walk(func(path string) {
			s.mu.Lock()
			s.seen[path] = struct{}{}
			s.mu.Unlock()
		}); err != nil {
			return nil, err
		}
		if err := s.saveState(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Run blocks, performing one scan per cron tick, until ctx is cancelled
// (§3 "Directory-scanner threads block in filesystem traversal").
func (s *Scanner) Run(ctx context.Context) error {
	c := cron.New()
	done := make(chan struct{})
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.scanOnce(); err != nil && s.logger != nil {
			s.logger.Warn("scan failed", "path", s.cfg.Path, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling scanner %q: %w", s.cfg.Path, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()

	<-done
	return nil
}

func (s *Scanner) scanOnce() error {
	var newlySeen []string
	err := s.walk(func(path string) {
		s.mu.Lock()
		if _, ok := s.seen[path]; !ok {
			s.seen[path] = struct{}{}
			newlySeen = append(newlySeen, path)
		}
		s.mu.Unlock()
	})
	if err != nil {
		return err
	}
	for _, path := range newlySeen {
		if s.onMatch != nil {
			s.onMatch(path)
		}
	}
	if len(newlySeen) > 0 {
		return s.saveState()
	}
	return nil
}

func (s *Scanner) walk(visit func(path string)) error {
	return filepath.WalkDir(s.cfg.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if s.matchRe != nil && !s.matchRe.MatchString(name) {
			return nil
		}
		if s.rejectRe != nil && s.rejectRe.MatchString(name) {
			return nil
		}
		visit(path)
		return nil
	})
}

func (s *Scanner) loadState() error {
	if s.cfg.StateFile == "" {
		return nil
	}
	f, err := os.Open(s.cfg.StateFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening scanner state file: %w", err)
	}
	defer f.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		s.seen[sc.Text()] = struct{}{}
	}
	return sc.Err()
}

func (s *Scanner) saveState() error {
	if s.cfg.StateFile == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.cfg.StateFile + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating scanner state file: %w", err)
	}
	w := bufio.NewWriter(f)
	for path := range s.seen {
		fmt.Fprintln(w, path)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.cfg.StateFile)
}
