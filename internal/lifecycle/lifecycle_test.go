// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lifecycle

import "testing"

func TestBox_HappyPath(t *testing.T) {
	b := NewBox()
	if b.Get() != Spawning {
		t.Fatalf("expected initial state Spawning, got %s", b.Get())
	}
	if err := b.MarkActive(); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	b.RequestClose()
	if b.Get() != Close {
		t.Fatalf("expected Close after RequestClose, got %s", b.Get())
	}
	if err := b.MarkClosing(); err != nil {
		t.Fatalf("MarkClosing: %v", err)
	}
	b.MarkClosed()
	if !b.IsTerminal() {
		t.Fatal("expected IsTerminal after MarkClosed")
	}
}

func TestBox_RequestClose_Idempotent(t *testing.T) {
	b := NewBox()
	_ = b.MarkActive()
	b.RequestClose()
	b.RequestClose()
	if b.Get() != Close {
		t.Fatalf("expected Close, got %s", b.Get())
	}
}

func TestBox_CrashPath_SkipsClosing(t *testing.T) {
	b := NewBox()
	_ = b.MarkActive()
	b.MarkClosed()
	if !b.IsTerminal() {
		t.Fatal("expected Closed reachable directly from Active (crash path)")
	}
}

func TestBox_IllegalTransitions(t *testing.T) {
	b := NewBox()
	if err := b.MarkClosing(); err == nil {
		t.Error("expected error marking Closing from Spawning")
	}
	b.RequestClose()
	if err := b.MarkActive(); err == nil {
		t.Error("expected error marking Active from Close")
	}
}
