// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package clientio

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func TestNewThrottledWriter_BypassWhenUnlimited(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 0)
	if _, ok := w.(*ThrottledWriter); ok {
		t.Error("expected bypass (no wrapping) when bytesPerSec <= 0")
	}
	if w != io.Writer(&buf) {
		t.Error("expected the original writer to be returned unchanged")
	}
}

func TestThrottledWriter_DeliversAllBytes(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 1<<20) // 1MB/s, generous

	payload := bytes.Repeat([]byte("x"), 4096)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Errorf("expected %d bytes written, got %d", len(payload), n)
	}
	if buf.Len() != len(payload) {
		t.Errorf("expected %d bytes delivered, got %d", len(payload), buf.Len())
	}
}

func TestThrottledWriter_RespectsContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewThrottledWriter(ctx, &buf, 1) // 1 byte/sec, tiny burst
	_, err := w.Write(bytes.Repeat([]byte("x"), 1024))
	if err == nil {
		t.Error("expected write to fail once context is already cancelled")
	}
}

func TestThrottledWriter_ActuallyThrottles(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 100) // 100 B/s, small burst

	start := time.Now()
	if _, err := w.Write(bytes.Repeat([]byte("x"), 300)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 1*time.Second {
		t.Errorf("expected throttling to take at least ~1s for 300B at 100B/s, took %v", elapsed)
	}
}
