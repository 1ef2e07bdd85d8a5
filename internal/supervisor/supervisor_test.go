// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/ringserver/internal/config"
	"github.com/nishisan-dev/ringserver/internal/protocol"
	"github.com/nishisan-dev/ringserver/internal/ring"
	"github.com/nishisan-dev/ringserver/internal/signalbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, body string) *config.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ringserver.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	snap, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return config.NewStore(snap)
}

// freePort reserves and releases an ephemeral TCP port. Listener.bind has no
// way to report back the port the OS chose for ":0", so tests instead probe
// a free port first and configure the listener with that fixed number.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestServer_BuildAndGracefulShutdown(t *testing.T) {
	port := freePort(t)
	body := fmt.Sprintf(`
ring_dir: %s
ring_size: 64kb
pkt_size: 512
max_clients: 10
client_timeout: 30s
listeners:
  - port: "%d"
    protocols: [datalink]
    family: [ipv4]
`, t.TempDir(), port)
	store := writeConfig(t, body)

	rb := ring.NewMemEngine(64)
	bus := signalbus.New(testLogger())
	srv := New(store, rb, bus, protocol.Reference{}, testLogger())
	if err := srv.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if n := srv.Registry().ServerUnitCount(); n != 1 {
		t.Fatalf("expected 1 server unit after Build, got %d", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)
	go func() { done <- srv.Run(ctx) }()

	// Give the listener a moment to bind, then request a graceful shutdown.
	time.Sleep(150 * time.Millisecond)
	srv.Shutdown()

	select {
	case code := <-done:
		if code != 0 {
			t.Errorf("expected clean exit code 0, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	if n := srv.Registry().ServerUnitCount(); n != 0 {
		t.Errorf("expected 0 server units after drain, got %d", n)
	}
}

func TestServer_IdleClientIsClosed(t *testing.T) {
	port := freePort(t)
	body := fmt.Sprintf(`
ring_dir: %s
ring_size: 64kb
pkt_size: 512
max_clients: 10
client_timeout: 100ms
listeners:
  - port: "%d"
    protocols: [datalink]
    family: [ipv4]
`, t.TempDir(), port)
	store := writeConfig(t, body)

	rb := ring.NewMemEngine(64)
	bus := signalbus.New(testLogger())
	srv := New(store, rb, bus, protocol.Reference{}, testLogger())
	if err := srv.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing listener: %v", err)
	}
	defer conn.Close()

	// Never send anything; the idle timeout (100ms) should make the
	// supervisor close the connection from its side within a few ticks.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(conn)
	_, readErr := r.ReadByte()
	if readErr != io.EOF {
		t.Errorf("expected EOF once the idle client is closed, got %v", readErr)
	}
}

func TestOpenArchiveWriter_LocalRoot(t *testing.T) {
	dir := t.TempDir()
	w, err := openArchiveWriter(dir, "client-1")
	if err != nil {
		t.Fatalf("openArchiveWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "client-1-session.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("expected %q, got %q", "payload", data)
	}
}
