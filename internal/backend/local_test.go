package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is written by the PTY copier and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLocal_ExecOutput(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	out := &syncBuffer{}

	err := NewLocal("").Exec(context.Background(), ExecRequest{
		Command: []string{"/bin/sh", "-c", "echo hello-relay"},
		Stdin:   stdinR,
		Stdout:  out,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(out.String(), "hello-relay") {
		t.Errorf("output = %q, want hello-relay", out.String())
	}
}

func TestLocal_ExecExitCode(t *testing.T) {
	err := NewLocal("").Exec(context.Background(), ExecRequest{
		Command: []string{"/bin/sh", "-c", "exit 3"},
		Stdout:  io.Discard,
	})
	if err == nil || !strings.Contains(err.Error(), "exit code 3") {
		t.Fatalf("Exec error = %v, want exit code 3", err)
	}
}

func TestLocal_StdinCloseEndsSession(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	out := &syncBuffer{}
	resize := make(chan TerminalSize, 1)
	resize <- TerminalSize{Rows: 40, Cols: 120}

	done := make(chan error, 1)
	go func() {
		done <- NewLocal("/bin/sh").Exec(context.Background(), ExecRequest{
			Stdin:  stdinR,
			Stdout: out,
			Resize: resize,
		})
	}()

	if _, err := stdinW.Write([]byte("echo typed-$((20+22))\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "typed-42") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "typed-42") {
		t.Fatalf("shell output = %q", out.String())
	}

	stdinW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Exec after stdin close = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after stdin closed")
	}
}

func TestLocal_LogsUnsupported(t *testing.T) {
	if _, err := NewLocal("").Logs(context.Background(), LogRequest{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Logs error = %v, want ErrUnsupported", err)
	}
}

func TestLocal_ConfiguredShell(t *testing.T) {
	script := filepath.Join(t.TempDir(), "relay-shell")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho configured-shell\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	out := &syncBuffer{}

	err := NewLocal(script).Exec(context.Background(), ExecRequest{Stdout: out})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(out.String(), "configured-shell") {
		t.Errorf("output = %q, want the configured shell to run", out.String())
	}
}
