package chordcli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"multichord/chordnet"
	"multichord/controller"
	"multichord/transport"
)

type testNode struct {
	shell *Shell
	out   *bytes.Buffer
	pool  *chordnet.NodePool
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	pool := chordnet.NewNodePool(tr, chordnet.Timings{
		StabilizeInterval: 20 * time.Millisecond,
		RPCTimeout:        500 * time.Millisecond,
		FetchTimeout:      2 * time.Second,
	})
	ctrl := controller.New(pool)
	s := New(ctrl, time.Second)
	out := &bytes.Buffer{}
	s.out = out
	return &testNode{shell: s, out: out, pool: pool}
}

func TestHostLocalThenList(t *testing.T) {
	n := newTestNode(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, []byte("cli payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	n.shell.dispatch("hl " + path)
	if !strings.Contains(n.out.String(), "hosting") {
		t.Fatalf("hl output: %q", n.out.String())
	}

	n.out.Reset()
	n.shell.dispatch("ls")
	if !strings.Contains(n.out.String(), "has-value") {
		t.Fatalf("ls output: %q", n.out.String())
	}
}

func TestJoinRemoteFetchesAndWritesFile(t *testing.T) {
	host := newTestNode(t)
	fetcher := newTestNode(t)
	fetcher.pool.AddBootstrap(host.pool.LocalAddr())

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "source.bin")
	if err := os.WriteFile(srcPath, []byte("shared across the ring"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	host.shell.dispatch("hl " + srcPath)

	entries := host.shell.ctrl.List()
	if len(entries) != 1 {
		t.Fatalf("expected one hosted entry, got %d", len(entries))
	}
	hostedID := entries[0].ID

	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "dest.bin")
	fetcher.shell.dispatch("jr " + hostedID.String() + " " + destPath)

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("jr did not write %s: %v (shell output: %q)", destPath, err, fetcher.out.String())
	}
	if string(got) != "shared across the ring" {
		t.Fatalf("got %q, want %q", got, "shared across the ring")
	}
}

func TestUnknownCommand(t *testing.T) {
	n := newTestNode(t)
	if stop := n.shell.dispatch("bogus"); stop {
		t.Fatal("unknown command should not stop the shell")
	}
	if !strings.Contains(n.out.String(), "unknown command") {
		t.Fatalf("output: %q", n.out.String())
	}
}

func TestExitStopsShell(t *testing.T) {
	n := newTestNode(t)
	if stop := n.shell.dispatch("exit"); !stop {
		t.Fatal("exit should stop the shell")
	}
}

func TestHelpListsCommands(t *testing.T) {
	n := newTestNode(t)
	n.shell.dispatch("help")
	if !strings.Contains(n.out.String(), "list-virtual-nodes") {
		t.Fatalf("help output: %q", n.out.String())
	}
}
