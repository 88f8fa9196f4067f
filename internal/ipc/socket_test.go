package ipc

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WynonnaSR/hypr-opaque-media/internal/state"
)

func setupCommandSocket(t *testing.T) (net.Listener, string) {
	t.Helper()
	runtimeDir := t.TempDir()
	sig := "instance"
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", sig)

	socketPath := filepath.Join(runtimeDir, "hypr", sig, ".socket.sock")
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	return listener, socketPath
}

func acceptPayload(t *testing.T, listener net.Listener) <-chan string {
	t.Helper()
	out := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			out <- "accept: " + err.Error()
			return
		}
		defer conn.Close()
		data, err := io.ReadAll(conn)
		if err != nil {
			out <- "read: " + err.Error()
			return
		}
		out <- strings.TrimSpace(string(data))
	}()
	return out
}

func TestSocketDispatcherDispatch(t *testing.T) {
	listener, socketPath := setupCommandSocket(t)

	disp, err := newSocketDispatcher()
	if err != nil {
		t.Fatalf("newSocketDispatcher: %v", err)
	}
	if got := disp.DispatchSocketPath(); got != socketPath {
		t.Fatalf("unexpected socket path: got %q want %q", got, socketPath)
	}

	payload := acceptPayload(t, listener)
	if err := disp.Dispatch("tagwindow", "opaque", "address:0xsolo"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := <-payload; got != "dispatch tagwindow opaque address:0xsolo" {
		t.Fatalf("unexpected payload: %q", got)
	}
}

func TestNewDaemonClientSocketStrategy(t *testing.T) {
	listener, _ := setupCommandSocket(t)

	client, strategy, err := NewDaemonClient(nil, DispatchStrategySocket)
	if err != nil {
		t.Fatalf("NewDaemonClient: %v", err)
	}
	if strategy != DispatchStrategySocket {
		t.Fatalf("unexpected strategy: got %s want %s", strategy, DispatchStrategySocket)
	}
	if _, ok := client.dispatcher.(*socketDispatcher); !ok {
		t.Fatalf("expected socket dispatcher, got %T", client.dispatcher)
	}

	payload := acceptPayload(t, listener)
	tags := state.NewTagSet()
	changed, err := client.SetTag(context.Background(), "0x1", "opaque", true, tags)
	if err != nil || !changed {
		t.Fatalf("SetTag = %v, %v", changed, err)
	}
	if got := <-payload; got != "dispatch tagwindow opaque address:0x1" {
		t.Fatalf("unexpected payload: %q", got)
	}
	if !tags.Has("opaque") {
		t.Fatalf("expected mirror to be updated")
	}
}

func TestNewDaemonClientSocketFallback(t *testing.T) {
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	client, strategy, err := NewDaemonClient(nil, DispatchStrategySocket)
	if err != nil {
		t.Fatalf("NewDaemonClient: %v", err)
	}
	if strategy != DispatchStrategyHyprctl {
		t.Fatalf("expected hyprctl fallback, got %s", strategy)
	}
	if client.dispatcher != nil {
		t.Fatalf("expected hyprctl dispatch, got %T", client.dispatcher)
	}
}

func TestNewDaemonClientUnknownStrategy(t *testing.T) {
	if _, _, err := NewDaemonClient(nil, DispatchStrategy("carrier-pigeon")); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestSocketDispatcherConnectError(t *testing.T) {
	disp := &socketDispatcher{path: filepath.Join(t.TempDir(), "missing.sock")}
	if err := disp.Dispatch("tagwindow", "opaque", "address:0x1"); err == nil {
		t.Fatalf("expected connect error")
	}
}

func TestEventSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "abc")
	got, err := EventSocketPath()
	if err != nil {
		t.Fatalf("EventSocketPath: %v", err)
	}
	if got != "/run/user/1000/hypr/abc/.socket2.sock" {
		t.Fatalf("unexpected path %q", got)
	}
}
