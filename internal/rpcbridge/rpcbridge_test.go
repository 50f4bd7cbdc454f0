package rpcbridge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/loppo-llc/sessiond/internal/config"
	"github.com/loppo-llc/sessiond/internal/manager"
	"github.com/loppo-llc/sessiond/internal/pipeline"
	"github.com/loppo-llc/sessiond/internal/scheduler"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestBridge(t *testing.T, token string) (string, *manager.Manager, string) {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "sessions.json")
	cfg := config.Config{
		Tools: map[string]config.ToolConfig{
			"echo": {Name: "echo", Mode: config.ModeHeadless, CmdTemplate: []string{"echo", "{prompt}"}},
		},
		Defaults: config.Defaults{StatePath: statePath},
		Queue:    config.QueueConfig{MaxPerSession: 4},
	}
	mgr, err := manager.New(cfg, manager.Hooks{}, testLogger())
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	s, err := mgr.Create("echo", t.TempDir(), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.SetActive(s.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	outCfg := config.OutputConfig{InlineLimit: 3500, HeadChars: 1000, TailChars: 2000, FlushDelayMS: 20}
	pipe := pipeline.New(outCfg, nil)
	sched := scheduler.New(mgr, pipe, 2*time.Second, 2*time.Second, testLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmtSscan(portStr, &port)

	b := New(host, port, token, sched, mgr, testLogger())
	go b.Serve()
	time.Sleep(50 * time.Millisecond)
	return addr, mgr, s.ID
}

func fmtSscan(s string, out *int) {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	*out = n
}

// TestRPC_RoundTrip submits a prompt over the wire and checks the
// response carries the echoed output.
func TestRPC_RoundTrip(t *testing.T) {
	addr, _, sessID := newTestBridge(t, "T")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := map[string]string{"token": "T", "prompt": "hi", "session_id": sessID}
	data, _ := json.Marshal(req)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok:true, got %+v", resp)
	}
	if out, _ := resp["output"].(string); out != "hi\n" && out != "hi" {
		t.Fatalf("expected echoed output, got %+v", resp)
	}
}

func TestRPC_MissingPromptBoundary(t *testing.T) {
	addr, _, _ := newTestBridge(t, "")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(map[string]string{"token": ""})
	conn.Write(data)
	conn.(*net.TCPConn).CloseWrite()

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "bad-request" {
		t.Fatalf("expected bad-request error, got %+v", resp)
	}
}

func TestRPC_AuthError(t *testing.T) {
	addr, _, sessID := newTestBridge(t, "correct-token")

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := map[string]string{"token": "wrong", "prompt": "hi", "session_id": sessID}
	data, _ := json.Marshal(req)
	conn.Write(data)
	conn.(*net.TCPConn).CloseWrite()

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "auth" {
		t.Fatalf("expected auth error, got %+v", resp)
	}
}

func TestRPC_StaleSessionIDFallsBackToActive(t *testing.T) {
	addr, _, sessID := newTestBridge(t, "")
	_ = sessID

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := map[string]string{"prompt": "hi", "session_id": "s_does-not-exist"}
	data, _ := json.Marshal(req)
	conn.Write(data)
	conn.(*net.TCPConn).CloseWrite()

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected fallback to the active session to succeed, got %+v", resp)
	}
}

func TestRPC_NoActiveSession(t *testing.T) {
	addr, mgr, sessID := newTestBridge(t, "")
	_ = mgr.Close(sessID, nil) // leaves no active session at all

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, _ := json.Marshal(map[string]string{"prompt": "hi"})
	conn.Write(data)
	conn.(*net.TCPConn).CloseWrite()

	var resp map[string]any
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != "no-active-session" {
		t.Fatalf("expected no-active-session error, got %+v", resp)
	}
}
