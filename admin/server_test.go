package admin

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeController struct {
	mu      sync.Mutex
	paused  []string
	resumed []string
	flat    []string
	caps    map[string]decimal.Decimal
	killed  bool
	cleared bool
	reset   bool
}

func newFakeController() *fakeController {
	return &fakeController{caps: make(map[string]decimal.Decimal)}
}

func (f *fakeController) Status() map[string]interface{} {
	return map[string]interface{}{"running": true}
}

func (f *fakeController) Pause(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, s)
}

func (f *fakeController) Resume(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, s)
}

func (f *fakeController) Flatten(m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flat = append(f.flat, m)
	return nil
}

func (f *fakeController) SetCap(name string, v decimal.Decimal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "market_exposure" {
		return false
	}
	f.caps[name] = v
	return true
}

func (f *fakeController) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}

func (f *fakeController) ClearDrawdownHalt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
}

func (f *fakeController) ResetBreaker() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = true
}

func startServer(t *testing.T) (*Server, *fakeController, net.Conn) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "polyd.sock")
	ctrl := newFakeController()

	srv := NewServer(sock, ctrl, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Close)

	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return srv, ctrl, conn
}

func roundTrip(t *testing.T, conn net.Conn, cmd Command) Response {
	t.Helper()
	enc := json.NewEncoder(conn)
	if err := enc.Encode(cmd); err != nil {
		t.Fatalf("encode: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatal("no response frame")
	}
	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	_, _, conn := startServer(t)

	resp := roundTrip(t, conn, Command{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %s", resp.Error)
	}
	payload, ok := resp.Payload.(map[string]interface{})
	if !ok || payload["running"] != true {
		t.Errorf("payload = %v", resp.Payload)
	}
}

func TestPauseResumeFlatten(t *testing.T) {
	t.Parallel()
	_, ctrl, conn := startServer(t)

	if resp := roundTrip(t, conn, Command{Cmd: "pause", Strategy: "mm"}); !resp.OK {
		t.Fatalf("pause failed: %s", resp.Error)
	}
	if resp := roundTrip(t, conn, Command{Cmd: "resume", Strategy: "mm"}); !resp.OK {
		t.Fatalf("resume failed: %s", resp.Error)
	}
	if resp := roundTrip(t, conn, Command{Cmd: "flatten", Market: "m1"}); !resp.OK {
		t.Fatalf("flatten failed: %s", resp.Error)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.paused) != 1 || ctrl.paused[0] != "mm" {
		t.Errorf("paused = %v", ctrl.paused)
	}
	if len(ctrl.resumed) != 1 || len(ctrl.flat) != 1 {
		t.Errorf("resumed = %v, flat = %v", ctrl.resumed, ctrl.flat)
	}
}

func TestPauseRequiresStrategy(t *testing.T) {
	t.Parallel()
	_, _, conn := startServer(t)

	resp := roundTrip(t, conn, Command{Cmd: "pause"})
	if resp.OK {
		t.Error("pause without strategy should fail")
	}
}

func TestSetCap(t *testing.T) {
	t.Parallel()
	_, ctrl, conn := startServer(t)

	resp := roundTrip(t, conn, Command{Cmd: "set-cap", Name: "market_exposure", Value: "500"})
	if !resp.OK {
		t.Fatalf("set-cap failed: %s", resp.Error)
	}
	ctrl.mu.Lock()
	got := ctrl.caps["market_exposure"]
	ctrl.mu.Unlock()
	if !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("cap = %s, want 500", got)
	}

	if resp := roundTrip(t, conn, Command{Cmd: "set-cap", Name: "bogus", Value: "1"}); resp.OK {
		t.Error("unknown cap should fail")
	}
	if resp := roundTrip(t, conn, Command{Cmd: "set-cap", Name: "market_exposure", Value: "nan!"}); resp.OK {
		t.Error("unparseable value should fail")
	}
}

func TestKillAndLatchClears(t *testing.T) {
	t.Parallel()
	_, ctrl, conn := startServer(t)

	roundTrip(t, conn, Command{Cmd: "kill"})
	roundTrip(t, conn, Command{Cmd: "clear-halt"})
	roundTrip(t, conn, Command{Cmd: "reset-breaker"})

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if !ctrl.killed || !ctrl.cleared || !ctrl.reset {
		t.Errorf("killed=%v cleared=%v reset=%v, want all true", ctrl.killed, ctrl.cleared, ctrl.reset)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	_, _, conn := startServer(t)

	resp := roundTrip(t, conn, Command{Cmd: "self-destruct"})
	if resp.OK {
		t.Error("unknown command should fail")
	}
}
