package serverrun

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/intelbridge/internal/config"
	"github.com/rzbill/intelbridge/internal/manage"
	"github.com/rzbill/intelbridge/internal/transport/ws"
	logpkg "github.com/rzbill/intelbridge/pkg/log"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.ManagePort = freePort(t)
	cfg.PubPort = freePort(t)
	cfg.SubPort = freePort(t)
	cfg.AdminAddr = net.JoinHostPort("127.0.0.1", "0")
	cfg.GRPCAddr = ""
	return cfg
}

func quietLogger() logpkg.Logger {
	l, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text", Output: "null"})
	return l
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.PubPort = cfg.ManagePort
	err := Run(context.Background(), Options{Config: cfg, Logger: quietLogger()})
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRunFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := testConfig(t)
	cfg.SubPort = busy.Addr().(*net.TCPAddr).Port
	err = Run(context.Background(), Options{Config: cfg, Logger: quietLogger()})
	if err == nil || !strings.Contains(err.Error(), "bind sub") {
		t.Fatalf("expected bind error, got %v", err)
	}
}

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := testConfig(t)
	cfg.AdminAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, Options{Config: cfg, Logger: quietLogger()}) }()

	var req *ws.Requester
	deadline := time.Now().Add(5 * time.Second)
	for {
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		r, err := ws.DialRequester(dctx, cfg.ManageAddr())
		dcancel()
		if err == nil {
			req = r
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("manage endpoint never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer req.Close()

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	raw, err := req.Request(rctx, []byte(`{"action":"subscribe","topic":"intel","snapshot":0}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp manage.Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Status != manage.StatusSuccess {
		t.Fatalf("reply = %s (%v)", raw, err)
	}
	if resp.PubEndpoint != cfg.PubAddr() || resp.SubEndpoint != cfg.SubAddr() {
		t.Fatalf("endpoints = %+v", resp)
	}

	hres, err := http.Get("http://" + cfg.AdminAddr + "/v1/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	hres.Body.Close()
	if hres.StatusCode != http.StatusOK {
		t.Fatalf("healthz status: %d", hres.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
