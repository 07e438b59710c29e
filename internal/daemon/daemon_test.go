package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
)

// TestFxModuleWiring verifies the fx dependency graph resolves and the daemon
// starts and stops cleanly on a loopback port.
func TestFxModuleWiring(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "zapgate.toml")
	cfg := "listen = \"127.0.0.1:0\"\ndata_dir = \"" + tmpDir + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	var srv *Server
	app := fx.New(
		Module(Params{ConfigPath: cfgPath}),
		fx.Populate(&srv),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph: %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The HTTP surface must be reachable.
	var resp *http.Response
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = http.Get("http://" + srv.Addr() + "/health")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never reachable: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// TestSecondInstanceRejected verifies the data-dir lock excludes a second
// daemon on the same directory.
func TestSecondInstanceRejected(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "zapgate.toml")
	cfg := "listen = \"127.0.0.1:0\"\ndata_dir = \"" + tmpDir + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	first := fx.New(Module(Params{ConfigPath: cfgPath}), fx.NopLogger)
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := first.Start(startCtx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelStop()
		_ = first.Stop(stopCtx)
	}()

	second := fx.New(Module(Params{ConfigPath: cfgPath}), fx.NopLogger)
	secondCtx, cancelSecond := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelSecond()
	if err := second.Start(secondCtx); err == nil {
		_ = second.Stop(context.Background())
		t.Fatal("second daemon acquired the same data dir")
	}
}
