package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/cbrs-sas-controller/internal/config"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/logging"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas"
	"github.com/signalsfoundry/cbrs-sas-controller/internal/sas/sastest"
	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr
}

func TestSASDStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sasSrv := sastest.NewServer()
	defer sasSrv.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	cfg := config.Default()
	cfg.Listen.API = lis.Addr().String()
	cfg.Listen.GRPC = freeAddr(t)
	cfg.SAS = []config.ProviderConfig{{Provider: model.ProviderGoogle, Endpoint: sasSrv.URL}}
	cfg.ShutdownTimeout = 5 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	log := logging.New(logging.Config{Level: "warn", Format: "text"})
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, log, lis)
	}()

	base := "http://" + cfg.Listen.API
	body, _ := json.Marshal(model.CBSD{
		CBSDSerialNumber: "SN-1",
		FCCID:            "FCC-1",
		SASProviderID:    model.ProviderGoogle,
		Category:         model.CategoryA,
	})
	resp, err := http.Post(base+"/v1/cbsds", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/cbsds: %v", err)
	}
	var rec model.CBSD
	err = json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if rec.State != model.StateRegistered || rec.CBSDID == "" {
		t.Fatalf("record = %+v, want REGISTERED with a cbsdId", rec)
	}
	if got := len(sasSrv.Requests(sas.OpRegister)); got != 1 {
		t.Fatalf("registration requests = %d, want 1", got)
	}

	conn, err := grpc.NewClient(cfg.Listen.GRPC, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v, want SERVING", hc.GetStatus())
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sasd.yaml")
	yaml := "listen:\n  api: \":8080\"\nsas_providers:\n  - provider: google\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	o, fs, err := parseFlags([]string{"--config", path, "--listen", ":7001", "--log-level", "debug"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	cfg, err := loadConfig(o, fs)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen.API != ":7001" {
		t.Fatalf("Listen.API = %q, want %q", cfg.Listen.API, ":7001")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Listen.Metrics != "" {
		t.Fatalf("Listen.Metrics = %q, want unset", cfg.Listen.Metrics)
	}

	if _, _, err := parseFlags([]string{"--no-such-flag"}); err == nil {
		t.Fatalf("parseFlags(unknown): want error")
	}
}
