package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"

	"github.com/dshills/idempotent-go/workflow/rpc"
	"github.com/dshills/idempotent-go/workflow/rpc/grpcrpc"
	"github.com/dshills/idempotent-go/workflow/store"
)

func TestRun_Usage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, logr.Discard()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "idemctl serve") {
		t.Errorf("usage missing commands:\n%s", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"bogus"}, &out, logr.Discard()); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("IDEMCTL_ADDR", "127.0.0.1:9999")
	t.Setenv("IDEMCTL_TIMEOUT", "not-a-duration")

	cfg, err := parseServeFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q, want env value", cfg.addr)
	}
	if cfg.sweep != "@every 30s" {
		t.Errorf("sweep = %q, want default", cfg.sweep)
	}

	cfg, err = parseServeFlags([]string{"--addr=:1234"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.addr != ":1234" {
		t.Errorf("flag must override env, got %q", cfg.addr)
	}

	if d := envDuration("TIMEOUT", time.Second); d != time.Second {
		t.Errorf("bad duration must fall back, got %s", d)
	}
}

func TestServeAndStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, serveConfig{sweep: "@every 1h"}, lis, testr.New(t))
	}()

	addr := lis.Addr().String()
	client, err := grpcrpc.NewClient(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	if _, err := client.StartWorkflow(callCtx, rpc.StartWorkflowRequest{WorkflowID: "order-1", Name: "checkout"}); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	var out bytes.Buffer
	if err := runStatus(ctx, []string{"--coordinator=" + addr, "order-1"}, &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.HasPrefix(out.String(), "order-1\t"+rpc.StatusRunning.String()) {
		t.Errorf("status output = %q", out.String())
	}

	out.Reset()
	err = runStatus(ctx, []string{"--coordinator=" + addr, "order-1", "missing"}, &out)
	if err == nil || !strings.Contains(out.String(), "missing\tnot found") {
		t.Errorf("missing workflow: err=%v out=%q", err, out.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestClean_SQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	for _, id := range []string{"a", "b"} {
		if err := st.Save(ctx, store.Record{WorkflowID: "w", TaskID: id, Value: []byte("v")}, store.SaveOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Save(ctx, store.Record{WorkflowID: "w2", TaskID: "c", Value: []byte("v")}, store.SaveOptions{TTL: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if err := st.Complete(ctx, "w", past); err != nil {
		t.Fatal(err)
	}
	_ = st.Disconnect(ctx)

	var out bytes.Buffer
	if err := runClean(ctx, []string{"--store=sqlite", "--dsn=" + path}, &out, testr.New(t)); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "removed 2 expired records from sqlite" {
		t.Errorf("output = %q", got)
	}
}

func TestOpenStore_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := openStore(ctx, storeConfig{kind: "sqlite"}, logr.Discard()); err == nil {
		t.Error("expected error without dsn")
	}
	if _, err := openStore(ctx, storeConfig{kind: "etcd", dsn: "x"}, logr.Discard()); err == nil {
		t.Error("expected error for unknown store")
	}
}
