package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/dshills/idempotent-go/workflow/rpc/grpcrpc"
	"github.com/dshills/idempotent-go/workflow/rpc/memory"
	"github.com/dshills/idempotent-go/workflow/store"
)

type serveConfig struct {
	addr        string
	metricsAddr string
	sweep       string
}

func parseServeFlags(args []string) (serveConfig, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfg := serveConfig{}
	fs.StringVar(&cfg.addr, "addr", envOr("ADDR", ":7070"), "gRPC listen address")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", envOr("METRICS_ADDR", ""), "Prometheus listen address (empty disables)")
	fs.StringVar(&cfg.sweep, "sweep", envOr("SWEEP", "@every 30s"), "cron schedule for expiry sweeps")
	if err := fs.Parse(args); err != nil {
		return serveConfig{}, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, args []string, logger logr.Logger) error {
	cfg, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.addr, err)
	}
	return serve(ctx, cfg, lis, logger)
}

// serve runs an in-memory coordinator on lis until ctx is done.
func serve(ctx context.Context, cfg serveConfig, lis net.Listener, logger logr.Logger) error {
	coord := memory.NewCoordinator()

	janitor, err := store.NewJanitor(cfg.sweep, logger.WithName("janitor"), coord)
	if err != nil {
		_ = lis.Close()
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "idempotent",
			Name:      "coordinator_workflows",
			Help:      "Workflows held by the coordinator",
		}, func() float64 { return float64(coord.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "idempotent",
			Name:      "coordinator_swept_total",
			Help:      "Expired workflows removed by the janitor",
		}, func() float64 {
			_, removed := janitor.Stats()
			return float64(removed)
		}),
	)

	var metricsSrv *http.Server
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server stopped")
			}
		}()
	}

	srv := grpcrpc.NewServer(coord, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	logger.Info("coordinator listening", "addr", lis.Addr().String(), "sweep", cfg.sweep)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	logger.Info("shutting down")
	srv.GracefulStop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}
