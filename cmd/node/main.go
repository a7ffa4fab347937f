package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrnode/internal/config"
	"github.com/ryandielhenn/zephyrnode/internal/telemetry"
	"github.com/ryandielhenn/zephyrnode/pkg/node"
	"github.com/ryandielhenn/zephyrnode/pkg/workload"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// 1. Configuration and logging. Stdout carries protocol records only.
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		return err
	}
	factory, err := workload.Lookup(cfg.Workload)
	if err != nil {
		return err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	log, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("workload", cfg.Workload))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.New(cfg.Workload, os.Stdin, node.NewWriter(os.Stdout), log)
	telemetry.SetBuildInfo(version, cfg.Workload)

	// 2. Optional metrics endpoint, up before the handshake so /healthz can
	// report readiness.
	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, n)
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
	}

	// 3. Init handshake, then serve the chosen workload.
	if _, err := n.Handshake(); err != nil {
		log.Error("handshake failed", zap.Error(err))
		return err
	}
	h := factory(workload.Deps{
		Out:    n.Out(),
		Log:    log.Named(cfg.Workload),
		Now:    time.Now,
		Gossip: cfg.Gossip,
	})
	if err := n.Serve(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("node stopped", zap.Error(err))
		return err
	}
	return nil
}

func metricsServer(addr string, n *node.Node) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.HandleFunc("/info", n.Info)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
