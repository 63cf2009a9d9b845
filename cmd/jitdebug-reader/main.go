// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platformbuilds/jitdebug/internal/config"
	"github.com/platformbuilds/jitdebug/internal/profiler/jitdebug"
	"github.com/platformbuilds/jitdebug/internal/version"
)

func main() {
	cfgPath := flag.String("config", "/etc/jitdebug-reader/config.yaml", "path to config yaml")
	pid := flag.Int("pid", 0, "pid of the target process to monitor")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("jitdebug-reader %s (%s/%s)", version.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}
	if *pid <= 0 {
		log.Fatalf("jitdebug-reader: -pid is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	log.Printf("jitdebug-reader %s starting (pid=%d)", version.Version(), *pid)

	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.SelfTelemetry.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.SelfTelemetry.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	symfileOpt := jitdebug.SymfileKeep
	if cfg.Reader.SymfileOption == "drop_on_close" {
		symfileOpt = jitdebug.SymfileDropOnClose
	}
	syncOpt := jitdebug.SyncEager
	if cfg.Reader.SyncOption == "reorder" {
		syncOpt = jitdebug.SyncReorder
	}

	reader, err := jitdebug.NewReader(jitdebug.Config{
		SymfilePrefix: cfg.Reader.SymfilePrefix,
		SymfileOption: symfileOpt,
		SyncOption:    syncOpt,
		Log:           logger,
		Metrics:       jitdebug.NewMetrics(reg),
	}, func(records []jitdebug.Record, synchronize bool) bool {
		for _, r := range records {
			logger.Info("jitdebug record", "kind", r.Kind, "pid", r.PID, "timestamp", r.Timestamp)
		}
		return true
	})
	if err != nil {
		log.Fatalf("jitdebug: %v", err)
	}

	reader.MonitorProcess(*pid)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	log.Println("jitdebug-reader: shutting down…")
	if err := reader.Close(); err != nil {
		log.Printf("jitdebug: close: %v", err)
	}
	_ = srv.Shutdown(context.Background())
}
