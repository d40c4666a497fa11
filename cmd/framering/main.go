package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/lanikai/framering"
	"github.com/lanikai/framering/internal/config"
	"github.com/lanikai/framering/internal/logging"
	"github.com/lanikai/framering/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("framering")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		version()
		os.Exit(0)
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		log.Fatalf("%v", err)
	}

	p, err := framering.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	if flagMetricsAddress != "" {
		serveMetrics(flagMetricsAddress, p)
	}

	if err := p.Start(context.Background()); err != nil {
		log.Fatalf("%v", err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	var status <-chan time.Time
	if flagStatusInterval > 0 {
		ticker := time.NewTicker(flagStatusInterval)
		defer ticker.Stop()
		status = ticker.C
	}

loop:
	for {
		select {
		case sig := <-signals:
			log.Info("Got %v, shutting down", sig)
			p.Stop()
			break loop
		case <-p.Done():
			break loop
		case <-status:
			p.PrintStatus()
		}
	}

	err = p.Join(0)
	p.PrintStatus()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := p.Close(); err != nil {
		log.Error("Failed to free buffers: %v", err)
	}
	log.Info("Pipeline exited cleanly")
}

func serveMetrics(addr string, p *framering.Pipeline) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(p),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		log.Info("Serving metrics on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("Metrics server failed: %v", err)
		}
	}()
}
