// Command shardmasterd runs the master: it launches the worker shards,
// accepts their dial-back connections and brokers the shared rate
// limits, exposing Prometheus metrics and optional NATS lifecycle
// events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	promadapter "github.com/codewandler/shardmaster-go/adapters/prometheus"
	natsadapter "github.com/codewandler/shardmaster-go/adapters/nats"
	"github.com/codewandler/shardmaster-go/core/config"
	"github.com/codewandler/shardmaster-go/core/master"
)

func main() {
	configPath := flag.String("config", "shardmaster.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	reg := prometheus.NewRegistry()
	opts := master.Options{
		Log:               log,
		ShardCount:        cfg.Master.ShardCount,
		ListenAddr:        cfg.Master.ListenAddr,
		Secret:            cfg.Master.Secret,
		WorkerCommand:     cfg.Master.WorkerCommand,
		RestartDelay:      cfg.Master.RestartDelay,
		HeartbeatInterval: cfg.Master.HeartbeatInterval,
		ConnectStagger:    cfg.Master.ConnectStagger,
		Limits:            cfg.BucketConfigs(),
		Metrics:           promadapter.NewMasterMetrics(reg),
	}

	if cfg.Nats.URL != "" {
		pub, err := natsadapter.NewEventPublisher(natsadapter.EventPublisherConfig{
			Connect:       natsadapter.ConnectURL(cfg.Nats.URL),
			SubjectPrefix: cfg.Nats.SubjectPrefix,
			Log:           log,
		})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer pub.Close()
		opts.Events = pub
	}

	m, err := master.New(opts)
	if err != nil {
		return err
	}

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", slog.String("addr", cfg.Metrics.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	return m.Run(ctx)
}
