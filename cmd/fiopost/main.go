// Command fiopost runs a single root or worker process of the pub/sub
// cluster described in the package docs, wiring pkg/pubsub, pkg/cluster
// and (optionally) pkg/enginenats together the way the teacher's main.go
// wires its server, Kafka consumer and metrics server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/fiopost/internal/config"
	"github.com/adred-codev/fiopost/internal/logging"
	"github.com/adred-codev/fiopost/internal/metrics"
	"github.com/adred-codev/fiopost/internal/platform"
	"github.com/adred-codev/fiopost/pkg/cluster"
	"github.com/adred-codev/fiopost/pkg/enginenats"
	"github.com/adred-codev/fiopost/pkg/lifecycle"
	"github.com/adred-codev/fiopost/pkg/pubsub"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Role: cfg.Role})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting fiopost")
	cfg.LogConfig(logger)

	role := cluster.RoleRoot
	socketPath := cluster.SocketPath(os.Getpid())
	if cfg.Role == "worker" {
		role = cluster.RoleWorker
		socketPath = cluster.SocketPath(cfg.RootPID)
	}

	transport := cluster.New(cluster.Config{
		Role:              role,
		SocketPath:        socketPath,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OnParentCrash: func() {
			logger.Error().Msg("root connection lost, worker exiting")
		},
		Logger: logger,
	})

	po := pubsub.New(pubsub.Options{
		WorkerCount: cfg.WorkerCount,
		QueueSize:   cfg.QueueSize,
		Informer:    transport,
		Metrics:     metrics.Prometheus{},
		Logger:      logger,
	})
	transport.Bind(po)

	ctx, cancel := context.WithCancel(context.Background())
	po.Start(ctx)

	hooks := &lifecycle.Hooks{PostOffice: po, Transport: transport, Role: role, Logger: logger}
	if err := hooks.PreStart(ctx); err != nil {
		logger.Fatal().Err(err).Msg("lifecycle PreStart failed")
	}
	hooks.AfterFork()
	if cfg.Role == "worker" {
		hooks.InChild()
	}

	var natsEngine *enginenats.Engine
	if cfg.NATSURL != "" {
		natsEngine, err = enginenats.Connect(enginenats.Config{URL: cfg.NATSURL, SubjectPrefix: "fiopost"}, po, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect nats engine, continuing without it")
		} else {
			po.Engines().Attach(natsEngine, po)
			po.Engines().SetDefault(natsEngine)
		}
	}

	if err := hooks.OnStart(ctx); err != nil {
		logger.Fatal().Err(err).Msg("lifecycle OnStart failed")
	}

	backpressure := platform.NewMonitor(func() (depth, capacity int) {
		d, c, _ := po.QueueStats()
		return d, c
	}, logger)
	go backpressure.Run(ctx)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		defer logging.RecoverPanic(logger, "metrics_server", nil)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().Str("socket", socketPath).Msg("fiopost running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if natsEngine != nil {
		if err := natsEngine.Close(); err != nil {
			logger.Error().Err(err).Msg("nats engine close error")
		}
	}
	if err := hooks.OnFinish(); err != nil {
		logger.Error().Err(err).Msg("lifecycle OnFinish error")
	}
	cancel()
	hooks.AtExit()
	logger.Info().Msg("shutdown complete")
}
