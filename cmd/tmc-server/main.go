// Command tmc-server runs a complete control system over simulated elements
// and serves every device through the gRPC device proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/telescope-mc/internal/config"
	"github.com/signalsfoundry/telescope-mc/internal/deploy"
	"github.com/signalsfoundry/telescope-mc/internal/logging"
	"github.com/signalsfoundry/telescope-mc/internal/observability"
	"github.com/signalsfoundry/telescope-mc/internal/tango/remote"
)

func main() {
	configPath := flag.String("config", "", "deployment YAML file; empty runs the built-in demo layout")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	startUp := flag.Bool("startup", false, "switch the telescope on once the deployment is running")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.NewFromEnv().Warn(context.Background(), "ignoring env file", logging.String("path", *envFile), logging.Err(err))
	}
	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	nodes, err := observability.NewNodeCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		os.Exit(1)
	}
	timing, err := observability.NewTimingCollector(reg)
	if err != nil {
		log.Error(ctx, "failed to initialise timing collector", logging.Err(err))
		os.Exit(1)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, nodes, log)

	d, err := deploy.Build(deploy.Options{Config: cfg, Log: log, Metrics: nodes, Timing: timing})
	if err != nil {
		log.Error(ctx, "failed to build deployment", logging.Err(err))
		os.Exit(1)
	}
	if err := d.Start(ctx); err != nil {
		log.Error(ctx, "failed to start deployment", logging.Err(err))
		os.Exit(1)
	}

	server := grpc.NewServer(remote.ServerOptions(log, nodes)...)
	remote.NewServer(d.Registry, log).Register(server)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "serving device proxy", logging.String("addr", cfg.GRPCAddr), logging.Int("devices", len(d.Registry.Names())))
	go func() {
		if err := server.Serve(lis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()

	if *startUp {
		startCtx, cancel := context.WithTimeout(ctx, cfg.Timing.CommandTimeout)
		if err := d.StartUp(startCtx); err != nil {
			log.Warn(ctx, "telescope start-up incomplete", logging.Err(err))
		}
		cancel()
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	log.Info(ctx, "shutting down")
	server.GracefulStop()
	d.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

func serveMetrics(addr string, collector *observability.NodeCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
