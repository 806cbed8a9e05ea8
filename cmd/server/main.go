package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/Tyrowin/roomrelay/internal/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
)

func main() {
	configFlag := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configFlag))
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	var (
		observer server.HubObserver
		source   server.MetricsSource
	)
	if cfg.Metrics.Enabled {
		collector := metrics.New()
		observer, source = collector, collector
	}

	hub := server.NewHub(cfg.WebSocket, observer, logger)
	server.StartHub(hub, logger)

	mux := server.SetupRoutes(cfg, hub, source, logger)
	httpServer := server.CreateServer(cfg.HTTP, mux)

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatalw("server failed", "error", err)
		}
	}()

	// HTTP first so no new connection reaches a stopped hub.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.HTTP.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				httpErr := server.ShutdownServer(ctx, httpServer, logger)
				hubErr := hub.Shutdown(cfg.HTTP.ShutdownTimeout)
				return errors.Join(httpErr, hubErr)
			},
		},
	)

	exitCode := <-wait
	logger.Infow("relay exited", "code", exitCode)
	_ = logger.Sync()
	os.Exit(exitCode)
}
