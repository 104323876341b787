package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/api"
	"github.com/scandhq/scand/internal/config"
	"github.com/scandhq/scand/internal/housekeeper"
	"github.com/scandhq/scand/internal/logging"
	"github.com/scandhq/scand/internal/orchestrate"
	"github.com/scandhq/scand/internal/queue"
	"github.com/scandhq/scand/internal/registry"
	"github.com/scandhq/scand/internal/scanner"
	"github.com/scandhq/scand/internal/taskstore"
	"github.com/scandhq/scand/internal/version"
	"github.com/scandhq/scand/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "version":
		info := version.Get()
		fmt.Printf("scand %s (%s, %s)\n", info.Version, info.Commit, info.GoVersion)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`scand - vulnerability scan orchestration server

Usage:
  scand <command> [options]

Commands:
  serve    Start the API server (submission, status, results, housekeeper)
  worker   Start a worker process (scan execution)
  version  Print build information

Options:
  -config string   Path to config file (default "config.yaml")

Examples:
  scand serve -config config.yaml
  scand worker -config config.yaml`)
}

// bootstrap loads config and builds the components both commands share.
func bootstrap(configPath string) (*config.Config, zerolog.Logger, *taskstore.Store, *queue.Queue, *registry.Registry, *scanner.Factory) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSONEnabled()})

	store, err := taskstore.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("data_dir", cfg.DataDir).Msg("failed to open task store")
	}

	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to redis")
	}

	pools, err := cfg.ResolvePools()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load scanner pools")
	}
	reg := registry.New(pools, logging.Component(log, "registry"))
	if cfg.Worker.Coordination == "redis" {
		reg = reg.WithCoordinator(q)
	}

	factory := scanner.NewFactory(logging.Component(log, "scanner"))

	return cfg, log, store, q, reg, factory
}

// watchReload re-reads the scanner pools file on SIGHUP and swaps the
// registry instance set. In-flight scans on removed instances finish and
// release harmlessly.
func watchReload(cfg *config.Config, reg *registry.Registry, log zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			pools, err := cfg.ResolvePools()
			if err != nil {
				log.Error().Err(err).Msg("scanner pool reload failed, keeping current set")
				continue
			}
			reg.Reload(pools)
			log.Info().Strs("pools", reg.ListPools()).Msg("scanner pools reloaded")
		}
	}()
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, log, store, q, reg, factory := bootstrap(*configPath)
	defer q.Close()

	orch := orchestrate.New(cfg, store, q, reg, factory, logging.Component(log, "orchestrate"))
	srv := api.New(cfg, store, q, reg, factory, orch, log)

	hk := housekeeper.New(cfg, store, q, log)
	if err := hk.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeper")
	}
	defer hk.Stop()

	watchReload(cfg, reg, log)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("version", version.Get().Version).Msg("starting scand server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, log, store, q, reg, factory := bootstrap(*configPath)
	defer q.Close()

	if err := validateWorkerPools(cfg, reg); err != nil {
		log.Fatal().Err(err).Msg("invalid worker pool configuration")
	}

	watchReload(cfg, reg, log)

	w := worker.New(cfg, store, q, reg, factory, log)
	w.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	<-done
	log.Info().Msg("shutting down, waiting for in-flight scans")
	w.Stop()
}

// validateWorkerPools rejects a worker pool list naming pools the registry
// does not know. A typo here would otherwise block on empty queues forever.
func validateWorkerPools(cfg *config.Config, reg *registry.Registry) error {
	for _, pool := range cfg.Worker.Pools {
		if !reg.HasPool(pool) {
			return fmt.Errorf("worker pool %q is not in the scanner registry", pool)
		}
	}
	return nil
}
