// ABOUTME: Entry point for the fieldsync watcher
// ABOUTME: Follows one operation's live state and serves it with metrics over HTTP
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/fieldsync/config"
	"github.com/harperreed/fieldsync/fieldops"
	"github.com/harperreed/fieldsync/logging"
	"github.com/harperreed/fieldsync/models"
	"github.com/harperreed/fieldsync/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "", "Config file (default: $XDG_CONFIG_HOME/fieldsync/config.json)")
	addr := flag.String("addr", "127.0.0.1:9464", "Status server listen address")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldsync version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	switch args[0] {
	case "init":
		if err := initConfig(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "watch":
		if len(args) < 2 {
			fmt.Println("Error: watch requires an operation id")
			printUsage()
			os.Exit(1)
		}
		if err := watch(*configPath, *addr, models.OperationID(args[1])); err != nil {
			log.Fatalf("Error: %v", err)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func initConfig(path string) error {
	if path == "" {
		path = config.Path()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := config.DefaultConfig().SaveTo(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func watch(configPath, addr string, op models.OperationID) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := fieldops.Connect(ctx, cfg, fieldops.WithLogger(logger), fieldops.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer client.Close()

	client.SubscribeAssignments(func(items []models.AssignedLocation) {
		logger.Info("assignments changed", "operation", op, "count", len(items))
	})
	client.SubscribeMessages(func(items []models.ChatMessage) {
		if n := len(items); n > 0 {
			last := items[n-1]
			logger.Info("message", "from", last.SenderUserID, "body", last.Body)
		}
	})

	if err := client.OpenOperation(ctx, op); err != nil {
		// live state keeps retrying in the background
		logger.Warn("operation opened with errors", "operation", op, "err", err)
	}

	server := web.NewServer(client, reg, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func printUsage() {
	fmt.Printf(`fieldsync - live operation state for field teams (version %s)

USAGE:
  fieldsync [flags] <command> [args]

FLAGS:
  --config <path>    Config file (default: $XDG_CONFIG_HOME/fieldsync/config.json)
  --addr <addr>      Status server listen address (default: 127.0.0.1:9464)
  --version          Show version and exit

COMMANDS:
  fieldsync init              Write a default config file
  fieldsync watch <operation> Follow an operation and serve its state

ENDPOINTS (watch):
  /status                     Summary of the live state
  /assignments[?status=]      Live assignments
  /locations                  Member locations
  /messages                   Chat messages
  /operations/<id>/cache      Prefetched collections
  /metrics                    Prometheus metrics
`, version)
}
