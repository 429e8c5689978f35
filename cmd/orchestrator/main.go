package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"zoneworld/internal/central"
	"zoneworld/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "orchestrator.yml", "configuration file for the zone orchestrator")
	flag.Parse()

	cfg, err := config.LoadOrchestrator(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := config.WriteDefaultOrchestrator(cfgPath); err != nil {
				log.Fatalf("write default config: %v", err)
			}
			log.Printf("no configuration found, default configuration written to %s", cfgPath)
			cfg, err = config.LoadOrchestrator(cfgPath)
		}
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	s, err := central.New(cfg)
	if err != nil {
		log.Fatalf("initialise orchestrator: %v", err)
	}

	if err := s.Run(ctx); err != nil {
		log.Fatalf("orchestrator exited: %v", err)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
