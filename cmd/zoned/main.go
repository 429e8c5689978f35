package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"zoneworld/internal/config"
	"zoneworld/internal/crosszone"
	"zoneworld/internal/handoff"
	"zoneworld/internal/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to zone server configuration file")
	flag.Parse()

	cfg, err := resolveConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, messenger, closeMessaging, err := buildMessaging(cfg)
	if err != nil {
		log.Fatalf("set up messaging: %v", err)
	}
	defer closeMessaging()

	srv, err := server.New(cfg, store, messenger)
	if err != nil {
		log.Fatalf("initialise zone server: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("zone server exited with error: %v", err)
	}
}

// buildMessaging assembles the NATS plumbing a zone shares with its peers:
// the cross-zone messenger and the store migration snapshots are parked in.
// Without a broker configured the zone runs standalone on an in-memory
// store and never talks to neighbors.
func buildMessaging(cfg *config.Config) (handoff.Store, *crosszone.Messenger, func(), error) {
	logger := log.New(log.Writer(), "zoned ", log.LstdFlags|log.Lmicroseconds)

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	url := cfg.Nats.URL
	if cfg.Nats.Embedded {
		embedded, err := crosszone.NewEmbeddedServer(
			crosszone.WithHost(cfg.Nats.Host),
			crosszone.WithPort(cfg.Nats.Port),
			crosszone.WithStoreDir(filepath.Join(os.TempDir(), fmt.Sprintf("zoned-%d-jetstream", cfg.Server.ZoneID))),
			crosszone.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := embedded.Start(); err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, embedded.Shutdown)
		url = embedded.ClientURL()
	}

	if url == "" {
		return handoff.NewMemoryStore(), nil, closeAll, nil
	}

	nc, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("zoned-%d", cfg.Server.ZoneID)),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		closeAll()
		return nil, nil, nil, fmt.Errorf("connect nats at %s: %w", url, err)
	}
	closers = append(closers, nc.Close)

	store, err := handoff.NewNATSStore(nc, handoff.DefaultBucket, cfg.Migration.SnapshotTTL.Duration())
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}

	return store, crosszone.NewMessenger(cfg.Server.ZoneID, nc, logger), closeAll, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(10*time.Second, func() {
			log.Printf("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
