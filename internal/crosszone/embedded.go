package crosszone

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled, so
// a small deployment or a test needs no external broker. Zones connect to
// it like any other NATS endpoint.
type EmbeddedServer struct {
	ns  *server.Server
	log *log.Logger

	startupTimeout time.Duration
	host           string
	port           int
	storeDir       string
}

type ServerOption func(*EmbeddedServer)

func WithHost(host string) ServerOption {
	return func(s *EmbeddedServer) { s.host = host }
}

// WithPort fixes the listen port. The default picks a free one.
func WithPort(port int) ServerOption {
	return func(s *EmbeddedServer) { s.port = port }
}

// WithStoreDir sets where JetStream persists the hand-off buckets.
func WithStoreDir(dir string) ServerOption {
	return func(s *EmbeddedServer) { s.storeDir = dir }
}

func WithStartupTimeout(d time.Duration) ServerOption {
	return func(s *EmbeddedServer) { s.startupTimeout = d }
}

func WithLogger(logger *log.Logger) ServerOption {
	return func(s *EmbeddedServer) { s.log = logger }
}

func NewEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	s := &EmbeddedServer{
		startupTimeout: 10 * time.Second,
		host:           "127.0.0.1",
		port:           server.RANDOM_PORT,
		log:            log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ns, err := server.NewServer(&server.Options{
		Host:      s.host,
		Port:      s.port,
		NoSigs:    true, // the application owns signal handling
		JetStream: true,
		StoreDir:  s.storeDir,
	})
	if err != nil {
		return nil, fmt.Errorf("configure nats server: %w", err)
	}
	s.ns = ns
	return s, nil
}

// Start launches the server and blocks until it accepts connections.
func (s *EmbeddedServer) Start() error {
	s.ns.Start()
	if !s.ns.ReadyForConnections(s.startupTimeout) {
		return fmt.Errorf("nats server not ready for connections")
	}
	s.log.Printf("crosszone: embedded nats listening on %s", s.ns.Addr())
	return nil
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}

// ClientURL is the address zones connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.ns.ClientURL()
}

// Run starts the server and keeps it up until the context is cancelled.
func (s *EmbeddedServer) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Shutdown()
	return nil
}
