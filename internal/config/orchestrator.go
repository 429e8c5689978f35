package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pixil98/go-errors"
	"gopkg.in/yaml.v3"
)

// Cluster runtimes the orchestrator can launch zone servers on. An empty
// mode autodetects from the environment.
const (
	ClusterModeProcess    = "process"
	ClusterModeDocker     = "docker"
	ClusterModeKubernetes = "kubernetes"
)

// OrchestratorConfig drives the central orchestrator daemon.
type OrchestratorConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	HTTPPort      int           `yaml:"http_port"`
	World         WorldConfig   `yaml:"world"`
	Cluster       ClusterConfig `yaml:"cluster"`
	Nats          NatsConfig    `yaml:"nats"`

	MaxPlayersPerZone int    `yaml:"max_players_per_zone"`
	HeartbeatStale    string `yaml:"heartbeat_stale"`       // e.g. "30s"
	HeartbeatCheck    string `yaml:"heartbeat_check"`       // supervision cadence
	IdleShutdown      string `yaml:"idle_shutdown"`         // empty-zone lifetime, "0s" disables
	DrainTimeout      string `yaml:"drain_timeout"`         // patience before a draining zone is killed
	StartAllZones     bool   `yaml:"start_all_zones"`       // bring the whole world up at boot
}

type ClusterConfig struct {
	Mode           string            `yaml:"mode"` // process, docker, kubernetes; empty autodetects
	ZoneBinary     string            `yaml:"zone_binary"`
	DataRoot       string            `yaml:"data_root"`
	ContainerImage string            `yaml:"container_image"`
	Namespace      string            `yaml:"namespace"`
	Env            map[string]string `yaml:"env"`
}

// LoadOrchestrator reads and validates the orchestrator's YAML configuration.
func LoadOrchestrator(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg OrchestratorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultOrchestrator describes a small local cluster: the standard four
// zone grid served by forked processes, with an embedded NATS broker the
// zones dial back into.
func DefaultOrchestrator() *OrchestratorConfig {
	return &OrchestratorConfig{
		ListenAddress: "0.0.0.0",
		HTTPPort:      28200,
		World: WorldConfig{
			Layout: LayoutGrid,
			Rows:   2,
			Cols:   2,
			MinX:   -500,
			MaxX:   500,
			MinZ:   -500,
			MaxZ:   500,
		},
		Cluster: ClusterConfig{
			Mode:       ClusterModeProcess,
			ZoneBinary: "./zoned",
			DataRoot:   "./data",
		},
		Nats: NatsConfig{
			Embedded: true,
			Host:     "127.0.0.1",
			Port:     24222,
		},
		MaxPlayersPerZone: 400,
		HeartbeatStale:    "30s",
		HeartbeatCheck:    "10s",
		IdleShutdown:      "5m",
		DrainTimeout:      "30s",
		StartAllZones:     true,
	}
}

// WriteDefaultOrchestrator writes the default configuration to the given
// path so a first run has something to edit.
func WriteDefaultOrchestrator(path string) error {
	data, err := yaml.Marshal(DefaultOrchestrator())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// Validate fills in defaults and rejects configurations the daemon cannot
// run with.
func (c *OrchestratorConfig) Validate() error {
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 28200
	}
	if c.MaxPlayersPerZone <= 0 {
		c.MaxPlayersPerZone = 400
	}
	if c.HeartbeatStale == "" {
		c.HeartbeatStale = "30s"
	}
	if c.HeartbeatCheck == "" {
		c.HeartbeatCheck = "10s"
	}
	if c.IdleShutdown == "" {
		c.IdleShutdown = "5m"
	}
	if c.DrainTimeout == "" {
		c.DrainTimeout = "30s"
	}
	el := errors.NewErrorList()
	for _, d := range []struct{ name, value string }{
		{"heartbeat_stale", c.HeartbeatStale},
		{"heartbeat_check", c.HeartbeatCheck},
		{"idle_shutdown", c.IdleShutdown},
		{"drain_timeout", c.DrainTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			el.Add(fmt.Errorf("%s invalid: %w", d.name, err))
		}
	}

	switch c.Cluster.Mode {
	case "", ClusterModeProcess, ClusterModeDocker, ClusterModeKubernetes:
	default:
		el.Add(fmt.Errorf("cluster.mode must be %q, %q or %q",
			ClusterModeProcess, ClusterModeDocker, ClusterModeKubernetes))
	}

	if err := c.World.validate(); err != nil {
		el.Add(fmt.Errorf("world invalid: %w", err))
	}
	if err := c.Nats.validate(); err != nil {
		el.Add(fmt.Errorf("nats invalid: %w", err))
	}

	if c.Nats.Embedded && c.Nats.Port == 0 {
		// Zone processes need a stable port to dial back to.
		c.Nats.Port = 24222
	}
	return el.Err()
}

// StaleAfter is how long a zone may miss heartbeats before being declared
// offline. Validate must have accepted the configuration first.
func (c *OrchestratorConfig) StaleAfter() time.Duration {
	d, _ := time.ParseDuration(c.HeartbeatStale)
	return d
}

// CheckEvery is the supervision loop cadence.
func (c *OrchestratorConfig) CheckEvery() time.Duration {
	d, _ := time.ParseDuration(c.HeartbeatCheck)
	return d
}

// IdleAfter is how long an empty zone lingers before becoming a shutdown
// candidate. Zero disables idle shutdown.
func (c *OrchestratorConfig) IdleAfter() time.Duration {
	d, _ := time.ParseDuration(c.IdleShutdown)
	return d
}

// DrainAfter is how long a draining zone may hold on to players before the
// orchestrator stops waiting.
func (c *OrchestratorConfig) DrainAfter() time.Duration {
	d, _ := time.ParseDuration(c.DrainTimeout)
	return d
}
