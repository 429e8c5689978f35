package cluster

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"zoneworld/internal/config"
	"zoneworld/internal/partition"
)

// Environment variables consumed by the zone server on boot. The
// orchestrator serialises the full zone config into EnvZoneConfig; the
// zone binary writes it to its -config path before loading.
const (
	EnvZoneConfig = "ZONED_CONFIG_JSON"
	EnvZoneListen = "ZONED_LISTEN"
)

// BuildZoneEnv derives the environment for one zone process from the
// orchestrator's own configuration. Both sides share WorldConfig, so the
// zone ids baked into the injected config line up with the partition the
// orchestrator routes against.
func BuildZoneEnv(orch *config.OrchestratorConfig, def partition.ZoneDefinition, natsURL string) (map[string]string, error) {
	cfg := config.Default()
	cfg.Server.ZoneID = def.ID
	cfg.Server.MaxPlayers = orch.MaxPlayersPerZone
	cfg.Server.ListenUDP = listenFromEndpoint(def.Endpoint)
	cfg.World = orch.World
	cfg.Nats = config.NatsConfig{URL: natsURL}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("zone %d config invalid: %w", def.ID, err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal zone %d config: %w", def.ID, err)
	}

	env := make(map[string]string, len(orch.Cluster.Env)+2)
	for k, v := range orch.Cluster.Env {
		env[k] = v
	}
	env[EnvZoneListen] = cfg.Server.ListenUDP
	env[EnvZoneConfig] = string(raw)
	return env, nil
}

// ZoneSpecFor assembles the launch spec for one zone across all runtimes.
// The -config path points into the cluster data root; the zone binary
// materialises the file there from EnvZoneConfig before reading it.
func ZoneSpecFor(orch *config.OrchestratorConfig, def partition.ZoneDefinition, natsURL string) (ZoneSpec, error) {
	env, err := BuildZoneEnv(orch, def, natsURL)
	if err != nil {
		return ZoneSpec{}, err
	}

	name := fmt.Sprintf("zone-%d", def.ID)
	dataRoot := orch.Cluster.DataRoot
	if dataRoot == "" {
		dataRoot = os.TempDir()
	}

	return ZoneSpec{
		ZoneID:     def.ID,
		Name:       name,
		Executable: orch.Cluster.ZoneBinary,
		Image:      orch.Cluster.ContainerImage,
		Args:       []string{"-config", filepath.Join(dataRoot, name+".json")},
		Env:        env,
	}, nil
}

// listenFromEndpoint keeps the endpoint's port but binds all interfaces,
// since the endpoint host is how peers reach the zone rather than the
// address it should listen on.
func listenFromEndpoint(endpoint string) string {
	_, port, err := net.SplitHostPort(endpoint)
	if err != nil || port == "" {
		return config.Default().Server.ListenUDP
	}
	return ":" + port
}
