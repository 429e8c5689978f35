package main

import (
	"fmt"
	"os"
	"path/filepath"

	"zoneworld/internal/cluster"
	"zoneworld/internal/config"
)

// resolveConfig loads the zone configuration, honouring the environment an
// orchestrator injects into managed processes. ZONED_CONFIG_JSON is
// materialised to the -config path first, so the file on disk always shows
// what the process booted with; ZONED_LISTEN then overrides the bind
// address for runtimes that remap ports.
func resolveConfig(path string) (*config.Config, error) {
	if raw := os.Getenv(cluster.EnvZoneConfig); raw != "" {
		if path == "" {
			return nil, fmt.Errorf("%s is set but there is no -config path to materialise it to", cluster.EnvZoneConfig)
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create config directory: %w", err)
			}
		}
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			return nil, fmt.Errorf("materialise %s: %w", cluster.EnvZoneConfig, err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if listen := os.Getenv(cluster.EnvZoneListen); listen != "" {
		cfg.Server.ListenUDP = listen
	}
	return cfg, nil
}
