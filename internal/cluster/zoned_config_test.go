package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zoneworld/internal/config"
	"zoneworld/internal/partition"
)

func orchestratorFixture(t *testing.T) *config.OrchestratorConfig {
	t.Helper()
	cfg := &config.OrchestratorConfig{
		World: config.WorldConfig{
			Layout: config.LayoutGrid,
			Rows:   2,
			Cols:   2,
			MinX:   -500,
			MaxX:   500,
			MinZ:   -500,
			MaxZ:   500,
		},
		Cluster: config.ClusterConfig{
			Mode:           config.ClusterModeProcess,
			ZoneBinary:     "/usr/local/bin/zoned",
			DataRoot:       "/var/lib/zoneworld",
			ContainerImage: "zoneworld/zoned:latest",
			Env:            map[string]string{"GLOBAL_FLAG": "cluster"},
		},
		Nats: config.NatsConfig{Embedded: true},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func zoneDef(t *testing.T, cfg *config.OrchestratorConfig, id uint32) partition.ZoneDefinition {
	t.Helper()
	zones, err := cfg.World.Zones()
	if err != nil {
		t.Fatalf("Zones() error = %v", err)
	}
	def := partition.ZoneByID(zones, id)
	if def == nil {
		t.Fatalf("zone %d missing from world", id)
	}
	return *def
}

func TestBuildZoneEnvInjectsFullConfig(t *testing.T) {
	t.Parallel()

	orch := orchestratorFixture(t)
	def := zoneDef(t, orch, 2)

	env, err := BuildZoneEnv(orch, def, "nats://127.0.0.1:24222")
	if err != nil {
		t.Fatalf("BuildZoneEnv() error = %v", err)
	}

	if env["GLOBAL_FLAG"] != "cluster" {
		t.Errorf("GLOBAL_FLAG = %q, want %q", env["GLOBAL_FLAG"], "cluster")
	}
	if env[EnvZoneListen] != ":7779" {
		t.Errorf("%s = %q, want %q", EnvZoneListen, env[EnvZoneListen], ":7779")
	}

	var cfg config.Config
	if err := json.Unmarshal([]byte(env[EnvZoneConfig]), &cfg); err != nil {
		t.Fatalf("injected config does not parse: %v", err)
	}
	if cfg.Server.ZoneID != 2 {
		t.Errorf("Server.ZoneID = %d, want 2", cfg.Server.ZoneID)
	}
	if cfg.Server.ListenUDP != ":7779" {
		t.Errorf("Server.ListenUDP = %q, want %q", cfg.Server.ListenUDP, ":7779")
	}
	if cfg.Server.MaxPlayers != orch.MaxPlayersPerZone {
		t.Errorf("Server.MaxPlayers = %d, want %d", cfg.Server.MaxPlayers, orch.MaxPlayersPerZone)
	}
	if cfg.World.Rows != 2 || cfg.World.Cols != 2 {
		t.Errorf("World = %dx%d, want 2x2", cfg.World.Rows, cfg.World.Cols)
	}
	if cfg.Nats.URL != "nats://127.0.0.1:24222" {
		t.Errorf("Nats.URL = %q, want the orchestrator's server", cfg.Nats.URL)
	}
	if cfg.Nats.Embedded {
		t.Errorf("Nats.Embedded = true, want zone processes to dial out")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("injected config fails validation: %v", err)
	}
}

func TestBuildZoneEnvRejectsInvalidDerivedConfig(t *testing.T) {
	t.Parallel()

	orch := orchestratorFixture(t)
	def := zoneDef(t, orch, 1)

	orch.MaxPlayersPerZone = -1
	if _, err := BuildZoneEnv(orch, def, "nats://127.0.0.1:24222"); err == nil {
		t.Fatalf("BuildZoneEnv() with negative player cap succeeded, want error")
	}
}

func TestZoneSpecForBuildsLaunchSpec(t *testing.T) {
	t.Parallel()

	orch := orchestratorFixture(t)
	def := zoneDef(t, orch, 3)

	spec, err := ZoneSpecFor(orch, def, "nats://127.0.0.1:24222")
	if err != nil {
		t.Fatalf("ZoneSpecFor() error = %v", err)
	}

	if spec.ZoneID != 3 {
		t.Errorf("ZoneID = %d, want 3", spec.ZoneID)
	}
	if spec.Name != "zone-3" {
		t.Errorf("Name = %q, want %q", spec.Name, "zone-3")
	}
	if spec.Executable != "/usr/local/bin/zoned" {
		t.Errorf("Executable = %q, want the configured zone binary", spec.Executable)
	}
	if spec.Image != "zoneworld/zoned:latest" {
		t.Errorf("Image = %q, want the configured container image", spec.Image)
	}
	wantArgs := []string{"-config", filepath.Join("/var/lib/zoneworld", "zone-3.json")}
	if len(spec.Args) != 2 || spec.Args[0] != wantArgs[0] || spec.Args[1] != wantArgs[1] {
		t.Errorf("Args = %v, want %v", spec.Args, wantArgs)
	}
	if spec.Env[EnvZoneConfig] == "" {
		t.Errorf("Env[%s] = empty, want injected config", EnvZoneConfig)
	}
}

func TestZoneSpecForDefaultsDataRoot(t *testing.T) {
	t.Parallel()

	orch := orchestratorFixture(t)
	orch.Cluster.DataRoot = ""
	def := zoneDef(t, orch, 1)

	spec, err := ZoneSpecFor(orch, def, "nats://127.0.0.1:24222")
	if err != nil {
		t.Fatalf("ZoneSpecFor() error = %v", err)
	}
	if len(spec.Args) != 2 || !strings.HasPrefix(spec.Args[1], os.TempDir()) {
		t.Errorf("Args = %v, want config path under %s", spec.Args, os.TempDir())
	}
}

func TestListenFromEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint string
		want     string
	}{
		{"127.0.0.1:7778", ":7778"},
		{"zone-4.internal:9100", ":9100"},
		{"bogus", config.Default().Server.ListenUDP},
		{"", config.Default().Server.ListenUDP},
	}
	for _, tt := range tests {
		if got := listenFromEndpoint(tt.endpoint); got != tt.want {
			t.Errorf("listenFromEndpoint(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}
