package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pixil98/go-errors"

	"zoneworld/internal/partition"
)

// World layouts understood by the partitioner.
const (
	LayoutGrid = "grid"
	LayoutHex  = "hex"
)

// Config captures everything a zone server needs to boot: which zone of the
// world it serves, how the world is partitioned, and the tunables for the
// aura, migration and handoff machinery.
type Config struct {
	Server    ServerConfig    `json:"server"`
	World     WorldConfig     `json:"world"`
	Migration MigrationConfig `json:"migration"`
	Handoff   HandoffConfig   `json:"handoff"`
	Nats      NatsConfig      `json:"nats"`
}

type ServerConfig struct {
	ZoneID           uint32   `json:"zoneId"`
	ListenUDP        string   `json:"listenUdp"`        // ":27500"
	TickRate         Duration `json:"tickRate"`         // e.g. "50ms"
	MaxPlayers       int      `json:"maxPlayers"`       // admission cap for this zone
	ViewRadius       float64  `json:"viewRadius"`       // interest radius in metres
	GhostMaxAgeTicks uint64   `json:"ghostMaxAgeTicks"` // drop neighbor ghosts not refreshed for this many ticks
}

// WorldConfig describes the partitioning of the world into zones. It is
// shared between the zone server (JSON) and the orchestrator (YAML); both
// sides must agree on it for zone ids to line up.
type WorldConfig struct {
	Layout string `json:"layout" yaml:"layout"` // "grid" or "hex"

	// Grid layout.
	Rows int     `json:"rows" yaml:"rows"`
	Cols int     `json:"cols" yaml:"cols"`
	MinX float64 `json:"minX" yaml:"min_x"`
	MaxX float64 `json:"maxX" yaml:"max_x"`
	MinZ float64 `json:"minZ" yaml:"min_z"`
	MaxZ float64 `json:"maxZ" yaml:"max_z"`

	// Hex layout.
	HexRings   int     `json:"hexRings" yaml:"hex_rings"`
	CellRadius float64 `json:"cellRadius" yaml:"cell_radius"`
	CenterX    float64 `json:"centerX" yaml:"center_x"`
	CenterZ    float64 `json:"centerZ" yaml:"center_z"`

	AuraBuffer float64 `json:"auraBuffer" yaml:"aura_buffer"`
}

type MigrationConfig struct {
	Timeout     Duration `json:"timeout"`     // abandon a transfer after this long
	SnapshotTTL Duration `json:"snapshotTtl"` // snapshot retention in the handoff store
	MaxPerTick  int      `json:"maxPerTick"`  // migrations drained from the queue per tick
}

type HandoffConfig struct {
	PrepareDistance  float64 `json:"prepareDistance"`  // begin pre-warming the target zone
	AuraDistance     float64 `json:"auraDistance"`     // entity visible in both zones
	MigrateDistance  float64 `json:"migrateDistance"`  // authority transfer starts
	CompleteDistance float64 `json:"completeDistance"` // client switch expected by here

	PrepareTimeout Duration `json:"prepareTimeout"`
	MigrateTimeout Duration `json:"migrateTimeout"`
	SwitchTimeout  Duration `json:"switchTimeout"`
}

type NatsConfig struct {
	URL      string `json:"url" yaml:"url"`           // external server, e.g. "nats://127.0.0.1:4222"
	Embedded bool   `json:"embedded" yaml:"embedded"` // run an in-process server instead
	Host     string `json:"host" yaml:"host"`         // embedded bind host
	Port     int    `json:"port" yaml:"port"`         // embedded bind port, 0 for random
}

// Load reads configuration from a JSON file. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ZoneID:           1,
			ListenUDP:        ":27500",
			TickRate:         Duration(50 * time.Millisecond),
			MaxPlayers:       400,
			ViewRadius:       100,
			GhostMaxAgeTicks: 100,
		},
		World: WorldConfig{
			Layout:     LayoutGrid,
			Rows:       2,
			Cols:       2,
			MinX:       -500,
			MaxX:       500,
			MinZ:       -500,
			MaxZ:       500,
			AuraBuffer: partition.DefaultAuraBuffer,
		},
		Migration: MigrationConfig{
			Timeout:     Duration(5 * time.Second),
			SnapshotTTL: Duration(30 * time.Second),
			MaxPerTick:  16,
		},
		Handoff: HandoffConfig{
			PrepareDistance:  75,
			AuraDistance:     50,
			MigrateDistance:  25,
			CompleteDistance: 10,
			PrepareTimeout:   Duration(5 * time.Second),
			MigrateTimeout:   Duration(3 * time.Second),
			SwitchTimeout:    Duration(2 * time.Second),
		},
		Nats: NatsConfig{
			Embedded: true,
			Host:     "127.0.0.1",
		},
	}
}

func (c *Config) Validate() error {
	el := errors.NewErrorList()

	if c.Server.ZoneID == 0 {
		el.Add(fmt.Errorf("server.zoneId must be set"))
	}
	if c.Server.ListenUDP == "" {
		el.Add(fmt.Errorf("server.listenUdp must be set"))
	}
	if c.Server.TickRate <= 0 {
		el.Add(fmt.Errorf("server.tickRate must be positive"))
	}
	if c.Server.MaxPlayers <= 0 {
		el.Add(fmt.Errorf("server.maxPlayers must be positive"))
	}
	if c.Server.ViewRadius <= 0 {
		el.Add(fmt.Errorf("server.viewRadius must be positive"))
	}

	el.Add(c.World.validate())

	if c.Migration.Timeout <= 0 {
		el.Add(fmt.Errorf("migration.timeout must be positive"))
	}
	if c.Migration.SnapshotTTL.Duration() <= c.Migration.Timeout.Duration() {
		el.Add(fmt.Errorf("migration.snapshotTtl must outlive migration.timeout"))
	}
	if c.Migration.MaxPerTick <= 0 {
		el.Add(fmt.Errorf("migration.maxPerTick must be positive"))
	}

	el.Add(c.Handoff.validate())
	el.Add(c.Nats.validate())

	return el.Err()
}

func (w WorldConfig) validate() error {
	el := errors.NewErrorList()

	switch w.Layout {
	case LayoutGrid, "":
		if w.Rows <= 0 || w.Cols <= 0 {
			el.Add(fmt.Errorf("world rows and cols must be positive for a grid layout"))
		}
		if w.MaxX <= w.MinX || w.MaxZ <= w.MinZ {
			el.Add(fmt.Errorf("world bounds must enclose a positive area"))
		}
	case LayoutHex:
		if w.HexRings < 0 {
			el.Add(fmt.Errorf("world.hexRings cannot be negative"))
		}
		if w.CellRadius <= 0 {
			el.Add(fmt.Errorf("world.cellRadius must be positive"))
		}
	default:
		el.Add(fmt.Errorf("world.layout must be %q or %q", LayoutGrid, LayoutHex))
	}

	if w.AuraBuffer < 0 {
		el.Add(fmt.Errorf("world.auraBuffer cannot be negative"))
	}

	return el.Err()
}

func (h *HandoffConfig) validate() error {
	el := errors.NewErrorList()

	decreasing := h.PrepareDistance > h.AuraDistance &&
		h.AuraDistance > h.MigrateDistance &&
		h.MigrateDistance > h.CompleteDistance
	if !decreasing {
		el.Add(fmt.Errorf("handoff distances must decrease: prepare > aura > migrate > complete"))
	}
	if h.CompleteDistance < 0 {
		el.Add(fmt.Errorf("handoff.completeDistance cannot be negative"))
	}
	if h.PrepareTimeout <= 0 || h.MigrateTimeout <= 0 || h.SwitchTimeout <= 0 {
		el.Add(fmt.Errorf("handoff timeouts must be positive"))
	}

	return el.Err()
}

func (n *NatsConfig) validate() error {
	el := errors.NewErrorList()

	if !n.Embedded && n.URL == "" {
		el.Add(fmt.Errorf("nats: set url or enable the embedded server"))
	}
	if n.Port < 0 || n.Port > 65535 {
		el.Add(fmt.Errorf("nats.port out of range"))
	}

	return el.Err()
}

// Zones materialises the world topology described by the configuration.
func (w WorldConfig) Zones() ([]partition.ZoneDefinition, error) {
	buffer := w.AuraBuffer
	if buffer <= 0 {
		buffer = partition.DefaultAuraBuffer
	}
	switch w.Layout {
	case LayoutHex:
		zones := partition.CreateHexGrid(w.HexRings, w.CellRadius, w.CenterX, w.CenterZ, buffer)
		if zones == nil {
			return nil, fmt.Errorf("world: invalid hex layout (rings %d, cell radius %.1f)", w.HexRings, w.CellRadius)
		}
		return zones, nil
	case LayoutGrid, "":
		world := partition.Bounds{MinX: w.MinX, MaxX: w.MaxX, MinZ: w.MinZ, MaxZ: w.MaxZ}
		zones := partition.CreateGrid(w.Rows, w.Cols, world, buffer)
		if zones == nil {
			return nil, fmt.Errorf("world: invalid grid layout (%d x %d)", w.Rows, w.Cols)
		}
		return zones, nil
	default:
		return nil, fmt.Errorf("world: unknown layout %q", w.Layout)
	}
}
