package server

import (
	"fmt"
	"log"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"zoneworld/internal/config"
	"zoneworld/internal/entity"
	"zoneworld/internal/migration"
	"zoneworld/internal/network"
	"zoneworld/internal/partition"
)

// HandoffPhase tracks how far along a player is in switching zones.
type HandoffPhase uint8

const (
	HandoffNone HandoffPhase = iota
	HandoffPreparing
	HandoffAuraOverlap
	HandoffMigrating
	HandoffSwitching
	HandoffCompleted
)

func (p HandoffPhase) String() string {
	switch p {
	case HandoffNone:
		return "none"
	case HandoffPreparing:
		return "preparing"
	case HandoffAuraOverlap:
		return "aura_overlap"
	case HandoffMigrating:
		return "migrating"
	case HandoffSwitching:
		return "switching"
	case HandoffCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// HandoffStats is the cumulative hand-off tally for one zone. A timed-out
// hand-off counts as both failed and timed out. Durations measure the whole
// hand-off from preparation to the client's confirmed switch.
type HandoffStats struct {
	Total      uint64
	Successful uint64
	Failed     uint64
	Cancelled  uint64
	TimedOut   uint64
	AvgMillis  float64
	MaxMillis  float64
}

type migrationOutcome uint8

const (
	outcomePending migrationOutcome = iota
	outcomeSucceeded
	outcomeFailed
)

type handoffRecord struct {
	playerID   uint64
	handle     entity.Handle
	phase      HandoffPhase
	target     uint32
	targetHost string
	targetPort uint16
	token      string

	startedAt  time.Time
	phaseStart time.Time

	edgeDistance float64
	dirX, dirZ   float64

	outcome migrationOutcome
}

// arrivalTTL is how long the destination keeps an inbound player's token
// and pre-spawned entity while waiting for the client to reconnect.
const arrivalTTL = 10 * time.Second

type arrival struct {
	token      string
	handle     entity.Handle
	sourceZone uint32
	expires    time.Time
}

// HandoffController walks players through leaving this zone and admits the
// ones arriving from neighbors. Outbound, a player approaching the boundary
// moves through preparation, aura overlap, entity migration and finally a
// connection switch; each phase is entered by proximity to the edge and
// bounded by a timeout, except aura overlap, which a player may loiter in
// indefinitely. Inbound, a migrated entity is parked with a one-time token
// until its client shows up.
//
// Like the rest of the zone state it is confined to the tick goroutine.
type HandoffController struct {
	zoneID     uint32
	cfg        config.HandoffConfig
	zones      []partition.ZoneDefinition
	self       *partition.ZoneDefinition
	migrations *migration.Manager
	log        *log.Logger

	active   map[uint64]*handoffRecord
	arrivals map[uint64]*arrival

	onInstruction    func(playerID uint64, instr network.HandoffInstruction)
	onFinished       func(playerID uint64, targetZone uint32, success bool)
	onArrivalExpired func(playerID uint64, h entity.Handle)

	stats     HandoffStats
	durations uint64
}

// NewHandoffController builds the controller for zoneID within the given
// topology. The config must already be validated; distances decrease from
// preparation inward.
func NewHandoffController(zoneID uint32, zones []partition.ZoneDefinition, cfg config.HandoffConfig, migrations *migration.Manager, logger *log.Logger) (*HandoffController, error) {
	self := partition.ZoneByID(zones, zoneID)
	if self == nil {
		return nil, fmt.Errorf("handoff: zone %d not in topology", zoneID)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HandoffController{
		zoneID:     zoneID,
		cfg:        cfg,
		zones:      zones,
		self:       self,
		migrations: migrations,
		log:        logger,
		active:     make(map[uint64]*handoffRecord),
		arrivals:   make(map[uint64]*arrival),
	}, nil
}

// SetInstructionFunc registers the sender for client hand-off instructions.
func (c *HandoffController) SetInstructionFunc(fn func(playerID uint64, instr network.HandoffInstruction)) {
	c.onInstruction = fn
}

// SetFinishedFunc registers the callback fired when an outbound hand-off
// ends, successfully or not. Cancels (the player turned back) do not fire
// it; nothing changed for them.
func (c *HandoffController) SetFinishedFunc(fn func(playerID uint64, targetZone uint32, success bool)) {
	c.onFinished = fn
}

// SetArrivalExpiredFunc registers the callback fired when an inbound player
// never reconnected and their parked entity should be despawned.
func (c *HandoffController) SetArrivalExpiredFunc(fn func(playerID uint64, h entity.Handle)) {
	c.onArrivalExpired = fn
}

// CheckPlayerPosition feeds the controller one position sample. An active
// hand-off only has its tracking refreshed; otherwise a player inside the
// preparation band whose predicted path leaves the zone starts one.
func (c *HandoffController) CheckPlayerPosition(playerID uint64, h entity.Handle, pos entity.Position, vel entity.Velocity, now time.Time) {
	if rec, ok := c.active[playerID]; ok {
		rec.edgeDistance = c.edgeDistance(pos)
		rec.dirX, rec.dirZ = movementDirection(vel)
		return
	}

	dist := c.edgeDistance(pos)
	if dist >= c.cfg.PrepareDistance {
		return
	}
	target := c.determineTargetZone(pos, vel)
	if target == 0 || target == c.zoneID {
		return
	}

	rec := &handoffRecord{
		playerID:     playerID,
		handle:       h,
		target:       target,
		edgeDistance: dist,
	}
	rec.dirX, rec.dirZ = movementDirection(vel)
	c.active[playerID] = rec
	c.enterPreparation(rec, now)
}

// Update advances every active hand-off one step and retires the finished
// ones. The caller supplies the clock so ticks stay deterministic under
// test.
func (c *HandoffController) Update(reg *entity.Registry, now time.Time) {
	var done []uint64
	for playerID, rec := range c.active {
		var timeout time.Duration
		switch rec.phase {
		case HandoffPreparing:
			timeout = c.cfg.PrepareTimeout.Duration()
		case HandoffMigrating:
			timeout = c.cfg.MigrateTimeout.Duration()
		case HandoffSwitching:
			timeout = c.cfg.SwitchTimeout.Duration()
		}
		if timeout > 0 && now.Sub(rec.phaseStart) > timeout {
			if rec.phase == HandoffMigrating {
				// Abandon the transfer or the entity could vanish
				// with nobody left to instruct the client.
				c.migrations.Cancel(rec.handle)
			}
			c.fail(rec, "timeout in "+rec.phase.String())
			c.stats.TimedOut++
			done = append(done, playerID)
			continue
		}

		switch rec.phase {
		case HandoffPreparing:
			if rec.edgeDistance < c.cfg.AuraDistance {
				c.enterAuraOverlap(rec, now)
			} else if rec.edgeDistance > c.cfg.PrepareDistance {
				c.cancel(rec)
				done = append(done, playerID)
			}
		case HandoffAuraOverlap:
			if rec.edgeDistance < c.cfg.MigrateDistance {
				if !c.enterMigrating(rec, reg, now) {
					done = append(done, playerID)
				}
			} else if rec.edgeDistance > c.cfg.PrepareDistance {
				c.cancel(rec)
				done = append(done, playerID)
			}
		case HandoffMigrating:
			switch rec.outcome {
			case outcomeSucceeded:
				c.enterSwitching(rec, now)
			case outcomeFailed:
				c.fail(rec, "migration failed")
				done = append(done, playerID)
			}
		case HandoffSwitching:
			// Waiting for the destination to report the client switched.
		case HandoffCompleted:
			done = append(done, playerID)
		}
	}
	for _, playerID := range done {
		delete(c.active, playerID)
	}

	c.pruneArrivals(now)
}

func (c *HandoffController) enterPreparation(rec *handoffRecord, now time.Time) {
	rec.phase = HandoffPreparing
	rec.startedAt = now
	rec.phaseStart = now

	if def := partition.ZoneByID(c.zones, rec.target); def != nil {
		rec.targetHost, rec.targetPort = splitEndpoint(def.Endpoint)
	}

	c.stats.Total++
	c.log.Printf("handoff: player %d preparing for zone %d (%.1fm from edge)", rec.playerID, rec.target, rec.edgeDistance)
}

func (c *HandoffController) enterAuraOverlap(rec *handoffRecord, now time.Time) {
	rec.phase = HandoffAuraOverlap
	rec.phaseStart = now
	// The aura tracker projects boundary entities by position on its own;
	// nothing to register here.
	c.log.Printf("handoff: player %d in aura overlap (%.1fm from edge)", rec.playerID, rec.edgeDistance)
}

func (c *HandoffController) enterMigrating(rec *handoffRecord, reg *entity.Registry, now time.Time) bool {
	rec.phase = HandoffMigrating
	rec.phaseStart = now
	rec.token = uuid.NewString()
	rec.outcome = outcomePending

	ok := c.migrations.Initiate(reg, rec.handle, rec.target, func(_ entity.Handle, success bool) {
		if success {
			rec.outcome = outcomeSucceeded
		} else {
			rec.outcome = outcomeFailed
		}
	})
	if !ok {
		c.fail(rec, "could not start migration")
		return false
	}

	c.log.Printf("handoff: player %d migrating (%.1fm from edge)", rec.playerID, rec.edgeDistance)
	return true
}

func (c *HandoffController) enterSwitching(rec *handoffRecord, now time.Time) {
	rec.phase = HandoffSwitching
	rec.phaseStart = now

	if c.onInstruction != nil {
		c.onInstruction(rec.playerID, network.HandoffInstruction{
			PlayerID:   rec.playerID,
			TargetZone: rec.target,
			Host:       rec.targetHost,
			Port:       rec.targetPort,
			Token:      rec.token,
		})
	}

	c.log.Printf("handoff: player %d switching to zone %d at %s:%d", rec.playerID, rec.target, rec.targetHost, rec.targetPort)
}

func (c *HandoffController) complete(rec *handoffRecord, now time.Time) {
	rec.phase = HandoffCompleted

	millis := float64(now.Sub(rec.startedAt)) / float64(time.Millisecond)
	c.stats.Successful++
	c.durations++
	c.stats.AvgMillis += (millis - c.stats.AvgMillis) / float64(c.durations)
	if millis > c.stats.MaxMillis {
		c.stats.MaxMillis = millis
	}

	c.log.Printf("handoff: player %d completed switch to zone %d in %.0fms", rec.playerID, rec.target, millis)
	if c.onFinished != nil {
		c.onFinished(rec.playerID, rec.target, true)
	}
}

func (c *HandoffController) fail(rec *handoffRecord, reason string) {
	c.stats.Failed++
	c.log.Printf("handoff: player %d to zone %d failed: %s", rec.playerID, rec.target, reason)
	if c.onFinished != nil {
		c.onFinished(rec.playerID, rec.target, false)
	}
}

func (c *HandoffController) cancel(rec *handoffRecord) {
	c.stats.Cancelled++
	c.log.Printf("handoff: player %d turned back, cancelled", rec.playerID)
}

// CompleteHandoff resolves a switching hand-off from the destination's
// report. Success leaves the record to drain on the next Update; failure
// retires it immediately.
func (c *HandoffController) CompleteHandoff(playerID uint64, success bool, now time.Time) bool {
	rec, ok := c.active[playerID]
	if !ok {
		return false
	}
	if success {
		c.complete(rec, now)
		return true
	}
	c.fail(rec, "destination reported failure")
	delete(c.active, playerID)
	return true
}

// Phase reports the player's hand-off phase, HandoffNone when idle.
func (c *HandoffController) Phase(playerID uint64) HandoffPhase {
	if rec, ok := c.active[playerID]; ok {
		return rec.phase
	}
	return HandoffNone
}

// InProgress reports whether the player has an active hand-off.
func (c *HandoffController) InProgress(playerID uint64) bool {
	_, ok := c.active[playerID]
	return ok
}

// TokenFor returns the reconnect token of the player's hand-off, minted
// when migration began.
func (c *HandoffController) TokenFor(playerID uint64) (string, bool) {
	rec, ok := c.active[playerID]
	if !ok || rec.token == "" {
		return "", false
	}
	return rec.token, true
}

// TargetOf returns the destination zone of the player's hand-off.
func (c *HandoffController) TargetOf(playerID uint64) (uint32, bool) {
	rec, ok := c.active[playerID]
	if !ok {
		return 0, false
	}
	return rec.target, true
}

func (c *HandoffController) ActiveCount() int {
	return len(c.active)
}

func (c *HandoffController) Stats() HandoffStats {
	return c.stats
}

// ExpectArrival parks an inbound player until their client reconnects with
// the token. The entity is already live in the registry.
func (c *HandoffController) ExpectArrival(playerID uint64, sourceZone uint32, token string, h entity.Handle, now time.Time) {
	if token == "" {
		return
	}
	c.arrivals[playerID] = &arrival{
		token:      token,
		handle:     h,
		sourceZone: sourceZone,
		expires:    now.Add(arrivalTTL),
	}
}

// ValidateArrival checks a reconnecting client's token. A match consumes
// the arrival and returns the parked entity and the zone to notify.
func (c *HandoffController) ValidateArrival(playerID uint64, token string) (entity.Handle, uint32, bool) {
	a, ok := c.arrivals[playerID]
	if !ok || token == "" || a.token != token {
		return entity.Handle{}, 0, false
	}
	delete(c.arrivals, playerID)
	return a.handle, a.sourceZone, true
}

// PendingArrivals is the number of inbound players not yet reconnected.
func (c *HandoffController) PendingArrivals() int {
	return len(c.arrivals)
}

func (c *HandoffController) pruneArrivals(now time.Time) {
	for playerID, a := range c.arrivals {
		if now.Before(a.expires) {
			continue
		}
		delete(c.arrivals, playerID)
		c.log.Printf("handoff: inbound player %d never reconnected, dropping arrival", playerID)
		if c.onArrivalExpired != nil {
			c.onArrivalExpired(playerID, a.handle)
		}
	}
}

// edgeDistance is how far the position is from the nearest core boundary,
// zero once outside the core. It shrinks monotonically as a player walks
// out, which is what the phase thresholds compare against.
func (c *HandoffController) edgeDistance(pos entity.Position) float64 {
	d := c.self.DistanceToEdge(pos.X.Meters(), pos.Z.Meters())
	if d >= 0 {
		return 0
	}
	return -d
}

// determineTargetZone resolves where the player is headed by looking up the
// zone containing their position two seconds ahead. Inside the seam band
// the lookup abstains and no hand-off starts; the next sample decides.
func (c *HandoffController) determineTargetZone(pos entity.Position, vel entity.Velocity) uint32 {
	x := pos.X.Meters() + vel.DX.Meters()*2
	z := pos.Z.Meters() + vel.DZ.Meters()*2
	def := partition.FindZoneForPosition(c.zones, x, z)
	if def == nil {
		return 0
	}
	return def.ID
}

func movementDirection(vel entity.Velocity) (float64, float64) {
	dx, dz := vel.DX.Meters(), vel.DZ.Meters()
	if sq := dx*dx + dz*dz; sq > 1e-6 {
		inv := 1 / math.Sqrt(sq)
		return dx * inv, dz * inv
	}
	return 0, 0
}

func splitEndpoint(endpoint string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
