// Package orchestrator tracks the fleet of zone instances and who plays
// where: which zones are up, how loaded they are, which zone a player
// belongs to, and when a moving player needs to migrate. It holds policy
// and state only; launching processes and carrying messages belong to the
// caller, wired in through the start/stop hooks and callbacks.
package orchestrator

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"zoneworld/internal/partition"
)

const (
	// DefaultMaxPlayersPerZone caps zone population before assignment
	// overflows into a neighbor.
	DefaultMaxPlayersPerZone = 400

	// DefaultHeartbeatStale is how long a zone may go quiet before the
	// orchestrator declares it dead.
	DefaultHeartbeatStale = 30 * time.Second
)

var (
	ErrUnknownZone       = errors.New("orchestrator: unknown zone")
	ErrNoZoneForPosition = errors.New("orchestrator: no zone owns the position")
	ErrNoCapacity        = errors.New("orchestrator: no capacity in target or adjacent zones")
)

// ZoneInstance is the runtime record of one zone. PlayerCount is the
// assignment count this orchestrator maintains; ReportedPlayers is the
// session count the zone itself carries in its status broadcasts. The two
// drift while clients connect and drop.
type ZoneInstance struct {
	Definition      partition.ZoneDefinition
	State           ZoneState
	PlayerCount     int
	ReportedPlayers int
	MaxPlayers      int
	ProcessID       string
	StartedAt       time.Time
	LastHeartbeat   time.Time
	IdleSince       time.Time
}

// HasCapacity reports whether the zone can admit another player. Only an
// online zone has capacity; starting and draining zones do not admit.
func (z *ZoneInstance) HasCapacity() bool {
	return z.State == ZoneOnline && z.PlayerCount < z.MaxPlayers
}

// StartFunc launches the process serving a zone and returns its process id.
type StartFunc func(def partition.ZoneDefinition) (string, error)

// StopFunc terminates a zone's process.
type StopFunc func(def partition.ZoneDefinition, processID string) error

// Orchestrator is safe for concurrent use; the control API, the status
// listener, and the supervision loop all reach it from their own
// goroutines.
type Orchestrator struct {
	mu  sync.Mutex
	log *log.Logger

	defs       []partition.ZoneDefinition
	zones      map[uint32]*ZoneInstance
	players    map[uint64]uint32
	maxPlayers int

	start StartFunc
	stop  StopFunc

	onZoneStarted     func(zoneID uint32)
	onZoneShutdown    func(zoneID uint32)
	onPlayerMigration func(playerID uint64, fromZone, toZone uint32)
}

// New builds an orchestrator over the world topology. Every zone starts
// offline.
func New(defs []partition.ZoneDefinition, maxPlayers int, logger *log.Logger) *Orchestrator {
	if maxPlayers <= 0 {
		maxPlayers = DefaultMaxPlayersPerZone
	}
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		log:        logger,
		defs:       defs,
		zones:      make(map[uint32]*ZoneInstance, len(defs)),
		players:    make(map[uint64]uint32),
		maxPlayers: maxPlayers,
	}
	for _, def := range defs {
		o.zones[def.ID] = &ZoneInstance{
			Definition: def,
			State:      ZoneOffline,
			MaxPlayers: maxPlayers,
		}
	}
	return o
}

// SetStartFunc installs the process launcher. Without one, starting a zone
// just marks it online, which is how tests and in-process topologies run.
func (o *Orchestrator) SetStartFunc(fn StartFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.start = fn
}

func (o *Orchestrator) SetStopFunc(fn StopFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stop = fn
}

func (o *Orchestrator) SetOnZoneStarted(fn func(zoneID uint32)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onZoneStarted = fn
}

func (o *Orchestrator) SetOnZoneShutdown(fn func(zoneID uint32)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onZoneShutdown = fn
}

func (o *Orchestrator) SetOnPlayerMigration(fn func(playerID uint64, fromZone, toZone uint32)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPlayerMigration = fn
}

// StartZone brings a zone online. Starting an already running zone is a
// no-op success.
func (o *Orchestrator) StartZone(zoneID uint32) error {
	o.mu.Lock()
	inst, ok := o.zones[zoneID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownZone, zoneID)
	}
	if inst.State != ZoneOffline {
		o.mu.Unlock()
		return nil
	}
	inst.State, _ = transitionZone(inst.State, evStart)
	start := o.start
	def := inst.Definition
	o.mu.Unlock()

	o.log.Printf("orchestrator: starting zone %d (%s)", zoneID, def.Endpoint)

	var processID string
	if start != nil {
		var err error
		processID, err = start(def)
		if err != nil {
			o.mu.Lock()
			inst.State, _ = transitionZone(inst.State, evStartFailed)
			o.mu.Unlock()
			return fmt.Errorf("start zone %d: %w", zoneID, err)
		}
	}

	o.mu.Lock()
	inst.State, _ = transitionZone(inst.State, evReady)
	inst.ProcessID = processID
	now := time.Now()
	inst.StartedAt = now
	inst.LastHeartbeat = now
	inst.IdleSince = now
	cb := o.onZoneStarted
	o.mu.Unlock()

	o.log.Printf("orchestrator: zone %d online", zoneID)
	if cb != nil {
		cb(zoneID)
	}
	return nil
}

// RequestShutdown moves a zone into draining: it stops admitting players
// but keeps serving the ones it has. Reports false for zones that are
// offline or unknown.
func (o *Orchestrator) RequestShutdown(zoneID uint32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.zones[zoneID]
	if !ok {
		return false
	}
	next, ok := transitionZone(inst.State, evShutdown)
	if !ok {
		return false
	}
	inst.State = next
	o.log.Printf("orchestrator: zone %d draining (%d players)", zoneID, inst.PlayerCount)
	return true
}

// CompleteShutdown finishes a shutdown: the process is stopped, remaining
// player assignments are dropped, and the zone goes offline.
func (o *Orchestrator) CompleteShutdown(zoneID uint32) error {
	o.mu.Lock()
	inst, ok := o.zones[zoneID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownZone, zoneID)
	}
	if inst.State == ZoneOffline {
		o.mu.Unlock()
		return nil
	}
	if inst.State != ZoneShuttingDown {
		inst.State, _ = transitionZone(inst.State, evShutdown)
	}
	stop := o.stop
	def := inst.Definition
	processID := inst.ProcessID
	o.dropZonePlayersLocked(zoneID)
	inst.State, _ = transitionZone(inst.State, evStopped)
	inst.PlayerCount = 0
	inst.ReportedPlayers = 0
	inst.ProcessID = ""
	cb := o.onZoneShutdown
	o.mu.Unlock()

	if stop != nil && processID != "" {
		if err := stop(def, processID); err != nil {
			o.log.Printf("orchestrator: stopping zone %d process %s: %v", zoneID, processID, err)
		}
	}
	o.log.Printf("orchestrator: zone %d offline", zoneID)
	if cb != nil {
		cb(zoneID)
	}
	return nil
}

// ShutdownZone is RequestShutdown and CompleteShutdown in one step, for
// immediate teardown paths.
func (o *Orchestrator) ShutdownZone(zoneID uint32) error {
	o.RequestShutdown(zoneID)
	return o.CompleteShutdown(zoneID)
}

// ShutdownAll tears down every zone that is not already offline.
func (o *Orchestrator) ShutdownAll() {
	for _, id := range o.zoneIDs() {
		o.mu.Lock()
		state := o.zones[id].State
		o.mu.Unlock()
		if state != ZoneOffline {
			o.ShutdownZone(id)
		}
	}
}

// AssignPlayer places a player entering the world at the given position.
// The owning zone is started on demand; a full zone overflows into an
// adjacent one with room. Re-assigning a player moves them, releasing the
// old zone's slot.
func (o *Orchestrator) AssignPlayer(playerID uint64, x, z float64) (uint32, error) {
	zone := partition.FindZoneForPosition(o.defs, x, z)
	if zone == nil {
		return 0, fmt.Errorf("%w: (%.1f, %.1f)", ErrNoZoneForPosition, x, z)
	}

	o.mu.Lock()
	inst := o.zones[zone.ID]
	needStart := inst.State == ZoneOffline
	o.mu.Unlock()

	if needStart {
		if err := o.StartZone(zone.ID); err != nil {
			return 0, err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	target := o.zones[zone.ID]
	if !target.HasCapacity() {
		target = nil
		for _, adjID := range zone.Adjacent {
			if adj, ok := o.zones[adjID]; ok && adj.HasCapacity() {
				target = adj
				break
			}
		}
		if target == nil {
			return 0, fmt.Errorf("%w: zone %d", ErrNoCapacity, zone.ID)
		}
	}

	if prev, ok := o.players[playerID]; ok && prev != target.Definition.ID {
		o.releaseLocked(prev)
	}
	o.players[playerID] = target.Definition.ID
	target.PlayerCount++
	o.log.Printf("orchestrator: player %d -> zone %d (%d/%d)",
		playerID, target.Definition.ID, target.PlayerCount, target.MaxPlayers)
	return target.Definition.ID, nil
}

// RemovePlayer releases a player's slot. Unknown players are ignored.
func (o *Orchestrator) RemovePlayer(playerID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	zoneID, ok := o.players[playerID]
	if !ok {
		return
	}
	delete(o.players, playerID)
	o.releaseLocked(zoneID)
}

// PlayerZone returns the zone a player is assigned to, zero when they are
// not in the world.
func (o *Orchestrator) PlayerZone(playerID uint64) uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.players[playerID]
}

// ShouldMigratePlayer reports whether a player's position now resolves to a
// different zone than their assignment. It only detects: the caller starts
// the actual migration. Positions inside a seam band resolve to no zone and
// never trigger, which is what keeps an entity dithering on a boundary from
// bouncing between zones. The migration callback fires on detection.
func (o *Orchestrator) ShouldMigratePlayer(playerID uint64, x, z float64) (uint32, bool) {
	o.mu.Lock()
	current, assigned := o.players[playerID]
	cb := o.onPlayerMigration
	o.mu.Unlock()
	if !assigned {
		return 0, false
	}

	zone := partition.FindZoneForPosition(o.defs, x, z)
	if zone == nil || zone.ID == current {
		return 0, false
	}

	if cb != nil {
		cb(playerID, current, zone.ID)
	}
	return zone.ID, true
}

// RecordMigration moves a player's assignment after a migration completed,
// shifting the population count between the zones.
func (o *Orchestrator) RecordMigration(playerID uint64, toZone uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	dst, ok := o.zones[toZone]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownZone, toZone)
	}
	if prev, ok := o.players[playerID]; ok {
		if prev == toZone {
			return nil
		}
		o.releaseLocked(prev)
	}
	o.players[playerID] = toZone
	dst.PlayerCount++
	o.log.Printf("orchestrator: player %d migrated to zone %d (%d/%d)",
		playerID, toZone, dst.PlayerCount, dst.MaxPlayers)
	return nil
}

// RecordHeartbeat notes that a zone reported in. A heartbeat from a zone
// the orchestrator considers offline or still starting adopts it as online.
func (o *Orchestrator) RecordHeartbeat(zoneID uint32, at time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.heartbeatLocked(zoneID, at)
}

// RecordZoneStatus folds one status broadcast into the zone record: the
// heartbeat plus the session count the zone reports about itself.
// Assignment stays authoritative for admission.
func (o *Orchestrator) RecordZoneStatus(zoneID uint32, playerCount int, at time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.heartbeatLocked(zoneID, at) {
		return false
	}
	o.zones[zoneID].ReportedPlayers = playerCount
	return true
}

func (o *Orchestrator) heartbeatLocked(zoneID uint32, at time.Time) bool {
	inst, ok := o.zones[zoneID]
	if !ok {
		return false
	}
	inst.LastHeartbeat = at
	if next, ok := transitionZone(inst.State, evReady); ok {
		inst.State = next
		o.log.Printf("orchestrator: zone %d reported ready", zoneID)
	}
	return true
}

// CheckHeartbeats fails zones whose last heartbeat is older than
// staleAfter. Their players are dropped with them; the process, if any, is
// presumed dead. Returns the zones taken offline.
func (o *Orchestrator) CheckHeartbeats(now time.Time, staleAfter time.Duration) []uint32 {
	if staleAfter <= 0 {
		staleAfter = DefaultHeartbeatStale
	}
	o.mu.Lock()
	var lost []uint32
	for id, inst := range o.zones {
		if inst.State != ZoneOnline {
			continue
		}
		if now.Sub(inst.LastHeartbeat) > staleAfter {
			inst.State, _ = transitionZone(inst.State, evHeartbeatLost)
			inst.ProcessID = ""
			inst.PlayerCount = 0
			inst.ReportedPlayers = 0
			o.dropZonePlayersLocked(id)
			lost = append(lost, id)
		}
	}
	cb := o.onZoneShutdown
	o.mu.Unlock()

	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	for _, id := range lost {
		o.log.Printf("orchestrator: zone %d heartbeat timeout, marked offline", id)
		if cb != nil {
			cb(id)
		}
	}
	return lost
}

// IdleZones returns online zones that have been empty for longer than
// idleAfter, as shutdown candidates. The caller owns the decision.
func (o *Orchestrator) IdleZones(now time.Time, idleAfter time.Duration) []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var idle []uint32
	for id, inst := range o.zones {
		if inst.State != ZoneOnline || inst.PlayerCount > 0 {
			continue
		}
		if !inst.IdleSince.IsZero() && now.Sub(inst.IdleSince) > idleAfter {
			idle = append(idle, id)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i] < idle[j] })
	return idle
}

// OnlineZones lists zones currently serving, in id order.
func (o *Orchestrator) OnlineZones() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var online []uint32
	for id, inst := range o.zones {
		if inst.State == ZoneOnline {
			online = append(online, id)
		}
	}
	sort.Slice(online, func(i, j int) bool { return online[i] < online[j] })
	return online
}

// Zone returns a copy of a zone's runtime record.
func (o *Orchestrator) Zone(zoneID uint32) (ZoneInstance, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.zones[zoneID]
	if !ok {
		return ZoneInstance{}, false
	}
	return *inst, true
}

// Snapshot returns copies of every zone record, in id order.
func (o *Orchestrator) Snapshot() []ZoneInstance {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ZoneInstance, 0, len(o.zones))
	for _, id := range o.sortedIDsLocked() {
		out = append(out, *o.zones[id])
	}
	return out
}

// TotalPlayers is the world population across all zones.
func (o *Orchestrator) TotalPlayers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var total int
	for _, inst := range o.zones {
		total += inst.PlayerCount
	}
	return total
}

// Defs exposes the world topology the orchestrator was built over.
func (o *Orchestrator) Defs() []partition.ZoneDefinition {
	return o.defs
}

func (o *Orchestrator) releaseLocked(zoneID uint32) {
	inst, ok := o.zones[zoneID]
	if !ok {
		return
	}
	inst.PlayerCount--
	if inst.PlayerCount < 0 {
		inst.PlayerCount = 0
	}
	if inst.PlayerCount == 0 {
		inst.IdleSince = time.Now()
	}
}

func (o *Orchestrator) dropZonePlayersLocked(zoneID uint32) {
	for playerID, assigned := range o.players {
		if assigned == zoneID {
			delete(o.players, playerID)
		}
	}
}

func (o *Orchestrator) zoneIDs() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sortedIDsLocked()
}

func (o *Orchestrator) sortedIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(o.zones))
	for id := range o.zones {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
