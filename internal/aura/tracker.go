// Package aura keeps adjacent zones agreeing about entities near their
// shared boundary. Each zone tracks its own entities plus ghost copies of
// entities owned by neighbors; owned state is broadcast outward, inbound
// state lands as ghosts, and a completed migration flips a ghost to owned
// without respawning anything.
package aura

import (
	"fmt"
	"log"

	"zoneworld/internal/entity"
	"zoneworld/internal/partition"
)

// OwnershipThreshold is how deep inside the core an entity must sit before
// this zone will claim ownership of its ghost.
const OwnershipThreshold = 25.0

// Entry is the tracked state of one entity in the aura space. Ghost entries
// mirror an entity some neighbor owns; the rest are local.
type Entry struct {
	Ref            uint32
	OwnerZone      uint32
	Pos            entity.Position
	Vel            entity.Velocity
	LastUpdateTick uint64
	Ghost          bool
}

// NeighborState is the per-entity payload of an entity-sync message.
// PlayerID lets the receiver recognise state for an entity it already owns;
// refs alone cannot, since each zone numbers its registry independently.
type NeighborState struct {
	Ref      uint32          `json:"ref"`
	PlayerID uint64          `json:"player_id,omitempty"`
	Pos      entity.Position `json:"pos"`
	Vel      entity.Velocity `json:"vel"`
}

// SyncEntry is an owned entity due for broadcast, with the adjacent zones
// whose buffered bounds currently contain it.
type SyncEntry struct {
	Ref     uint32
	Pos     entity.Position
	Vel     entity.Velocity
	Targets []uint32
}

// ghostKey identifies a ghost by its owning zone and that zone's ref.
// Refs are registry-local, so the same number from two neighbors names two
// different entities; keying by zone keeps them apart, and keeps a neighbor
// ghost from colliding with a locally owned entry that happens to share the
// number.
type ghostKey struct {
	owner uint32
	ref   uint32
}

// Tracker is one zone's view of the aura space. Like the migration manager
// it is confined to the zone tick goroutine; inbound neighbor state must be
// drained onto the tick before being applied.
type Tracker struct {
	zoneID   uint32
	self     *partition.ZoneDefinition
	adjacent []*partition.ZoneDefinition
	log      *log.Logger

	entries map[uint32]*Entry   // locally owned, by local ref
	ghosts  map[ghostKey]*Entry // neighbor owned, by owner zone and ref
	tick    uint64
}

// NewTracker builds the aura view for zoneID within the given topology.
func NewTracker(zoneID uint32, zones []partition.ZoneDefinition, logger *log.Logger) (*Tracker, error) {
	self := partition.ZoneByID(zones, zoneID)
	if self == nil {
		return nil, fmt.Errorf("aura: zone %d not in topology", zoneID)
	}
	if logger == nil {
		logger = log.Default()
	}
	t := &Tracker{
		zoneID:  zoneID,
		self:    self,
		log:     logger,
		entries: make(map[uint32]*Entry),
		ghosts:  make(map[ghostKey]*Entry),
	}
	for _, id := range self.Adjacent {
		if adj := partition.ZoneByID(zones, id); adj != nil {
			t.adjacent = append(t.adjacent, adj)
		}
	}
	return t, nil
}

// Advance moves the tracker clock one tick. Entries touched afterwards are
// stamped with the new tick.
func (t *Tracker) Advance() {
	t.tick++
}

func (t *Tracker) Tick() uint64 {
	return t.tick
}

// Track registers or refreshes a local entity. Re-tracking an entity is
// idempotent and just updates its state.
func (t *Tracker) Track(h entity.Handle, pos entity.Position, vel entity.Velocity) {
	ref := h.Ref()
	e, ok := t.entries[ref]
	if !ok {
		e = &Entry{Ref: ref, OwnerZone: t.zoneID}
		t.entries[ref] = e
		t.log.Printf("aura: entity %d entered, owner zone %d", ref, t.zoneID)
	}
	e.Pos = pos
	e.Vel = vel
	e.LastUpdateTick = t.tick
	e.OwnerZone = t.zoneID
	e.Ghost = false
}

// Untrack drops a locally owned entity from the aura space. Ghosts retire
// through UntrackGhost or the stale prune.
func (t *Tracker) Untrack(ref uint32) bool {
	if _, ok := t.entries[ref]; !ok {
		return false
	}
	delete(t.entries, ref)
	return true
}

// UntrackGhost drops the ghost a specific neighbor was projecting, used
// when the entity behind it lands here through a migration.
func (t *Tracker) UntrackGhost(owner uint32, ref uint32) bool {
	k := ghostKey{owner: owner, ref: ref}
	if _, ok := t.ghosts[k]; !ok {
		return false
	}
	delete(t.ghosts, k)
	return true
}

// UpdatePosition refreshes a locally owned entity's kinematics. Unknown
// refs are ignored.
func (t *Tracker) UpdatePosition(ref uint32, pos entity.Position, vel entity.Velocity) bool {
	e, ok := t.entries[ref]
	if !ok {
		return false
	}
	e.Pos = pos
	e.Vel = vel
	e.LastUpdateTick = t.tick
	return true
}

// ApplyNeighborState lands entity-sync payloads from an adjacent zone as
// ghost entries keyed by that zone. The caller is expected to filter out
// state for entities this zone has since taken over; the tracker only sees
// refs and cannot tell a neighbor's stale broadcast from a new entity.
func (t *Tracker) ApplyNeighborState(sourceZone uint32, states []NeighborState) {
	for _, s := range states {
		k := ghostKey{owner: sourceZone, ref: s.Ref}
		e, ok := t.ghosts[k]
		if !ok {
			e = &Entry{Ref: s.Ref}
			t.ghosts[k] = e
		}
		e.OwnerZone = sourceZone
		e.Ghost = true
		e.Pos = s.Pos
		e.Vel = s.Vel
		e.LastUpdateTick = t.tick
	}
}

// OnOwnershipTransferred claims a neighbor's ghost as locally owned after a
// migration lands, keeping the tracked state instead of respawning it.
// Reports false when the ghost is not tracked, or when the local registry
// already issued the same ref to another entity.
func (t *Tracker) OnOwnershipTransferred(ref uint32, previousOwner uint32) bool {
	k := ghostKey{owner: previousOwner, ref: ref}
	e, ok := t.ghosts[k]
	if !ok {
		return false
	}
	if _, taken := t.entries[ref]; taken {
		return false
	}
	delete(t.ghosts, k)
	e.OwnerZone = t.zoneID
	e.Ghost = false
	e.LastUpdateTick = t.tick
	t.entries[ref] = e
	t.log.Printf("aura: entity %d ownership zone %d -> %d", ref, previousOwner, t.zoneID)
	return true
}

// EntitiesToSync returns every owned entry for broadcast, each with the
// adjacent zones whose buffered bounds contain it. Ghosts are never
// relayed onward. Entries away from all boundaries come back with no
// targets.
func (t *Tracker) EntitiesToSync() []SyncEntry {
	var out []SyncEntry
	for _, e := range t.entries {
		x, z := e.Pos.X.Meters(), e.Pos.Z.Meters()
		var targets []uint32
		for _, adj := range t.adjacent {
			if adj.ContainsBuffered(x, z) {
				targets = append(targets, adj.ID)
			}
		}
		out = append(out, SyncEntry{Ref: e.Ref, Pos: e.Pos, Vel: e.Vel, Targets: targets})
	}
	return out
}

// EntitiesInView returns every tracked entity, ghosts included, within the
// view radius of the given position on the ground plane.
func (t *Tracker) EntitiesInView(pos entity.Position, radius float64) []Entry {
	var out []Entry
	for _, e := range t.entries {
		if entity.DistanceSqMeters(pos, e.Pos) <= radius*radius {
			out = append(out, *e)
		}
	}
	for _, e := range t.ghosts {
		if entity.DistanceSqMeters(pos, e.Pos) <= radius*radius {
			out = append(out, *e)
		}
	}
	return out
}

// ShouldTakeOwnership reports whether a ghost at the given position has
// moved deep enough into this zone to be claimed: the zone center must be
// the nearest one and the position must clear the ownership threshold
// inside the core.
func (t *Tracker) ShouldTakeOwnership(pos entity.Position) bool {
	x, z := pos.X.Meters(), pos.Z.Meters()
	if t.closestZone(x, z) != t.zoneID {
		return false
	}
	depth := -t.self.DistanceToEdge(x, z)
	return depth > OwnershipThreshold
}

func (t *Tracker) closestZone(x, z float64) uint32 {
	closest := t.zoneID
	dx, dz := x-t.self.CenterX, z-t.self.CenterZ
	best := dx*dx + dz*dz
	for _, adj := range t.adjacent {
		dx, dz = x-adj.CenterX, z-adj.CenterZ
		if d := dx*dx + dz*dz; d < best {
			best = d
			closest = adj.ID
		}
	}
	return closest
}

// PruneStaleGhosts drops ghosts that have not been refreshed for more than
// maxAge ticks and returns how many were dropped. Owned entries are kept
// regardless; only their owner may retire them.
func (t *Tracker) PruneStaleGhosts(maxAge uint64) int {
	var pruned int
	for k, e := range t.ghosts {
		if t.tick-e.LastUpdateTick > maxAge {
			delete(t.ghosts, k)
			pruned++
		}
	}
	if pruned > 0 {
		t.log.Printf("aura: pruned %d stale ghosts", pruned)
	}
	return pruned
}

// lookup finds an entry by bare ref, preferring the locally owned one when
// a neighbor ghost shares the number.
func (t *Tracker) lookup(ref uint32) (*Entry, bool) {
	if e, ok := t.entries[ref]; ok {
		return e, true
	}
	for k, e := range t.ghosts {
		if k.ref == ref {
			return e, true
		}
	}
	return nil, false
}

// Contains reports whether the entity is tracked at all.
func (t *Tracker) Contains(ref uint32) bool {
	_, ok := t.lookup(ref)
	return ok
}

// IsGhost reports whether the entity is tracked as a neighbor's ghost.
// Unknown entities are not ghosts; so is a local entity sharing a ghost's
// ref.
func (t *Tracker) IsGhost(ref uint32) bool {
	e, ok := t.lookup(ref)
	return ok && e.Ghost
}

// OwnerZone returns the zone that owns the tracked entity, zero when it is
// not tracked.
func (t *Tracker) OwnerZone(ref uint32) uint32 {
	e, ok := t.lookup(ref)
	if !ok {
		return 0
	}
	return e.OwnerZone
}

// Entry returns a copy of the tracked state for an entity.
func (t *Tracker) Entry(ref uint32) (Entry, bool) {
	e, ok := t.lookup(ref)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Tracker) Len() int {
	return len(t.entries) + len(t.ghosts)
}

// GhostCount reports how many tracked entries are ghosts.
func (t *Tracker) GhostCount() int {
	return len(t.ghosts)
}

// InAuraBuffer reports whether the position lies in this zone's boundary
// overlap margin.
func (t *Tracker) InAuraBuffer(pos entity.Position) bool {
	return t.self.InAuraBuffer(pos.X.Meters(), pos.Z.Meters())
}

// InCore reports whether the position lies in this zone's core bounds.
func (t *Tracker) InCore(pos entity.Position) bool {
	return t.self.ContainsCore(pos.X.Meters(), pos.Z.Meters())
}
