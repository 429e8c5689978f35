// Package migration moves entities between zones. A migration serializes
// the entity, parks the snapshot in the hand-off store, waits for the
// destination to confirm it took over, and only then destroys the local
// entity. Anything else that happens first (a write error, the deadline, a
// cancel) leaves the entity where it was.
package migration

import (
	"context"
	"errors"
	"log"
	"time"

	"zoneworld/internal/entity"
	"zoneworld/internal/handoff"
)

const (
	// DefaultTimeout bounds how long a migration may sit unconfirmed
	// before the source gives up and keeps the entity.
	DefaultTimeout = 5 * time.Second

	// DefaultSnapshotTTL is how long a parked snapshot survives in the
	// hand-off store. It must exceed the migration timeout or the
	// destination can lose the race against expiry.
	DefaultSnapshotTTL = 30 * time.Second
)

var (
	ErrDuplicateSnapshot = errors.New("migration: snapshot already applied")
	ErrWrongZone         = errors.New("migration: snapshot addressed to another zone")
)

// DoneFunc is called exactly once when a migration record is drained. The
// handle refers to the local entity; on success it has already been removed
// from the registry.
type DoneFunc func(h entity.Handle, success bool)

// Stats is the cumulative migration tally for one zone. Counters only move
// when a record drains, so a cancelled or timed-out migration is invisible
// here until the Update that retires it.
type Stats struct {
	Total      uint64
	Successful uint64
	Failed     uint64
	Cancelled  uint64
	TimedOut   uint64
	AvgMillis  float64
	MaxMillis  float64
}

type record struct {
	handle   entity.Handle
	playerID uint64
	target   uint32
	sequence uint32
	state    State
	started  time.Time
	deadline time.Time
	done     DoneFunc

	confirmed bool
	writeErr  chan error
}

func (r *record) apply(ev event) bool {
	next, ok := transition(r.state, ev)
	r.state = next
	return ok
}

// Manager runs all outbound and inbound migrations for one zone.
//
// It is confined to the zone's tick goroutine and holds no locks: every
// method must be called from that goroutine, including confirmations, which
// arrive over the messenger and are drained onto the tick before delivery.
// The only concurrency inside is the snapshot write, which runs on its own
// goroutine and reports through a buffered channel polled by Update.
type Manager struct {
	zoneID  uint32
	store   handoff.Store
	log     *log.Logger
	timeout time.Duration
	ttl     time.Duration

	active   map[entity.Handle]*record
	order    []entity.Handle
	byPlayer map[uint64]entity.Handle

	lastApplied map[uint64]uint32
	sequence    uint32
	onSnapshot  func(playerID uint64, targetZone uint32, sequence uint32, data []byte)

	stats     Stats
	durations uint64
}

// NewManager creates a migration manager for the given zone. The store may
// be nil, in which case snapshots are not parked anywhere and migrations
// can only complete through a direct confirmation (useful in tests).
func NewManager(zoneID uint32, store handoff.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		zoneID:      zoneID,
		store:       store,
		log:         logger,
		timeout:     DefaultTimeout,
		ttl:         DefaultSnapshotTTL,
		active:      make(map[entity.Handle]*record),
		byPlayer:    make(map[uint64]entity.Handle),
		lastApplied: make(map[uint64]uint32),
	}
}

// SetTimeout changes the unconfirmed-migration deadline for migrations
// initiated afterwards.
func (m *Manager) SetTimeout(d time.Duration) {
	if d > 0 {
		m.timeout = d
	}
}

// SetSnapshotTTL changes how long parked snapshots live in the store.
func (m *Manager) SetSnapshotTTL(d time.Duration) {
	if d > 0 {
		m.ttl = d
	}
}

// SetSnapshotNotify registers a callback fired on the tick goroutine each
// time an outbound snapshot has been serialized, with the exact bytes parked
// in the store. The server uses it to tell the destination zone the entity
// is ready for pickup.
func (m *Manager) SetSnapshotNotify(fn func(playerID uint64, targetZone uint32, sequence uint32, data []byte)) {
	m.onSnapshot = fn
}

// Initiate starts migrating an entity to the target zone. It reports false
// when the handle is stale or the entity is already migrating. The done
// callback fires exactly once when the record drains.
func (m *Manager) Initiate(reg *entity.Registry, h entity.Handle, targetZone uint32, done DoneFunc) bool {
	e, ok := reg.Get(h)
	if !ok {
		m.log.Printf("migration rejected: stale entity handle, target zone %d", targetZone)
		return false
	}
	if _, exists := m.active[h]; exists {
		m.log.Printf("migration rejected: player %d already migrating", e.Player.PlayerID)
		return false
	}

	m.sequence++
	rec := &record{
		handle:   h,
		playerID: e.Player.PlayerID,
		target:   targetZone,
		sequence: m.sequence,
		done:     done,
	}
	rec.apply(eventInitiate)
	m.active[h] = rec
	m.order = append(m.order, h)
	m.byPlayer[rec.playerID] = h

	m.log.Printf("migration start: player %d zone %d -> %d seq %d", rec.playerID, m.zoneID, targetZone, rec.sequence)
	return true
}

// Update advances every active migration by at most one phase and drains the
// ones that reached a terminal state. The caller supplies the clock so ticks
// stay deterministic under test.
func (m *Manager) Update(ctx context.Context, reg *entity.Registry, now time.Time) {
	handles := append([]entity.Handle(nil), m.order...)
	for _, h := range handles {
		rec, ok := m.active[h]
		if !ok {
			continue
		}
		switch rec.state {
		case StatePreparing:
			m.beginTransfer(ctx, reg, rec, now)
		case StateTransferring:
			m.pollTransfer(reg, rec, now)
		}
		if rec.state.Terminal() {
			m.finish(reg, rec, now)
		}
	}
}

// beginTransfer serializes the entity and issues the store write without
// blocking the tick. With no store configured the record still advances so
// the state machine is identical in tests.
func (m *Manager) beginTransfer(ctx context.Context, reg *entity.Registry, rec *record, now time.Time) {
	e, ok := reg.Get(rec.handle)
	if !ok {
		rec.apply(eventWriteFailed)
		m.log.Printf("migration failed: player %d seq %d: entity destroyed before transfer", rec.playerID, rec.sequence)
		return
	}

	snap := NewEntitySnapshot(rec.handle, e, m.zoneID, rec.target, rec.sequence, now)
	data, err := snap.MarshalBinary()
	if err != nil {
		rec.apply(eventWriteFailed)
		m.log.Printf("migration failed: player %d seq %d: %v", rec.playerID, rec.sequence, err)
		return
	}

	if m.store != nil {
		key := handoff.SnapshotKey(rec.target, rec.playerID, rec.sequence)
		rec.writeErr = make(chan error, 1)
		go func(store handoff.Store, ttl time.Duration, errc chan<- error) {
			errc <- store.Put(ctx, key, data, ttl)
		}(m.store, m.ttl, rec.writeErr)
	}

	rec.started = now
	rec.deadline = now.Add(m.timeout)
	rec.apply(eventSnapshotSent)

	if m.onSnapshot != nil {
		m.onSnapshot(rec.playerID, rec.target, rec.sequence, data)
	}
}

func (m *Manager) pollTransfer(reg *entity.Registry, rec *record, now time.Time) {
	if rec.writeErr != nil {
		select {
		case err := <-rec.writeErr:
			rec.writeErr = nil
			if err != nil {
				rec.apply(eventWriteFailed)
				m.log.Printf("migration failed: player %d seq %d: snapshot write: %v", rec.playerID, rec.sequence, err)
				return
			}
		default:
		}
	}
	if !reg.Contains(rec.handle) {
		rec.apply(eventWriteFailed)
		m.log.Printf("migration failed: player %d seq %d: entity destroyed during transfer", rec.playerID, rec.sequence)
		return
	}
	if rec.confirmed {
		rec.apply(eventConfirmed)
		return
	}
	if now.After(rec.deadline) {
		rec.apply(eventDeadline)
		m.log.Printf("migration timeout: player %d seq %d after %s", rec.playerID, rec.sequence, m.timeout)
	}
}

// finish retires a terminal record: the entity is destroyed only on a
// completed migration, the stats move, and the done callback fires.
func (m *Manager) finish(reg *entity.Registry, rec *record, now time.Time) {
	success := rec.state == StateCompleted
	if success {
		reg.Remove(rec.handle)
		m.log.Printf("migration complete: player %d -> zone %d seq %d", rec.playerID, rec.target, rec.sequence)
	}

	m.stats.Total++
	switch rec.state {
	case StateCompleted:
		m.stats.Successful++
	case StateFailed:
		m.stats.Failed++
	case StateCancelled:
		m.stats.Cancelled++
	case StateTimeout:
		m.stats.TimedOut++
	}
	if !rec.started.IsZero() {
		millis := float64(now.Sub(rec.started)) / float64(time.Millisecond)
		m.durations++
		m.stats.AvgMillis += (millis - m.stats.AvgMillis) / float64(m.durations)
		if millis > m.stats.MaxMillis {
			m.stats.MaxMillis = millis
		}
	}

	delete(m.active, rec.handle)
	delete(m.byPlayer, rec.playerID)
	for i, h := range m.order {
		if h == rec.handle {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	if rec.done != nil {
		rec.done(rec.handle, success)
	}
}

// Cancel marks an active migration cancelled. The record drains, and the
// done callback fires, on the next Update. Terminal and unknown records
// report false.
func (m *Manager) Cancel(h entity.Handle) bool {
	rec, ok := m.active[h]
	if !ok || rec.state.Terminal() {
		return false
	}
	if !rec.apply(eventCancel) {
		return false
	}
	m.log.Printf("migration cancelled: player %d seq %d", rec.playerID, rec.sequence)
	return true
}

// CancelAll cancels every non-terminal migration. Records drain on the
// next Update and the entities stay in the registry. Returns how many
// were cancelled.
func (m *Manager) CancelAll() int {
	n := 0
	for h, rec := range m.active {
		if rec.state.Terminal() {
			continue
		}
		if m.Cancel(h) {
			n++
		}
	}
	return n
}

// Confirm records that the destination zone took over the entity. The
// migration completes on the next Update.
func (m *Manager) Confirm(h entity.Handle) bool {
	rec, ok := m.active[h]
	if !ok || rec.state != StateTransferring {
		return false
	}
	rec.confirmed = true
	return true
}

// ConfirmPlayer resolves a confirmation that arrived over the wire, which
// identifies the migration by player and sequence rather than by handle.
func (m *Manager) ConfirmPlayer(playerID uint64, sequence uint32) bool {
	h, ok := m.byPlayer[playerID]
	if !ok {
		return false
	}
	rec := m.active[h]
	if rec == nil || rec.sequence != sequence {
		return false
	}
	return m.Confirm(h)
}

// IsMigrating reports whether the entity has a live, non-terminal migration.
func (m *Manager) IsMigrating(h entity.Handle) bool {
	rec, ok := m.active[h]
	return ok && !rec.state.Terminal()
}

// StateOf returns the migration state for the entity, StateNone when it has
// no active record.
func (m *Manager) StateOf(h entity.Handle) State {
	rec, ok := m.active[h]
	if !ok {
		return StateNone
	}
	return rec.state
}

// SequenceOf returns the wire sequence of the entity's active migration.
func (m *Manager) SequenceOf(h entity.Handle) (uint32, bool) {
	rec, ok := m.active[h]
	if !ok {
		return 0, false
	}
	return rec.sequence, true
}

// ActiveCount is the number of records not yet drained.
func (m *Manager) ActiveCount() int {
	return len(m.active)
}

func (m *Manager) Stats() Stats {
	return m.stats
}

// ApplyInbound lands a migrated entity in this zone's registry. Replays of
// a sequence already applied for the player are rejected, so a re-delivered
// snapshot cannot spawn a second entity. A player that is already live here
// is re-homed in place instead of duplicated.
func (m *Manager) ApplyInbound(reg *entity.Registry, snap *EntitySnapshot) (entity.Handle, error) {
	if snap.TargetZone != m.zoneID {
		return entity.Handle{}, ErrWrongZone
	}
	if last, ok := m.lastApplied[snap.PlayerID]; ok && snap.Sequence <= last {
		return entity.Handle{}, ErrDuplicateSnapshot
	}

	h, live := reg.ByPlayer(snap.PlayerID)
	if live {
		e, _ := reg.Get(h)
		snap.Apply(e)
	} else {
		var e entity.Entity
		snap.Apply(&e)
		h = reg.Spawn(e)
	}

	m.lastApplied[snap.PlayerID] = snap.Sequence
	m.log.Printf("migration inbound: player %d from zone %d seq %d", snap.PlayerID, snap.SourceZone, snap.Sequence)
	return h, nil
}

// FetchInbound pulls a parked snapshot for this zone out of the hand-off
// store and applies it. Used when the wire notification carried only the
// key coordinates, or when re-collecting after a restart.
func (m *Manager) FetchInbound(ctx context.Context, reg *entity.Registry, playerID uint64, sequence uint32) (entity.Handle, error) {
	if m.store == nil {
		return entity.Handle{}, handoff.ErrNotFound
	}
	key := handoff.SnapshotKey(m.zoneID, playerID, sequence)
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return entity.Handle{}, err
	}
	var snap EntitySnapshot
	if err := snap.UnmarshalBinary(data); err != nil {
		return entity.Handle{}, err
	}
	return m.ApplyInbound(reg, &snap)
}
