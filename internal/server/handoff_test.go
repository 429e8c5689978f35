package server

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"zoneworld/internal/config"
	"zoneworld/internal/entity"
	"zoneworld/internal/migration"
	"zoneworld/internal/network"
	"zoneworld/internal/partition"
)

func testZones(t *testing.T) []partition.ZoneDefinition {
	t.Helper()
	world := partition.Bounds{MinX: -500, MaxX: 500, MinZ: -500, MaxZ: 500}
	zones := partition.CreateGrid(2, 2, world, partition.DefaultAuraBuffer)
	if zones == nil {
		t.Fatalf("grid construction failed")
	}
	return zones
}

// newTestHandoff builds a controller for zone 1 of a 2x2 world with the
// default distance bands: prepare 75, aura 50, migrate 25.
func newTestHandoff(t *testing.T) (*HandoffController, *migration.Manager, *entity.Registry) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	m := migration.NewManager(1, nil, logger)
	c, err := NewHandoffController(1, testZones(t), config.Default().Handoff, m, logger)
	if err != nil {
		t.Fatalf("new handoff controller: %v", err)
	}
	return c, m, entity.NewRegistry()
}

func spawnHandoffPlayer(reg *entity.Registry, playerID uint64, x, z float64) entity.Handle {
	var e entity.Entity
	e.Player.PlayerID = playerID
	e.Pos = entity.PositionFromMeters(x, 0, z)
	return reg.Spawn(e)
}

// feed reports one eastbound position sample. The velocity predicts two
// seconds ahead, so vx must clear the seam band for a hand-off to start.
func feed(c *HandoffController, playerID uint64, h entity.Handle, x float64, vx float64, now time.Time) {
	pos := entity.PositionFromMeters(x, 0, -250)
	vel := entity.Velocity{DX: entity.FixedFromMeters(vx)}
	c.CheckPlayerPosition(playerID, h, pos, vel, now)
}

type finishRecorder struct {
	calls   int
	target  uint32
	success bool
}

func (f *finishRecorder) fn(playerID uint64, target uint32, success bool) {
	f.calls++
	f.target = target
	f.success = success
}

type instrRecorder struct {
	calls int
	instr network.HandoffInstruction
}

func (r *instrRecorder) fn(playerID uint64, instr network.HandoffInstruction) {
	r.calls++
	r.instr = instr
}

func TestHandoffWalksThroughPhases(t *testing.T) {
	c, m, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -60, -250)
	var finished finishRecorder
	var instr instrRecorder
	c.SetFinishedFunc(finished.fn)
	c.SetInstructionFunc(instr.fn)

	ctx := context.Background()
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	if got := c.Phase(7); got != HandoffPreparing {
		t.Fatalf("after first sample phase = %v, want preparing", got)
	}
	c.Update(reg, base)
	if got := c.Phase(7); got != HandoffPreparing {
		t.Fatalf("60m out phase = %v, want still preparing", got)
	}

	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)
	if got := c.Phase(7); got != HandoffAuraOverlap {
		t.Fatalf("40m out phase = %v, want aura overlap", got)
	}

	feed(c, 7, h, -20, 60, base)
	c.Update(reg, base)
	if got := c.Phase(7); got != HandoffMigrating {
		t.Fatalf("20m out phase = %v, want migrating", got)
	}
	token, ok := c.TokenFor(7)
	if !ok || token == "" {
		t.Fatalf("no token minted at migration start")
	}
	if !m.IsMigrating(h) {
		t.Fatalf("controller did not start the entity migration")
	}

	// Drive the migration to completion: snapshot out, destination confirms.
	m.Update(ctx, reg, base)
	if !m.ConfirmPlayer(7, 1) {
		t.Fatalf("confirm rejected")
	}
	m.Update(ctx, reg, base.Add(10*time.Millisecond))
	if reg.Contains(h) {
		t.Fatalf("migrated entity must be gone from the source registry")
	}

	c.Update(reg, base.Add(20*time.Millisecond))
	if got := c.Phase(7); got != HandoffSwitching {
		t.Fatalf("after migration phase = %v, want switching", got)
	}
	if instr.calls != 1 {
		t.Fatalf("instruction sent %d times, want 1", instr.calls)
	}
	if instr.instr.PlayerID != 7 || instr.instr.TargetZone != 2 {
		t.Fatalf("instruction = %+v, want player 7 to zone 2", instr.instr)
	}
	if instr.instr.Host != "127.0.0.1" || instr.instr.Port != 7779 {
		t.Fatalf("instruction endpoint = %s:%d, want 127.0.0.1:7779", instr.instr.Host, instr.instr.Port)
	}
	if instr.instr.Token != token {
		t.Fatalf("instruction token does not match the minted token")
	}

	if !c.CompleteHandoff(7, true, base.Add(100*time.Millisecond)) {
		t.Fatalf("destination report rejected")
	}
	if finished.calls != 1 || !finished.success || finished.target != 2 {
		t.Fatalf("finished = %+v, want one successful call for zone 2", finished)
	}

	c.Update(reg, base.Add(110*time.Millisecond))
	if c.InProgress(7) {
		t.Fatalf("completed hand-off still active")
	}

	stats := c.Stats()
	if stats.Total != 1 || stats.Successful != 1 {
		t.Fatalf("stats = %+v, want one success", stats)
	}
	if stats.Failed != 0 || stats.Cancelled != 0 || stats.TimedOut != 0 {
		t.Fatalf("unexpected failure counters: %+v", stats)
	}
	if stats.AvgMillis <= 0 || stats.MaxMillis < stats.AvgMillis {
		t.Fatalf("duration not recorded: %+v", stats)
	}
}

func TestHandoffCancelsWhenPlayerTurnsBack(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -60, -250)
	var finished finishRecorder
	c.SetFinishedFunc(finished.fn)
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)

	// The player changes their mind and walks back inland.
	feed(c, 7, h, -90, -60, base)
	c.Update(reg, base)

	if c.InProgress(7) {
		t.Fatalf("hand-off survived the player turning back")
	}
	if got := c.Stats().Cancelled; got != 1 {
		t.Fatalf("cancelled = %d, want 1", got)
	}
	if finished.calls != 0 {
		t.Fatalf("a cancel must not fire the finished callback")
	}
}

func TestHandoffCancelsFromAuraOverlap(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -60, -250)
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)
	if got := c.Phase(7); got != HandoffAuraOverlap {
		t.Fatalf("phase = %v, want aura overlap", got)
	}

	feed(c, 7, h, -90, -60, base)
	c.Update(reg, base)
	if c.InProgress(7) {
		t.Fatalf("hand-off survived retreat from the overlap band")
	}
	if got := c.Stats().Cancelled; got != 1 {
		t.Fatalf("cancelled = %d, want 1", got)
	}
}

func TestHandoffAuraOverlapHasNoTimeout(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -40, -250)
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)

	// A player may loiter at the boundary for as long as they like.
	c.Update(reg, base.Add(time.Hour))
	if got := c.Phase(7); got != HandoffAuraOverlap {
		t.Fatalf("after an hour in overlap phase = %v, want aura overlap", got)
	}
	if got := c.Stats().TimedOut; got != 0 {
		t.Fatalf("timed out = %d, want 0", got)
	}
}

func TestHandoffPreparingTimesOut(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -60, -250)
	var finished finishRecorder
	c.SetFinishedFunc(finished.fn)
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base.Add(6*time.Second))

	if c.InProgress(7) {
		t.Fatalf("timed-out hand-off still active")
	}
	stats := c.Stats()
	if stats.TimedOut != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want the timeout counted as both failed and timed out", stats)
	}
	if finished.calls != 1 || finished.success {
		t.Fatalf("finished = %+v, want one failure call", finished)
	}
}

func TestHandoffMigratingTimeoutAbandonsMigration(t *testing.T) {
	c, m, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -20, -250)
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -20, 60, base)
	c.Update(reg, base)
	if got := c.Phase(7); got != HandoffMigrating {
		t.Fatalf("phase = %v, want migrating", got)
	}

	// The destination never confirms. The hand-off gives up and must take
	// the in-flight migration down with it, or the entity would vanish
	// with no client instruction ever sent.
	c.Update(reg, base.Add(4*time.Second))
	if c.InProgress(7) {
		t.Fatalf("timed-out hand-off still active")
	}
	if got := m.StateOf(h); got != migration.StateCancelled {
		t.Fatalf("migration state = %v, want cancelled", got)
	}

	m.Update(context.Background(), reg, base.Add(4*time.Second))
	if !reg.Contains(h) {
		t.Fatalf("entity must survive an abandoned hand-off")
	}
}

func TestHandoffMigrationFailureFailsHandoff(t *testing.T) {
	c, m, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -20, -250)
	var finished finishRecorder
	c.SetFinishedFunc(finished.fn)
	m.SetTimeout(50 * time.Millisecond)

	ctx := context.Background()
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -20, 60, base)
	c.Update(reg, base)

	// The migration itself times out; its failure flows back into the
	// hand-off on the next update.
	m.Update(ctx, reg, base)
	m.Update(ctx, reg, base.Add(100*time.Millisecond))
	c.Update(reg, base.Add(200*time.Millisecond))

	if c.InProgress(7) {
		t.Fatalf("hand-off survived a failed migration")
	}
	stats := c.Stats()
	if stats.Failed != 1 || stats.TimedOut != 0 {
		t.Fatalf("stats = %+v, want one plain failure", stats)
	}
	if finished.calls != 1 || finished.success {
		t.Fatalf("finished = %+v, want one failure call", finished)
	}
	if !reg.Contains(h) {
		t.Fatalf("entity must stay after the failed migration")
	}
}

func TestHandoffStaleEntityCannotMigrate(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -40, -250)
	var finished finishRecorder
	c.SetFinishedFunc(finished.fn)
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)

	reg.Remove(h)
	feed(c, 7, h, -20, 60, base)
	c.Update(reg, base)

	if c.InProgress(7) {
		t.Fatalf("hand-off survived a vanished entity")
	}
	if got := c.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}
	if finished.calls != 1 || finished.success {
		t.Fatalf("finished = %+v, want one failure call", finished)
	}
}

func TestHandoffDestinationFailureRetiresImmediately(t *testing.T) {
	c, m, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -20, -250)
	var finished finishRecorder
	c.SetFinishedFunc(finished.fn)

	ctx := context.Background()
	base := time.Now()

	feed(c, 7, h, -60, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -40, 60, base)
	c.Update(reg, base)
	feed(c, 7, h, -20, 60, base)
	c.Update(reg, base)
	m.Update(ctx, reg, base)
	m.ConfirmPlayer(7, 1)
	m.Update(ctx, reg, base.Add(10*time.Millisecond))
	c.Update(reg, base.Add(20*time.Millisecond))
	if got := c.Phase(7); got != HandoffSwitching {
		t.Fatalf("phase = %v, want switching", got)
	}

	if !c.CompleteHandoff(7, false, base.Add(time.Second)) {
		t.Fatalf("destination report rejected")
	}
	if c.InProgress(7) {
		t.Fatalf("failed switch must retire the hand-off at once")
	}
	if got := c.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}
	if finished.calls != 1 || finished.success {
		t.Fatalf("finished = %+v, want one failure call", finished)
	}

	if c.CompleteHandoff(7, true, base.Add(2*time.Second)) {
		t.Fatalf("report for a retired hand-off must be rejected")
	}
}

func TestHandoffStartGating(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 7, -100, -250)
	base := time.Now()

	// Too far from the edge.
	feed(c, 7, h, -100, 60, base)
	if c.InProgress(7) {
		t.Fatalf("hand-off started 100m from the edge")
	}

	// Close, but the predicted position stays inside this zone.
	feed(c, 7, h, -60, 0, base)
	if c.InProgress(7) {
		t.Fatalf("hand-off started for a player not leaving")
	}

	// Close, but the prediction lands in the ambiguous seam band.
	feed(c, 7, h, -60, 20, base)
	if c.InProgress(7) {
		t.Fatalf("hand-off started on a seam-band prediction")
	}

	if got := c.Stats().Total; got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
}

func TestHandoffArrivals(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 9, 10, -250)
	base := time.Now()

	c.ExpectArrival(9, 2, "", h, base)
	if got := c.PendingArrivals(); got != 0 {
		t.Fatalf("tokenless arrival parked, pending = %d", got)
	}

	c.ExpectArrival(9, 2, "tok", h, base)
	if got := c.PendingArrivals(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	if _, _, ok := c.ValidateArrival(9, "wrong"); ok {
		t.Fatalf("wrong token accepted")
	}
	if _, _, ok := c.ValidateArrival(8, "tok"); ok {
		t.Fatalf("unknown player accepted")
	}

	got, sourceZone, ok := c.ValidateArrival(9, "tok")
	if !ok || got != h || sourceZone != 2 {
		t.Fatalf("validate = (%v, %d, %v), want the parked entity from zone 2", got, sourceZone, ok)
	}
	if got := c.PendingArrivals(); got != 0 {
		t.Fatalf("arrival not consumed, pending = %d", got)
	}
	if _, _, ok := c.ValidateArrival(9, "tok"); ok {
		t.Fatalf("token must be single use")
	}
}

func TestHandoffArrivalExpires(t *testing.T) {
	c, _, reg := newTestHandoff(t)
	h := spawnHandoffPlayer(reg, 9, 10, -250)
	base := time.Now()

	var expired struct {
		calls    int
		playerID uint64
		handle   entity.Handle
	}
	c.SetArrivalExpiredFunc(func(playerID uint64, h entity.Handle) {
		expired.calls++
		expired.playerID = playerID
		expired.handle = h
	})

	c.ExpectArrival(9, 2, "tok", h, base)
	c.Update(reg, base.Add(5*time.Second))
	if got := c.PendingArrivals(); got != 1 {
		t.Fatalf("arrival pruned early, pending = %d", got)
	}

	c.Update(reg, base.Add(11*time.Second))
	if got := c.PendingArrivals(); got != 0 {
		t.Fatalf("expired arrival kept, pending = %d", got)
	}
	if expired.calls != 1 || expired.playerID != 9 || expired.handle != h {
		t.Fatalf("expiry callback = %+v, want one call for player 9", expired)
	}
	if _, _, ok := c.ValidateArrival(9, "tok"); ok {
		t.Fatalf("expired token accepted")
	}
}
