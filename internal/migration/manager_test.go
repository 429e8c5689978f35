package migration

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"zoneworld/internal/entity"
	"zoneworld/internal/handoff"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func spawnPlayer(reg *entity.Registry, playerID uint64) entity.Handle {
	var e entity.Entity
	e.Player.PlayerID = playerID
	e.Pos = entity.PositionFromMeters(10, 0, 20)
	return reg.Spawn(e)
}

type doneRecorder struct {
	calls   int
	handle  entity.Handle
	success bool
}

func (d *doneRecorder) fn(h entity.Handle, success bool) {
	d.calls++
	d.handle = h
	d.success = success
}

func TestMigrationTimesOut(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	m.SetTimeout(100 * time.Millisecond)
	h := spawnPlayer(reg, 42)

	var done doneRecorder
	if !m.Initiate(reg, h, 2, done.fn) {
		t.Fatalf("initiate rejected")
	}

	ctx := context.Background()
	base := time.Now()

	m.Update(ctx, reg, base)
	if got := m.StateOf(h); got != StateTransferring {
		t.Fatalf("after first update state = %v, want transferring", got)
	}

	m.Update(ctx, reg, base.Add(50*time.Millisecond))
	if got := m.StateOf(h); got != StateTransferring {
		t.Fatalf("before the deadline state = %v, want transferring", got)
	}
	if done.calls != 0 {
		t.Fatalf("done callback fired before the deadline")
	}

	m.Update(ctx, reg, base.Add(150*time.Millisecond))
	if done.calls != 1 {
		t.Fatalf("done callback fired %d times, want 1", done.calls)
	}
	if done.success {
		t.Fatalf("timed-out migration reported success")
	}
	if done.handle != h {
		t.Fatalf("done callback got the wrong handle")
	}
	if !reg.Contains(h) {
		t.Fatalf("entity must survive a timed-out migration")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("record not drained, active = %d", m.ActiveCount())
	}

	stats := m.Stats()
	if stats.Total != 1 || stats.TimedOut != 1 {
		t.Fatalf("stats = %+v, want total 1 timed out 1", stats)
	}
	if stats.Successful != 0 || stats.Failed != 0 || stats.Cancelled != 0 {
		t.Fatalf("unexpected non-timeout counters: %+v", stats)
	}
}

func TestMigrationCompletesOnConfirmation(t *testing.T) {
	reg := entity.NewRegistry()
	store := handoff.NewMemoryStore()
	m := NewManager(1, store, testLogger())
	h := spawnPlayer(reg, 42)

	var done doneRecorder
	if !m.Initiate(reg, h, 2, done.fn) {
		t.Fatalf("initiate rejected")
	}

	ctx := context.Background()
	base := time.Now()
	m.Update(ctx, reg, base)
	if !reg.Contains(h) {
		t.Fatalf("entity must stay in the registry while transferring")
	}

	// The snapshot write is asynchronous; wait for it to land.
	key := handoff.SnapshotKey(2, 42, 1)
	data := waitForKey(t, store, key)
	if len(data) != SnapshotSize {
		t.Fatalf("parked snapshot is %d bytes, want %d", len(data), SnapshotSize)
	}

	if !m.Confirm(h) {
		t.Fatalf("confirm rejected")
	}
	m.Update(ctx, reg, base.Add(10*time.Millisecond))

	if reg.Contains(h) {
		t.Fatalf("completed migration must destroy the local entity")
	}
	if done.calls != 1 || !done.success {
		t.Fatalf("done = %+v, want one successful call", done)
	}
	stats := m.Stats()
	if stats.Total != 1 || stats.Successful != 1 {
		t.Fatalf("stats = %+v, want one success", stats)
	}
	if stats.MaxMillis < 10 {
		t.Fatalf("duration not recorded: %+v", stats)
	}
}

func waitForKey(t *testing.T, store *handoff.MemoryStore, key string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := store.Get(context.Background(), key)
		if err == nil {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("snapshot never appeared under %s", key)
	return nil
}

func TestMigrationDuplicateInitiateRejected(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	h := spawnPlayer(reg, 42)

	if !m.Initiate(reg, h, 2, nil) {
		t.Fatalf("first initiate rejected")
	}
	if m.Initiate(reg, h, 3, nil) {
		t.Fatalf("second initiate for the same entity must be rejected")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", m.ActiveCount())
	}
}

func TestMigrationInitiateStaleHandle(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	h := spawnPlayer(reg, 42)
	reg.Remove(h)

	if m.Initiate(reg, h, 2, nil) {
		t.Fatalf("initiate must reject a stale handle")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("no record should exist for a rejected initiate")
	}
}

func TestMigrationCancelDrainsOnNextUpdate(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	h := spawnPlayer(reg, 42)

	var done doneRecorder
	m.Initiate(reg, h, 2, done.fn)

	ctx := context.Background()
	base := time.Now()
	m.Update(ctx, reg, base)

	if !m.Cancel(h) {
		t.Fatalf("cancel rejected")
	}
	if m.Cancel(h) {
		t.Fatalf("second cancel must report false")
	}
	if got := m.StateOf(h); got != StateCancelled {
		t.Fatalf("state after cancel = %v, want cancelled", got)
	}
	if done.calls != 0 {
		t.Fatalf("callback must not fire until the record drains")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("cancelled record must stay active until the next update")
	}
	if m.IsMigrating(h) {
		t.Fatalf("cancelled migration is no longer in flight")
	}

	m.Update(ctx, reg, base.Add(time.Millisecond))
	if done.calls != 1 || done.success {
		t.Fatalf("done = %+v, want one failure call", done)
	}
	if !reg.Contains(h) {
		t.Fatalf("cancelled migration must keep the entity")
	}
	stats := m.Stats()
	if stats.Total != 1 || stats.Cancelled != 1 {
		t.Fatalf("stats = %+v, want one cancelled", stats)
	}
}

func TestMigrationCancelBeforeFirstUpdate(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	h := spawnPlayer(reg, 42)

	var done doneRecorder
	m.Initiate(reg, h, 2, done.fn)
	if !m.Cancel(h) {
		t.Fatalf("cancel rejected while preparing")
	}

	m.Update(context.Background(), reg, time.Now())
	if done.calls != 1 || done.success {
		t.Fatalf("done = %+v, want one failure call", done)
	}
	if !reg.Contains(h) {
		t.Fatalf("entity must survive")
	}
	if got := m.Stats().Cancelled; got != 1 {
		t.Fatalf("cancelled = %d, want 1", got)
	}
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("store down")
}

func (failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, handoff.ErrNotFound
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return nil
}

func TestMigrationWriteFailure(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, failingStore{}, testLogger())
	h := spawnPlayer(reg, 42)

	var done doneRecorder
	m.Initiate(reg, h, 2, done.fn)

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveCount() > 0 && time.Now().Before(deadline) {
		m.Update(ctx, reg, time.Now())
		time.Sleep(5 * time.Millisecond)
	}

	if done.calls != 1 || done.success {
		t.Fatalf("done = %+v, want one failure call", done)
	}
	if !reg.Contains(h) {
		t.Fatalf("entity must survive a failed write")
	}
	if got := m.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}
}

func TestMigrationEntityDestroyedDuringTransfer(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	h := spawnPlayer(reg, 42)

	var done doneRecorder
	m.Initiate(reg, h, 2, done.fn)

	ctx := context.Background()
	base := time.Now()
	m.Update(ctx, reg, base)
	reg.Remove(h)
	m.Update(ctx, reg, base.Add(time.Millisecond))

	if done.calls != 1 || done.success {
		t.Fatalf("done = %+v, want one failure call", done)
	}
	if got := m.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}
}

func TestConfirmPlayerChecksSequence(t *testing.T) {
	reg := entity.NewRegistry()
	m := NewManager(1, nil, testLogger())
	h := spawnPlayer(reg, 42)

	m.Initiate(reg, h, 2, nil)
	m.Update(context.Background(), reg, time.Now())

	if m.ConfirmPlayer(42, 99) {
		t.Fatalf("confirmation with the wrong sequence must be ignored")
	}
	if m.ConfirmPlayer(41, 1) {
		t.Fatalf("confirmation for an unknown player must be ignored")
	}
	if !m.ConfirmPlayer(42, 1) {
		t.Fatalf("matching confirmation rejected")
	}
}

func TestApplyInbound(t *testing.T) {
	src := entity.NewRegistry()
	srcHandle := src.Spawn(sampleEntity())
	e, _ := src.Get(srcHandle)
	snap := NewEntitySnapshot(srcHandle, e, 1, 2, 5, time.UnixMilli(1000))

	dst := entity.NewRegistry()
	m := NewManager(2, nil, testLogger())

	h, err := m.ApplyInbound(dst, &snap)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	landed, ok := dst.Get(h)
	if !ok {
		t.Fatalf("applied entity missing from registry")
	}
	if landed.Player.PlayerID != 9001 || landed.Pos != e.Pos {
		t.Fatalf("applied state wrong: %+v", landed)
	}
	if _, ok := dst.ByPlayer(9001); !ok {
		t.Fatalf("applied entity not indexed by player")
	}

	// The same snapshot delivered twice must not spawn a second entity.
	if _, err := m.ApplyInbound(dst, &snap); !errors.Is(err, ErrDuplicateSnapshot) {
		t.Fatalf("replay: got %v, want ErrDuplicateSnapshot", err)
	}
	if dst.Len() != 1 {
		t.Fatalf("replay changed the registry, len = %d", dst.Len())
	}

	// A later sequence for a player already live re-homes in place.
	next := snap
	next.Sequence = 6
	next.Pos = entity.PositionFromMeters(50, 0, 50)
	if _, err := m.ApplyInbound(dst, &next); err != nil {
		t.Fatalf("re-home: %v", err)
	}
	if dst.Len() != 1 {
		t.Fatalf("re-home duplicated the entity, len = %d", dst.Len())
	}
	landed, _ = dst.Get(h)
	if landed.Pos != next.Pos {
		t.Fatalf("re-home did not update position")
	}
}

func TestApplyInboundWrongZone(t *testing.T) {
	src := entity.NewRegistry()
	h := src.Spawn(sampleEntity())
	e, _ := src.Get(h)
	snap := NewEntitySnapshot(h, e, 1, 3, 5, time.UnixMilli(1000))

	m := NewManager(2, nil, testLogger())
	if _, err := m.ApplyInbound(entity.NewRegistry(), &snap); !errors.Is(err, ErrWrongZone) {
		t.Fatalf("got %v, want ErrWrongZone", err)
	}
}

func TestFetchInbound(t *testing.T) {
	src := entity.NewRegistry()
	srcHandle := src.Spawn(sampleEntity())
	e, _ := src.Get(srcHandle)
	snap := NewEntitySnapshot(srcHandle, e, 1, 2, 5, time.UnixMilli(1000))
	data, err := snap.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ctx := context.Background()
	store := handoff.NewMemoryStore()
	if err := store.Put(ctx, handoff.SnapshotKey(2, 9001, 5), data, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	dst := entity.NewRegistry()
	m := NewManager(2, store, testLogger())

	h, err := m.FetchInbound(ctx, dst, 9001, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !dst.Contains(h) {
		t.Fatalf("fetched entity missing")
	}

	if _, err := m.FetchInbound(ctx, dst, 9001, 99); !errors.Is(err, handoff.ErrNotFound) {
		t.Fatalf("missing key: got %v, want ErrNotFound", err)
	}
}

func TestStateTransitionsAreTotal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateTimeout, StateCancelled}
	for _, s := range terminal {
		for ev := eventInitiate; ev <= eventCancel; ev++ {
			next, ok := transition(s, ev)
			if ok || next != s {
				t.Fatalf("terminal state %v moved on %v: got (%v, %v)", s, ev, next, ok)
			}
		}
	}

	if next, ok := transition(StateNone, eventConfirmed); ok || next != StateNone {
		t.Fatalf("confirm before initiate must be ignored")
	}
	if next, ok := transition(StatePreparing, eventSnapshotSent); !ok || next != StateTransferring {
		t.Fatalf("preparing + snapshot-sent = (%v, %v)", next, ok)
	}
	if next, ok := transition(StateTransferring, eventConfirmed); !ok || next != StateCompleted {
		t.Fatalf("transferring + confirmed = (%v, %v)", next, ok)
	}
}
