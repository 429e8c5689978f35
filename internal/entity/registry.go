package entity

// Handle identifies a live registry slot. The generation distinguishes an
// entity from whatever occupied its slot before it, so handles held across
// removals fail Get instead of resolving to a stranger.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h.gen == 0
}

const (
	refIndexBits = 24
	refIndexMask = 1<<refIndexBits - 1
)

// Ref packs the handle into the 32-bit wire form used by snapshots and
// cross-zone messages: low 24 bits index, high 8 bits generation. The
// generation wraps at 8 bits on the wire, which is fine for hand-off
// payloads that live for milliseconds.
func (h Handle) Ref() uint32 {
	return h.index&refIndexMask | h.gen<<refIndexBits
}

func HandleFromRef(ref uint32) Handle {
	return Handle{index: ref & refIndexMask, gen: ref >> refIndexBits}
}

type slot struct {
	gen  uint32
	live bool
	ent  Entity
}

// Registry is the per-zone entity arena: a dense slot array with a free
// list, plus a player-id index. It is not safe for concurrent use; all
// access is confined to the owning zone's tick goroutine, with cross-thread
// input arriving through queues drained before the registry is touched.
type Registry struct {
	slots    []slot
	free     []uint32
	count    int
	byPlayer map[uint64]Handle
}

func NewRegistry() *Registry {
	return &Registry{byPlayer: make(map[uint64]Handle)}
}

// Spawn stores the entity and returns its handle. Entities carrying a
// player id are additionally indexed by it.
func (r *Registry) Spawn(ent Entity) Handle {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}
	s := &r.slots[idx]
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.ent = ent
	r.count++
	h := Handle{index: idx, gen: s.gen}
	if ent.Player.PlayerID != 0 {
		r.byPlayer[ent.Player.PlayerID] = h
	}
	return h
}

// Get resolves a handle; ok is false for removed or never-issued handles.
func (r *Registry) Get(h Handle) (*Entity, bool) {
	if int(h.index) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return &s.ent, true
}

func (r *Registry) Contains(h Handle) bool {
	_, ok := r.Get(h)
	return ok
}

// Remove frees the slot and bumps its generation so the handle goes stale.
// Removing an already-removed handle reports false and changes nothing.
func (r *Registry) Remove(h Handle) bool {
	ent, ok := r.Get(h)
	if !ok {
		return false
	}
	if ent.Player.PlayerID != 0 {
		delete(r.byPlayer, ent.Player.PlayerID)
	}
	s := &r.slots[h.index]
	s.live = false
	s.gen++
	s.ent = Entity{}
	r.free = append(r.free, h.index)
	r.count--
	return true
}

// ByPlayer finds the live entity carrying the given player id.
func (r *Registry) ByPlayer(playerID uint64) (Handle, bool) {
	h, ok := r.byPlayer[playerID]
	return h, ok
}

func (r *Registry) Len() int {
	return r.count
}

// ForEach visits every live entity. The callback may mutate the entity but
// must not spawn or remove during iteration.
func (r *Registry) ForEach(fn func(Handle, *Entity)) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.live {
			fn(Handle{index: uint32(i), gen: s.gen}, &s.ent)
		}
	}
}
