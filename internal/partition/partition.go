// Package partition computes the static spatial topology of the world: zone
// cells with core and buffered bounds, and the adjacency graph between them.
// Everything here is immutable after construction and safe to share.
package partition

import "math"

const (
	// DefaultAuraBuffer is the depth in meters of the boundary overlap
	// between adjacent zones.
	DefaultAuraBuffer = 50.0

	// DefaultBasePort anchors sequential zone listen ports: zone N listens
	// on DefaultBasePort+N.
	DefaultBasePort = 7777

	DefaultHost = "127.0.0.1"
)

const (
	ShapeGrid = "grid"
	ShapeHex  = "hex"
)

type Bounds struct {
	MinX, MaxX float64
	MinZ, MaxZ float64
}

func (b Bounds) Contains(x, z float64) bool {
	return x >= b.MinX && x <= b.MaxX && z >= b.MinZ && z <= b.MaxZ
}

func (b Bounds) Width() float64 { return b.MaxX - b.MinX }
func (b Bounds) Depth() float64 { return b.MaxZ - b.MinZ }

// Intersect returns the overlap rectangle of two bounds. Touching edges do
// not count: the result must have positive area.
func (b Bounds) Intersect(o Bounds) (Bounds, bool) {
	out := Bounds{
		MinX: math.Max(b.MinX, o.MinX),
		MaxX: math.Min(b.MaxX, o.MaxX),
		MinZ: math.Max(b.MinZ, o.MinZ),
		MaxZ: math.Min(b.MaxZ, o.MaxZ),
	}
	if out.MinX >= out.MaxX || out.MinZ >= out.MaxZ {
		return Bounds{}, false
	}
	return out, true
}

// ZoneDefinition describes one zone cell. Core bounds are the region the
// zone authoritatively owns; buffered bounds extend the core by the aura
// buffer on every edge shared with a neighbor, so adjacent buffers overlap.
type ZoneDefinition struct {
	ID       uint32
	Name     string
	Shape    string
	Core     Bounds
	Buffered Bounds
	CenterX  float64
	CenterZ  float64
	Adjacent []uint32
	Endpoint string

	// Axial coordinates, hex layouts only.
	Q, R int
}

func (d *ZoneDefinition) ContainsCore(x, z float64) bool {
	return d.Core.Contains(x, z)
}

func (d *ZoneDefinition) ContainsBuffered(x, z float64) bool {
	return d.Buffered.Contains(x, z)
}

// InAuraBuffer reports whether the point lies in the overlap margin: inside
// the buffered bounds but outside the core.
func (d *ZoneDefinition) InAuraBuffer(x, z float64) bool {
	return d.Buffered.Contains(x, z) && !d.Core.Contains(x, z)
}

func (d *ZoneDefinition) IsAdjacentTo(id uint32) bool {
	for _, a := range d.Adjacent {
		if a == id {
			return true
		}
	}
	return false
}

// CalculateOverlap returns the rectangle where two zones' buffered bounds
// overlap. For adjacent grid zones its width along the shared axis is twice
// the aura buffer.
func (d *ZoneDefinition) CalculateOverlap(other *ZoneDefinition) (Bounds, bool) {
	return d.Buffered.Intersect(other.Buffered)
}

// DistanceToEdge returns the signed distance from the point to the nearest
// core boundary: negative inside the core, Euclidean distance outside.
func (d *ZoneDefinition) DistanceToEdge(x, z float64) float64 {
	if d.Core.Contains(x, z) {
		inner := math.Min(
			math.Min(x-d.Core.MinX, d.Core.MaxX-x),
			math.Min(z-d.Core.MinZ, d.Core.MaxZ-z),
		)
		return -inner
	}
	dx := math.Max(math.Max(d.Core.MinX-x, 0), x-d.Core.MaxX)
	dz := math.Max(math.Max(d.Core.MinZ-z, 0), z-d.Core.MaxZ)
	return math.Sqrt(dx*dx + dz*dz)
}

// DirectionToCenter returns the unit vector from the point toward the zone
// center, or zeros when the point already sits on it.
func (d *ZoneDefinition) DirectionToCenter(x, z float64) (float64, float64) {
	dx := d.CenterX - x
	dz := d.CenterZ - z
	len := math.Sqrt(dx*dx + dz*dz)
	if len < 0.001 {
		return 0, 0
	}
	return dx / len, dz / len
}

// FindZoneForPosition resolves a point to the zone that owns it, or nil when
// the point is outside the world or inside the buffered bounds of two or
// more zones. The seam band around a shared edge is deliberately ambiguous:
// a point there is "between" zones, which is what gives boundary crossing
// its hysteresis.
func FindZoneForPosition(zones []ZoneDefinition, x, z float64) *ZoneDefinition {
	var owner *ZoneDefinition
	buffered := 0
	for i := range zones {
		d := &zones[i]
		if d.ContainsBuffered(x, z) {
			buffered++
			if buffered > 1 {
				return nil
			}
		}
		if owner == nil && d.ContainsCore(x, z) {
			owner = d
		}
	}
	return owner
}

// FindZonesWithAuraOverlap returns every zone whose buffered bounds contain
// the point. An entity at that position must be visible to all of them.
func FindZonesWithAuraOverlap(zones []ZoneDefinition, x, z float64) []*ZoneDefinition {
	var out []*ZoneDefinition
	for i := range zones {
		if zones[i].ContainsBuffered(x, z) {
			out = append(out, &zones[i])
		}
	}
	return out
}

// ZoneByID finds a definition by id, nil when absent.
func ZoneByID(zones []ZoneDefinition, id uint32) *ZoneDefinition {
	for i := range zones {
		if zones[i].ID == id {
			return &zones[i]
		}
	}
	return nil
}
