package partition

import (
	"fmt"
	"math"
)

// Axial neighbor offsets for a pointy-top hex lattice.
var hexDirections = [6][2]int{
	{1, 0}, {1, -1}, {0, -1}, {-1, 0}, {-1, 1}, {0, 1},
}

func hexDistance(q, r int) int {
	s := -q - r
	return (abs(q) + abs(r) + abs(s)) / 2
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// CreateHexGrid builds a hexagonal world: one center cell plus rings of six
// more cells per ring (1 + 3r(r+1) cells for r rings). Cells are addressed
// by axial coordinates; adjacency is the six axial neighbors that exist
// within the ring count. Core bounds are each cell's bounding box, and
// buffered bounds pad cells that have at least one neighbor.
func CreateHexGrid(rings int, cellRadius, centerX, centerZ, buffer float64) []ZoneDefinition {
	if rings < 0 || cellRadius <= 0 {
		return nil
	}

	hexWidth := cellRadius * math.Sqrt(3)
	hexHeight := cellRadius * 2

	type cell struct{ q, r int }
	cells := []cell{{0, 0}}
	for ring := 1; ring <= rings; ring++ {
		q, r := -ring, ring
		for side := 0; side < 6; side++ {
			for step := 0; step < ring; step++ {
				cells = append(cells, cell{q, r})
				q += hexDirections[side][0]
				r += hexDirections[side][1]
			}
		}
	}

	idByAxial := make(map[cell]uint32, len(cells))
	for i, c := range cells {
		idByAxial[c] = uint32(i + 1)
	}

	zones := make([]ZoneDefinition, 0, len(cells))
	for i, c := range cells {
		id := uint32(i + 1)
		worldX := centerX + hexWidth*(float64(c.q)+float64(c.r)/2)
		worldZ := centerZ + 0.75*hexHeight*float64(c.r)

		core := Bounds{
			MinX: worldX - hexWidth/2,
			MaxX: worldX + hexWidth/2,
			MinZ: worldZ - hexHeight/2,
			MaxZ: worldZ + hexHeight/2,
		}

		var adjacent []uint32
		for _, dir := range hexDirections {
			nq, nr := c.q+dir[0], c.r+dir[1]
			if hexDistance(nq, nr) > rings {
				continue
			}
			if nid, ok := idByAxial[cell{nq, nr}]; ok {
				adjacent = append(adjacent, nid)
			}
		}

		buffered := core
		if len(adjacent) > 0 {
			buffered.MinX -= buffer
			buffered.MaxX += buffer
			buffered.MinZ -= buffer
			buffered.MaxZ += buffer
		}

		zones = append(zones, ZoneDefinition{
			ID:       id,
			Name:     fmt.Sprintf("zone-%d", id),
			Shape:    ShapeHex,
			Core:     core,
			Buffered: buffered,
			CenterX:  worldX,
			CenterZ:  worldZ,
			Adjacent: adjacent,
			Endpoint: fmt.Sprintf("%s:%d", DefaultHost, DefaultBasePort+int(id)),
			Q:        c.q,
			R:        c.r,
		})
	}
	return zones
}
