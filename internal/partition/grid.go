package partition

import "fmt"

// CreateGrid divides the world rectangle into rows×cols zones. Ids are
// assigned row-major starting at 1. Core bounds are the exact grid division;
// buffered bounds extend only the edges that border another cell, so zones
// on the world boundary are not padded outward.
func CreateGrid(rows, cols int, world Bounds, buffer float64) []ZoneDefinition {
	if rows <= 0 || cols <= 0 || world.Width() <= 0 || world.Depth() <= 0 {
		return nil
	}

	zoneW := world.Width() / float64(cols)
	zoneD := world.Depth() / float64(rows)

	zones := make([]ZoneDefinition, 0, rows*cols)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			id := uint32(row*cols + col + 1)

			core := Bounds{
				MinX: world.MinX + float64(col)*zoneW,
				MaxX: world.MinX + float64(col+1)*zoneW,
				MinZ: world.MinZ + float64(row)*zoneD,
				MaxZ: world.MinZ + float64(row+1)*zoneD,
			}
			// Pin the outermost edges to the world bounds so the cores
			// tile exactly regardless of float division error.
			if col == cols-1 {
				core.MaxX = world.MaxX
			}
			if row == rows-1 {
				core.MaxZ = world.MaxZ
			}

			buffered := core
			if col > 0 {
				buffered.MinX -= buffer
			}
			if col < cols-1 {
				buffered.MaxX += buffer
			}
			if row > 0 {
				buffered.MinZ -= buffer
			}
			if row < rows-1 {
				buffered.MaxZ += buffer
			}

			var adjacent []uint32
			if col > 0 {
				adjacent = append(adjacent, id-1)
			}
			if col < cols-1 {
				adjacent = append(adjacent, id+1)
			}
			if row > 0 {
				adjacent = append(adjacent, id-uint32(cols))
			}
			if row < rows-1 {
				adjacent = append(adjacent, id+uint32(cols))
			}

			zones = append(zones, ZoneDefinition{
				ID:       id,
				Name:     fmt.Sprintf("zone-%d", id),
				Shape:    ShapeGrid,
				Core:     core,
				Buffered: buffered,
				CenterX:  (core.MinX + core.MaxX) / 2,
				CenterZ:  (core.MinZ + core.MaxZ) / 2,
				Adjacent: adjacent,
				Endpoint: fmt.Sprintf("%s:%d", DefaultHost, DefaultBasePort+int(id)),
			})
		}
	}
	return zones
}
