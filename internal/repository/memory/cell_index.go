package memory

import (
	"slices"
	"strings"

	"fleet/internal/domain/entities"
	"fleet/internal/geo"
)

// CellIndex groups one position set by geohash cell. It is built once per
// index generation and never mutated, so readers need no lock.
//
// Precision 6 cells are roughly 1.2 km across, precision 5 roughly 5 km.
type CellIndex struct {
	precision int
	cells     map[string][]entities.VehiclePosition // geohash -> positions in the cell
	hashes    []string                              // sorted keys of cells
}

func NewCellIndex(positions []entities.VehiclePosition, precision int) *CellIndex {
	if precision <= 0 {
		precision = geo.DefaultGeohashPrecision
	}
	idx := &CellIndex{
		precision: precision,
		cells:     make(map[string][]entities.VehiclePosition),
	}
	for _, p := range positions {
		hash := geo.EncodeCoordinate(p.Coordinate(), precision)
		idx.cells[hash] = append(idx.cells[hash], p)
	}

	idx.hashes = make([]string, 0, len(idx.cells))
	for hash := range idx.cells {
		idx.hashes = append(idx.hashes, hash)
	}
	slices.Sort(idx.hashes)
	return idx
}

func (c *CellIndex) Precision() int { return c.precision }

// Cells returns the number of occupied cells.
func (c *CellIndex) Cells() int { return len(c.hashes) }

// CellOf returns the geohash of the cell containing coord.
func (c *CellIndex) CellOf(coord entities.Coordinate) string {
	return geo.EncodeCoordinate(coord, c.precision)
}

// Lookup returns every position whose cell starts with prefix. A prefix
// longer than the index precision is cut to it. The result is in cell order
// and then in insertion order.
func (c *CellIndex) Lookup(prefix string) []entities.VehiclePosition {
	prefix = strings.ToLower(prefix)
	if len(prefix) > c.precision {
		prefix = prefix[:c.precision]
	}

	start, _ := slices.BinarySearch(c.hashes, prefix)
	var out []entities.VehiclePosition
	for _, hash := range c.hashes[start:] {
		if !strings.HasPrefix(hash, prefix) {
			break
		}
		out = append(out, c.cells[hash]...)
	}
	return out
}
