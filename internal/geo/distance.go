package geo

import (
	"math"

	"fleet/internal/domain/entities"
)

// Distance is the planar Euclidean distance between two coordinates, treating
// degrees of latitude and longitude as Cartesian values. Each float32 is
// widened to float64 before subtracting.
func Distance(a, b entities.Coordinate) float64 {
	dLat := float64(a.Latitude) - float64(b.Latitude)
	dLong := float64(a.Longitude) - float64(b.Longitude)
	return math.Sqrt(dLat*dLat + dLong*dLong)
}

// LinearScan returns the position closest to target by checking every
// position. The first of several equally close positions wins. It is the
// reference answer the index is verified against.
func LinearScan(positions []entities.VehiclePosition, target entities.Coordinate) (Neighbor, bool) {
	if len(positions) == 0 {
		return Neighbor{}, false
	}

	best := Neighbor{Position: positions[0], Distance: Distance(positions[0].Coordinate(), target)}
	for _, p := range positions[1:] {
		if d := Distance(p.Coordinate(), target); d < best.Distance {
			best = Neighbor{Position: p, Distance: d}
		}
	}
	best.Visited = len(positions)
	return best, true
}
