package memory

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"fleet/internal/domain/entities"
)

var ErrClosed = errors.New("repository closed")

// Bounding box of generated positions. It covers the area the default query
// targets fall in.
const (
	MinLatitude  = 31.0
	MaxLatitude  = 36.0
	MinLongitude = -103.0
	MaxLongitude = -94.0
)

// generatedEpoch is 2024-01-01T00:00:00Z in Unix seconds.
const generatedEpoch = 1704067200

// Generate returns count synthetic positions. The same seed always yields the
// same set. Vehicle ids run from 1 to count.
func Generate(count int, seed uint64) []entities.VehiclePosition {
	if count <= 0 {
		return nil
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	positions := make([]entities.VehiclePosition, count)
	for i := range positions {
		lat := MinLatitude + rng.Float64()*(MaxLatitude-MinLatitude)
		long := MinLongitude + rng.Float64()*(MaxLongitude-MinLongitude)
		recordedAt := uint64(generatedEpoch + rng.IntN(30*24*3600))

		positions[i] = entities.NewVehiclePosition(
			int32(i+1),
			fmt.Sprintf("TX%c%c-%04d", 'A'+rng.IntN(26), 'A'+rng.IntN(26), rng.IntN(10000)),
			float32(lat),
			float32(long),
			recordedAt,
		)
	}
	return positions
}
