// Package geo holds the fleet's spatial code: a 2-d tree for nearest-vehicle
// queries, the planar distance it ranks by, and geohash encoding used to
// label the cell a result falls in.
//
// Geohash precision determines the cell size:
//
//	1 → ~5000 km    4 → ~39 km     7 → ~153 m    10 → ~1.2 m
//	2 → ~1250 km    5 → ~5 km      8 → ~19 m     11 → ~15 cm
//	3 → ~156 km     6 → ~1.2 km    9 → ~2.4 m    12 → ~1.9 cm
package geo

import (
	"strings"

	"fleet/internal/domain/entities"
)

const (
	base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

	DefaultGeohashPrecision = 6
	maxGeohashPrecision     = 12
)

var base32Index = func() map[byte]int {
	m := make(map[byte]int, len(base32))
	for i := 0; i < len(base32); i++ {
		m[base32[i]] = i
	}
	return m
}()

// Encode converts latitude and longitude to a geohash of the given precision.
// Precision outside 1..12 is clamped; 0 or less selects the default.
//
// Bits alternate longitude (even) and latitude (odd). Each bit halves the
// current range; every 5 bits become one base32 character.
func Encode(lat, lon float64, precision int) string {
	if precision <= 0 {
		precision = DefaultGeohashPrecision
	}
	if precision > maxGeohashPrecision {
		precision = maxGeohashPrecision
	}

	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0

	var hash strings.Builder
	hash.Grow(precision)
	even := true
	bit, ch := 0, 0

	for hash.Len() < precision {
		if even {
			mid := (minLon + maxLon) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		even = !even
		if bit++; bit == 5 {
			hash.WriteByte(base32[ch])
			bit, ch = 0, 0
		}
	}

	return hash.String()
}

// EncodeCoordinate is Encode for a Coordinate.
func EncodeCoordinate(c entities.Coordinate, precision int) string {
	return Encode(float64(c.Latitude), float64(c.Longitude), precision)
}

// Decode returns the center of the cell named by hash. Characters outside
// the geohash alphabet are skipped.
func Decode(hash string) (lat, lon float64) {
	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0
	even := true

	for i := 0; i < len(hash); i++ {
		cd, ok := base32Index[hash[i]]
		if !ok {
			continue
		}
		for j := 4; j >= 0; j-- {
			set := (cd>>j)&1 == 1
			if even {
				mid := (minLon + maxLon) / 2
				if set {
					minLon = mid
				} else {
					maxLon = mid
				}
			} else {
				mid := (minLat + maxLat) / 2
				if set {
					minLat = mid
				} else {
					maxLat = mid
				}
			}
			even = !even
		}
	}

	return (minLat + maxLat) / 2, (minLon + maxLon) / 2
}
