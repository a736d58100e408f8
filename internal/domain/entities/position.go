// Package entities defines the core domain models for the fleet index.
// These structs describe where a vehicle was seen and where a query is aimed;
// they have no dependencies on storage, HTTP, or the index itself.
package entities

import (
	"fmt"
	"strconv"
)

// Coordinate is a latitude/longitude pair. Axis 0 is latitude and axis 1 is
// longitude; the index alternates between the two by tree depth.
type Coordinate struct {
	Latitude  float32 `json:"lat" yaml:"lat"`
	Longitude float32 `json:"long" yaml:"long"`
}

// NewCoordinate creates a Coordinate value from latitude and longitude.
func NewCoordinate(lat, long float32) Coordinate {
	return Coordinate{
		Latitude:  lat,
		Longitude: long,
	}
}

// Axis returns the latitude for axis 0 and the longitude for any other axis.
func (c Coordinate) Axis(axis int) float32 {
	if axis == 0 {
		return c.Latitude
	}
	return c.Longitude
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%v, %v)", c.Latitude, c.Longitude)
}

// VehiclePosition is a single recorded location of a vehicle. VehicleID and
// RecordedTimeUTC are optional: nil means the source did not carry a value.
//
// Positions are loaded once and never mutated afterwards, so they are passed
// around by value.
type VehiclePosition struct {
	VehicleID       *int32  `json:"vehicle_id,omitempty"`
	Registration    string  `json:"registration"`
	Latitude        float32 `json:"lat"`
	Longitude       float32 `json:"long"`
	RecordedTimeUTC *uint64 `json:"recorded_time_utc,omitempty"`
}

// NewVehiclePosition creates a position with both optional fields set.
func NewVehiclePosition(id int32, registration string, lat, long float32, recordedAt uint64) VehiclePosition {
	return VehiclePosition{
		VehicleID:       &id,
		Registration:    registration,
		Latitude:        lat,
		Longitude:       long,
		RecordedTimeUTC: &recordedAt,
	}
}

// Coordinate returns the position's location.
func (p VehiclePosition) Coordinate() Coordinate {
	return Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Axis returns the coordinate used to order positions at the given axis.
func (p VehiclePosition) Axis(axis int) float32 {
	if axis == 0 {
		return p.Latitude
	}
	return p.Longitude
}

// IDString renders the vehicle id, or an empty string when it is absent.
func (p VehiclePosition) IDString() string {
	if p.VehicleID == nil {
		return ""
	}
	return strconv.FormatInt(int64(*p.VehicleID), 10)
}
