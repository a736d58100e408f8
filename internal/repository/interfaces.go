package repository

import (
	"context"

	"fleet/internal/domain/entities"
)

// PositionSource yields the complete set of vehicle positions to index.
// Load returns a fresh slice on every call; callers may keep it.
type PositionSource interface {
	Load(ctx context.Context) ([]entities.VehiclePosition, error)
	Describe() string
	Close() error
}

// PositionStore is a source that can also persist a replacement set.
type PositionStore interface {
	PositionSource
	Save(ctx context.Context, positions []entities.VehiclePosition) error
}
