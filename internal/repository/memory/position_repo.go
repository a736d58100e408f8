package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"fleet/internal/domain/entities"
)

// PositionRepository keeps a position set in memory. It backs memory://
// sources, tests, and uploads that should not touch disk.
type PositionRepository struct {
	mu        sync.RWMutex
	positions []entities.VehiclePosition
	closed    bool
}

func NewPositionRepository(positions []entities.VehiclePosition) *PositionRepository {
	return &PositionRepository{positions: slices.Clone(positions)}
}

// Load returns a copy of the stored set.
func (r *PositionRepository) Load(ctx context.Context) ([]entities.VehiclePosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}
	return slices.Clone(r.positions), nil
}

// Save replaces the stored set.
func (r *PositionRepository) Save(ctx context.Context, positions []entities.VehiclePosition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.positions = slices.Clone(positions)
	return nil
}

func (r *PositionRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

func (r *PositionRepository) Describe() string {
	return fmt.Sprintf("memory (%d positions)", r.Len())
}

func (r *PositionRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
