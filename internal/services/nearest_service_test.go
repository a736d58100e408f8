package services

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet/internal/config"
	"fleet/internal/domain/entities"
	"fleet/internal/geo"
	"fleet/internal/logging"
	"fleet/internal/metrics"
	"fleet/internal/repository"
	"fleet/internal/repository/memory"
)

func pos(id int32, lat, long float32) entities.VehiclePosition {
	return entities.NewVehiclePosition(id, "", lat, long, 0)
}

func workedExample() []entities.VehiclePosition {
	return []entities.VehiclePosition{
		pos(1, 0, 0),
		pos(2, 10, 0),
		pos(3, 0, 10),
	}
}

func setupNearestService(t *testing.T, source repository.PositionSource, modify func(*config.Config)) (*NearestService, *metrics.Metrics) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	if modify != nil {
		modify(cfg)
	}
	m := metrics.New(prometheus.NewRegistry())

	service, err := NewNearestService(source, cfg, m, logging.Discard())
	require.NoError(t, err)
	return service, m
}

// readOnlySource satisfies PositionSource but not PositionStore.
type readOnlySource struct {
	positions []entities.VehiclePosition
	err       error
}

func (s *readOnlySource) Load(ctx context.Context) ([]entities.VehiclePosition, error) {
	return s.positions, s.err
}
func (s *readOnlySource) Describe() string { return "read-only" }
func (s *readOnlySource) Close() error     { return nil }

func TestNewNearestService_RejectsBadPrune(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Index.Prune = "aggressive"
	_, err := NewNearestService(memory.NewPositionRepository(nil), cfg, metrics.New(prometheus.NewRegistry()), logging.Discard())
	assert.Error(t, err)
}

func TestNearestService_NotReady(t *testing.T) {
	service, _ := setupNearestService(t, memory.NewPositionRepository(nil), nil)
	ctx := context.Background()

	assert.False(t, service.Ready())

	_, err := service.Nearest(ctx, entities.NewCoordinate(0, 0))
	assert.ErrorIs(t, err, ErrIndexNotReady)
	_, err = service.NearestBatch(ctx, []entities.Coordinate{{}})
	assert.ErrorIs(t, err, ErrIndexNotReady)
	_, err = service.Stats()
	assert.ErrorIs(t, err, ErrIndexNotReady)
	_, err = service.VehiclesInCell("9v")
	assert.ErrorIs(t, err, ErrIndexNotReady)
}

func TestNearestService_WorkedExample(t *testing.T) {
	service, m := setupNearestService(t, memory.NewPositionRepository(workedExample()), nil)
	ctx := context.Background()

	stats, err := service.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Equal(t, 3, stats.Positions)
	assert.Equal(t, 2, stats.Depth)
	assert.Equal(t, "split-plane", stats.Prune)
	assert.Equal(t, "memory (3 positions)", stats.Source)
	assert.True(t, service.Ready())

	result, err := service.Nearest(ctx, entities.NewCoordinate(1, 1))
	require.NoError(t, err)
	require.True(t, result.Found())
	assert.Equal(t, "1", result.Vehicle.IDString())
	assert.Equal(t, math.Sqrt2, result.Distance)
	assert.InDelta(t, 157.25, result.DistanceKm, 0.01)
	assert.InDelta(t, 225.0, result.BearingDeg, 0.1, "(0, 0) lies south-west of (1, 1)")
	assert.Equal(t, "s00000", result.Geohash, "cell of (0, 0)")
	assert.Positive(t, result.Visited)
	assert.False(t, result.Diverged)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("split-plane", metrics.OutcomeFound)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IndexedPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RebuildsTotal.WithLabelValues("source", "ok")))
}

func TestNearestService_EmptySource(t *testing.T) {
	service, m := setupNearestService(t, memory.NewPositionRepository(nil), nil)
	ctx := context.Background()

	_, err := service.Rebuild(ctx)
	require.NoError(t, err)

	result, err := service.Nearest(ctx, entities.NewCoordinate(34, -100))
	require.NoError(t, err)
	assert.False(t, result.Found())
	assert.Equal(t, entities.NewCoordinate(34, -100), result.Target)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("split-plane", metrics.OutcomeEmpty)))
}

func TestNearestService_RebuildLoadError(t *testing.T) {
	boom := errors.New("disk on fire")
	service, m := setupNearestService(t, &readOnlySource{err: boom}, nil)

	_, err := service.Rebuild(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "read-only")
	assert.False(t, service.Ready())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RebuildsTotal.WithLabelValues("source", "error")))
}

func TestNearestService_RebuildInProgress(t *testing.T) {
	service, _ := setupNearestService(t, memory.NewPositionRepository(workedExample()), nil)
	ctx := context.Background()

	release, ok, err := service.locks.AcquireLock(ctx, rebuildLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = service.Rebuild(ctx)
	assert.ErrorIs(t, err, ErrRebuildInProgress)
	_, err = service.Replace(ctx, workedExample(), false)
	assert.ErrorIs(t, err, ErrRebuildInProgress)

	release()
	_, err = service.Rebuild(ctx)
	assert.NoError(t, err)
}

func TestNearestService_StatsReportsRebuilding(t *testing.T) {
	service, _ := setupNearestService(t, memory.NewPositionRepository(workedExample()), nil)
	ctx := context.Background()
	_, err := service.Rebuild(ctx)
	require.NoError(t, err)

	stats, err := service.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Rebuilding)

	release, ok, err := service.locks.AcquireLock(ctx, rebuildLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err = service.Stats()
	require.NoError(t, err)
	assert.True(t, stats.Rebuilding)
	assert.Equal(t, 3, stats.Positions, "the previous generation keeps serving")

	release()
	stats, err = service.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Rebuilding)
}

func TestNearestService_Replace(t *testing.T) {
	repo := memory.NewPositionRepository(workedExample())
	service, m := setupNearestService(t, repo, nil)
	ctx := context.Background()

	_, err := service.Rebuild(ctx)
	require.NoError(t, err)

	uploaded := []entities.VehiclePosition{pos(9, 1, 1)}
	stats, err := service.Replace(ctx, uploaded, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Generation)
	assert.Equal(t, "upload", stats.Source)
	assert.Equal(t, 3, repo.Len(), "source untouched without persist")

	result, err := service.Nearest(ctx, entities.NewCoordinate(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "9", result.Vehicle.IDString())

	_, err = service.Replace(ctx, uploaded, true)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RebuildsTotal.WithLabelValues("upload", "ok")))
}

func TestNearestService_ReplacePersistReadOnly(t *testing.T) {
	service, _ := setupNearestService(t, &readOnlySource{}, nil)

	_, err := service.Replace(context.Background(), workedExample(), true)
	assert.ErrorIs(t, err, ErrSourceReadOnly)
	assert.False(t, service.Ready())
}

func TestNearestService_Batch(t *testing.T) {
	positions := memory.Generate(2000, 21)
	service, _ := setupNearestService(t, memory.NewPositionRepository(positions), func(c *config.Config) {
		c.Query.Workers = 4
	})
	ctx := context.Background()
	_, err := service.Rebuild(ctx)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 6))
	targets := make([]entities.Coordinate, 300)
	for i := range targets {
		targets[i] = entities.NewCoordinate(float32(30+rng.Float64()*7), float32(-104+rng.Float64()*11))
	}

	results, err := service.NearestBatch(ctx, targets)
	require.NoError(t, err)
	require.Len(t, results, len(targets))

	for i, r := range results {
		assert.Equal(t, targets[i], r.Target, "results keep target order")
		exact, _ := geo.LinearScan(positions, targets[i])
		assert.Equal(t, exact.Distance, r.Distance, "target %s", targets[i])

		single, err := service.Nearest(ctx, targets[i])
		require.NoError(t, err)
		assert.Equal(t, single.Vehicle, r.Vehicle)
	}
}

func TestNearestService_BatchLimits(t *testing.T) {
	service, m := setupNearestService(t, memory.NewPositionRepository(workedExample()), func(c *config.Config) {
		c.Query.MaxBatch = 2
	})
	_, err := service.Rebuild(context.Background())
	require.NoError(t, err)

	_, err = service.NearestBatch(context.Background(), make([]entities.Coordinate, 3))
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	results, err := service.NearestBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = service.NearestBatch(ctx, make([]entities.Coordinate, 2))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("split-plane", metrics.OutcomeCancelled)))

	_, err = service.Nearest(ctx, entities.Coordinate{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNearestService_VerifyFlagsLegacyDivergence(t *testing.T) {
	positions := []entities.VehiclePosition{
		pos(1, 0, 0),
		pos(2, 1, 10),
		pos(3, 2, 10),
	}
	service, m := setupNearestService(t, memory.NewPositionRepository(positions), func(c *config.Config) {
		c.Index.Prune = "legacy"
		c.Index.Verify = true
	})
	ctx := context.Background()
	_, err := service.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, geo.PruneLegacy, service.PruneMode())

	result, err := service.Nearest(ctx, entities.NewCoordinate(1.1, 0))
	require.NoError(t, err)
	assert.Equal(t, "2", result.Vehicle.IDString())
	require.True(t, result.Diverged)
	assert.Equal(t, "1", result.Exact.IDString())
	assert.Less(t, result.ExactDistance, result.Distance)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DivergencesTotal))
}

func TestNearestService_VerifySplitPlaneNeverDiverges(t *testing.T) {
	service, m := setupNearestService(t, memory.NewPositionRepository(memory.Generate(1000, 2)), func(c *config.Config) {
		c.Index.Verify = true
	})
	ctx := context.Background()
	_, err := service.Rebuild(ctx)
	require.NoError(t, err)

	results, err := service.NearestBatch(ctx, config.DefaultTargets())
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.Diverged, "target %s", r.Target)
	}
	assert.Zero(t, testutil.ToFloat64(m.DivergencesTotal))
}

func TestNearestService_VehiclesInCell(t *testing.T) {
	positions := workedExample()
	service, _ := setupNearestService(t, memory.NewPositionRepository(positions), nil)
	_, err := service.Rebuild(context.Background())
	require.NoError(t, err)

	cell := geo.EncodeCoordinate(positions[0].Coordinate(), geo.DefaultGeohashPrecision)
	got, err := service.VehiclesInCell(cell)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].IDString())

	got, err = service.VehiclesInCell("")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestNearestService_QueriesDuringRebuild(t *testing.T) {
	service, _ := setupNearestService(t, memory.NewPositionRepository(memory.Generate(500, 1)), nil)
	ctx := context.Background()
	_, err := service.Rebuild(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r, err := service.Nearest(ctx, entities.NewCoordinate(33, -99))
				if err != nil || !r.Found() {
					t.Errorf("query during rebuild: found=%v err=%v", r.Found(), err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_, err := service.Replace(ctx, memory.Generate(500, uint64(i)), false)
		if err != nil && !errors.Is(err, ErrRebuildInProgress) {
			t.Fatalf("Replace failed: %v", err)
		}
	}
	wg.Wait()
}
