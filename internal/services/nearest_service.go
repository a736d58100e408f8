package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fleet/internal/config"
	"fleet/internal/domain/entities"
	"fleet/internal/geo"
	"fleet/internal/logging"
	"fleet/internal/metrics"
	"fleet/internal/repository"
	"fleet/internal/repository/memory"
	"fleet/pkg/utils"
)

var (
	ErrIndexNotReady     = errors.New("index has not been built")
	ErrRebuildInProgress = errors.New("index rebuild already in progress")
	ErrBatchTooLarge     = errors.New("batch exceeds the configured maximum")
	ErrSourceReadOnly    = errors.New("position source cannot be written")
)

const (
	rebuildLockKey = "index:rebuild"
	rebuildLockTTL = 10 * time.Minute
)

// NearestResult answers one query. Vehicle is nil when the index holds no
// positions.
type NearestResult struct {
	Target     entities.Coordinate       `json:"target"`
	Vehicle    *entities.VehiclePosition `json:"vehicle,omitempty"`
	Distance   float64                   `json:"distance"`
	DistanceKm float64                   `json:"distance_km"`
	BearingDeg float64                   `json:"bearing_deg"`
	Geohash    string                    `json:"geohash,omitempty"`
	Visited    int                       `json:"visited"`
	// Diverged is set in verify mode when a linear scan found a strictly
	// closer position. Exact then holds that position.
	Diverged      bool                      `json:"diverged,omitempty"`
	Exact         *entities.VehiclePosition `json:"exact,omitempty"`
	ExactDistance float64                   `json:"exact_distance,omitempty"`
}

// Found reports whether the query matched a vehicle.
func (r NearestResult) Found() bool { return r.Vehicle != nil }

// IndexStats describes the index generation currently serving queries.
type IndexStats struct {
	Generation       uint64        `json:"generation"`
	Positions        int           `json:"positions"`
	Depth            int           `json:"depth"`
	Cells            int           `json:"cells"`
	GeohashPrecision int           `json:"geohash_precision"`
	Prune            string        `json:"prune"`
	Verify           bool          `json:"verify"`
	Source           string        `json:"source"`
	BuiltAt          time.Time     `json:"built_at"`
	BuildDuration    time.Duration `json:"build_duration_ns"`
	Rebuilding       bool          `json:"rebuilding"`
}

// snapshot is one immutable index generation. Queries load it once and use
// it throughout, so a concurrent swap never mixes generations.
type snapshot struct {
	tree      *geo.KDTree
	positions []entities.VehiclePosition
	cells     *memory.CellIndex
	stats     IndexStats
}

// NearestService owns the kd-tree and answers nearest-vehicle queries.
//
// Go Learning Note — atomic.Pointer for Read-Mostly State:
// Queries vastly outnumber rebuilds. Instead of an RWMutex around the tree,
// each rebuild builds a complete new snapshot off to the side and publishes
// it with one atomic store. Readers do a single atomic load and never block,
// even while a rebuild is running.
type NearestService struct {
	source    repository.PositionSource
	prune     geo.PruneMode
	verify    bool
	precision int
	workers   int
	maxBatch  int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	locks     *memory.LockManager

	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
}

func NewNearestService(
	source repository.PositionSource,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*NearestService, error) {
	prune, err := cfg.PruneMode()
	if err != nil {
		return nil, err
	}
	return &NearestService{
		source:    source,
		prune:     prune,
		verify:    cfg.Index.Verify,
		precision: cfg.Index.GeohashPrecision,
		workers:   max(cfg.Query.Workers, 1),
		maxBatch:  cfg.Query.MaxBatch,
		metrics:   m,
		logger:    logger,
		locks:     memory.NewLockManager(),
	}, nil
}

// PruneMode returns the far-branch rule queries run with.
func (s *NearestService) PruneMode() geo.PruneMode { return s.prune }

// Ready reports whether an index generation has been published.
func (s *NearestService) Ready() bool { return s.current.Load() != nil }

// Rebuild loads the full position set from the source and swaps in a new
// index. Queries keep using the previous index until the swap.
func (s *NearestService) Rebuild(ctx context.Context) (IndexStats, error) {
	release, err := s.lockRebuild(ctx)
	if err != nil {
		return IndexStats{}, err
	}
	defer release()

	start := time.Now()
	positions, err := s.source.Load(ctx)
	if err != nil {
		s.metrics.RebuildsTotal.WithLabelValues("source", "error").Inc()
		return IndexStats{}, fmt.Errorf("load %s: %w", s.source.Describe(), err)
	}

	stats := s.publish(positions, s.source.Describe(), start)
	s.metrics.RebuildsTotal.WithLabelValues("source", "ok").Inc()
	return stats, nil
}

// Replace indexes an uploaded position set. When persist is true the set is
// also saved to the source, which must then be a repository.PositionStore.
func (s *NearestService) Replace(ctx context.Context, positions []entities.VehiclePosition, persist bool) (IndexStats, error) {
	release, err := s.lockRebuild(ctx)
	if err != nil {
		return IndexStats{}, err
	}
	defer release()

	start := time.Now()
	if persist {
		store, ok := s.source.(repository.PositionStore)
		if !ok {
			return IndexStats{}, fmt.Errorf("%s: %w", s.source.Describe(), ErrSourceReadOnly)
		}
		if err := store.Save(ctx, positions); err != nil {
			s.metrics.RebuildsTotal.WithLabelValues("upload", "error").Inc()
			return IndexStats{}, fmt.Errorf("save %s: %w", s.source.Describe(), err)
		}
	}

	stats := s.publish(positions, "upload", start)
	s.metrics.RebuildsTotal.WithLabelValues("upload", "ok").Inc()
	return stats, nil
}

func (s *NearestService) lockRebuild(ctx context.Context) (func(), error) {
	release, ok, err := s.locks.AcquireLock(ctx, rebuildLockKey, rebuildLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRebuildInProgress
	}
	return release, nil
}

func (s *NearestService) publish(positions []entities.VehiclePosition, origin string, start time.Time) IndexStats {
	tree := geo.BuildKDTree(positions, geo.WithPruneMode(s.prune))
	cells := memory.NewCellIndex(positions, s.precision)
	elapsed := time.Since(start)

	stats := IndexStats{
		Generation:       s.generation.Add(1),
		Positions:        tree.Len(),
		Depth:            tree.Depth(),
		Cells:            cells.Cells(),
		GeohashPrecision: cells.Precision(),
		Prune:            s.prune.String(),
		Verify:           s.verify,
		Source:           origin,
		BuiltAt:          time.Now().UTC(),
		BuildDuration:    elapsed,
	}

	snap := &snapshot{tree: tree, cells: cells, stats: stats}
	if s.verify {
		snap.positions = positions
	}
	s.current.Store(snap)

	s.metrics.IndexedPositions.Set(float64(stats.Positions))
	s.metrics.IndexDepth.Set(float64(stats.Depth))
	s.metrics.RebuildDuration.Observe(elapsed.Seconds())
	s.logger.Info("index built",
		logging.KeySource, origin,
		logging.KeyCount, stats.Positions,
		"depth", stats.Depth,
		"generation", stats.Generation,
		logging.KeyDuration, elapsed,
	)
	return stats
}

// Stats describes the current index. Rebuilding is set while a rebuild or
// upload is replacing it.
func (s *NearestService) Stats() (IndexStats, error) {
	snap := s.current.Load()
	if snap == nil {
		return IndexStats{}, ErrIndexNotReady
	}
	stats := snap.stats
	stats.Rebuilding = s.locks.IsLocked(rebuildLockKey)
	return stats, nil
}

// Nearest finds the vehicle closest to target.
func (s *NearestService) Nearest(ctx context.Context, target entities.Coordinate) (NearestResult, error) {
	if err := ctx.Err(); err != nil {
		return NearestResult{}, err
	}
	snap := s.current.Load()
	if snap == nil {
		return NearestResult{}, ErrIndexNotReady
	}
	return s.query(snap, target), nil
}

// NearestBatch answers targets concurrently against a single index
// generation. Results are in target order.
func (s *NearestService) NearestBatch(ctx context.Context, targets []entities.Coordinate) ([]NearestResult, error) {
	if s.maxBatch > 0 && len(targets) > s.maxBatch {
		return nil, fmt.Errorf("%w: %d targets, limit %d", ErrBatchTooLarge, len(targets), s.maxBatch)
	}
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrIndexNotReady
	}

	results := make([]NearestResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, target := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.query(snap, target)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.metrics.QueriesTotal.WithLabelValues(s.prune.String(), metrics.OutcomeCancelled).Inc()
		return nil, err
	}
	return results, nil
}

// VehiclesInCell lists the indexed positions whose geohash starts with
// prefix.
func (s *NearestService) VehiclesInCell(prefix string) ([]entities.VehiclePosition, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrIndexNotReady
	}
	return snap.cells.Lookup(prefix), nil
}

func (s *NearestService) query(snap *snapshot, target entities.Coordinate) NearestResult {
	start := time.Now()
	n, ok := snap.tree.Nearest(target)
	elapsed := time.Since(start)

	prune := s.prune.String()
	s.metrics.QueryDuration.WithLabelValues(prune).Observe(elapsed.Seconds())

	result := NearestResult{Target: target}
	if !ok {
		s.metrics.QueriesTotal.WithLabelValues(prune, metrics.OutcomeEmpty).Inc()
		return result
	}
	s.metrics.QueriesTotal.WithLabelValues(prune, metrics.OutcomeFound).Inc()
	s.metrics.NodesVisited.Observe(float64(n.Visited))

	vehicle := n.Position
	result.Vehicle = &vehicle
	result.Distance = n.Distance
	result.Visited = n.Visited
	result.Geohash = snap.cells.CellOf(vehicle.Coordinate())

	fromLat, fromLong := float64(target.Latitude), float64(target.Longitude)
	toLat, toLong := float64(vehicle.Latitude), float64(vehicle.Longitude)
	result.DistanceKm = utils.RoundTo(utils.HaversineDistance(fromLat, fromLong, toLat, toLong), 3)
	result.BearingDeg = utils.RoundTo(utils.InitialBearing(fromLat, fromLong, toLat, toLong), 1)

	if s.verify {
		s.check(snap, &result)
	}
	return result
}

// check compares the tree's answer with a linear scan. Equal distances with
// different vehicles are not a divergence.
func (s *NearestService) check(snap *snapshot, result *NearestResult) {
	exact, ok := geo.LinearScan(snap.positions, result.Target)
	if !ok || exact.Distance >= result.Distance {
		return
	}

	result.Diverged = true
	result.Exact = &exact.Position
	result.ExactDistance = exact.Distance
	s.metrics.DivergencesTotal.Inc()
	s.logger.Warn("nearest result diverged from linear scan",
		"target", result.Target.String(),
		"tree_vehicle", result.Vehicle.IDString(),
		"tree_distance", result.Distance,
		"exact_vehicle", exact.Position.IDString(),
		"exact_distance", exact.Distance,
		logging.KeyPrune, s.prune.String(),
	)
}
