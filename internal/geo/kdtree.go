package geo

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"fleet/internal/domain/entities"
)

// noNode marks an absent child in the node arena.
const noNode int32 = -1

// PruneMode selects when the search descends into the branch on the far side
// of a node's splitting line.
type PruneMode int

const (
	// PruneSplitPlane visits the far branch only when the splitting line is
	// closer to the target than the best match found below the node. This is
	// the textbook kd-tree rule and always yields a true nearest neighbor.
	PruneSplitPlane PruneMode = iota

	// PruneLegacy visits the far branch only while the node itself is still
	// strictly closer than the best match. Once the near side has been merged
	// with the node that never holds, so the search follows a single
	// root-to-leaf path. It reproduces the output of the .NET tracker.
	PruneLegacy
)

func (m PruneMode) String() string {
	switch m {
	case PruneSplitPlane:
		return "split-plane"
	case PruneLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParsePruneMode maps a configuration value to a PruneMode. The empty string
// selects PruneSplitPlane.
func ParsePruneMode(s string) (PruneMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "split-plane", "splitplane", "canonical":
		return PruneSplitPlane, nil
	case "legacy":
		return PruneLegacy, nil
	default:
		return 0, fmt.Errorf("unknown prune mode %q: must be split-plane or legacy", s)
	}
}

// node is one arena slot. left and right index into KDTree.nodes.
type node struct {
	position    entities.VehiclePosition
	left, right int32
}

// KDTree is a 2-d tree over vehicle positions, built once and read-only
// afterwards. The splitting axis of a node is its depth mod 2 and is not
// stored. A KDTree is safe for concurrent Nearest calls.
type KDTree struct {
	nodes []node
	root  int32
	depth int
	prune PruneMode
}

// Option configures a KDTree at build time.
type Option func(*KDTree)

// WithPruneMode sets the far-branch rule used by Nearest.
func WithPruneMode(mode PruneMode) Option {
	return func(t *KDTree) {
		t.prune = mode
	}
}

// BuildKDTree builds a balanced tree from positions. The input slice is not
// reordered. An empty input yields an empty tree.
//
// Every level re-sorts its sub-range by the level's axis and takes the middle
// element, so construction is O(n log² n).
func BuildKDTree(positions []entities.VehiclePosition, opts ...Option) *KDTree {
	t := &KDTree{root: noNode}
	for _, opt := range opts {
		opt(t)
	}
	if len(positions) == 0 {
		return t
	}

	work := slices.Clone(positions)
	t.nodes = make([]node, 0, len(work))
	t.root = t.build(work, 0, len(work)-1, 0)
	return t
}

func (t *KDTree) build(work []entities.VehiclePosition, start, end, depth int) int32 {
	if start > end {
		return noNode
	}
	if depth+1 > t.depth {
		t.depth = depth + 1
	}

	axis := depth % 2
	slices.SortFunc(work[start:end+1], func(a, b entities.VehiclePosition) int {
		return cmp.Compare(a.Axis(axis), b.Axis(axis))
	})

	mid := (start + end) / 2
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{position: work[mid], left: noNode, right: noNode})

	left := t.build(work, start, mid-1, depth+1)
	right := t.build(work, mid+1, end, depth+1)
	t.nodes[idx].left = left
	t.nodes[idx].right = right
	return idx
}

// Len returns the number of indexed positions.
func (t *KDTree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Depth returns the number of levels, 0 for an empty tree.
func (t *KDTree) Depth() int {
	if t == nil {
		return 0
	}
	return t.depth
}

// PruneMode returns the far-branch rule the tree searches with.
func (t *KDTree) PruneMode() PruneMode {
	return t.prune
}

// Neighbor is the result of a nearest-neighbor query.
type Neighbor struct {
	Position entities.VehiclePosition
	Distance float64
	// Visited is the number of positions whose distance was evaluated.
	Visited int
}

// Nearest returns the indexed position closest to target. ok is false only
// when the tree is empty.
func (t *KDTree) Nearest(target entities.Coordinate) (n Neighbor, ok bool) {
	if t == nil || t.root == noNode {
		return Neighbor{}, false
	}

	s := searcher{tree: t, target: target}
	best := s.search(t.root, 0)
	return Neighbor{
		Position: t.nodes[best.idx].position,
		Distance: best.dist,
		Visited:  s.visited,
	}, true
}

// candidate is a node together with its distance to the target. idx is
// noNode when there is no candidate yet.
type candidate struct {
	idx  int32
	dist float64
}

var none = candidate{idx: noNode}

// searcher holds the per-query state so the tree itself stays read-only.
type searcher struct {
	tree    *KDTree
	target  entities.Coordinate
	visited int
}

func (s *searcher) search(idx int32, depth int) candidate {
	if idx == noNode {
		return none
	}
	s.visited++

	n := &s.tree.nodes[idx]
	axis := depth % 2
	here := candidate{idx: idx, dist: Distance(n.position.Coordinate(), s.target)}

	next, opposite := n.right, n.left
	if s.target.Axis(axis) < n.position.Axis(axis) {
		next, opposite = n.left, n.right
	}

	best := s.search(next, depth+1)
	if closer(here, best) {
		best = here
	}

	if opposite != noNode && s.visitOpposite(n, axis, here, best) {
		other := s.search(opposite, depth+1)
		if replaces(here, best, other) {
			best = other
		}
	}
	return best
}

func (s *searcher) visitOpposite(n *node, axis int, here, best candidate) bool {
	if s.tree.prune == PruneLegacy {
		return closer(here, best)
	}
	plane := math.Abs(float64(s.target.Axis(axis)) - float64(n.position.Axis(axis)))
	return plane < best.dist
}

// closer reports whether c should displace incumbent: always when there is no
// incumbent, otherwise only when c is strictly closer.
func closer(c, incumbent candidate) bool {
	return incumbent.idx == noNode || c.dist < incumbent.dist
}

// replaces decides whether the far-branch result other displaces best. An
// equally distant candidate wins only when the node itself is closer still.
func replaces(here, best, other candidate) bool {
	if other.idx == noNode {
		return false
	}
	return other.dist < best.dist || (other.dist == best.dist && here.dist < other.dist)
}
