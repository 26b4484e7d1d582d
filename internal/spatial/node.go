// Package spatial implements the Query Handler: the hierarchical
// bounding-volume tree, per-query cuts, and the refine/coarsen/tick
// operations spec.md §4.2 describes. Two Handler instances exist per
// Registry (static, dynamic); each owns an independent tree.
//
// Grounded on spec.md's Design Notes §9 ("model as arena-allocated
// nodes addressed by stable integer indices; parent/child links are
// indices") and on original_source's RTreeManualQueryHandler semantics
// for refine/coarsen/tick ordering. The bucket bookkeeping style
// (map-of-slices keyed by id, short-circuit recompute) follows the
// teacher's `internal/effects/spatial_index.go`.
package spatial

import (
	"github.com/google/uuid"

	"orbitcut/server/internal/geom"
)

const invalidIdx = -1

// node is one arena slot: either a leaf wrapping a single object, or
// an internal node aggregating its children's bounds.
type node struct {
	id       uuid.UUID // stable node id, distinct from object ids
	parent   int32
	children []int32 // empty for leaves
	isLeaf   bool
	object   uuid.UUID // valid only when isLeaf
	bounds   geom.BoundingSphere
	agg      geom.AggregateBounds
}

// remap describes a structural change that cuts must migrate across:
// the coverage previously represented by `From` is now represented by
// the node ids in `To` (zero, one, or several). This is how this
// repository resolves the "underspecified" cross-cut migration spec.md
// §9 flags: every tree mutation that removes or splits a node id
// produces a remap, and each Query consumes pending remaps before
// computing tick events, replacing frontier members in place.
type remap struct {
	from uuid.UUID
	to   []uuid.UUID
	// removed carries the fully-resolved removal event for a from-only
	// remap (len(to) == 0). The underlying node is already released
	// from the arena by the time a query drains this remap, so its
	// object id and leaf/aggregate identity can no longer be looked
	// up then; they have to be captured here instead.
	removed NodeEvent
}

// maxFanout bounds how many leaf children an internal node may
// directly hold before it splits, per spec.md §4.2 ("split nodes
// whose fan-out exceeds a bound").
const maxFanout = 8
