package spatial

import (
	"github.com/google/uuid"

	"orbitcut/server/internal/geom"
)

// tree is one arena-allocated bounding-volume tree. It is not
// safe for concurrent use; the owning Handler serializes access to it
// on the worker loop, matching spec.md §5's single-threaded-per-loop
// discipline.
type tree struct {
	arena     []*node
	free      []int32
	root      int32
	byObject  map[uuid.UUID]int32
	byNodeID  map[uuid.UUID]int32
	remaps    []remap
}

func newTree() *tree {
	return &tree{
		root:     invalidIdx,
		byObject: make(map[uuid.UUID]int32),
		byNodeID: make(map[uuid.UUID]int32),
	}
}

func (t *tree) alloc(n *node) int32 {
	n.parent = invalidIdx
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.arena[idx] = n
		t.byNodeID[n.id] = idx
		return idx
	}
	idx := int32(len(t.arena))
	t.arena = append(t.arena, n)
	t.byNodeID[n.id] = idx
	return idx
}

func (t *tree) release(idx int32) {
	n := t.arena[idx]
	delete(t.byNodeID, n.id)
	t.arena[idx] = nil
	t.free = append(t.free, idx)
}

func (t *tree) get(idx int32) *node {
	if idx == invalidIdx {
		return nil
	}
	return t.arena[idx]
}

func (t *tree) nodeByID(id uuid.UUID) (int32, bool) {
	idx, ok := t.byNodeID[id]
	return idx, ok
}

// contains reports whether an object is present in this tree.
func (t *tree) contains(id uuid.UUID) bool {
	_, ok := t.byObject[id]
	return ok
}

func (t *tree) numObjects() int { return len(t.byObject) }
func (t *tree) numNodes() int   { return len(t.arena) - len(t.free) }

// insert adds a new leaf for object id with bounding sphere sphere. It
// is a contract violation (caller must have already checked
// `contains`) to insert an already-known object.
func (t *tree) insert(id uuid.UUID, sphere geom.BoundingSphere, agg geom.AggregateBounds) {
	leaf := &node{id: uuid.New(), isLeaf: true, object: id, bounds: sphere, agg: agg}
	leafIdx := t.alloc(leaf)
	t.byObject[id] = leafIdx

	if t.root == invalidIdx {
		t.root = leafIdx
		// A query registered while the tree was still empty has an
		// empty cut with nothing in it to remap against; record a
		// nil-from remap so Query.applyRemaps can match it by cut
		// emptiness instead, the same way newQuery announces a root
		// that already existed at registration time.
		t.record(remap{from: uuid.Nil, to: []uuid.UUID{leaf.id}})
		return
	}

	parentIdx := t.findInsertionParent(t.root, sphere)
	parent := t.get(parentIdx)

	if parent.isLeaf {
		// Converting a single leaf into an internal node covering two
		// leaves. The internal node keeps a fresh id but the remap
		// records that any cut referencing the old leaf's coverage
		// should now reference the new internal node, preserving
		// coverage without forcing an explicit refine.
		oldLeafID := parent.id
		oldObject := parent.object
		oldBounds := parent.bounds
		oldAgg := parent.agg
		oldParent := parent.parent
		*parent = node{id: uuid.New(), isLeaf: false, parent: oldParent}
		delete(t.byNodeID, oldLeafID)
		t.byNodeID[parent.id] = parentIdx
		newParentIdx := parentIdx

		siblingLeaf := &node{id: uuid.New(), isLeaf: true, object: oldObject, bounds: oldBounds, agg: oldAgg}
		siblingIdx := t.alloc(siblingLeaf)
		t.byObject[oldObject] = siblingIdx

		t.attachChild(newParentIdx, siblingIdx)
		t.attachChild(newParentIdx, leafIdx)
		t.recomputeBounds(newParentIdx)
		t.record(remap{from: oldLeafID, to: []uuid.UUID{t.get(newParentIdx).id}})
		t.migrateAncestors(newParentIdx)
		return
	}

	t.attachChild(parentIdx, leafIdx)
	t.recomputeBounds(parentIdx)
	if len(parent.children) > maxFanout {
		t.split(parentIdx)
	}
	t.migrateAncestors(parentIdx)
}

// findInsertionParent descends by best-fit bounding volume, stopping
// at the first internal node whose children are all leaves, or
// returning a leaf directly when the whole tree is one leaf.
func (t *tree) findInsertionParent(idx int32, sphere geom.BoundingSphere) int32 {
	n := t.get(idx)
	if n.isLeaf {
		return idx
	}
	if t.allChildrenLeaves(n) {
		return idx
	}
	best := n.children[0]
	bestGrowth := t.enlargement(best, sphere)
	for _, child := range n.children[1:] {
		growth := t.enlargement(child, sphere)
		if growth < bestGrowth {
			best, bestGrowth = child, growth
		}
	}
	return t.findInsertionParent(best, sphere)
}

func (t *tree) allChildrenLeaves(n *node) bool {
	for _, c := range n.children {
		if !t.get(c).isLeaf {
			return false
		}
	}
	return true
}

func (t *tree) enlargement(idx int32, sphere geom.BoundingSphere) float64 {
	n := t.get(idx)
	merged := n.bounds.Merge(sphere)
	return merged.Radius - n.bounds.Radius
}

func (t *tree) attachChild(parentIdx, childIdx int32) {
	parent := t.get(parentIdx)
	child := t.get(childIdx)
	parent.children = append(parent.children, childIdx)
	child.parent = parentIdx
}

// split breaks an over-full internal node into two, using the child
// with the largest distance from the centroid as a seed for one half.
// The original node id is kept by one half so cuts that reference it
// keep referring to a valid, still-meaningful node; the other half is
// a new sibling recorded via remap so any cut containing the original
// node also picks up the new sibling.
func (t *tree) split(idx int32) {
	n := t.get(idx)
	children := append([]int32(nil), n.children...)

	centroid := n.bounds.Center
	farthest := children[0]
	farthestDist := -1.0
	for _, c := range children {
		d := t.get(c).bounds.Center.Distance(centroid)
		if d > farthestDist {
			farthest, farthestDist = c, d
		}
	}

	var groupA, groupB []int32
	for _, c := range children {
		if t.get(c).bounds.Center.Distance(t.get(farthest).bounds.Center) <
			t.get(c).bounds.Center.Distance(centroid) {
			groupA = append(groupA, c)
		} else {
			groupB = append(groupB, c)
		}
	}
	if len(groupA) == 0 || len(groupB) == 0 {
		mid := len(children) / 2
		groupA, groupB = children[:mid], children[mid:]
	}

	oldID := n.id
	oldParent := n.parent

	n.children = groupA
	for _, c := range groupA {
		t.get(c).parent = idx
	}
	t.recomputeBounds(idx)

	sibling := &node{id: uuid.New(), isLeaf: false, children: groupB}
	siblingIdx := t.alloc(sibling)
	for _, c := range groupB {
		t.get(c).parent = siblingIdx
	}
	t.recomputeBounds(siblingIdx)

	if oldParent == invalidIdx {
		newRoot := &node{id: uuid.New(), isLeaf: false}
		newRootIdx := t.alloc(newRoot)
		t.attachChild(newRootIdx, idx)
		t.attachChild(newRootIdx, siblingIdx)
		t.recomputeBounds(newRootIdx)
		t.root = newRootIdx
	} else {
		t.attachChild(oldParent, siblingIdx)
		parent := t.get(oldParent)
		t.recomputeBounds(oldParent)
		if len(parent.children) > maxFanout {
			t.split(oldParent)
		}
	}

	t.record(remap{from: oldID, to: []uuid.UUID{t.get(idx).id, sibling.id}})
}

// remove deletes the leaf for object id and collapses now-empty
// ancestors. A no-op if id is not present, matching spec.md §4.2's
// failure semantics for "removing an unknown object".
func (t *tree) remove(id uuid.UUID) {
	leafIdx, ok := t.byObject[id]
	if !ok {
		return
	}
	delete(t.byObject, id)
	leaf := t.get(leafIdx)
	leafID := leaf.id
	parentIdx := leaf.parent
	t.release(leafIdx)
	// The leaf's own coverage is gone regardless of whether its parent
	// survives; record that first, before any ancestor collapse remap,
	// so a query with the leaf itself on its cut learns of the removal
	// even when the parent keeps enough other children to stay put.
	t.record(remap{from: leafID, removed: NodeEvent{Removal: true, Object: id, Permanent: true}})

	if parentIdx == invalidIdx {
		// The removed leaf was the root.
		t.root = invalidIdx
		return
	}
	t.detachAndCollapse(parentIdx, leafIdx)
}

func (t *tree) detachAndCollapse(parentIdx, removedChild int32) {
	parent := t.get(parentIdx)
	parent.children = removeInt32(parent.children, removedChild)

	if len(parent.children) > 0 {
		t.recomputeBounds(parentIdx)
		t.migrateAncestors(parentIdx)
		return
	}

	// Parent is now empty; collapse it, recording a remap pointing any
	// cut member at the old parent up to the grandparent (or nowhere,
	// if the parent was the root).
	oldParentID := parent.id
	grandparent := parent.parent
	t.release(parentIdx)

	if grandparent == invalidIdx {
		if t.root == parentIdx {
			t.root = invalidIdx
		}
		t.record(remap{from: oldParentID, removed: NodeEvent{Removal: true, Object: oldParentID, Permanent: true}})
		return
	}

	gp := t.get(grandparent)
	t.record(remap{from: oldParentID, to: []uuid.UUID{gp.id}})
	t.detachAndCollapse(grandparent, parentIdx)
}

// updateBounds recomputes bounds for a leaf whose object moved or
// resized, then propagates bottom-up, short-circuiting when a sphere
// does not change.
func (t *tree) updateBounds(id uuid.UUID, sphere geom.BoundingSphere, agg geom.AggregateBounds) {
	leafIdx, ok := t.byObject[id]
	if !ok {
		return
	}
	leaf := t.get(leafIdx)
	if leaf.bounds == sphere {
		return
	}
	leaf.bounds = sphere
	leaf.agg = agg
	if leaf.parent != invalidIdx {
		t.recomputeBounds(leaf.parent)
		t.migrateAncestors(leaf.parent)
	}
}

func (t *tree) recomputeBounds(idx int32) {
	n := t.get(idx)
	if n.isLeaf || len(n.children) == 0 {
		return
	}
	merged := t.get(n.children[0]).bounds
	maxObj := t.get(n.children[0]).agg.MaxObjectRadius
	for _, c := range n.children[1:] {
		child := t.get(c)
		merged = merged.Merge(child.bounds)
		if child.agg.MaxObjectRadius > maxObj {
			maxObj = child.agg.MaxObjectRadius
		}
	}
	n.bounds = merged
	n.agg = geom.AggregateBounds{
		CenterOffset:       geom.Vector3{},
		CenterBoundsRadius: merged.Radius,
		MaxObjectRadius:    maxObj,
	}
}

func (t *tree) migrateAncestors(idx int32) {
	for idx != invalidIdx {
		before := t.get(idx).bounds
		t.recomputeBounds(idx)
		after := t.get(idx).bounds
		if before == after {
			return
		}
		idx = t.get(idx).parent
	}
}

func (t *tree) record(r remap) {
	t.remaps = append(t.remaps, r)
}

// drainRemaps returns and clears accumulated structural-change remaps,
// consumed by every query's cut on its next tick.
func (t *tree) drainRemaps() []remap {
	if len(t.remaps) == 0 {
		return nil
	}
	out := t.remaps
	t.remaps = nil
	return out
}

func removeInt32(s []int32, v int32) []int32 {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
