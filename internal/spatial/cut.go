package spatial

import "github.com/google/uuid"

// ObjectKind distinguishes a normal leaf object from a synthesized
// aggregate, mirroring spec.md §4.4's addition payload.
type ObjectKind int

const (
	Normal ObjectKind = iota
	Aggregate
)

// NodeEvent is a single addition or removal produced by a query,
// before sequence numbers, coalescing, or batching are applied — all
// of which are the Query Event Pipeline's job (internal/events), not
// this package's.
type NodeEvent struct {
	Removal   bool
	Object    uuid.UUID
	HasParent bool
	Parent    uuid.UUID
	Kind      ObjectKind
	Permanent bool // meaningful only when Removal is true
	// LoneRootCandidate flags an addition that is the sole member of a
	// query's cut immediately after the operation that produced it —
	// the necessary (but not sufficient; see internal/events) condition
	// for spec.md §4.4's initial-root-announcement rule.
	LoneRootCandidate bool
}

// Query is per-client state over one Handler's tree: a cut, a pending
// event queue, and a lifecycle tied to init/refine/coarsen/destroy
// commands.
type Query struct {
	ID   uuid.UUID
	tree *tree

	cut     map[uuid.UUID]struct{}
	pending []NodeEvent
	tick    uint64
}

func newQuery(t *tree) *Query {
	q := &Query{ID: uuid.New(), tree: t, cut: make(map[uuid.UUID]struct{})}
	if t.root != invalidIdx {
		root := t.get(t.root)
		q.cut[root.id] = struct{}{}
		q.pending = append(q.pending, q.additionFor(root, false, uuid.Nil, true))
	}
	return q
}

func (q *Query) additionFor(n *node, hasParent bool, parent uuid.UUID, lone bool) NodeEvent {
	kind := Normal
	object := n.object
	if !n.isLeaf {
		kind = Aggregate
		object = n.id
	}
	return NodeEvent{Object: object, HasParent: hasParent, Parent: parent, Kind: kind, LoneRootCandidate: lone}
}

func (q *Query) removalFor(n *node, permanent bool) NodeEvent {
	object := n.object
	if !n.isLeaf {
		object = n.id
	}
	return NodeEvent{Removal: true, Object: object, Permanent: permanent}
}

// NumNodes reports the current cut size.
func (q *Query) NumNodes() int { return len(q.cut) }

// Contains reports whether nodeID is currently a cut member.
func (q *Query) Contains(nodeID uuid.UUID) bool {
	_, ok := q.cut[nodeID]
	return ok
}

// Refine implements spec.md §4.2's refine algorithm: nodeID is removed
// from the cut and each of its in-index children is inserted. Unknown
// or off-cut node ids are silently ignored (referential error, logged
// by the caller). A leaf named by nodeID makes refine a no-op.
func (q *Query) Refine(nodeID uuid.UUID) bool {
	if _, onCut := q.cut[nodeID]; !onCut {
		return false
	}
	idx, ok := q.tree.nodeByID(nodeID)
	if !ok {
		delete(q.cut, nodeID)
		return false
	}
	n := q.tree.get(idx)
	if n.isLeaf || len(n.children) == 0 {
		return true
	}

	wasLoneCut := len(q.cut) == 1
	delete(q.cut, nodeID)

	additions := make([]NodeEvent, 0, len(n.children))
	for _, childIdx := range n.children {
		child := q.tree.get(childIdx)
		q.cut[child.id] = struct{}{}
		additions = append(additions, q.additionFor(child, true, nodeID, false))
	}
	if wasLoneCut && len(additions) == 1 {
		additions[0].LoneRootCandidate = true
	}
	q.pending = append(q.pending, additions...)
	return true
}

// Coarsen implements spec.md §4.2's coarsen algorithm: it walks up
// from a cut member reachable under nodeID until nodeID's ancestry is
// on the cut, promoting one level at a time whenever a node's parent
// is fully represented in the cut (all of the parent's in-index
// children are cut members).
func (q *Query) Coarsen(nodeID uuid.UUID) bool {
	targetIdx, ok := q.tree.nodeByID(nodeID)
	if !ok {
		return false
	}

	start := q.findCutDescendantOf(targetIdx)
	if start == invalidIdx {
		if _, onCut := q.cut[nodeID]; onCut {
			return true // already coarse at this node
		}
		return false
	}

	current := start
	progressed := false
	for {
		n := q.tree.get(current)
		if n.parent == invalidIdx {
			break
		}
		parent := q.tree.get(n.parent)
		if !q.parentFullyRepresented(parent) {
			break
		}

		removals := make([]NodeEvent, 0, len(parent.children))
		for _, childIdx := range parent.children {
			child := q.tree.get(childIdx)
			delete(q.cut, child.id)
			removals = append(removals, q.removalFor(child, false))
		}
		q.pending = append(q.pending, removals...)

		hasParent := parent.parent != invalidIdx
		var grandparentID uuid.UUID
		if hasParent {
			grandparentID = q.tree.get(parent.parent).id
		}
		q.cut[parent.id] = struct{}{}
		q.pending = append(q.pending, q.additionFor(parent, hasParent, grandparentID, false))

		progressed = true
		current = n.parent
		if parent.id == nodeID {
			break
		}
	}
	return progressed
}

// findCutDescendantOf returns the arena index of a cut member reachable
// by walking up parents from any leaf below idx, or invalidIdx if none
// found (idx itself may already be the cut member).
func (q *Query) findCutDescendantOf(idx int32) int32 {
	n := q.tree.get(idx)
	if _, onCut := q.cut[n.id]; onCut {
		return idx
	}
	for _, c := range n.children {
		if found := q.findCutDescendantOf(c); found != invalidIdx {
			return found
		}
	}
	return invalidIdx
}

func (q *Query) parentFullyRepresented(parent *node) bool {
	if len(parent.children) == 0 {
		return false
	}
	for _, c := range parent.children {
		if _, onCut := q.cut[q.tree.get(c).id]; !onCut {
			return false
		}
	}
	return true
}

// applyRemaps migrates the cut across structural tree changes recorded
// since the last tick. A collapse to nothing means the underlying
// content is gone and must be reported as a removal. A split or a
// leaf-to-internal conversion replaces one cut member with a
// replacement set that is usually larger than one: the original
// coverage stays represented (no removal is needed for it), but every
// id in the replacement set the query does not already know about is
// new coverage and must be announced as an addition, or the region it
// covers would silently vanish from the client's view even though the
// query's own cut believes it is still tracked.
//
// r.from == uuid.Nil is the marker tree.insert records when the very
// first object lands in a previously empty tree: any query registered
// while the tree was empty has nothing in its cut to match r.from
// against, so it is matched by cut emptiness instead and treated as a
// lone-root announcement, mirroring newQuery's handling of a query
// registered after the root already exists.
func (q *Query) applyRemaps(remaps []remap) []NodeEvent {
	var out []NodeEvent
	for _, r := range remaps {
		if r.from == uuid.Nil {
			if len(q.cut) != 0 {
				continue
			}
			for _, id := range r.to {
				q.cut[id] = struct{}{}
				if evt, ok := q.additionForID(id); ok {
					evt.LoneRootCandidate = len(r.to) == 1
					out = append(out, evt)
				}
			}
			continue
		}

		if _, onCut := q.cut[r.from]; !onCut {
			continue
		}
		delete(q.cut, r.from)
		if len(r.to) == 0 {
			out = append(out, r.removed)
			continue
		}
		for _, id := range r.to {
			_, alreadyKnown := q.cut[id]
			q.cut[id] = struct{}{}
			if id == r.from || alreadyKnown {
				continue
			}
			if evt, ok := q.additionForID(id); ok {
				out = append(out, evt)
			}
		}
	}
	if len(out) > 0 {
		q.pending = append(q.pending, out...)
	}
	return out
}

// additionForID looks up id in the tree and builds the addition event
// a client needs to learn it exists, deriving HasParent/Parent from
// the node's actual current position rather than the caller's
// assumptions about tree shape.
func (q *Query) additionForID(id uuid.UUID) (NodeEvent, bool) {
	idx, ok := q.tree.nodeByID(id)
	if !ok {
		return NodeEvent{}, false
	}
	n := q.tree.get(idx)
	hasParent := n.parent != invalidIdx
	var parentID uuid.UUID
	if hasParent {
		parentID = q.tree.get(n.parent).id
	}
	return q.additionFor(n, hasParent, parentID, false), true
}

// PopEvents drains and clears the query's pending event queue.
func (q *Query) PopEvents() []NodeEvent {
	if len(q.pending) == 0 {
		return nil
	}
	drained := q.pending
	q.pending = nil
	q.tick++
	return drained
}
