package spatial

import (
	"fmt"

	"github.com/google/uuid"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/geom"
)

// ObjectInfo is everything a Handler needs about an object to decide
// admission and to compute its bounds, sourced from the location
// cache by the caller (the worker loop) rather than read directly —
// the Query Handler holds no reference to the cache itself, per
// spec.md's ownership rules ("handlers hold non-owning references
// keyed by UUID").
type ObjectInfo struct {
	IsLocal bool
	Speed   float64
	Sphere  geom.BoundingSphere
	Bounds  geom.AggregateBounds
}

// Handler is one Query Handler instance: a tree plus the queries
// registered against it. Two instances exist per Registry when
// `separate_dynamic_objects` is enabled.
type Handler struct {
	class     classifier.Class
	localOnly bool
	global    bool
	threshold float64

	tree    *tree
	queries map[uuid.UUID]*Query
}

func newHandler(class classifier.Class, localOnly, global bool, threshold float64) *Handler {
	return &Handler{
		class:     class,
		localOnly: localOnly,
		global:    global,
		threshold: threshold,
		tree:      newTree(),
		queries:   make(map[uuid.UUID]*Query),
	}
}

// Admits implements spec.md §4.2's object-admission predicate: a
// local-only handler refuses replicas; a static-only handler refuses
// objects at or above the velocity threshold; a dynamic-only handler
// refuses objects below it. A global handler (handlers_per_tree == 1,
// no static/dynamic split) accepts any velocity.
func (h *Handler) Admits(info ObjectInfo) bool {
	if h.localOnly && !info.IsLocal {
		return false
	}
	if h.global {
		return true
	}
	if h.class == classifier.Static && info.Speed >= h.threshold {
		return false
	}
	if h.class == classifier.Dynamic && info.Speed < h.threshold {
		return false
	}
	return true
}

// ContainsObject reports whether id is currently in this handler's
// tree.
func (h *Handler) ContainsObject(id uuid.UUID) bool { return h.tree.contains(id) }

// AddObject inserts id into the tree. Inserting an already-known
// object is a contract violation per spec.md §4.2 and panics; callers
// must check ContainsObject first when duplication is a live
// possibility (e.g. a classifier swap racing a direct add).
func (h *Handler) AddObject(id uuid.UUID, info ObjectInfo) {
	if h.tree.contains(id) {
		panic(fmt.Sprintf("spatial: duplicate add_object for %s", id))
	}
	h.tree.insert(id, info.Sphere, info.Bounds)
}

// RemoveObject removes id from the tree. Removing an unknown object is
// a no-op.
func (h *Handler) RemoveObject(id uuid.UUID) {
	h.tree.remove(id)
}

// UpdateObject recomputes bounds for a moved or resized object already
// present in the tree. A no-op if the object is absent.
func (h *Handler) UpdateObject(id uuid.UUID, info ObjectInfo) {
	h.tree.updateBounds(id, info.Sphere, info.Bounds)
}

// NumObjects, NumQueries, NumNodes support introspection (spec.md §4.7).
func (h *Handler) NumObjects() int { return h.tree.numObjects() }
func (h *Handler) NumQueries() int { return len(h.queries) }
func (h *Handler) NumNodes() int   { return h.tree.numNodes() }

// RegisterQuery creates a new Query over this handler's tree. The
// returned Query's pending queue already contains the lone-addition
// event for the current tree root, if any, matching scenario S1.
func (h *Handler) RegisterQuery() *Query {
	q := newQuery(h.tree)
	h.queries[q.ID] = q
	return q
}

// Query looks up a previously registered query by id.
func (h *Handler) Query(id uuid.UUID) (*Query, bool) {
	q, ok := h.queries[id]
	return q, ok
}

// DestroyQuery removes a query from this handler, per spec.md §4.6's
// "destroy" command and §5's cancellation semantics.
func (h *Handler) DestroyQuery(id uuid.UUID) {
	delete(h.queries, id)
}

// Tick applies pending structural remaps to every registered query,
// draining each query's resulting events into its own pending queue.
// Per spec.md §4.2, all removals a tick triggers for a given object
// precede any additions for that object within the same tick; a
// single remap only ever removes one id and adds others (see
// Query.applyRemaps), so that ordering holds per remap and therefore
// across the whole batch.
func (h *Handler) Tick() {
	remaps := h.tree.drainRemaps()
	if len(remaps) == 0 {
		return
	}
	for _, q := range h.queries {
		q.applyRemaps(remaps)
	}
}

// ListNodes returns a snapshot of every live node, in the field shape
// original_source's `commandListNodes` emits: id, parent, bounding
// sphere, and how many cuts currently touch the node.
func (h *Handler) ListNodes() []NodeInfo {
	cutCounts := make(map[uuid.UUID]int)
	for _, q := range h.queries {
		for id := range q.cut {
			cutCounts[id]++
		}
	}
	var out []NodeInfo
	for _, n := range h.tree.arena {
		if n == nil {
			continue
		}
		info := NodeInfo{ID: n.id, Bounds: n.bounds, Cuts: cutCounts[n.id]}
		if n.parent != invalidIdx {
			info.Parent = h.tree.get(n.parent).id
			info.HasParent = true
		}
		out = append(out, info)
	}
	return out
}

// NodeInfo is one row of a list_nodes introspection response.
type NodeInfo struct {
	ID        uuid.UUID
	Parent    uuid.UUID
	HasParent bool
	Bounds    geom.BoundingSphere
	Cuts      int
}

// Registry owns the static and dynamic Handler instances and applies
// classifier swap intents with the three-phase ordering original_
// source's tickQueryHandler uses: drain all removals across handlers,
// then tick every handler, then drain all additions.
type Registry struct {
	Static  *Handler
	Dynamic *Handler
	// separate is false when handlers_per_tree == 1: a single global
	// handler stands in for both Static and Dynamic (both fields point
	// to the same *Handler).
	separate bool
}

// RegistryConfig mirrors the configuration keys spec.md §6 defines for
// this component.
type RegistryConfig struct {
	SeparateDynamicObjects   bool
	StaticVelocityThreshold  float64
	LocalOnly                bool
}

// NewRegistry constructs a Registry. When cfg.SeparateDynamicObjects is
// false, a single global handler serves both roles (handlers_per_tree
// == 1).
func NewRegistry(cfg RegistryConfig) *Registry {
	if !cfg.SeparateDynamicObjects {
		global := newHandler(classifier.Static, cfg.LocalOnly, true, cfg.StaticVelocityThreshold)
		return &Registry{Static: global, Dynamic: global, separate: false}
	}
	return &Registry{
		Static:   newHandler(classifier.Static, cfg.LocalOnly, false, cfg.StaticVelocityThreshold),
		Dynamic:  newHandler(classifier.Dynamic, cfg.LocalOnly, false, cfg.StaticVelocityThreshold),
		separate: true,
	}
}

func (r *Registry) handler(class classifier.Class) *Handler {
	if class == classifier.Static {
		return r.Static
	}
	return r.Dynamic
}

// CurrentClass implements classifier.Locator.
func (r *Registry) CurrentClass(id uuid.UUID) (classifier.Class, bool) {
	if r.Static.ContainsObject(id) {
		return classifier.Static, true
	}
	if r.separate && r.Dynamic.ContainsObject(id) {
		return classifier.Dynamic, true
	}
	return classifier.Static, false
}

// ClassifyNew implements classifier.Locator: it decides which handler
// would admit a never-before-seen object with the given locality and
// speed, via the same Handler.Admits predicate AddObject's callers are
// required to check, without mutating either handler. Safe to call
// from any goroutine, including outside the worker loop.
func (r *Registry) ClassifyNew(isLocal bool, speed float64) (classifier.Class, bool) {
	info := ObjectInfo{IsLocal: isLocal, Speed: speed}
	if r.Static.Admits(info) {
		return classifier.Static, true
	}
	if r.separate && r.Dynamic.Admits(info) {
		return classifier.Dynamic, true
	}
	return classifier.Static, false
}

// ApplySwaps drains swap and applies them in the required order:
// every removal first, then a tick on both handlers, then every
// addition. infoFor supplies the ObjectInfo needed to reinsert into
// the destination handler. With handlers_per_tree == 1 there is
// nothing to swap between (both fields alias the same Handler), so
// every removal is a no-op and every addition either genesis-admits a
// never-before-seen object (Static.From == Static.To, the shape
// ClassifyNew produces) or is skipped because ContainsObject is
// already true.
func (r *Registry) ApplySwaps(swaps []classifier.SwapIntent, infoFor func(uuid.UUID) (ObjectInfo, bool)) {
	for _, s := range swaps {
		r.handler(s.From).RemoveObject(s.Object)
	}
	r.Static.Tick()
	if r.separate {
		r.Dynamic.Tick()
	}
	for _, s := range swaps {
		info, ok := infoFor(s.Object)
		if !ok {
			continue
		}
		dest := r.handler(s.To)
		if !dest.ContainsObject(s.Object) {
			dest.AddObject(s.Object, info)
		}
	}
}

// Tick advances both handlers' queries independent of any swap
// activity, for the common case where a worker tick has no pending
// classifier swaps.
func (r *Registry) Tick() {
	r.Static.Tick()
	if r.separate {
		r.Dynamic.Tick()
	}
}
