// Package events implements the Query Event Pipeline: it drains raw
// node events produced by a spatial.Query, coalesces add/remove pairs,
// assigns per-client sequence numbers, batches the result into
// fixed-size updates, and schedules the location-subscription side
// effects those updates imply.
//
// Grounded on the teacher's `patches.go` drain-and-diff idiom for the
// coalescing pass, and on original_source's `queryHasEvents` for the
// lone-addition/index_properties rule and the exact seqno-per-record
// contract (see SPEC_FULL.md §12).
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/geom"
	"orbitcut/server/internal/loccache"
	"orbitcut/server/internal/proto"
	"orbitcut/server/internal/spatial"
)

// SubscriptionEffect is a location-cache subscription change the
// pipeline returns to its caller rather than applying itself. The
// worker loop applies them to the cache on its own goroutine right
// after each query's drain (worker.Loop.applySubscriptions); they are
// not handed to the main loop.
type SubscriptionEffect struct {
	Client   uuid.UUID
	Observed uuid.UUID
	IndexID  string
	Install  bool // true to add, false to remove
}

// sequenceBundle is a monotonically increasing per-client counter,
// allocated on first contact and reused across subscribe/unsubscribe.
type sequenceBundle struct {
	next atomic.Uint64
}

func (b *sequenceBundle) allocate() uint64 {
	return b.next.Add(1) - 1
}

// Pipeline is the Query Event Pipeline. It is safe for concurrent use
// by multiple goroutines only insofar as its callers serialize per
// client; in this repository DrainQuery is driven only by the worker
// loop, while Forget is also called from internal/app's session
// failure handler, so mu guards the maps below.
type Pipeline struct {
	mu       sync.Mutex
	bundles  map[uuid.UUID]*sequenceBundle
	seenTree map[uuid.UUID]map[uuid.UUID]int // client -> query id -> tree-local numeric id
	nextTree map[uuid.UUID]int               // client -> next tree-local numeric id to assign

	maxPerResult int
}

// New constructs a Pipeline with the given max_per_result batching
// limit.
func New(maxPerResult int) *Pipeline {
	if maxPerResult <= 0 {
		maxPerResult = 32
	}
	return &Pipeline{
		bundles:      make(map[uuid.UUID]*sequenceBundle),
		seenTree:     make(map[uuid.UUID]map[uuid.UUID]int),
		nextTree:     make(map[uuid.UUID]int),
		maxPerResult: maxPerResult,
	}
}

// bundleFor returns the client's sequence bundle, allocating one on
// first contact.
func (p *Pipeline) bundleFor(client uuid.UUID) *sequenceBundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bundles[client]
	if !ok {
		b = &sequenceBundle{}
		p.bundles[client] = b
	}
	return b
}

// Forget erases a client's sequence-number bundle and seen-tree state,
// called on destroy/disconnect (spec.md §5, scenario S5).
func (p *Pipeline) Forget(client uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bundles, client)
	delete(p.seenTree, client)
	delete(p.nextTree, client)
}

// coalesce removes any (add x)...(remove x) or (remove x)...(add x)
// pair, keeping no trace of the intermediate, and returns the
// remaining events in original relative order.
func coalesce(evts []spatial.NodeEvent) []spatial.NodeEvent {
	type occurrence struct {
		index int
		add   bool
	}
	last := make(map[uuid.UUID]occurrence, len(evts))
	drop := make(map[int]bool, len(evts))
	for i, e := range evts {
		if prev, ok := last[e.Object]; ok {
			isAdd := !e.Removal
			if prev.add != isAdd {
				drop[prev.index] = true
				drop[i] = true
				delete(last, e.Object)
				continue
			}
		}
		last[e.Object] = occurrence{index: i, add: !e.Removal}
	}
	out := make([]spatial.NodeEvent, 0, len(evts))
	for i, e := range evts {
		if !drop[i] {
			out = append(out, e)
		}
	}
	return out
}

// DrainQuery coalesces one query's pending events, assigns sequence
// numbers, and produces the proto.Update entries (and their location-
// subscription side effects) for a single client. class and indexID
// label which handler instance (static/dynamic) the events came from.
// cache resolves object snapshots to populate wire fields. The
// enclosing result frame's `t` is set by the caller (see
// SimTimeMicros).
func (p *Pipeline) DrainQuery(
	client, queryID uuid.UUID,
	raw []spatial.NodeEvent,
	class classifier.Class,
	indexID string,
	cache func(uuid.UUID) (loccache.Snapshot, bool),
) ([]proto.Update, []SubscriptionEffect) {
	coalesced := coalesce(raw)
	if len(coalesced) == 0 {
		return nil, nil
	}

	bundle := p.bundleFor(client)

	if update, effects, ok := p.tryLoneRootAnnouncement(client, queryID, coalesced, class, indexID, cache, bundle); ok {
		return []proto.Update{update}, effects
	}

	var updates []proto.Update
	var effects []SubscriptionEffect
	for start := 0; start < len(coalesced); start += p.maxPerResult {
		end := start + p.maxPerResult
		if end > len(coalesced) {
			end = len(coalesced)
		}
		update, batchEffects := p.buildUpdate(client, indexID, coalesced[start:end], cache, bundle)
		updates = append(updates, update)
		effects = append(effects, batchEffects...)
	}
	return updates, effects
}

func (p *Pipeline) tryLoneRootAnnouncement(
	client, queryID uuid.UUID,
	coalesced []spatial.NodeEvent,
	class classifier.Class,
	indexID string,
	cache func(uuid.UUID) (loccache.Snapshot, bool),
	bundle *sequenceBundle,
) (proto.Update, []SubscriptionEffect, bool) {
	if len(coalesced) != 1 || coalesced[0].Removal || !coalesced[0].LoneRootCandidate || coalesced[0].HasParent {
		return proto.Update{}, nil, false
	}

	p.mu.Lock()
	seen, ok := p.seenTree[client]
	if !ok {
		seen = make(map[uuid.UUID]int)
		p.seenTree[client] = seen
	}
	if _, already := seen[queryID]; already {
		p.mu.Unlock()
		return proto.Update{}, nil, false
	}
	numericID := p.nextTree[client]
	seen[queryID] = numericID
	p.nextTree[client] = numericID + 1
	p.mu.Unlock()

	classification := proto.ClassificationStatic
	if class == classifier.Dynamic {
		classification = proto.ClassificationDynamic
	}

	addition, effects := p.buildAddition(client, indexID, coalesced[0], cache, bundle)
	update := proto.Update{
		IndexProperties: &proto.IndexProperties{ID: numericID, IndexID: indexID, DynamicClassification: classification},
		Addition:        []proto.Addition{addition},
	}
	return update, []SubscriptionEffect{effects}, true
}

func (p *Pipeline) buildUpdate(
	client uuid.UUID,
	indexID string,
	batch []spatial.NodeEvent,
	cache func(uuid.UUID) (loccache.Snapshot, bool),
	bundle *sequenceBundle,
) (proto.Update, []SubscriptionEffect) {
	var update proto.Update
	var effects []SubscriptionEffect
	for _, e := range batch {
		if e.Removal {
			removal, eff := p.buildRemoval(client, indexID, e, bundle)
			update.Removal = append(update.Removal, removal)
			effects = append(effects, eff)
			continue
		}
		addition, eff := p.buildAddition(client, indexID, e, cache, bundle)
		update.Addition = append(update.Addition, addition)
		effects = append(effects, eff)
	}
	return update, effects
}

func (p *Pipeline) buildAddition(
	client uuid.UUID,
	indexID string,
	e spatial.NodeEvent,
	cache func(uuid.UUID) (loccache.Snapshot, bool),
	bundle *sequenceBundle,
) (proto.Addition, SubscriptionEffect) {
	snap, _ := cache(e.Object)
	kind := proto.ObjectKindNormal
	if e.Kind == spatial.Aggregate {
		kind = proto.ObjectKindAggregate
	}
	addition := proto.Addition{
		Object:          e.Object,
		Seqno:           bundle.allocate(),
		Location:        toWireLocation(snap.Motion),
		Orientation:     toWireOrientation(snap.Orientation),
		AggregateBounds: toWireBounds(snap.Bounds),
		Mesh:            snap.MeshRef,
		Physics:         snap.Physics,
		Type:            kind,
	}
	if e.HasParent {
		parent := e.Parent
		addition.Parent = &parent
	}
	effect := SubscriptionEffect{Client: client, Observed: e.Object, IndexID: indexID, Install: true}
	return addition, effect
}

func (p *Pipeline) buildRemoval(client uuid.UUID, indexID string, e spatial.NodeEvent, bundle *sequenceBundle) (proto.Removal, SubscriptionEffect) {
	kind := proto.RemovalTransient
	if e.Permanent {
		kind = proto.RemovalPermanent
	}
	removal := proto.Removal{Object: e.Object, Seqno: bundle.allocate(), Type: kind}
	effect := SubscriptionEffect{Client: client, Observed: e.Object, IndexID: indexID, Install: false}
	return removal, effect
}

func toWireLocation(m geom.MotionVector) proto.Location {
	return proto.Location{
		T:        m.T,
		Position: [3]float64{m.Position.X, m.Position.Y, m.Position.Z},
		Velocity: [3]float64{m.Velocity.X, m.Velocity.Y, m.Velocity.Z},
	}
}

func toWireOrientation(o geom.OrientationVector) proto.Orientation {
	return proto.Orientation{
		T:               o.T,
		Quaternion:      [4]float64{o.Rotation.X, o.Rotation.Y, o.Rotation.Z, o.Rotation.W},
		AngularVelocity: [3]float64{o.AngularVelocity.X, o.AngularVelocity.Y, o.AngularVelocity.Z},
	}
}

func toWireBounds(b geom.AggregateBounds) proto.AggregateBounds {
	return proto.AggregateBounds{
		CenterOffset:       [3]float64{b.CenterOffset.X, b.CenterOffset.Y, b.CenterOffset.Z},
		CenterBoundsRadius: b.CenterBoundsRadius,
		MaxObjectSize:      b.MaxObjectRadius,
	}
}

// SimTimeMicros converts a time.Time to the microsecond simulation
// clock spec.md §6 uses for the outbound result frame's `t` field.
func SimTimeMicros(t time.Time) int64 {
	return t.UnixMicro()
}
