// Package classifier implements the static/dynamic object classifier:
// it watches location updates and schedules moves of objects between
// the static and dynamic query handlers with a dwell-time delay, so a
// momentarily-stopped fast object does not thrash back and forth
// across the split every tick.
//
// Grounded on original_source's `StaticObjectTimeout` container (a
// boost::multi_index_container keyed by both object id, for
// cancellation, and expiration time, for efficient expiry scanning) —
// reproduced here with a map for the by-id index and a
// container/heap for the by-expiration index, since Go's standard
// library has no multi-index container.
package classifier

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Class identifies which query handler instance an object belongs to.
type Class int

const (
	Static Class = iota
	Dynamic
)

func (c Class) String() string {
	if c == Static {
		return "static"
	}
	return "dynamic"
}

// Locator answers "which class is object o currently placed in", so
// the classifier can decide swap direction without owning object
// placement itself — the query handler registry owns that. ClassifyNew
// answers the same question for an object CurrentClass has never seen:
// which class would admit it, given its locality and speed, or ok=false
// if neither handler admits it. It only inspects configuration and
// never touches a tree, so it is safe to call from any goroutine —
// unlike AddObject, which the worker loop alone may call.
type Locator interface {
	CurrentClass(id uuid.UUID) (Class, bool)
	ClassifyNew(isLocal bool, speed float64) (Class, bool)
}

// SwapIntent is a requested move from one handler class to another.
// From == To represents a genesis admission (the object isn't in
// either handler yet, so the removal phase is a harmless no-op and
// only the addition phase does real work) rather than an actual
// cross-class swap. The classifier only records intent; the caller
// (the worker loop) is responsible for draining removals across every
// class before ticking and draining additions after, per spec.md
// §4.3's ordering rule.
type SwapIntent struct {
	Object uuid.UUID
	From   Class
	To     Class
}

type timeoutEntry struct {
	object     uuid.UUID
	isLocal    bool
	expiration time.Time
	index      int // heap slot, maintained by container/heap
}

// timeoutQueue is a min-heap on expiration time.
type timeoutQueue []*timeoutEntry

func (q timeoutQueue) Len() int            { return len(q) }
func (q timeoutQueue) Less(i, j int) bool  { return q[i].expiration.Before(q[j].expiration) }
func (q timeoutQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index, q[j].index = i, j }
func (q *timeoutQueue) Push(x any) {
	e := x.(*timeoutEntry)
	e.index = len(*q)
	*q = append(*q, e)
}
func (q *timeoutQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Config carries the two tunables spec.md §6 names for classification:
// the velocity threshold that separates "static" from "dynamic", and
// the dwell time an object must stay below it before it is actually
// swapped to the static index.
type Config struct {
	StaticVelocityThreshold float64
	MoveToStaticDelay       time.Duration
}

// Classifier tracks pending move-to-static timeouts and produces swap
// intents when velocities cross the threshold or timeouts expire.
type Classifier struct {
	cfg     Config
	locator Locator

	mu      sync.Mutex
	byID    map[uuid.UUID]*timeoutEntry
	pending timeoutQueue

	swapsMu sync.Mutex
	swaps   []SwapIntent
}

// New constructs a Classifier. locator must not be nil.
func New(cfg Config, locator Locator) *Classifier {
	return &Classifier{
		cfg:     cfg,
		locator: locator,
		byID:    make(map[uuid.UUID]*timeoutEntry),
	}
}

// OnLocationUpdated implements spec.md §4.2/§4.3's contract. An object
// CurrentClass has never placed is a genesis admission: it is queued
// for immediate entry into whichever handler ClassifyNew names (or
// dropped silently if neither admits it, e.g. a replica arriving at a
// local-only handler), with no dwell delay — the dwell time exists to
// stop an already-placed object thrashing across the split, not to
// delay an object's first appearance in a query's cut. Once placed: if
// the object's velocity magnitude is below the threshold, schedule a
// move-to-static timeout at now+dwell; if above, cancel any pending
// move-to-static timeout and, if the object currently lives in the
// static index, request an immediate swap to dynamic.
//
// The admission itself is only ever a recorded SwapIntent, never a
// direct call into the registry: OnLocationUpdated runs on whatever
// goroutine reported the location change, and only the worker loop's
// own goroutine may mutate a handler's tree (see DrainSwaps).
func (c *Classifier) OnLocationUpdated(isLocal bool, id uuid.UUID, speed float64, now time.Time) {
	class, ok := c.locator.CurrentClass(id)
	if !ok {
		target, admitted := c.locator.ClassifyNew(isLocal, speed)
		if !admitted {
			return
		}
		c.recordSwap(id, target, target)
		return
	}

	if speed < c.cfg.StaticVelocityThreshold {
		c.scheduleStaticTimeout(id, isLocal, now.Add(c.cfg.MoveToStaticDelay))
		return
	}
	c.cancelTimeout(id)
	if class == Static {
		c.recordSwap(id, Static, Dynamic)
	}
}

// Forget cancels any pending timeout for id, called when an object is
// untracked. The original always cancels a removed object's pending
// static-timeout before any other bookkeeping — see original_source's
// `localObjectRemoved`/`replicaObjectRemoved` — even though spec.md's
// distilled Classifier section does not spell this out explicitly.
func (c *Classifier) Forget(id uuid.UUID) {
	c.cancelTimeout(id)
}

func (c *Classifier) scheduleStaticTimeout(id uuid.UUID, isLocal bool, expiration time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byID[id]; ok {
		existing.expiration = expiration
		existing.isLocal = isLocal
		heap.Fix(&c.pending, existing.index)
		return
	}
	entry := &timeoutEntry{object: id, isLocal: isLocal, expiration: expiration}
	c.byID[id] = entry
	heap.Push(&c.pending, entry)
}

func (c *Classifier) cancelTimeout(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byID[id]
	if !ok {
		return
	}
	heap.Remove(&c.pending, entry.index)
	delete(c.byID, id)
}

// ProcessExpiredTimeouts pops every record with expiration <= now from
// the expiration-ordered index. For each, if the object is still
// tracked (per stillTracked) and still below the threshold, it
// requests a swap to the static index.
func (c *Classifier) ProcessExpiredTimeouts(now time.Time, stillTracked func(uuid.UUID) bool, currentSpeed func(uuid.UUID) (float64, bool)) {
	var expired []*timeoutEntry
	c.mu.Lock()
	for c.pending.Len() > 0 && !c.pending[0].expiration.After(now) {
		entry := heap.Pop(&c.pending).(*timeoutEntry)
		delete(c.byID, entry.object)
		expired = append(expired, entry)
	}
	c.mu.Unlock()

	for _, entry := range expired {
		if !stillTracked(entry.object) {
			continue
		}
		speed, ok := currentSpeed(entry.object)
		if !ok || speed >= c.cfg.StaticVelocityThreshold {
			continue
		}
		if class, ok := c.locator.CurrentClass(entry.object); ok && class == Dynamic {
			c.recordSwap(entry.object, Dynamic, Static)
		}
	}
}

func (c *Classifier) recordSwap(id uuid.UUID, from, to Class) {
	c.swapsMu.Lock()
	c.swaps = append(c.swaps, SwapIntent{Object: id, From: from, To: to})
	c.swapsMu.Unlock()
}

// DrainSwaps returns and clears the accumulated swap intents. Called
// once per worker tick, before any handler ticks, per spec.md §4.3.
func (c *Classifier) DrainSwaps() []SwapIntent {
	c.swapsMu.Lock()
	defer c.swapsMu.Unlock()
	if len(c.swaps) == 0 {
		return nil
	}
	drained := c.swaps
	c.swaps = nil
	return drained
}

// PendingCount reports how many objects have an outstanding
// move-to-static timeout, for introspection.
func (c *Classifier) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
