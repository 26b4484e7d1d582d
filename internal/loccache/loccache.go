// Package loccache implements the location cache: the authoritative,
// lock-protected snapshot of every tracked object's position,
// orientation, bounds, mesh, and physics blob. It is the one piece of
// state genuinely shared between the main loop (which writes new
// snapshots as location updates arrive) and the worker loop (which
// reads immutable snapshots to drive the spatial index). The pattern
// is the teacher's copy-on-read snapshot map (mine-and-die's
// `hub.go` `snapshotLocked` under a single mutex, generalized here to
// per-id atomic replacement so a writer never blocks a reader for
// longer than a map lookup).
package loccache

import (
	"sync"

	"github.com/google/uuid"

	"orbitcut/server/internal/geom"
)

// Snapshot is the authoritative record of everything the rest of the
// system knows about one object at a point in time.
type Snapshot struct {
	ID          uuid.UUID
	Motion      geom.MotionVector
	Orientation geom.OrientationVector
	Bounds      geom.AggregateBounds
	MeshRef     string
	Physics     []byte
	IsAggregate bool
	IsLocal     bool
}

// SubscriptionKey identifies one (observer, observed, index) tuple.
// Installation is idempotent keyed by this triple, matching spec.md's
// Location Cache contract.
type SubscriptionKey struct {
	Observer uuid.UUID
	Observed uuid.UUID
	IndexID  string
}

// Cache is the location cache. Zero value is not usable; construct
// with New.
type Cache struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*Snapshot
	subs map[SubscriptionKey]struct{}

	// onChange, when set, is invoked with the updated snapshot after
	// every track/update call and with a nil snapshot after untrack.
	// The classifier subscribes here to receive velocity updates
	// without the cache needing to know about classification at all.
	onChange func(uuid.UUID, *Snapshot)
}

// New constructs an empty Cache. onChange may be nil.
func New(onChange func(uuid.UUID, *Snapshot)) *Cache {
	return &Cache{
		rows:     make(map[uuid.UUID]*Snapshot),
		subs:     make(map[SubscriptionKey]struct{}),
		onChange: onChange,
	}
}

// Track inserts or replaces the snapshot for id.
func (c *Cache) Track(id uuid.UUID, snap Snapshot) {
	snap.ID = id
	c.mu.Lock()
	c.rows[id] = &snap
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(id, &snap)
	}
}

// UpdateMotion replaces the motion vector for a tracked object. It is
// a no-op if the object is not tracked, matching the "no retries;
// failures are non-existence, reported to caller" contract — callers
// that care check Tracking first.
func (c *Cache) UpdateMotion(id uuid.UUID, motion geom.MotionVector) bool {
	c.mu.Lock()
	row, ok := c.rows[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	updated := *row
	updated.Motion = motion
	c.rows[id] = &updated
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(id, &updated)
	}
	return true
}

// UpdateOrientation replaces the orientation vector for a tracked
// object.
func (c *Cache) UpdateOrientation(id uuid.UUID, orientation geom.OrientationVector) bool {
	c.mu.Lock()
	row, ok := c.rows[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	updated := *row
	updated.Orientation = orientation
	c.rows[id] = &updated
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(id, &updated)
	}
	return true
}

// UpdateBounds replaces the aggregate bounding info for a tracked
// object.
func (c *Cache) UpdateBounds(id uuid.UUID, bounds geom.AggregateBounds) bool {
	c.mu.Lock()
	row, ok := c.rows[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	updated := *row
	updated.Bounds = bounds
	c.rows[id] = &updated
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(id, &updated)
	}
	return true
}

// Untrack removes id and silently invalidates every subscription that
// named it as observer or observed, matching spec.md's Location Cache
// guarantee.
func (c *Cache) Untrack(id uuid.UUID) {
	c.mu.Lock()
	delete(c.rows, id)
	for key := range c.subs {
		if key.Observer == id || key.Observed == id {
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(id, nil)
	}
}

// Location returns the most recently committed snapshot for id, if
// tracked.
func (c *Cache) Location(id uuid.UUID) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	row, ok := c.rows[id]
	if !ok {
		return Snapshot{}, false
	}
	return *row, true
}

// Tracking reports whether id currently has a snapshot.
func (c *Cache) Tracking(id uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rows[id]
	return ok
}

// Subscribe installs a location-update gate keyed by (observer,
// observed, indexID). Installation is idempotent.
func (c *Cache) Subscribe(key SubscriptionKey) {
	c.mu.Lock()
	c.subs[key] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes a previously installed subscription. Removing an
// absent subscription is a no-op.
func (c *Cache) Unsubscribe(key SubscriptionKey) {
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

// Subscribed reports whether an (observer, observed, index) gate is
// currently open.
func (c *Cache) Subscribed(key SubscriptionKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[key]
	return ok
}

// UnsubscribeObserver drops every subscription belonging to observer,
// used when a client disconnects (spec.md §5 cancellation semantics).
func (c *Cache) UnsubscribeObserver(observer uuid.UUID) {
	c.mu.Lock()
	for key := range c.subs {
		if key.Observer == observer {
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()
}
