package loccache

import (
	"testing"

	"github.com/google/uuid"

	"orbitcut/server/internal/geom"
)

func TestTrackThenLocationRoundTrips(t *testing.T) {
	c := New(nil)
	id := uuid.New()
	c.Track(id, Snapshot{Motion: geom.MotionVector{Position: geom.Vector3{X: 1}}})

	snap, ok := c.Location(id)
	if !ok {
		t.Fatalf("expected %s to be tracked", id)
	}
	if snap.ID != id {
		t.Fatalf("Track did not stamp ID: got %s want %s", snap.ID, id)
	}
	if snap.Motion.Position.X != 1 {
		t.Fatalf("got position.X=%v want 1", snap.Motion.Position.X)
	}
}

func TestLocationOnUntrackedReportsFalse(t *testing.T) {
	c := New(nil)
	if _, ok := c.Location(uuid.New()); ok {
		t.Fatal("expected Location on an untracked id to report false")
	}
}

func TestUpdateMotionOnUntrackedIsNoop(t *testing.T) {
	c := New(nil)
	if c.UpdateMotion(uuid.New(), geom.MotionVector{}) {
		t.Fatal("expected UpdateMotion on an untracked id to return false")
	}
}

func TestUpdateMotionPreservesOtherFields(t *testing.T) {
	c := New(nil)
	id := uuid.New()
	c.Track(id, Snapshot{MeshRef: "mesh-1", Bounds: geom.AggregateBounds{MaxObjectRadius: 2}})

	if !c.UpdateMotion(id, geom.MotionVector{Position: geom.Vector3{X: 5}}) {
		t.Fatal("expected UpdateMotion on a tracked id to return true")
	}

	snap, _ := c.Location(id)
	if snap.Motion.Position.X != 5 {
		t.Fatalf("got position.X=%v want 5", snap.Motion.Position.X)
	}
	if snap.MeshRef != "mesh-1" {
		t.Fatalf("UpdateMotion clobbered MeshRef: got %q", snap.MeshRef)
	}
	if snap.Bounds.MaxObjectRadius != 2 {
		t.Fatalf("UpdateMotion clobbered Bounds: got %v", snap.Bounds.MaxObjectRadius)
	}
}

func TestUntrackInvalidatesRelatedSubscriptions(t *testing.T) {
	c := New(nil)
	observer, observed, other := uuid.New(), uuid.New(), uuid.New()

	key1 := SubscriptionKey{Observer: observer, Observed: observed, IndexID: "static"}
	key2 := SubscriptionKey{Observer: other, Observed: observed, IndexID: "static"}
	key3 := SubscriptionKey{Observer: observer, Observed: other, IndexID: "static"}
	c.Subscribe(key1)
	c.Subscribe(key2)
	c.Subscribe(key3)

	c.Track(observed, Snapshot{})
	c.Untrack(observed)

	if c.Subscribed(key1) {
		t.Error("expected subscription naming the untracked id as observed to be dropped")
	}
	if c.Subscribed(key2) {
		t.Error("expected subscription naming the untracked id as observed to be dropped")
	}
	if !c.Subscribed(key3) {
		t.Error("expected unrelated subscription to survive")
	}
	if c.Tracking(observed) {
		t.Error("expected Untrack to remove the row")
	}
}

func TestUnsubscribeObserverDropsOnlyThatObserver(t *testing.T) {
	c := New(nil)
	a, b, target := uuid.New(), uuid.New(), uuid.New()

	keyA := SubscriptionKey{Observer: a, Observed: target, IndexID: "static"}
	keyB := SubscriptionKey{Observer: b, Observed: target, IndexID: "static"}
	c.Subscribe(keyA)
	c.Subscribe(keyB)

	c.UnsubscribeObserver(a)

	if c.Subscribed(keyA) {
		t.Error("expected a's subscription to be dropped")
	}
	if !c.Subscribed(keyB) {
		t.Error("expected b's subscription to survive")
	}
}

func TestOnChangeFiresForTrackUpdateAndUntrack(t *testing.T) {
	var calls []*Snapshot
	c := New(func(id uuid.UUID, snap *Snapshot) {
		calls = append(calls, snap)
	})
	id := uuid.New()

	c.Track(id, Snapshot{})
	c.UpdateMotion(id, geom.MotionVector{})
	c.Untrack(id)

	if len(calls) != 3 {
		t.Fatalf("got %d onChange calls, want 3", len(calls))
	}
	if calls[0] == nil || calls[1] == nil {
		t.Fatal("expected non-nil snapshots for track and update")
	}
	if calls[2] != nil {
		t.Fatal("expected a nil snapshot for untrack")
	}
}
