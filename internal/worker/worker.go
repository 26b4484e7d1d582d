// Package worker implements the "prox" worker loop: the single
// cooperating event loop spec.md §5 assigns the Query Handlers, the
// Classifier, cut maintenance, event generation, coalescing, and
// serialization to. It never touches the transport; of the location
// cache it reads snapshots and applies the subscription changes the
// event pipeline returns (applySubscriptions). It communicates with
// the main loop through the two queues in internal/queue.
//
// Grounded on the teacher's `internal/sim/loop.go` fixed-timestep
// pattern (a time.Ticker; each tick uses the ticker's timestamp),
// generalized from a simulation step to a proximity tick.
package worker

import (
	"time"

	"github.com/google/uuid"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/control"
	"orbitcut/server/internal/dispatch"
	"orbitcut/server/internal/events"
	"orbitcut/server/internal/geom"
	"orbitcut/server/internal/loccache"
	"orbitcut/server/internal/proto"
	"orbitcut/server/internal/queue"
	"orbitcut/server/internal/spatial"
	"orbitcut/server/internal/telemetry"
)

// Command is one decoded inbound frame posted from the main loop.
type Command struct {
	Client string
	Frame  []byte
}

// Result is one outbound result frame posted to the main loop for
// delivery over a client's session.
type Result struct {
	Client string
	Frame  proto.ResultFrame
}

// Loop is the worker ("prox") loop.
type Loop struct {
	Registry   *spatial.Registry
	Classifier *classifier.Classifier
	Dispatcher *dispatch.Dispatcher
	Pipeline   *events.Pipeline
	Cache      *loccache.Cache
	Control    *control.Controller
	Logger     telemetry.Logger

	Commands *queue.Queue[Command]
	Results  *queue.Queue[Result]

	TickInterval  time.Duration
	MetricsPeriod int // refresh Prometheus gauges every N ticks
}

// Run drives the tick loop until stop is closed. Suspension points
// only occur at loop boundaries (the ticker firing); within one tick,
// draining commands, ticking handlers, and draining events all run to
// completion without yielding, per spec.md §5.
func (l *Loop) Run(stop <-chan struct{}) {
	interval := l.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tickCount := 0
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			l.tick(now)
			tickCount++
			if l.Control != nil && l.MetricsPeriod > 0 && tickCount%l.MetricsPeriod == 0 {
				l.Control.Refresh()
			}
		}
	}
}

func (l *Loop) tick(now time.Time) {
	for _, cmd := range l.Commands.DrainAll() {
		l.Dispatcher.Handle(cmd.Client, cmd.Frame)
	}

	l.Classifier.ProcessExpiredTimeouts(now, l.Cache.Tracking, l.currentSpeed)
	swaps := l.Classifier.DrainSwaps()
	l.Registry.ApplySwaps(swaps, l.infoFor)

	simTime := events.SimTimeMicros(now)
	for client, refs := range l.Dispatcher.AllQueries() {
		var frame proto.ResultFrame
		frame.T = simTime
		for _, ref := range refs {
			raw := ref.Query.PopEvents()
			if len(raw) == 0 {
				continue
			}
			indexID := "static"
			if ref.Class == classifier.Dynamic {
				indexID = "dynamic"
			}
			updates, subs := l.Pipeline.DrainQuery(clientUUID(client), ref.Query.ID, raw, ref.Class, indexID, l.Cache.Location)
			frame.Update = append(frame.Update, updates...)
			l.applySubscriptions(subs)
		}
		if len(frame.Update) > 0 {
			l.Results.Push(Result{Client: client, Frame: frame})
		}
	}
}

func (l *Loop) applySubscriptions(effects []events.SubscriptionEffect) {
	for _, e := range effects {
		key := loccache.SubscriptionKey{Observer: e.Client, Observed: e.Observed, IndexID: e.IndexID}
		if e.Install {
			l.Cache.Subscribe(key)
		} else {
			l.Cache.Unsubscribe(key)
		}
	}
}

func (l *Loop) currentSpeed(id uuid.UUID) (float64, bool) {
	snap, ok := l.Cache.Location(id)
	if !ok {
		return 0, false
	}
	return snap.Motion.Velocity.Length(), true
}

func (l *Loop) infoFor(id uuid.UUID) (spatial.ObjectInfo, bool) {
	snap, ok := l.Cache.Location(id)
	if !ok {
		return spatial.ObjectInfo{}, false
	}
	return spatial.ObjectInfo{
		IsLocal: snap.IsLocal,
		Speed:   snap.Motion.Velocity.Length(),
		Sphere:  geom.BoundingSphere{Center: snap.Motion.Position, Radius: snap.Bounds.MaxObjectRadius},
		Bounds:  snap.Bounds,
	}, true
}

// clientUUID parses a session client identifier into a uuid.UUID for
// use as a sequence-bundle and subscription key. Session ids in this
// repository are always minted as uuid strings (internal/net assigns
// one per connection), so parse failure indicates a caller bug rather
// than untrusted input.
func clientUUID(client string) uuid.UUID {
	id, err := uuid.Parse(client)
	if err != nil {
		return uuid.Nil
	}
	return id
}
