// Package dispatch implements Command Dispatch: it parses the inbound
// command frame (`init`, `refine`, `coarsen`, `destroy`) and routes it
// to the correct Query Handler instances. Grounded on the teacher's
// `internal/net/intake` JSON command-staging pattern and on
// original_source's `handleObjectHostProxMessage` action switch.
package dispatch

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/proto"
	"orbitcut/server/internal/spatial"
	"orbitcut/server/internal/telemetry"
)

// clientQueries holds the (at most) two per-class queries a client's
// init command allocates.
type clientQueries struct {
	static  *spatial.Query
	dynamic *spatial.Query
}

// DestroyHandler is invoked after a client's queries have been torn
// down, so the caller can also clear the client's sequence-number
// bundle and any installed location subscriptions (spec.md §4.6,
// §5's cancellation semantics).
type DestroyHandler func(client string)

// Dispatcher routes decoded command frames to a Registry.
type Dispatcher struct {
	registry *spatial.Registry
	logger   telemetry.Logger
	onDestroy DestroyHandler

	mu      sync.Mutex
	clients map[string]*clientQueries
}

// New constructs a Dispatcher over registry.
func New(registry *spatial.Registry, logger telemetry.Logger, onDestroy DestroyHandler) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		logger:    logger,
		onDestroy: onDestroy,
		clients:   make(map[string]*clientQueries),
	}
}

// Handle decodes and routes one raw JSON command frame. Malformed
// JSON and missing required fields are logged and dropped; the worker
// never crashes on bad input, per spec.md §4.6 and §7.
func (d *Dispatcher) Handle(client string, raw []byte) {
	var cmd proto.CommandFrame
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.logProtocolError(client, "malformed JSON: %v", err)
		return
	}
	switch cmd.Action {
	case "init":
		d.handleInit(client)
	case "refine":
		d.handleRefineOrCoarsen(client, cmd.Nodes, true)
	case "coarsen":
		d.handleRefineOrCoarsen(client, cmd.Nodes, false)
	case "destroy":
		d.handleDestroy(client)
	case "":
		d.logProtocolError(client, "missing action field")
	default:
		// Unknown actions are dropped silently at debug level.
	}
}

func (d *Dispatcher) handleInit(client string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.clients[client]; exists {
		return
	}
	cq := &clientQueries{}
	cq.static = d.registry.Static.RegisterQuery()
	if d.registry.Dynamic != d.registry.Static {
		cq.dynamic = d.registry.Dynamic.RegisterQuery()
	}
	d.clients[client] = cq
}

func (d *Dispatcher) handleRefineOrCoarsen(client string, nodes []uuid.UUID, refine bool) {
	d.mu.Lock()
	cq, ok := d.clients[client]
	d.mu.Unlock()
	if !ok {
		d.logReferentialError(client, "refine/coarsen before init")
		return
	}
	for _, id := range nodes {
		for _, q := range []*spatial.Query{cq.static, cq.dynamic} {
			if q == nil {
				continue
			}
			var applied bool
			if refine {
				applied = q.Refine(id)
			} else {
				applied = q.Coarsen(id)
			}
			if !applied {
				d.logReferentialError(client, "unknown or off-cut node %s", id)
			}
		}
	}
}

func (d *Dispatcher) handleDestroy(client string) {
	d.mu.Lock()
	cq, ok := d.clients[client]
	delete(d.clients, client)
	d.mu.Unlock()
	if !ok {
		return
	}
	if cq.static != nil {
		d.registry.Static.DestroyQuery(cq.static.ID)
	}
	if cq.dynamic != nil {
		d.registry.Dynamic.DestroyQuery(cq.dynamic.ID)
	}
	if d.onDestroy != nil {
		d.onDestroy(client)
	}
}

// AllQueries returns every client's queries, for the worker tick loop
// to drain in one pass.
func (d *Dispatcher) AllQueries() map[string][]QueryRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]QueryRef, len(d.clients))
	for client, cq := range d.clients {
		var refs []QueryRef
		if cq.static != nil {
			refs = append(refs, QueryRef{Query: cq.static, Class: classifier.Static})
		}
		if cq.dynamic != nil {
			refs = append(refs, QueryRef{Query: cq.dynamic, Class: classifier.Dynamic})
		}
		out[client] = refs
	}
	return out
}

// QueryRef pairs a query with the handler class it belongs to.
type QueryRef struct {
	Query *spatial.Query
	Class classifier.Class
}

func (d *Dispatcher) logProtocolError(client, format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf("dispatch protocol_error client=%s: "+format, append([]any{client}, args...)...)
}

func (d *Dispatcher) logReferentialError(client, format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf("dispatch referential_error client=%s: "+format, append([]any{client}, args...)...)
}
