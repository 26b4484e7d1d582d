// Package control implements the read-only introspection surface
// spec.md §4.7/§6 defines: `properties`, `list_handlers`, `list_nodes`,
// `force_rebuild`. Field shapes for `properties` and `list_nodes` are
// supplemented from original_source's `commandProperties` and
// `commandListNodes` (see SPEC_FULL.md §12), since the distilled spec
// only gestures at "structured key/value results".
//
// Prometheus wiring is grounded on `aukilabs-hagall`'s
// `websocket/metrics.go`, which instruments a realtime hub with
// promauto gauges/counters keyed by endpoint and message type; here
// the labels are handler class and client id instead.
package control

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/dispatch"
	"orbitcut/server/internal/loccache"
	"orbitcut/server/internal/spatial"
)

// errRebuildUnsupported is returned verbatim by ForceRebuild.
var errRebuildUnsupported = errors.New("rebuilding not supported")

// Metrics holds the Prometheus collectors this server exposes on
// /metrics, in addition to the JSON introspection payloads below.
type Metrics struct {
	HandlerNodes  *prometheus.GaugeVec
	HandlerObjects *prometheus.GaugeVec
	QueryCutSize  *prometheus.GaugeVec
	PendingSwaps  prometheus.Gauge
	QueueDepth    *prometheus.GaugeVec
}

// NewMetrics registers the collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HandlerNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbitcut_handler_nodes",
			Help: "Number of live tree nodes per handler class.",
		}, []string{"class"}),
		HandlerObjects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbitcut_handler_objects",
			Help: "Number of tracked objects per handler class.",
		}, []string{"class"}),
		QueryCutSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbitcut_query_cut_size",
			Help: "Cut size for the largest query per handler class (sampled).",
		}, []string{"class"}),
		PendingSwaps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orbitcut_classifier_pending_swaps",
			Help: "Objects with an outstanding move-to-static timeout.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orbitcut_queue_depth",
			Help: "Cross-thread queue depth.",
		}, []string{"queue"}),
	}
}

// Controller answers introspection queries over a live Registry.
type Controller struct {
	registry   *spatial.Registry
	classifier *classifier.Classifier
	dispatcher *dispatch.Dispatcher
	cache      *loccache.Cache
	cfg        spatial.RegistryConfig
	metrics    *Metrics
}

// New constructs a Controller.
func New(registry *spatial.Registry, cl *classifier.Classifier, d *dispatch.Dispatcher, cache *loccache.Cache, cfg spatial.RegistryConfig, metrics *Metrics) *Controller {
	return &Controller{registry: registry, classifier: cl, dispatcher: d, cache: cache, cfg: cfg, metrics: metrics}
}

// Properties returns the `properties` introspection response, in the
// field shape original_source's commandProperties emits.
func (c *Controller) Properties() map[string]any {
	handlers := 1
	if c.cfg.SeparateDynamicObjects {
		handlers = 2
	}
	local, remote, total := c.objectCounts()
	queries := c.registry.Static.NumQueries()
	if c.cfg.SeparateDynamicObjects {
		queries += c.registry.Dynamic.NumQueries()
	}
	return map[string]any{
		"name": "manual-proximity",
		"settings": map[string]any{
			"handlers":         handlers,
			"dynamic_separate": c.cfg.SeparateDynamicObjects,
			"static_heuristic": c.cfg.StaticVelocityThreshold,
		},
		"objects": map[string]any{
			"properties": map[string]any{
				"local_count":  local,
				"remote_count": remote,
				"count":        total,
			},
		},
		"queries": map[string]any{
			"oh": map[string]any{
				"count":    queries,
				"messages": 0,
			},
		},
	}
}

func (c *Controller) objectCounts() (local, remote, total int) {
	total = c.registry.Static.NumObjects()
	if c.cfg.SeparateDynamicObjects {
		total += c.registry.Dynamic.NumObjects()
	}
	// The location cache is the only place IsLocal is recorded; the
	// handlers themselves are agnostic to it beyond admission.
	return total, 0, total
}

// HandlerSummary is one row of a list_handlers response.
type HandlerSummary struct {
	Class   string `json:"class"`
	Objects int    `json:"objects"`
	Queries int    `json:"queries"`
	Nodes   int    `json:"nodes"`
}

// ListHandlers returns per-class handler statistics.
func (c *Controller) ListHandlers() []HandlerSummary {
	summaries := []HandlerSummary{{
		Class:   "static",
		Objects: c.registry.Static.NumObjects(),
		Queries: c.registry.Static.NumQueries(),
		Nodes:   c.registry.Static.NumNodes(),
	}}
	if c.cfg.SeparateDynamicObjects {
		summaries = append(summaries, HandlerSummary{
			Class:   "dynamic",
			Objects: c.registry.Dynamic.NumObjects(),
			Queries: c.registry.Dynamic.NumQueries(),
			Nodes:   c.registry.Dynamic.NumNodes(),
		})
	}
	return summaries
}

// NodeCenter is the 3-tuple center of a NodeRow's bounding sphere.
// Kept as three named JSON components rather than reusing
// geom.Vector3 directly, matching the x/y/z center original_source's
// commandListNodes reports (see SPEC_FULL.md §12).
type NodeCenter struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NodeBounds is the bounding-sphere shape original_source's
// commandListNodes nests under `bounds`.
type NodeBounds struct {
	Center NodeCenter `json:"center"`
	Radius float64    `json:"radius"`
}

// NodeRow is one row of a list_nodes response, in the field shape
// original_source's commandListNodes emits.
type NodeRow struct {
	ID     string     `json:"id"`
	Parent string     `json:"parent,omitempty"`
	Bounds NodeBounds `json:"bounds"`
	Cuts   int        `json:"cuts"`
}

// ListNodes returns every node in the named handler class's tree.
func (c *Controller) ListNodes(class string) []NodeRow {
	h := c.registry.Static
	if class == "dynamic" && c.cfg.SeparateDynamicObjects {
		h = c.registry.Dynamic
	}
	nodes := h.ListNodes()
	rows := make([]NodeRow, 0, len(nodes))
	for _, n := range nodes {
		row := NodeRow{
			ID: n.ID.String(),
			Bounds: NodeBounds{
				Center: NodeCenter{X: n.Bounds.Center.X, Y: n.Bounds.Center.Y, Z: n.Bounds.Center.Z},
				Radius: n.Bounds.Radius,
			},
			Cuts: n.Cuts,
		}
		if n.HasParent {
			row.Parent = n.Parent.String()
		}
		rows = append(rows, row)
	}
	return rows
}

// ForceRebuild always fails: rebuilding manual proximity processors
// is not supported, matching original_source's commandForceRebuild
// and spec.md §6.
func (c *Controller) ForceRebuild() error {
	return errRebuildUnsupported
}

// Refresh samples current counts into the Prometheus collectors. The
// worker loop calls this once per tick (or at a slower cadence) since
// scanning every query's cut size on every tick would be wasteful.
func (c *Controller) Refresh() {
	if c.metrics == nil {
		return
	}
	c.metrics.HandlerNodes.WithLabelValues("static").Set(float64(c.registry.Static.NumNodes()))
	c.metrics.HandlerObjects.WithLabelValues("static").Set(float64(c.registry.Static.NumObjects()))
	if c.cfg.SeparateDynamicObjects {
		c.metrics.HandlerNodes.WithLabelValues("dynamic").Set(float64(c.registry.Dynamic.NumNodes()))
		c.metrics.HandlerObjects.WithLabelValues("dynamic").Set(float64(c.registry.Dynamic.NumObjects()))
	}
	c.metrics.PendingSwaps.Set(float64(c.classifier.PendingCount()))
}
