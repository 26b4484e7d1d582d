package control

import (
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/dispatch"
	"orbitcut/server/internal/geom"
	"orbitcut/server/internal/loccache"
	"orbitcut/server/internal/spatial"
)

func newTestController(t *testing.T, separate bool) (*Controller, *spatial.Registry) {
	t.Helper()
	cfg := spatial.RegistryConfig{SeparateDynamicObjects: separate, StaticVelocityThreshold: 1}
	reg := spatial.NewRegistry(cfg)
	cache := loccache.New(nil)
	cl := classifier.New(classifier.Config{StaticVelocityThreshold: 1}, reg)
	d := dispatch.New(reg, nil, nil)
	return New(reg, cl, d, cache, cfg, nil), reg
}

func TestPropertiesReportsSeparateHandlerCount(t *testing.T) {
	c, _ := newTestController(t, true)
	props := c.Properties()

	settings, ok := props["settings"].(map[string]any)
	if !ok {
		t.Fatalf("expected settings to be a map, got %T", props["settings"])
	}
	if settings["handlers"] != 2 {
		t.Fatalf("got handlers=%v, want 2 when SeparateDynamicObjects is set", settings["handlers"])
	}
}

func TestPropertiesReportsSingleHandlerWhenNotSeparated(t *testing.T) {
	c, _ := newTestController(t, false)
	props := c.Properties()

	settings := props["settings"].(map[string]any)
	if settings["handlers"] != 1 {
		t.Fatalf("got handlers=%v, want 1 when objects are not split by class", settings["handlers"])
	}
}

func TestPropertiesObjectCountReflectsBothHandlers(t *testing.T) {
	c, reg := newTestController(t, true)
	reg.Static.AddObject(uuid.New(), spatial.ObjectInfo{Sphere: geom.BoundingSphere{Radius: 1}})
	reg.Dynamic.AddObject(uuid.New(), spatial.ObjectInfo{Sphere: geom.BoundingSphere{Radius: 1}})

	props := c.Properties()
	objects := props["objects"].(map[string]any)["properties"].(map[string]any)
	if objects["count"] != 2 {
		t.Fatalf("got count=%v, want 2", objects["count"])
	}
}

func TestListHandlersOmitsDynamicWhenNotSeparated(t *testing.T) {
	c, _ := newTestController(t, false)
	summaries := c.ListHandlers()

	if len(summaries) != 1 {
		t.Fatalf("got %d handler summaries, want 1", len(summaries))
	}
	if summaries[0].Class != "static" {
		t.Fatalf("got class %q, want static", summaries[0].Class)
	}
}

func TestListHandlersReportsObjectAndQueryCounts(t *testing.T) {
	c, reg := newTestController(t, true)
	reg.Static.AddObject(uuid.New(), spatial.ObjectInfo{Sphere: geom.BoundingSphere{Radius: 1}})
	reg.Static.RegisterQuery()

	summaries := c.ListHandlers()
	var static HandlerSummary
	for _, s := range summaries {
		if s.Class == "static" {
			static = s
		}
	}
	if static.Objects != 1 {
		t.Fatalf("got Objects=%d, want 1", static.Objects)
	}
	if static.Queries != 1 {
		t.Fatalf("got Queries=%d, want 1", static.Queries)
	}
}

func TestListNodesDefaultsToStaticClass(t *testing.T) {
	c, reg := newTestController(t, true)
	reg.Static.AddObject(uuid.New(), spatial.ObjectInfo{Sphere: geom.BoundingSphere{Radius: 1}})

	rows := c.ListNodes("")
	if len(rows) == 0 {
		t.Fatal("expected ListNodes(\"\") to default to the static handler and report its nodes")
	}
}

func TestListNodesFallsBackToStaticWhenNotSeparated(t *testing.T) {
	c, reg := newTestController(t, false)
	reg.Static.AddObject(uuid.New(), spatial.ObjectInfo{Sphere: geom.BoundingSphere{Radius: 1}})

	staticRows := c.ListNodes("static")
	dynamicRows := c.ListNodes("dynamic")
	if len(staticRows) != len(dynamicRows) {
		t.Fatalf("expected dynamic to alias static when handlers are not separated: got %d vs %d", len(dynamicRows), len(staticRows))
	}
}

func TestForceRebuildAlwaysFails(t *testing.T) {
	c, _ := newTestController(t, true)
	if err := c.ForceRebuild(); err == nil {
		t.Fatal("expected ForceRebuild to always return an error")
	}
}

func TestRefreshWithNilMetricsDoesNotPanic(t *testing.T) {
	c, _ := newTestController(t, true)
	c.Refresh()
}

func TestRefreshSamplesHandlerGauges(t *testing.T) {
	cfg := spatial.RegistryConfig{SeparateDynamicObjects: true, StaticVelocityThreshold: 1}
	reg := spatial.NewRegistry(cfg)
	reg.Static.AddObject(uuid.New(), spatial.ObjectInfo{Sphere: geom.BoundingSphere{Radius: 1}})
	cache := loccache.New(nil)
	cl := classifier.New(classifier.Config{StaticVelocityThreshold: 1}, reg)
	d := dispatch.New(reg, nil, nil)
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	c := New(reg, cl, d, cache, cfg, metrics)

	c.Refresh()

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	staticObjects := -1.0
	for _, mf := range families {
		if mf.GetName() != "orbitcut_handler_objects" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "class" && lp.GetValue() == "static" {
					staticObjects = m.GetGauge().GetValue()
				}
			}
		}
	}
	if staticObjects != 1 {
		t.Fatalf("got static orbitcut_handler_objects=%v, want 1", staticObjects)
	}
}
