package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"orbitcut/server/internal/spatial"
	"orbitcut/server/internal/telemetry"
)

func newTestRegistry(separate bool) *spatial.Registry {
	return spatial.NewRegistry(spatial.RegistryConfig{SeparateDynamicObjects: separate})
}

func encode(t *testing.T, action string, nodes []uuid.UUID) []byte {
	t.Helper()
	frame := struct {
		Action string      `json:"action"`
		Nodes  []uuid.UUID `json:"nodes,omitempty"`
	}{Action: action, Nodes: nodes}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("failed to encode command frame: %v", err)
	}
	return raw
}

func TestHandleInitRegistersOneQueryPerHandlerClass(t *testing.T) {
	reg := newTestRegistry(true)
	d := New(reg, nil, nil)

	d.Handle("client-1", encode(t, "init", nil))

	queries := d.AllQueries()
	refs, ok := queries["client-1"]
	if !ok {
		t.Fatal("expected client-1 to have registered queries")
	}
	if len(refs) != 2 {
		t.Fatalf("got %d query refs, want 2 (static and dynamic)", len(refs))
	}
}

func TestHandleInitTwiceIsIdempotent(t *testing.T) {
	reg := newTestRegistry(true)
	d := New(reg, nil, nil)

	d.Handle("client-1", encode(t, "init", nil))
	d.Handle("client-1", encode(t, "init", nil))

	if reg.Static.NumQueries() != 1 {
		t.Fatalf("got %d static queries after double init, want 1", reg.Static.NumQueries())
	}
}

func TestHandleInitOnGlobalHandlerRegistersOnlyOneQuery(t *testing.T) {
	reg := newTestRegistry(false)
	d := New(reg, nil, nil)

	d.Handle("client-1", encode(t, "init", nil))

	refs := d.AllQueries()["client-1"]
	if len(refs) != 1 {
		t.Fatalf("got %d query refs under a global handler, want 1", len(refs))
	}
}

func TestHandleRefineBeforeInitLogsReferentialErrorAndDoesNotPanic(t *testing.T) {
	reg := newTestRegistry(true)
	var logged []string
	d := New(reg, telemetry.LoggerFunc(func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}), nil)

	d.Handle("client-1", encode(t, "refine", []uuid.UUID{uuid.New()}))

	if len(d.AllQueries()) != 0 {
		t.Fatal("expected no queries to exist for a client that never sent init")
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "referential_error") {
		t.Fatalf("got logged=%v, want one referential_error line", logged)
	}
}

func TestHandleDestroyRemovesQueriesAndInvokesOnDestroy(t *testing.T) {
	reg := newTestRegistry(true)
	var destroyed string
	d := New(reg, nil, func(client string) { destroyed = client })

	d.Handle("client-1", encode(t, "init", nil))
	d.Handle("client-1", encode(t, "destroy", nil))

	if _, ok := d.AllQueries()["client-1"]; ok {
		t.Fatal("expected client-1's queries to be gone after destroy")
	}
	if destroyed != "client-1" {
		t.Fatalf("got onDestroy(%q), want client-1", destroyed)
	}
	if reg.Static.NumQueries() != 0 {
		t.Fatalf("got %d static queries after destroy, want 0", reg.Static.NumQueries())
	}
}

func TestHandleDestroyWithoutInitIsANoop(t *testing.T) {
	reg := newTestRegistry(true)
	called := false
	d := New(reg, nil, func(client string) { called = true })

	d.Handle("ghost", encode(t, "destroy", nil))

	if called {
		t.Fatal("expected onDestroy not to fire for a client with no queries")
	}
}

func TestHandleMalformedJSONDoesNotPanic(t *testing.T) {
	reg := newTestRegistry(true)
	d := New(reg, nil, nil)

	d.Handle("client-1", []byte("not json"))

	if len(d.AllQueries()) != 0 {
		t.Fatal("expected malformed input to be dropped, not partially applied")
	}
}

func TestHandleUnknownActionIsDroppedSilently(t *testing.T) {
	reg := newTestRegistry(true)
	d := New(reg, nil, nil)

	d.Handle("client-1", encode(t, "teleport", nil))

	if len(d.AllQueries()) != 0 {
		t.Fatal("expected an unknown action to be a no-op")
	}
}
