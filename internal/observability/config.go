// Package observability captures opt-in operational toggles that wire
// into the server's introspection and profiling surface.
package observability

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	// EnablePprofTrace mounts net/http/pprof handlers under /debug/pprof.
	EnablePprofTrace bool
	// EnableMetrics is not read by the HTTP surface: internal/net
	// mounts the Prometheus handler under /metrics whatever its value.
	EnableMetrics bool
}
