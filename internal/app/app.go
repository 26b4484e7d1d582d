// Package app wires every component into a runnable server: the
// location cache, the classifier, the query handler registry, the
// event pipeline, command dispatch, the session layer, the websocket
// transport, introspection, and the worker tick loop. Grounded on the
// teacher's `internal/app.Run(ctx, cfg)` construction pattern, with
// the game-specific hub/simulation wiring replaced by this repository's
// own components.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"orbitcut/server/internal/classifier"
	"orbitcut/server/internal/control"
	"orbitcut/server/internal/dispatch"
	"orbitcut/server/internal/events"
	"orbitcut/server/internal/loccache"
	"orbitcut/server/internal/net"
	"orbitcut/server/internal/net/ws"
	"orbitcut/server/internal/observability"
	"orbitcut/server/internal/proto"
	"orbitcut/server/internal/queue"
	"orbitcut/server/internal/session"
	"orbitcut/server/internal/spatial"
	"orbitcut/server/internal/telemetry"
	"orbitcut/server/internal/worker"
	"orbitcut/server/logging"
	"orbitcut/server/logging/sinks"
)

// Config carries the top-level settings Run needs. Every field except
// Logger and Observability.EnableMetrics has an environment-variable
// override (see applyEnv), matching the teacher's
// KEYFRAME_INTERVAL_TICKS/ENABLE_PPROF_TRACE precedent of
// env-overridable defaults.
type Config struct {
	Logger        telemetry.Logger
	Observability observability.Config

	Addr string

	SeparateDynamicObjects  bool
	StaticVelocityThreshold float64
	MoveToStaticDelay       time.Duration
	MaxPerResult            int
	LocalOnly               bool
	TickInterval            time.Duration
}

// DefaultConfig returns the baseline configuration before environment
// overrides are applied. The defaults match spec.md §6's named
// configuration keys: separate_dynamic_objects, move_to_static_delay,
// max_per_result, handlers_per_tree (expressed here as the boolean
// SeparateDynamicObjects), static_velocity_threshold.
func DefaultConfig() Config {
	return Config{
		Addr:                    ":8080",
		SeparateDynamicObjects:  true,
		StaticVelocityThreshold: 0.1,
		MoveToStaticDelay:       2 * time.Second,
		MaxPerResult:            32,
		LocalOnly:               false,
		TickInterval:            50 * time.Millisecond,
	}
}

func applyEnv(cfg Config, logger telemetry.Logger) Config {
	if raw := os.Getenv("ADDR"); raw != "" {
		cfg.Addr = raw
	}
	if raw := os.Getenv("SEPARATE_DYNAMIC_OBJECTS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.SeparateDynamicObjects = v
		} else {
			logger.Printf("invalid SEPARATE_DYNAMIC_OBJECTS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("STATIC_VELOCITY_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.StaticVelocityThreshold = v
		} else {
			logger.Printf("invalid STATIC_VELOCITY_THRESHOLD=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("MOVE_TO_STATIC_DELAY_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MoveToStaticDelay = time.Duration(v) * time.Millisecond
		} else {
			logger.Printf("invalid MOVE_TO_STATIC_DELAY_MS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("MAX_PER_RESULT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxPerResult = v
		} else {
			logger.Printf("invalid MAX_PER_RESULT=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("LOCAL_ONLY"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.LocalOnly = v
		} else {
			logger.Printf("invalid LOCAL_ONLY=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("TICK_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TickInterval = time.Duration(v) * time.Millisecond
		} else {
			logger.Printf("invalid TICK_INTERVAL_MS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("ENABLE_PPROF_TRACE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Observability.EnablePprofTrace = v
		} else {
			logger.Printf("invalid ENABLE_PPROF_TRACE=%q: %v", raw, err)
		}
	}
	return cfg
}

// Run constructs every component, starts the worker loop, and serves
// HTTP until ctx is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	cfg = applyEnv(cfg, telemetryLogger)

	logConfig := logging.DefaultConfig()
	namedSinks := []logging.NamedSink{
		{Name: "console", Sink: sinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logConfig, namedSinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(ctx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	registryCfg := spatial.RegistryConfig{
		SeparateDynamicObjects:  cfg.SeparateDynamicObjects,
		StaticVelocityThreshold: cfg.StaticVelocityThreshold,
		LocalOnly:               cfg.LocalOnly,
	}
	registry := spatial.NewRegistry(registryCfg)

	// theClassifier is predeclared so the cache's onChange hook can
	// close over it before construction completes; classifier.New
	// needs the registry as its Locator, and the cache's onChange
	// needs the classifier, so neither can be built strictly before
	// the other.
	var theClassifier *classifier.Classifier
	cache := loccache.New(func(id uuid.UUID, snap *loccache.Snapshot) {
		if theClassifier == nil {
			return
		}
		if snap == nil {
			theClassifier.Forget(id)
			return
		}
		theClassifier.OnLocationUpdated(snap.IsLocal, id, snap.Motion.Velocity.Length(), time.Now())
	})
	theClassifier = classifier.New(classifier.Config{
		StaticVelocityThreshold: cfg.StaticVelocityThreshold,
		MoveToStaticDelay:       cfg.MoveToStaticDelay,
	}, registry)

	pipeline := events.New(cfg.MaxPerResult)

	metrics := control.NewMetrics(prometheus.DefaultRegisterer)

	wsHandler := ws.NewHandler(ws.Config{Logger: telemetryLogger})

	commands := &queue.Queue[worker.Command]{}
	results := &queue.Queue[worker.Result]{}

	sessionManager := session.NewManager(wsHandler, telemetryLogger,
		func(client string, frame []byte) {
			commands.Push(worker.Command{Client: client, Frame: frame})
		},
		func(client string, err error) {
			telemetryLogger.Printf("session %s detached: %v", client, err)
			cache.UnsubscribeObserver(parseClientID(client))
			pipeline.Forget(parseClientID(client))
		},
	)
	wsHandler.AttachManager(sessionManager)

	dispatcher := dispatch.New(registry, telemetryLogger, func(client string) {
		cache.UnsubscribeObserver(parseClientID(client))
		pipeline.Forget(parseClientID(client))
	})

	controller := control.New(registry, theClassifier, dispatcher, cache, registryCfg, metrics)

	loop := &worker.Loop{
		Registry:      registry,
		Classifier:    theClassifier,
		Dispatcher:    dispatcher,
		Pipeline:      pipeline,
		Cache:         cache,
		Control:       controller,
		Logger:        telemetryLogger,
		Commands:      commands,
		Results:       results,
		TickInterval:  cfg.TickInterval,
		MetricsPeriod: 20,
	}

	stop := make(chan struct{})
	go loop.Run(stop)
	defer close(stop)

	deliveryStop := make(chan struct{})
	go deliverResults(deliveryStop, results, sessionManager, telemetryLogger)
	defer close(deliveryStop)

	httpHandler := net.NewHandler(net.Config{
		Controller:    controller,
		WS:            wsHandler,
		Logger:        telemetryLogger,
		Observability: cfg.Observability,
	})

	srv := &nethttp.Server{Addr: cfg.Addr, Handler: httpHandler}
	telemetryLogger.Printf("server listening on %s", srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil && err != nethttp.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

// parseClientID recovers the uuid a session client id was minted from
// (internal/net/ws mints client ids with uuid.NewString). A parse
// failure yields uuid.Nil, which is harmless here: it only scopes a
// Forget/UnsubscribeObserver call that would otherwise be a no-op.
func parseClientID(client string) uuid.UUID {
	id, err := uuid.Parse(client)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// deliverResults drains the worker loop's result queue and hands each
// frame to the matching session client for delivery over its
// substream. This is the one piece of the main-loop side of the
// two-thread discipline spec.md §5 requires that does not belong
// inside internal/worker itself, since it is the part that touches
// the transport layer the worker loop never reaches into directly.
func deliverResults(stop <-chan struct{}, results *queue.Queue[worker.Result], manager *session.Manager, logger telemetry.Logger) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, r := range results.DrainAll() {
				client, ok := manager.Client(r.Client)
				if !ok {
					continue
				}
				payload, err := json.Marshal(r.Frame)
				if err != nil {
					logger.Printf("failed to marshal result for %s: %v", r.Client, err)
					continue
				}
				client.Send(proto.FrameBytes(payload))
			}
		}
	}
}
