package alerts

import (
	"context"
	"log/slog"
	"sync"
)

// Gatherer probes one subsystem and reports its raw alerts. Gatherers must
// not block; probe failures should come back as alerts, not errors.
type Gatherer func(ctx context.Context) []RawAlert

// Engine aggregates registered gatherers into one normalized snapshot and
// applies it to the lifecycle store.
type Engine struct {
	mu        sync.Mutex
	gatherers map[string]Gatherer
	lifecycle *LifecycleStore
}

func NewEngine(lifecycle *LifecycleStore) *Engine {
	return &Engine{
		gatherers: make(map[string]Gatherer),
		lifecycle: lifecycle,
	}
}

// RegisterGatherer installs a named subsystem probe.
func (e *Engine) RegisterGatherer(name string, g Gatherer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gatherers[name] = g
}

// Snapshot runs all gatherers, normalizes the result and applies it to the
// lifecycle store. A panicking gatherer is skipped and logged.
func (e *Engine) Snapshot(ctx context.Context) ([]Alert, LifecycleResult) {
	e.mu.Lock()
	gatherers := make(map[string]Gatherer, len(e.gatherers))
	for name, g := range e.gatherers {
		gatherers[name] = g
	}
	e.mu.Unlock()

	var raw []RawAlert
	for name, g := range gatherers {
		raw = append(raw, e.gather(ctx, name, g)...)
	}

	normalized := Normalize(raw)
	result := e.lifecycle.Apply(ctx, normalized)
	return normalized, result
}

// Lifecycle exposes the persisted lifecycle state without re-probing.
func (e *Engine) Lifecycle(ctx context.Context) LifecycleResult {
	return e.lifecycle.Current(ctx)
}

func (e *Engine) gather(ctx context.Context, name string, g Gatherer) (out []RawAlert) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("alerts.gatherer_panic", "gatherer", name, "panic", rec)
			out = nil
		}
	}()
	return g(ctx)
}
