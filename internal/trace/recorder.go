// Package trace records per-run agent traces: an append-only step log kept
// in memory while the run is live and persisted once at completion. When
// telemetry is enabled each run is also exported as an OTLP span.
package trace

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const (
	scopeName       = "github.com/nextlevelbuilder/clawgate/internal/trace"
	retainedTraces  = 200
	previewMaxChars = 140
)

// Step is one appended trace event. Payload is clamped at record time.
type Step struct {
	AtMs    int64  `json:"atMs"`
	Kind    string `json:"kind"` // "message", "delta", "tool", "error"
	Payload string `json:"payload,omitempty"`
}

// AgentTrace is the persisted record of one completed run.
type AgentTrace struct {
	TraceID        string   `json:"traceId"` // equals the runId
	SessionKey     string   `json:"sessionKey"`
	Status         string   `json:"status"` // "ok", "error", "aborted"
	StartedAtMs    int64    `json:"startedAtMs"`
	EndedAtMs      int64    `json:"endedAtMs"`
	ErrorText      string   `json:"errorText,omitempty"`
	Steps          []Step   `json:"steps"`
	ToolsUsed      []string `json:"toolsUsed,omitempty"`
	MessagePreview string   `json:"messagePreview,omitempty"`
}

// TraceSummary is the traces.list row.
type TraceSummary struct {
	TraceID        string `json:"traceId"`
	SessionKey     string `json:"sessionKey"`
	Status         string `json:"status"`
	StartedAtMs    int64  `json:"startedAtMs"`
	EndedAtMs      int64  `json:"endedAtMs"`
	Steps          int    `json:"steps"`
	MessagePreview string `json:"messagePreview,omitempty"`
}

type traceState struct {
	Traces []AgentTrace `json:"traces"`
}

// RunTrace is the live, in-memory trace of a running job.
type RunTrace struct {
	mu    sync.Mutex
	rec   *Recorder
	trace AgentTrace
	span  oteltrace.Span
	tools map[string]bool
}

// Recorder owns live run traces and the persisted tail.
type Recorder struct {
	mu           sync.Mutex
	slots        store.SlotStore
	live         map[string]*RunTrace
	maxStepChars int
	now          func() time.Time
}

func NewRecorder(slots store.SlotStore, maxStepChars int) *Recorder {
	if maxStepChars <= 0 {
		maxStepChars = 2000
	}
	return &Recorder{
		slots:        slots,
		live:         make(map[string]*RunTrace),
		maxStepChars: maxStepChars,
		now:          time.Now,
	}
}

// SetClock overrides the time source for tests.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }

// Begin opens a trace for a run. A second Begin for the same runId returns
// the existing trace so retried submissions do not fork the log.
func (r *Recorder) Begin(ctx context.Context, runID, sessionKey, message string) *RunTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.live[runID]; ok {
		return rt
	}

	_, span := otel.Tracer(scopeName).Start(ctx, "agent.run",
		oteltrace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("session.key", sessionKey),
		))

	rt := &RunTrace{
		rec: r,
		trace: AgentTrace{
			TraceID:        runID,
			SessionKey:     sessionKey,
			StartedAtMs:    r.now().UnixMilli(),
			MessagePreview: clamp(message, previewMaxChars),
		},
		span:  span,
		tools: make(map[string]bool),
	}
	r.live[runID] = rt
	return rt
}

// AddStep appends a step, clamping the payload to the configured cap.
func (t *RunTrace) AddStep(kind, payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trace.Steps = append(t.trace.Steps, Step{
		AtMs:    t.rec.now().UnixMilli(),
		Kind:    kind,
		Payload: clamp(payload, t.rec.maxStepChars),
	})
	t.span.AddEvent(kind)
}

// ToolUsed marks a tool name for the completed record.
func (t *RunTrace) ToolUsed(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name] = true
}

// Complete closes the run's trace, ends the span and persists the record.
// Unknown runIds are ignored.
func (r *Recorder) Complete(ctx context.Context, runID, status, errText string) {
	r.mu.Lock()
	rt, ok := r.live[runID]
	if ok {
		delete(r.live, runID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	rt.trace.Status = status
	rt.trace.EndedAtMs = r.now().UnixMilli()
	rt.trace.ErrorText = clamp(errText, r.maxStepChars)
	for name := range rt.tools {
		rt.trace.ToolsUsed = append(rt.trace.ToolsUsed, name)
	}
	sort.Strings(rt.trace.ToolsUsed)
	done := rt.trace
	rt.mu.Unlock()

	if status == "error" {
		rt.span.SetStatus(codes.Error, errText)
	} else {
		rt.span.SetStatus(codes.Ok, "")
	}
	rt.span.SetAttributes(attribute.String("run.status", status))
	rt.span.End()

	r.persist(ctx, done)
}

func (r *Recorder) persist(ctx context.Context, done AgentTrace) {
	state := r.load(ctx)
	state.Traces = append(state.Traces, done)
	if n := len(state.Traces); n > retainedTraces {
		state.Traces = state.Traces[n-retainedTraces:]
	}
	if err := r.slots.Set(ctx, store.SlotAgentTraces, state); err != nil {
		slog.Warn("trace.persist_failed", "runId", done.TraceID, "error", err)
	}
}

// List returns persisted trace summaries, most recent first.
func (r *Recorder) List(ctx context.Context, limit int) []TraceSummary {
	state := r.load(ctx)
	out := make([]TraceSummary, 0, len(state.Traces))
	for i := len(state.Traces) - 1; i >= 0; i-- {
		t := state.Traces[i]
		out = append(out, TraceSummary{
			TraceID:        t.TraceID,
			SessionKey:     t.SessionKey,
			Status:         t.Status,
			StartedAtMs:    t.StartedAtMs,
			EndedAtMs:      t.EndedAtMs,
			Steps:          len(t.Steps),
			MessagePreview: t.MessagePreview,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns a persisted trace by id.
func (r *Recorder) Get(ctx context.Context, traceID string) (AgentTrace, bool) {
	state := r.load(ctx)
	for i := len(state.Traces) - 1; i >= 0; i-- {
		if state.Traces[i].TraceID == traceID {
			return state.Traces[i], true
		}
	}
	return AgentTrace{}, false
}

func (r *Recorder) load(ctx context.Context) *traceState {
	state := &traceState{}
	if _, err := r.slots.Get(ctx, store.SlotAgentTraces, state); err != nil {
		slog.Warn("trace.read_failed", "error", err)
		state = &traceState{}
	}
	return state
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
