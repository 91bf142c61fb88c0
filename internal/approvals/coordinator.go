// Package approvals coordinates exec-approval requests: pending records,
// one-shot decision futures, expiry sweeping and operator broadcast.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// Decision values an operator may return.
const (
	DecisionAllowOnce   = "allow-once"
	DecisionAllowAlways = "allow-always"
	DecisionDeny        = "deny"
)

// Status values of an approval record.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusExpired  = "expired"
)

// Request describes the command awaiting consent.
type Request struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	Host       string `json:"host,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	NodeID     string `json:"nodeId,omitempty"`
}

// Record is one approval lifecycle entry.
type Record struct {
	ID          string  `json:"id"`
	Request     Request `json:"request"`
	CreatedAtMs int64   `json:"createdAtMs"`
	ExpiresAtMs int64   `json:"expiresAtMs"`
	Status      string  `json:"status"`
	Decision    string  `json:"decision,omitempty"`
	RequestedBy string  `json:"requestedBy,omitempty"`
	ResolvedBy  string  `json:"resolvedBy,omitempty"`
}

type pendingEntry struct {
	record Record
	future chan string // buffered(1); receives the decision, or closes on expiry
}

// EmitFunc broadcasts an approval event to qualifying operator connections.
type EmitFunc func(name string, payload any)

// Coordinator owns the pending map and decision futures.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	emit    EmitFunc
	slots   store.SlotStore
	forward bus.OutboundPublisher
	targets []string // "channel:chatId" forwarding targets
	now     func() time.Time
}

// New creates an approval coordinator. emit may be nil; forward and targets
// enable optional chat forwarding of requested approvals.
func New(slots store.SlotStore, emit EmitFunc, forward bus.OutboundPublisher, targets []string) *Coordinator {
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Coordinator{
		pending: make(map[string]*pendingEntry),
		emit:    emit,
		slots:   slots,
		forward: forward,
		targets: targets,
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// Admit registers a pending approval and broadcasts exec.approval.requested.
// Duplicate ids with a live pending record are rejected.
func (c *Coordinator) Admit(id string, req Request, requestedBy string, timeout time.Duration) (*Record, error) {
	c.mu.Lock()
	c.sweepLocked()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("approval %s already pending", id)
	}
	now := c.now()
	rec := Record{
		ID:          id,
		Request:     req,
		CreatedAtMs: now.UnixMilli(),
		ExpiresAtMs: now.Add(timeout).UnixMilli(),
		Status:      StatusPending,
		RequestedBy: requestedBy,
	}
	entry := &pendingEntry{record: rec, future: make(chan string, 1)}
	c.pending[id] = entry
	c.mu.Unlock()

	c.emit("exec.approval.requested", rec)
	c.forwardRequested(rec)
	return &rec, nil
}

// Await blocks until the approval is resolved or its deadline passes.
// A nil decision pointer means the record expired.
func (c *Coordinator) Await(ctx context.Context, id string, maxWait time.Duration) (*string, *Record, error) {
	c.mu.Lock()
	c.sweepLocked()
	entry, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("approval %s not found", id)
	}
	rec := entry.record
	if rec.Status == StatusResolved {
		decision := rec.Decision
		c.mu.Unlock()
		return &decision, &rec, nil
	}
	if rec.Status == StatusExpired {
		c.mu.Unlock()
		return nil, &rec, nil
	}
	// Clamp by the record's remaining lifetime.
	remaining := time.Until(time.UnixMilli(rec.ExpiresAtMs))
	if maxWait <= 0 || maxWait > remaining {
		maxWait = remaining
	}
	future := entry.future
	c.mu.Unlock()

	if maxWait < 0 {
		maxWait = 0
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case decision, open := <-future:
		c.mu.Lock()
		rec = entry.record
		c.mu.Unlock()
		if !open {
			return nil, &rec, nil // expired
		}
		// Replay for any later attacher: the produced value is never lost.
		future <- decision
		return &decision, &rec, nil
	case <-timer.C:
		c.mu.Lock()
		c.sweepLocked()
		rec = entry.record
		c.mu.Unlock()
		if rec.Status == StatusResolved {
			decision := rec.Decision
			return &decision, &rec, nil
		}
		return nil, &rec, nil
	case <-ctx.Done():
		return nil, &rec, ctx.Err()
	}
}

// Resolve stores the decision, resolves the future and broadcasts
// exec.approval.resolved. Re-resolving with the same decision is a no-op;
// a different decision on a resolved record is an error.
func (c *Coordinator) Resolve(id, decision, resolvedBy string) (*Record, error) {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways, DecisionDeny:
	default:
		return nil, fmt.Errorf("invalid decision %q", decision)
	}

	c.mu.Lock()
	c.sweepLocked()
	entry, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("approval %s not found", id)
	}
	rec := &entry.record
	switch rec.Status {
	case StatusResolved:
		if rec.Decision == decision {
			out := *rec
			c.mu.Unlock()
			return &out, nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("approval %s already resolved as %s", id, rec.Decision)
	case StatusExpired:
		c.mu.Unlock()
		return nil, fmt.Errorf("approval %s expired", id)
	}
	rec.Status = StatusResolved
	rec.Decision = decision
	rec.ResolvedBy = resolvedBy
	entry.future <- decision
	out := *rec
	c.mu.Unlock()

	c.emit("exec.approval.resolved", out)
	return &out, nil
}

// Pending returns all unresolved, unexpired requests.
func (c *Coordinator) Pending() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	out := make([]Record, 0, len(c.pending))
	for _, entry := range c.pending {
		if entry.record.Status == StatusPending {
			out = append(out, entry.record)
		}
	}
	return out
}

// Get returns a record by id.
func (c *Coordinator) Get(id string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	entry, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	rec := entry.record
	return &rec, true
}

// Sweep expires overdue records. Invoked at the start of every approval
// RPC and periodically by the background sweeper.
func (c *Coordinator) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
}

// RunSweeper expires approvals in the background until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Coordinator) sweepLocked() {
	nowMs := c.now().UnixMilli()
	for id, entry := range c.pending {
		rec := &entry.record
		if rec.Status == StatusPending && rec.ExpiresAtMs <= nowMs {
			rec.Status = StatusExpired
			close(entry.future)
			slog.Debug("approvals.expired", "id", id, "command", rec.Request.Command)
		}
		// Terminal records are dropped once sufficiently stale.
		if rec.Status != StatusPending && rec.ExpiresAtMs+int64((10*time.Minute).Milliseconds()) <= nowMs {
			delete(c.pending, id)
		}
	}
}

func (c *Coordinator) forwardRequested(rec Record) {
	if c.forward == nil || len(c.targets) == 0 {
		return
	}
	body := fmt.Sprintf("Approval requested: %s (id %s). Reply /approve %s or /deny %s.",
		rec.Request.Command, rec.ID, rec.ID, rec.ID)
	for _, target := range c.targets {
		channel, chatID, ok := splitTarget(target)
		if !ok {
			continue
		}
		c.forward.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: body,
			Metadata: map[string]string{
				"approval_id": rec.ID,
			},
		})
	}
}

func splitTarget(target string) (channel, chatID string, ok bool) {
	for i := 0; i < len(target); i++ {
		if target[i] == ':' {
			return target[:i], target[i+1:], target[i+1:] != ""
		}
	}
	return "", "", false
}
