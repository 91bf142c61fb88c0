// Package lanes serializes agent runs per session. A lane is the FIFO of
// pending run submissions for one sessionKey plus at most one running job.
package lanes

import (
	"sync"
	"time"
)

// JobStatus is the terminal or live state of an agent job.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusOK      JobStatus = "ok"
	StatusError   JobStatus = "error"
	StatusAborted JobStatus = "aborted"
)

// Terminal reports whether a status is final.
func Terminal(status JobStatus) bool {
	return status != StatusQueued && status != StatusRunning
}

// Admission outcomes returned by Submit.
const (
	AdmitStarted   = "started"
	AdmitQueued    = "queued"
	AdmitInFlight  = "in_flight"
	AdmitQueueFull = "queue_full"
)

// Job tracks one agent run. Result fields are written once, before the
// done channel is closed.
type Job struct {
	RunID      string
	SessionKey string
	Status     JobStatus
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
	Result     any

	done chan struct{}
}

// Done returns a channel closed when the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// JobView is an immutable snapshot of a job.
type JobView struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	Status     JobStatus `json:"status"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	Error      string    `json:"error,omitempty"`
	Result     any       `json:"result,omitempty"`
}

// Admission is the synchronous reply to a Submit.
type Admission struct {
	Status     string
	RunID      string
	Position   int // 1-based queue position when Status == queued
	QueueDepth int
	Job        *Job // set when Status == started or in_flight
}

type pendingItem struct {
	runID      string
	sessionKey string
	enqueuedAt time.Time
	start      func(*Job)
}

// LaneEvent is emitted on queue transitions (lanes.enqueued, lanes.dequeued,
// lanes.completed, lanes.depth.changed).
type EmitFunc func(name string, payload any)

// Queue enforces at-most-one running job per sessionKey. The pending lists
// and the sessionKey → runId binding are updated under one lock.
type Queue struct {
	mu       sync.Mutex
	maxDepth int
	emit     EmitFunc

	jobs    map[string]*Job          // runId → job, finished jobs linger for late waits
	running map[string]string        // sessionKey → runId
	pending map[string][]pendingItem // sessionKey → FIFO

	finishedTTL time.Duration
}

// NewQueue creates a lane queue. maxDepth bounds each session's pending
// list; emit may be nil.
func NewQueue(maxDepth int, emit EmitFunc) *Queue {
	if maxDepth <= 0 {
		maxDepth = 100
	}
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Queue{
		maxDepth:    maxDepth,
		emit:        emit,
		jobs:        make(map[string]*Job),
		running:     make(map[string]string),
		pending:     make(map[string][]pendingItem),
		finishedTTL: 10 * time.Minute,
	}
}

// Submit admits a run. start is invoked on a fresh goroutine when the run
// begins (immediately, or later when the lane drains to it).
//
// Re-submitting the runId of the live job returns in_flight with the
// original job. A duplicate runId already queued returns its existing
// position. A full lane returns queue_full.
func (q *Queue) Submit(runID, sessionKey string, start func(*Job)) Admission {
	q.mu.Lock()

	q.pruneFinishedLocked()

	if liveID, busy := q.running[sessionKey]; busy {
		if liveID == runID {
			job := q.jobs[runID]
			q.mu.Unlock()
			return Admission{Status: AdmitInFlight, RunID: runID, Job: job}
		}
		items := q.pending[sessionKey]
		for i, it := range items {
			if it.runID == runID {
				depth := len(items)
				q.mu.Unlock()
				return Admission{Status: AdmitQueued, RunID: runID, Position: i + 1, QueueDepth: depth}
			}
		}
		if len(items) >= q.maxDepth {
			q.mu.Unlock()
			return Admission{Status: AdmitQueueFull, RunID: runID, QueueDepth: len(items)}
		}
		// The job record exists from enqueue so a Wait placed while the run
		// is still queued spans the eventual start.
		job := &Job{
			RunID:      runID,
			SessionKey: sessionKey,
			Status:     StatusQueued,
			done:       make(chan struct{}),
		}
		q.jobs[runID] = job
		item := pendingItem{runID: runID, sessionKey: sessionKey, enqueuedAt: time.Now(), start: start}
		q.pending[sessionKey] = append(items, item)
		pos := len(q.pending[sessionKey])
		q.mu.Unlock()

		q.emit("lanes.enqueued", map[string]any{
			"sessionKey": sessionKey, "runId": runID, "position": pos,
		})
		q.emit("lanes.depth.changed", map[string]any{
			"sessionKey": sessionKey, "depth": pos,
		})
		return Admission{Status: AdmitQueued, RunID: runID, Position: pos, QueueDepth: pos}
	}

	job := q.startLocked(runID, sessionKey, start)
	q.mu.Unlock()
	return Admission{Status: AdmitStarted, RunID: runID, Job: job}
}

// startLocked registers (or promotes) the job, binds the session and
// launches start.
func (q *Queue) startLocked(runID, sessionKey string, start func(*Job)) *Job {
	job, ok := q.jobs[runID]
	if !ok {
		job = &Job{
			RunID:      runID,
			SessionKey: sessionKey,
			done:       make(chan struct{}),
		}
		q.jobs[runID] = job
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	q.running[sessionKey] = runID
	go start(job)
	return job
}

// Complete records the terminal status, resolves the job's future, clears
// the session binding and starts the next pending item in FIFO order.
func (q *Queue) Complete(runID string, status JobStatus, result any, errText string) {
	q.mu.Lock()
	job, ok := q.jobs[runID]
	if !ok || job.Status != StatusRunning {
		q.mu.Unlock()
		return
	}
	job.Status = status
	job.Result = result
	job.Error = errText
	job.EndedAt = time.Now()
	close(job.done)

	sessionKey := job.SessionKey
	if q.running[sessionKey] == runID {
		delete(q.running, sessionKey)
	}

	var next *pendingItem
	if items := q.pending[sessionKey]; len(items) > 0 {
		head := items[0]
		next = &head
		rest := items[1:]
		if len(rest) == 0 {
			delete(q.pending, sessionKey)
		} else {
			q.pending[sessionKey] = append([]pendingItem(nil), rest...)
		}
		q.startLocked(head.runID, sessionKey, head.start)
	}
	depth := len(q.pending[sessionKey])
	q.mu.Unlock()

	q.emit("lanes.completed", map[string]any{
		"sessionKey": sessionKey, "runId": runID, "status": string(status),
	})
	if next != nil {
		q.emit("lanes.dequeued", map[string]any{
			"sessionKey": sessionKey, "runId": next.runID,
		})
		q.emit("lanes.depth.changed", map[string]any{
			"sessionKey": sessionKey, "depth": depth,
		})
	}
}

// Get returns a snapshot of a job by runId.
func (q *Queue) Get(runID string) (JobView, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[runID]
	if !ok {
		return JobView{}, false
	}
	return snapshotLocked(job), true
}

// RunningFor returns the live runId for a session, if any.
func (q *Queue) RunningFor(sessionKey string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.running[sessionKey]
	return id, ok
}

// Wait blocks until the job completes or the timeout elapses.
func (q *Queue) Wait(runID string, timeout time.Duration) (JobView, bool) {
	q.mu.Lock()
	job, ok := q.jobs[runID]
	q.mu.Unlock()
	if !ok {
		return JobView{}, false
	}

	select {
	case <-job.done:
	case <-time.After(timeout):
		q.mu.Lock()
		view := snapshotLocked(job)
		q.mu.Unlock()
		return view, Terminal(view.Status)
	}
	q.mu.Lock()
	view := snapshotLocked(job)
	q.mu.Unlock()
	return view, true
}

// LaneStatus describes one session's lane for lanes.status / lanes.list.
type LaneStatus struct {
	SessionKey     string    `json:"sessionKey"`
	RunningRunID   string    `json:"runningRunId,omitempty"`
	QueuedCount    int       `json:"queuedCount"`
	OldestEnqueued time.Time `json:"oldestEnqueuedAt,omitempty"`
	HeadWaitMs     int64     `json:"headWaitMs,omitempty"`
}

// Status reports one session's lane.
func (q *Queue) Status(sessionKey string) LaneStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked(sessionKey)
}

// List reports every lane that is running or has pending items.
func (q *Queue) List() []LaneStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	var out []LaneStatus
	for sessionKey := range q.running {
		out = append(out, q.statusLocked(sessionKey))
		seen[sessionKey] = true
	}
	for sessionKey := range q.pending {
		if !seen[sessionKey] {
			out = append(out, q.statusLocked(sessionKey))
		}
	}
	return out
}

// PendingTotal is the number of LanePendingItem records across all lanes.
func (q *Queue) PendingTotal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, items := range q.pending {
		total += len(items)
	}
	return total
}

func (q *Queue) statusLocked(sessionKey string) LaneStatus {
	st := LaneStatus{SessionKey: sessionKey}
	if id, ok := q.running[sessionKey]; ok {
		st.RunningRunID = id
	}
	items := q.pending[sessionKey]
	st.QueuedCount = len(items)
	if len(items) > 0 {
		st.OldestEnqueued = items[0].enqueuedAt
		st.HeadWaitMs = time.Since(items[0].enqueuedAt).Milliseconds()
	}
	return st
}

func (q *Queue) pruneFinishedLocked() {
	if len(q.jobs) < 1000 {
		return
	}
	cutoff := time.Now().Add(-q.finishedTTL)
	for id, job := range q.jobs {
		if Terminal(job.Status) && job.EndedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

func snapshotLocked(job *Job) JobView {
	return JobView{
		RunID:      job.RunID,
		SessionKey: job.SessionKey,
		Status:     job.Status,
		StartedAt:  job.StartedAt,
		EndedAt:    job.EndedAt,
		Error:      job.Error,
		Result:     job.Result,
	}
}
