// Package cron schedules recurring agent runs. Jobs and the run tail are
// persisted through the slot store; due checks use cron expressions
// evaluated once per tick.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const runsTailCap = 200

// Job is one scheduled agent run.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Schedule    string `json:"schedule"` // cron expression
	Message     string `json:"message"`
	AgentID     string `json:"agentId,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	Enabled     bool   `json:"enabled"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
}

// RunRecord is one completed or failed job run.
type RunRecord struct {
	RunID       string `json:"runId"`
	JobID       string `json:"jobId"`
	StartedAtMs int64  `json:"startedAtMs"`
	EndedAtMs   int64  `json:"endedAtMs"`
	Status      string `json:"status"` // "ok" or "error"
	Error       string `json:"error,omitempty"`
	Output      string `json:"output,omitempty"`
}

// JobHandler executes a due job and returns its output text.
type JobHandler func(ctx context.Context, job Job, runID string) (string, error)

type jobsState struct {
	Jobs []Job `json:"jobs"`
}

type runsState struct {
	Runs []RunRecord `json:"runs"`
}

// Service owns the job table and the scheduler loop.
type Service struct {
	mu      sync.Mutex
	slots   store.SlotStore
	events  bus.EventPublisher
	gron    *gronx.Gronx
	onJob   JobHandler
	now     func() time.Time
	running map[string]bool // jobID → a run is in flight
}

func NewService(slots store.SlotStore, events bus.EventPublisher) *Service {
	return &Service{
		slots:   slots,
		events:  events,
		gron:    gronx.New(),
		now:     time.Now,
		running: make(map[string]bool),
	}
}

// SetOnJob installs the run handler. Must be set before Start.
func (s *Service) SetOnJob(h JobHandler) { s.onJob = h }

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// List returns all jobs.
func (s *Service) List(ctx context.Context) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadJobs(ctx)
	return append([]Job(nil), state.Jobs...)
}

// Status summarizes the job table for cron.status and alert gathering.
func (s *Service) Status(ctx context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadJobs(ctx)
	runs := s.loadRuns(ctx)

	enabled := 0
	for _, j := range state.Jobs {
		if j.Enabled {
			enabled++
		}
	}
	failing := s.failingLocked(state, runs)
	return map[string]any{
		"jobs":    len(state.Jobs),
		"enabled": enabled,
		"failing": failing,
		"runs":    len(runs.Runs),
	}
}

// FailingJobs returns ids of jobs whose most recent run errored.
// Feeds the CRON_JOB_FAILING alert gatherer.
func (s *Service) FailingJobs(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failingLocked(s.loadJobs(ctx), s.loadRuns(ctx))
}

func (s *Service) failingLocked(jobs *jobsState, runs *runsState) []string {
	latest := make(map[string]RunRecord)
	for _, r := range runs.Runs {
		latest[r.JobID] = r
	}
	var failing []string
	for _, j := range jobs.Jobs {
		if r, ok := latest[j.ID]; ok && j.Enabled && r.Status == "error" {
			failing = append(failing, j.ID)
		}
	}
	return failing
}

// Add validates the schedule and persists a new job.
func (s *Service) Add(ctx context.Context, job Job) (Job, error) {
	if job.Schedule == "" || !s.gron.IsValid(job.Schedule) {
		return Job{}, fmt.Errorf("invalid cron expression %q", job.Schedule)
	}
	if job.Message == "" {
		return Job{}, fmt.Errorf("message is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadJobs(ctx)
	for _, j := range state.Jobs {
		if j.ID == job.ID {
			return Job{}, fmt.Errorf("job %s already exists", job.ID)
		}
	}
	nowMs := s.now().UnixMilli()
	job.CreatedAtMs = nowMs
	job.UpdatedAtMs = nowMs
	state.Jobs = append(state.Jobs, job)
	s.saveJobs(ctx, state)
	return job, nil
}

// Update patches an existing job. A new schedule is re-validated.
func (s *Service) Update(ctx context.Context, job Job) (Job, error) {
	if job.Schedule != "" && !s.gron.IsValid(job.Schedule) {
		return Job{}, fmt.Errorf("invalid cron expression %q", job.Schedule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadJobs(ctx)
	for i := range state.Jobs {
		if state.Jobs[i].ID != job.ID {
			continue
		}
		cur := &state.Jobs[i]
		if job.Name != "" {
			cur.Name = job.Name
		}
		if job.Schedule != "" {
			cur.Schedule = job.Schedule
		}
		if job.Message != "" {
			cur.Message = job.Message
		}
		if job.AgentID != "" {
			cur.AgentID = job.AgentID
		}
		if job.Channel != "" {
			cur.Channel = job.Channel
		}
		if job.ChatID != "" {
			cur.ChatID = job.ChatID
		}
		cur.Enabled = job.Enabled
		cur.UpdatedAtMs = s.now().UnixMilli()
		s.saveJobs(ctx, state)
		return *cur, nil
	}
	return Job{}, fmt.Errorf("job %s not found", job.ID)
}

// Remove deletes a job. Its past runs stay in the tail.
func (s *Service) Remove(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadJobs(ctx)
	kept := state.Jobs[:0]
	found := false
	for _, j := range state.Jobs {
		if j.ID == jobID {
			found = true
			continue
		}
		kept = append(kept, j)
	}
	if !found {
		return fmt.Errorf("job %s not found", jobID)
	}
	state.Jobs = kept
	s.saveJobs(ctx, state)
	return nil
}

// RunNow triggers a job out of schedule. Returns the runId.
func (s *Service) RunNow(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	var job *Job
	state := s.loadJobs(ctx)
	for i := range state.Jobs {
		if state.Jobs[i].ID == jobID {
			job = &state.Jobs[i]
			break
		}
	}
	if job == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s not found", jobID)
	}
	if s.running[jobID] {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s is already running", jobID)
	}
	j := *job
	s.running[jobID] = true
	s.mu.Unlock()

	runID := uuid.NewString()
	go s.execute(context.WithoutCancel(ctx), j, runID)
	return runID, nil
}

// Runs returns the persisted run tail, newest first, optionally filtered
// by jobId.
func (s *Service) Runs(ctx context.Context, jobID string, limit int) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadRuns(ctx)

	var out []RunRecord
	for i := len(state.Runs) - 1; i >= 0; i-- {
		r := state.Runs[i]
		if jobID != "" && r.JobID != jobID {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Run starts the scheduler loop. Due checks happen once per interval;
// each due job runs in its own goroutine with overlap suppression.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	state := s.loadJobs(ctx)
	var due []Job
	ref := s.now()
	for _, j := range state.Jobs {
		if !j.Enabled || s.running[j.ID] {
			continue
		}
		ok, err := s.gron.IsDue(j.Schedule, ref)
		if err != nil {
			slog.Warn("cron.schedule_check_failed", "jobId", j.ID, "error", err)
			continue
		}
		if ok {
			s.running[j.ID] = true
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		go s.execute(ctx, j, uuid.NewString())
	}
}

func (s *Service) execute(ctx context.Context, job Job, runID string) {
	startMs := s.now().UnixMilli()
	slog.Info("cron.run_started", "jobId", job.ID, "runId", runID)
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: "cron", Payload: map[string]any{
			"jobId": job.ID, "runId": runID, "state": "started",
		}})
	}

	var output string
	var err error
	if s.onJob != nil {
		output, err = s.onJob(ctx, job, runID)
	} else {
		err = fmt.Errorf("no job handler installed")
	}

	rec := RunRecord{
		RunID:       runID,
		JobID:       job.ID,
		StartedAtMs: startMs,
		EndedAtMs:   s.now().UnixMilli(),
		Status:      "ok",
		Output:      output,
	}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
		slog.Warn("cron.run_failed", "jobId", job.ID, "runId", runID, "error", err)
	}

	s.mu.Lock()
	delete(s.running, job.ID)
	runs := s.loadRuns(ctx)
	runs.Runs = append(runs.Runs, rec)
	if n := len(runs.Runs); n > runsTailCap {
		runs.Runs = runs.Runs[n-runsTailCap:]
	}
	s.saveRuns(ctx, runs)

	jobs := s.loadJobs(ctx)
	for i := range jobs.Jobs {
		if jobs.Jobs[i].ID == job.ID {
			jobs.Jobs[i].LastRunAtMs = rec.EndedAtMs
			s.saveJobs(ctx, jobs)
			break
		}
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: "cron", Payload: map[string]any{
			"jobId": job.ID, "runId": runID, "state": rec.Status,
		}})
	}
}

func (s *Service) loadJobs(ctx context.Context) *jobsState {
	state := &jobsState{}
	if _, err := s.slots.Get(ctx, store.SlotCronJobs, state); err != nil {
		slog.Warn("cron.jobs_read_failed", "error", err)
		state = &jobsState{}
	}
	return state
}

func (s *Service) saveJobs(ctx context.Context, state *jobsState) {
	if err := s.slots.Set(ctx, store.SlotCronJobs, state); err != nil {
		slog.Warn("cron.jobs_write_failed", "error", err)
	}
}

func (s *Service) loadRuns(ctx context.Context) *runsState {
	state := &runsState{}
	if _, err := s.slots.Get(ctx, store.SlotCronRuns, state); err != nil {
		slog.Warn("cron.runs_read_failed", "error", err)
		state = &runsState{}
	}
	return state
}

func (s *Service) saveRuns(ctx context.Context, state *runsState) {
	if err := s.slots.Set(ctx, store.SlotCronRuns, state); err != nil {
		slog.Warn("cron.runs_write_failed", "error", err)
	}
}
