package cron

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func TestAddValidatesSchedule(t *testing.T) {
	s := NewService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := s.Add(ctx, Job{Schedule: "not a cron", Message: "m"}); err == nil {
		t.Fatal("invalid schedule must be rejected")
	}
	if _, err := s.Add(ctx, Job{Schedule: "* * * * *"}); err == nil {
		t.Fatal("missing message must be rejected")
	}
	job, err := s.Add(ctx, Job{Schedule: "*/5 * * * *", Message: "hello", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if job.ID == "" || job.CreatedAtMs == 0 {
		t.Fatalf("job = %+v", job)
	}
	if _, err := s.Add(ctx, Job{ID: job.ID, Schedule: "* * * * *", Message: "dup"}); err == nil {
		t.Fatal("duplicate id must be rejected")
	}
}

func TestUpdateAndRemove(t *testing.T) {
	s := NewService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	job, _ := s.Add(ctx, Job{Schedule: "* * * * *", Message: "m", Name: "old", Enabled: true})

	updated, err := s.Update(ctx, Job{ID: job.ID, Name: "new", Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Name != "new" || updated.Enabled || updated.Message != "m" {
		t.Fatalf("updated = %+v", updated)
	}
	if _, err := s.Update(ctx, Job{ID: job.ID, Schedule: "garbage"}); err == nil {
		t.Fatal("bad schedule on update must be rejected")
	}

	if err := s.Remove(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, job.ID); err == nil {
		t.Fatal("second remove must fail")
	}
	if got := s.List(ctx); len(got) != 0 {
		t.Fatalf("jobs = %d after remove", len(got))
	}
}

func TestRunNowRecordsRun(t *testing.T) {
	slots := store.NewMemoryStore()
	s := NewService(slots, nil)
	ctx := context.Background()

	var calls atomic.Int32
	s.SetOnJob(func(ctx context.Context, job Job, runID string) (string, error) {
		calls.Add(1)
		return "done: " + job.Message, nil
	})

	job, _ := s.Add(ctx, Job{Schedule: "* * * * *", Message: "ping", Enabled: true})
	runID, err := s.RunNow(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(s.Runs(ctx, "", 0)) == 1 })
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d", calls.Load())
	}

	runs := s.Runs(ctx, job.ID, 0)
	if runs[0].RunID != runID || runs[0].Status != "ok" || runs[0].Output != "done: ping" {
		t.Fatalf("run = %+v", runs[0])
	}
	if runs[0].StartedAtMs > runs[0].EndedAtMs {
		t.Fatal("run timestamps inverted")
	}

	jobs := s.List(ctx)
	if jobs[0].LastRunAtMs == 0 {
		t.Fatal("lastRunAtMs not updated")
	}
}

func TestFailingJobs(t *testing.T) {
	s := NewService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	s.SetOnJob(func(ctx context.Context, job Job, runID string) (string, error) {
		if job.Message == "bad" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	})

	good, _ := s.Add(ctx, Job{Schedule: "* * * * *", Message: "good", Enabled: true})
	bad, _ := s.Add(ctx, Job{Schedule: "* * * * *", Message: "bad", Enabled: true})

	s.RunNow(ctx, good.ID)
	s.RunNow(ctx, bad.ID)
	waitFor(t, func() bool { return len(s.Runs(ctx, "", 0)) == 2 })

	failing := s.FailingJobs(ctx)
	if len(failing) != 1 || failing[0] != bad.ID {
		t.Fatalf("failing = %v, want only %s", failing, bad.ID)
	}

	status := s.Status(ctx)
	if status["jobs"].(int) != 2 || status["enabled"].(int) != 2 {
		t.Fatalf("status = %+v", status)
	}
}

func TestRunsTailBounded(t *testing.T) {
	s := NewService(store.NewMemoryStore(), nil)
	ctx := context.Background()

	s.SetOnJob(func(ctx context.Context, job Job, runID string) (string, error) { return "", nil })
	job, _ := s.Add(ctx, Job{Schedule: "* * * * *", Message: "m", Enabled: true})

	for i := 0; i < runsTailCap+10; i++ {
		if _, err := s.RunNow(ctx, job.ID); err != nil {
			// Overlap suppression can race the goroutine finishing; retry.
			i--
			time.Sleep(time.Millisecond)
			continue
		}
		waitFor(t, func() bool { return len(s.Runs(ctx, "", 1)) >= 1 && !s.runningNow(job.ID) })
	}

	if got := len(s.Runs(ctx, "", 0)); got != runsTailCap {
		t.Fatalf("runs tail = %d, want %d", got, runsTailCap)
	}
}

func (s *Service) runningNow(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[jobID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
