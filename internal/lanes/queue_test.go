package lanes

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector captures emitted lane events in order.
type collector struct {
	mu     sync.Mutex
	events []string
}

func (c *collector) emit(name string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, name)
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func TestSubmitStartsWhenLaneIdle(t *testing.T) {
	q := NewQueue(10, nil)
	started := make(chan string, 1)

	adm := q.Submit("r1", "main", func(j *Job) { started <- j.RunID })
	if adm.Status != AdmitStarted {
		t.Fatalf("status = %q, want started", adm.Status)
	}
	select {
	case id := <-started:
		if id != "r1" {
			t.Fatalf("started run %q, want r1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("start callback never invoked")
	}
}

func TestSecondSubmitQueuesAndRunsAfterCompletion(t *testing.T) {
	q := NewQueue(10, nil)
	order := make(chan string, 2)

	q.Submit("r1", "main", func(j *Job) { order <- "r1" })
	adm := q.Submit("r2", "main", func(j *Job) { order <- "r2" })
	if adm.Status != AdmitQueued || adm.Position != 1 || adm.QueueDepth != 1 {
		t.Fatalf("admission = %+v, want queued pos=1 depth=1", adm)
	}

	<-order // r1 running
	if _, ok := q.RunningFor("main"); !ok {
		t.Fatal("lane should be busy")
	}

	q.Complete("r1", StatusOK, map[string]string{"content": "a"}, "")

	select {
	case id := <-order:
		if id != "r2" {
			t.Fatalf("next start = %q, want r2", id)
		}
	case <-time.After(time.Second):
		t.Fatal("queued run never started")
	}
}

func TestAdmissionOrderEqualsStartOrder(t *testing.T) {
	q := NewQueue(100, nil)
	var mu sync.Mutex
	var starts []string

	record := func(j *Job) {
		mu.Lock()
		starts = append(starts, j.RunID)
		mu.Unlock()
	}

	q.Submit("r0", "s", record)
	for i := 1; i <= 5; i++ {
		q.Submit(fmt.Sprintf("r%d", i), "s", record)
	}
	for i := 0; i <= 5; i++ {
		// Complete whatever is running; the queue starts the next head.
		for {
			id, ok := q.RunningFor("s")
			if ok {
				q.Complete(id, StatusOK, nil, "")
				break
			}
			time.Sleep(time.Millisecond)
		}
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(starts)
		mu.Unlock()
		if n == 6 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range starts {
		want := fmt.Sprintf("r%d", i)
		if id != want {
			t.Fatalf("start[%d] = %q, want %q (order %v)", i, id, want, starts)
		}
	}
}

func TestQueueFullAtCap(t *testing.T) {
	q := NewQueue(100, nil)
	q.Submit("running", "s", func(*Job) {})

	for i := 1; i <= 100; i++ {
		adm := q.Submit(fmt.Sprintf("q%d", i), "s", func(*Job) {})
		if adm.Status != AdmitQueued {
			t.Fatalf("submission %d status = %q, want queued", i, adm.Status)
		}
		if adm.Position != i {
			t.Fatalf("submission %d position = %d, want %d", i, adm.Position, i)
		}
	}

	adm := q.Submit("q101", "s", func(*Job) {})
	if adm.Status != AdmitQueueFull {
		t.Fatalf("101st submission status = %q, want queue_full", adm.Status)
	}
	if q.PendingTotal() != 100 {
		t.Fatalf("pending total = %d, want 100", q.PendingTotal())
	}
}

func TestInFlightOnDuplicateRunID(t *testing.T) {
	q := NewQueue(10, nil)
	q.Submit("r1", "main", func(*Job) {})

	adm := q.Submit("r1", "main", func(*Job) { t.Error("duplicate must not start") })
	if adm.Status != AdmitInFlight {
		t.Fatalf("status = %q, want in_flight", adm.Status)
	}
	if adm.RunID != "r1" {
		t.Fatalf("runId = %q, want r1", adm.RunID)
	}

	// After completion the same key is admitted as a fresh run.
	q.Complete("r1", StatusOK, nil, "")
	started := make(chan struct{})
	adm = q.Submit("r1", "main", func(*Job) { close(started) })
	if adm.Status != AdmitStarted {
		t.Fatalf("post-completion status = %q, want started", adm.Status)
	}
	<-started
}

func TestAtMostOneRunningPerSession(t *testing.T) {
	q := NewQueue(50, nil)
	var running int32
	var mu sync.Mutex
	max := 0

	for i := 0; i < 20; i++ {
		q.Submit(fmt.Sprintf("r%d", i), "s", func(j *Job) {
			mu.Lock()
			running++
			if int(running) > max {
				max = int(running)
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			q.Complete(j.RunID, StatusOK, nil, "")
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.PendingTotal() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if max > 1 {
		t.Fatalf("observed %d concurrent runs for one session", max)
	}
}

func TestWaitReturnsFinalResult(t *testing.T) {
	q := NewQueue(10, nil)
	q.Submit("r1", "main", func(j *Job) {
		q.Complete("r1", StatusOK, map[string]string{"content": "done"}, "")
	})

	view, ok := q.Wait("r1", time.Second)
	if !ok {
		t.Fatal("wait timed out")
	}
	if view.Status != StatusOK {
		t.Fatalf("status = %q, want ok", view.Status)
	}
}

func TestWaitTimeout(t *testing.T) {
	q := NewQueue(10, nil)
	q.Submit("r1", "main", func(*Job) {}) // never completes

	view, done := q.Wait("r1", 20*time.Millisecond)
	if done {
		t.Fatalf("wait should time out, got %+v", view)
	}
	if view.Status != StatusRunning {
		t.Fatalf("status = %q, want running", view.Status)
	}
}

func TestLaneEvents(t *testing.T) {
	c := &collector{}
	q := NewQueue(10, c.emit)

	q.Submit("r1", "main", func(*Job) {})
	q.Submit("r2", "main", func(*Job) {})
	q.Complete("r1", StatusOK, nil, "")

	want := []string{"lanes.enqueued", "lanes.depth.changed", "lanes.completed", "lanes.dequeued", "lanes.depth.changed"}
	got := c.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCrossSessionRunsAreConcurrent(t *testing.T) {
	q := NewQueue(10, nil)
	started := make(chan string, 2)

	q.Submit("a1", "sessA", func(*Job) { started <- "a1" })
	q.Submit("b1", "sessB", func(*Job) { started <- "b1" })

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("cross-session run blocked")
		}
	}
}

func TestLaneStatusReporting(t *testing.T) {
	q := NewQueue(10, nil)
	q.Submit("r1", "main", func(*Job) {})
	q.Submit("r2", "main", func(*Job) {})

	st := q.Status("main")
	if st.RunningRunID != "r1" || st.QueuedCount != 1 {
		t.Fatalf("status = %+v, want running=r1 queued=1", st)
	}
	if len(q.List()) != 1 {
		t.Fatalf("list length = %d, want 1", len(q.List()))
	}
}

func TestWaitSpansQueuedStart(t *testing.T) {
	q := NewQueue(10, nil)
	release := make(chan struct{})
	q.Submit("r1", "main", func(*Job) {
		<-release
		q.Complete("r1", StatusOK, nil, "")
	})
	adm := q.Submit("r2", "main", func(*Job) {
		q.Complete("r2", StatusOK, map[string]string{"content": "b"}, "")
	})
	if adm.Status != AdmitQueued {
		t.Fatalf("admission = %q, want queued", adm.Status)
	}
	if view, ok := q.Get("r2"); !ok || view.Status != StatusQueued {
		t.Fatalf("queued job view = %+v ok=%v, want status queued", view, ok)
	}

	type result struct {
		view JobView
		done bool
	}
	got := make(chan result, 1)
	go func() {
		view, done := q.Wait("r2", time.Second)
		got <- result{view, done}
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)

	select {
	case res := <-got:
		if !res.done || res.view.Status != StatusOK {
			t.Fatalf("wait = %+v done=%v, want ok", res.view, res.done)
		}
	case <-time.After(time.Second):
		t.Fatal("wait on queued run never returned")
	}
}
