package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type executorFunc func(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error)

func (f executorFunc) Run(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
	return f(ctx, jobID, inputs, progress)
}

type outcome struct {
	path string
	err  error
}

// gatedExecutor blocks each job until the test releases it through the gate
// named by the job's prompt.
type gatedExecutor struct {
	mu    sync.Mutex
	gates map[string]chan outcome
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{gates: make(map[string]chan outcome)}
}

func (g *gatedExecutor) gate(name string) chan outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.gates[name]; !ok {
		g.gates[name] = make(chan outcome, 1)
	}
	return g.gates[name]
}

func (g *gatedExecutor) release(name, path string, err error) {
	g.gate(name) <- outcome{path: path, err: err}
}

func (g *gatedExecutor) Run(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
	select {
	case o := <-g.gate(inputs.Prompt):
		return o.path, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func waitForStatus(t *testing.T, q *Queue, id string, want JobStatus) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := q.Get(id)
	t.Fatalf("job %s status = %s, want %s", id, job.Status, want)
	return Job{}
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

// TestQueueScenario walks the reference scenario: MaxQueueSize=2,
// MaxConcurrent=1, jobs J1..J4.
func TestQueueScenario(t *testing.T) {
	exec := newGatedExecutor()
	q := NewQueue(exec, nil, nil, QueueConfig{MaxQueueSize: 2, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	j1, err := q.Submit(Inputs{Prompt: "j1"})
	if err != nil {
		t.Fatalf("submit j1: %v", err)
	}
	waitForStatus(t, q, j1.ID, JobStatusProcessing)

	j2, err := q.Submit(Inputs{Prompt: "j2"})
	if err != nil {
		t.Fatalf("submit j2: %v", err)
	}
	j3, err := q.Submit(Inputs{Prompt: "j3"})
	if err != nil {
		t.Fatalf("submit j3: %v", err)
	}

	if pos := q.QueuePosition(j2.ID); pos != 1 {
		t.Fatalf("j2 position = %d, want 1", pos)
	}
	if pos := q.QueuePosition(j3.ID); pos != 2 {
		t.Fatalf("j3 position = %d, want 2", pos)
	}

	if _, err := q.Submit(Inputs{Prompt: "j4"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("j4 error = %v, want ErrQueueFull", err)
	}

	exec.release("j1", "/out/j1.mp4", nil)
	done := waitForStatus(t, q, j1.ID, JobStatusCompleted)
	if done.ResultPath != "/out/j1.mp4" {
		t.Fatalf("j1 result = %q", done.ResultPath)
	}

	waitForStatus(t, q, j2.ID, JobStatusProcessing)
	if pos := q.QueuePosition(j3.ID); pos != 1 {
		t.Fatalf("j3 position after j1 completion = %d, want 1", pos)
	}

	stats := q.Stats()
	if stats.QueueSize != 1 || stats.ProcessingCount != 1 {
		t.Fatalf("stats = %+v, want queue 1 / processing 1", stats)
	}
	if stats.MaxQueueSize != 2 || stats.MaxConcurrent != 1 {
		t.Fatalf("stats limits = %+v", stats)
	}

	exec.release("j2", "/out/j2.mp4", nil)
	exec.release("j3", "/out/j3.mp4", nil)
	waitForStatus(t, q, j2.ID, JobStatusCompleted)
	waitForStatus(t, q, j3.ID, JobStatusCompleted)
}

// TestQueueFIFODispatch verifies dispatch order matches submission order.
func TestQueueFIFODispatch(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := NewQueue(executorFunc(func(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
		mu.Lock()
		order = append(order, inputs.Prompt)
		mu.Unlock()
		return "/out/" + inputs.Prompt + ".mp4", nil
	}), nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})

	jobs := make([]Job, 0, 4)
	for _, name := range []string{"a", "b", "c", "d"} {
		job, err := q.Submit(Inputs{Prompt: name})
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		jobs = append(jobs, job)
	}

	// Start only after all four are queued so ordering is purely FIFO.
	q.Start()
	defer stopQueue(t, q)

	for _, job := range jobs {
		waitForStatus(t, q, job.ID, JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"a", "b", "c", "d"} {
		if order[i] != want {
			t.Fatalf("dispatch order = %v", order)
		}
	}
}

// TestQueueConcurrencyBound verifies processing never exceeds MaxConcurrent.
func TestQueueConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	q := NewQueue(executorFunc(func(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return "/out.mp4", nil
	}), nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 2})
	q.Start()
	defer stopQueue(t, q)

	jobs := make([]Job, 0, 6)
	for i := 0; i < 6; i++ {
		job, err := q.Submit(Inputs{})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		waitForStatus(t, q, job.ID, JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

// TestQueuePanicContainment verifies a crashing executor yields a failed job
// with an internal cause and does not block later dispatches.
func TestQueuePanicContainment(t *testing.T) {
	q := NewQueue(executorFunc(func(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
		if inputs.Prompt == "boom" {
			panic("executor exploded")
		}
		return "/out.mp4", nil
	}), nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	bad, err := q.Submit(Inputs{Prompt: "boom"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	good, err := q.Submit(Inputs{Prompt: "ok"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, q, bad.ID, JobStatusFailed)
	if failed.Error == nil || failed.Error.Kind != ErrorKindInternal {
		t.Fatalf("failed job error = %+v, want internal kind", failed.Error)
	}

	waitForStatus(t, q, good.ID, JobStatusCompleted)
}

// TestQueueReportedFailure verifies executor-reported errors surface verbatim.
func TestQueueReportedFailure(t *testing.T) {
	q := NewQueue(executorFunc(func(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
		return "", &ExecutionError{Kind: ErrorKindReported, Message: "unsupported audio codec"}
	}), nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	job, err := q.Submit(Inputs{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStatus(t, q, job.ID, JobStatusFailed)
	if failed.Error == nil || failed.Error.Kind != ErrorKindReported {
		t.Fatalf("error = %+v, want reported kind", failed.Error)
	}
	if failed.Error.Message != "unsupported audio codec" {
		t.Fatalf("error message = %q", failed.Error.Message)
	}
}

// TestQueueCancelQueued verifies immediate cancel of a queued job and that
// the dispatcher skips it.
func TestQueueCancelQueued(t *testing.T) {
	exec := newGatedExecutor()
	q := NewQueue(exec, nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	j1, _ := q.Submit(Inputs{Prompt: "j1"})
	waitForStatus(t, q, j1.ID, JobStatusProcessing)
	j2, _ := q.Submit(Inputs{Prompt: "j2"})
	j3, _ := q.Submit(Inputs{Prompt: "j3"})

	cancelled, err := q.Cancel(j2.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if q.Stats().QueueSize != 1 {
		t.Fatalf("queue size = %d, want 1", q.Stats().QueueSize)
	}

	exec.release("j1", "/out/j1.mp4", nil)
	exec.release("j3", "/out/j3.mp4", nil)
	waitForStatus(t, q, j3.ID, JobStatusCompleted)

	// j2 was skipped, never dispatched.
	j2Final, _ := q.Get(j2.ID)
	if j2Final.Status != JobStatusCancelled || j2Final.StartedAt != nil {
		t.Fatalf("j2 = %+v, want untouched cancelled record", j2Final)
	}

	// Cancelling again is a conflict, not a mutation.
	if _, err := q.Cancel(j2.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second cancel error = %v, want ErrAlreadyTerminal", err)
	}
}

// TestQueueCancelProcessing verifies cooperative in-flight cancellation.
func TestQueueCancelProcessing(t *testing.T) {
	exec := newGatedExecutor()
	q := NewQueue(exec, nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	job, _ := q.Submit(Inputs{Prompt: "never-released"})
	waitForStatus(t, q, job.ID, JobStatusProcessing)

	if _, err := q.Cancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final := waitForStatus(t, q, job.ID, JobStatusCancelled)
	if final.Error != nil || final.ResultPath != "" {
		t.Fatalf("cancelled job = %+v, want no error and no result", final)
	}

	// The freed slot must be usable by a later job.
	next, _ := q.Submit(Inputs{Prompt: "next"})
	exec.release("next", "/out/next.mp4", nil)
	waitForStatus(t, q, next.ID, JobStatusCompleted)
}

// TestQueueTimeout verifies a collaborator deadline surfaces as a timeout
// failure.
func TestQueueTimeout(t *testing.T) {
	exec := newGatedExecutor()
	q := NewQueue(exec, nil, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1, JobTimeout: 30 * time.Millisecond})
	q.Start()
	defer stopQueue(t, q)

	job, _ := q.Submit(Inputs{Prompt: "slow"})

	failed := waitForStatus(t, q, job.ID, JobStatusFailed)
	if failed.Error == nil || failed.Error.Kind != ErrorKindTimeout {
		t.Fatalf("error = %+v, want timeout kind", failed.Error)
	}
}

// TestQueueProgressUpdates verifies progress callbacks update the record and
// reach subscribers without changing state.
func TestQueueProgressUpdates(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	started := make(chan struct{})
	proceed := make(chan struct{})

	q := NewQueue(executorFunc(func(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error) {
		progress("generating frame 40/64")
		close(started)
		<-proceed
		return "/out.mp4", nil
	}), hub, nil, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	job, _ := q.Submit(Inputs{})
	<-started

	got, _ := q.Get(job.ID)
	if got.Status != JobStatusProcessing {
		t.Fatalf("status = %s, progress must not change state", got.Status)
	}
	if got.ProgressMessage != "generating frame 40/64" {
		t.Fatalf("progress = %q", got.ProgressMessage)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-sub.Events():
			if event.Type != EventProgressUpdate {
				continue
			}
			data, ok := event.Data.(ProgressUpdateData)
			if !ok || data.JobID != job.ID || data.Message != "generating frame 40/64" {
				t.Fatalf("progress event = %+v", event)
			}
			close(proceed)
			waitForStatus(t, q, job.ID, JobStatusCompleted)
			return
		case <-deadline:
			t.Fatal("no progress event observed")
		}
	}
}

// TestQueueTerminalSink verifies terminal jobs reach the history sink exactly
// once per job.
func TestQueueTerminalSink(t *testing.T) {
	sink := &recordingSink{}
	exec := newGatedExecutor()
	q := NewQueue(exec, nil, sink, QueueConfig{MaxQueueSize: 10, MaxConcurrent: 1})
	q.Start()
	defer stopQueue(t, q)

	j1, _ := q.Submit(Inputs{Prompt: "j1"})
	j2, _ := q.Submit(Inputs{Prompt: "j2"})
	q.Cancel(j2.ID)

	exec.release("j1", "/out/j1.mp4", nil)
	waitForStatus(t, q, j1.ID, JobStatusCompleted)
	waitForStatus(t, q, j2.ID, JobStatusCancelled)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.ids()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ids := sink.ids()
	if len(ids) != 2 {
		t.Fatalf("sink saw %d jobs, want 2", len(ids))
	}
}

type recordingSink struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingSink) RecordTerminal(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, job.ID)
}

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.seen))
	copy(out, r.seen)
	return out
}
