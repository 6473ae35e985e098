package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type QueueConfig struct {
	MaxQueueSize  int
	MaxConcurrent int
	JobTimeout    time.Duration
}

// Queue is the job admission and scheduling engine: bounded admission, FIFO
// dispatch onto a fixed number of execution slots, and terminal-state
// bookkeeping around the executor call.
type Queue struct {
	store    *Store
	hub      *Hub
	executor Executor
	history  HistorySink
	cfg      QueueConfig

	slots  chan struct{}
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func NewQueue(executor Executor, hub *Hub, history HistorySink, cfg QueueConfig) *Queue {
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = 20
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 3
	}
	if hub == nil {
		hub = NewHub()
	}

	return &Queue{
		store:    NewStore(cfg.MaxQueueSize),
		hub:      hub,
		executor: executor,
		history:  history,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrent),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.dispatcher()
}

// Stop shuts down dispatch and waits for in-flight jobs until ctx expires.
// Queued jobs are left untouched; they are simply never dispatched.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with jobs still processing: %w", ctx.Err())
	}
}

// Submit admits a new job. It never waits for a worker slot: the job is
// either queued and its id returned immediately, or rejected with
// ErrQueueFull.
func (q *Queue) Submit(inputs Inputs) (Job, error) {
	id := uuid.New().String()

	job, err := q.store.Insert(id, inputs)
	if err != nil {
		return Job{}, err
	}

	q.publishQueueUpdate()
	q.signalWake()

	return job, nil
}

// Cancel requests cancellation of a job. Queued jobs are cancelled
// immediately; processing jobs get a cooperative stop request and reach
// cancelled once their executor returns.
func (q *Queue) Cancel(id string) (Job, error) {
	job, err := q.store.Cancel(id)
	if err != nil {
		return job, err
	}

	if job.Status == JobStatusCancelled {
		// Was still queued; no worker will ever touch it.
		q.publishStatus(job, "job cancelled")
		q.publishQueueUpdate()
		if q.history != nil {
			q.history.RecordTerminal(&job)
		}
	}
	return job, nil
}

// Remove deletes a job record. Processing jobs must be cancelled first.
func (q *Queue) Remove(id string) error {
	job, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if err := q.store.Remove(id); err != nil {
		return err
	}
	if job.Status == JobStatusQueued {
		q.publishQueueUpdate()
	}
	return nil
}

func (q *Queue) Get(id string) (Job, error) {
	return q.store.Get(id)
}

func (q *Queue) List() []Job {
	return q.store.List()
}

// QueuePosition returns the 1-based queue rank, or 0 when not queued.
func (q *Queue) QueuePosition(id string) int {
	return q.store.QueuePosition(id)
}

func (q *Queue) Stats() QueueStats {
	queued, processing := q.store.Counts()
	return QueueStats{
		QueueSize:       queued,
		ProcessingCount: processing,
		MaxQueueSize:    q.cfg.MaxQueueSize,
		MaxConcurrent:   q.cfg.MaxConcurrent,
	}
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatcher() {
	// Wake signals cover the normal path; the ticker is a backstop so a
	// missed signal can never stall the queue.
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		case <-ticker.C:
		}
		q.dispatchReady()
	}
}

// dispatchReady pairs free slots with queued jobs until either runs out. The
// slot is acquired before the claim so a job is never flipped to processing
// without capacity to run it.
func (q *Queue) dispatchReady() {
	for {
		select {
		case q.slots <- struct{}{}:
		default:
			return
		}

		job, ok := q.store.ClaimOldest()
		if !ok {
			<-q.slots
			return
		}

		q.publishStatus(job, "video generation started")
		q.publishQueueUpdate()

		q.wg.Add(1)
		go q.runJob(job)
	}
}

// runJob drives one claimed job through the executor and guarantees a
// terminal state no matter how the executor ends.
func (q *Queue) runJob(job Job) {
	defer q.wg.Done()

	ctx := context.Background()
	var cancel context.CancelFunc
	if q.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if q.store.AttachCancel(job.ID, cancel) {
		cancel()
	}

	resultPath, execErr := q.invokeExecutor(ctx, job)

	status := JobStatusCompleted
	if execErr != nil {
		status = JobStatusFailed
	}

	final, err := q.store.Finalize(job.ID, status, resultPath, execErr)
	if err != nil {
		log.Printf("queue: finalize job %s: %v", job.ID, err)
	}

	// Free the slot before announcing the terminal state so a queued job can
	// be picked up immediately.
	<-q.slots
	q.signalWake()

	switch final.Status {
	case JobStatusCompleted:
		q.publishStatus(final, "video generation completed")
	case JobStatusFailed:
		q.publishStatus(final, final.Error.Message)
	case JobStatusCancelled:
		q.publishStatus(final, "job cancelled")
	}
	q.publishQueueUpdate()

	if q.history != nil {
		q.history.RecordTerminal(&final)
	}
}

// invokeExecutor contains every executor-side fault: reported errors,
// timeouts, and panics all come back as an ExecutionError, never as an
// escaped fault.
func (q *Queue) invokeExecutor(ctx context.Context, job Job) (resultPath string, execErr *ExecutionError) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("queue: executor panic on job %s: %v", job.ID, r)
			resultPath = ""
			execErr = &ExecutionError{Kind: ErrorKindInternal, Message: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	progress := func(message string) {
		q.store.SetProgress(job.ID, message)
		q.hub.Publish(Event{
			Type: EventProgressUpdate,
			Data: ProgressUpdateData{JobID: job.ID, Message: message},
		})
	}

	out, err := q.executor.Run(ctx, job.ID, job.Inputs, progress)
	if err != nil {
		return "", classifyExecutorError(ctx, err)
	}
	return out, nil
}

func classifyExecutorError(ctx context.Context, err error) *ExecutionError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExecutionError{Kind: ErrorKindTimeout, Message: err.Error()}
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	// Anything untyped is an unexpected termination of the executor.
	return &ExecutionError{Kind: ErrorKindInternal, Message: err.Error()}
}

func (q *Queue) publishStatus(job Job, message string) {
	data := StatusUpdateData{
		JobID:   job.ID,
		Status:  job.Status,
		Message: message,
	}
	if job.Status == JobStatusCompleted {
		data.ResultURL = "/api/result/" + job.ID
	}
	q.hub.Publish(Event{Type: EventStatusUpdate, Data: data})
}

func (q *Queue) publishQueueUpdate() {
	stats := q.Stats()
	q.hub.Publish(Event{Type: EventQueueUpdate, Data: stats})
}
