package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the single shared job table. Every mutation is a short critical
// section; nothing long-running ever executes while the lock is held.
type Store struct {
	mu           sync.Mutex
	maxQueueSize int
	nextSeq      uint64
	jobs         map[string]*Job
	queued       []string
	queuedCount  int
	processing   int
}

func NewStore(maxQueueSize int) *Store {
	return &Store{
		maxQueueSize: maxQueueSize,
		jobs:         make(map[string]*Job),
	}
}

// Insert admits a new job in queued state, enforcing the queue bound. The job
// is visible to reads as soon as Insert returns.
func (s *Store) Insert(id string, inputs Inputs) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queuedCount >= s.maxQueueSize {
		return Job{}, ErrQueueFull
	}

	s.nextSeq++
	job := &Job{
		ID:          id,
		Status:      JobStatusQueued,
		Inputs:      inputs,
		SubmittedAt: time.Now(),
		seq:         s.nextSeq,
	}
	s.jobs[id] = job
	s.queued = append(s.queued, id)
	s.queuedCount++

	return *job, nil
}

// ClaimOldest atomically flips the oldest still-queued job to processing and
// returns it. Jobs cancelled while queued are skipped. Returns false when no
// queued job exists.
func (s *Store) ClaimOldest() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queued) > 0 {
		id := s.queued[0]
		s.queued = s.queued[1:]

		job, ok := s.jobs[id]
		if !ok || job.Status != JobStatusQueued {
			continue
		}

		now := time.Now()
		job.Status = JobStatusProcessing
		job.StartedAt = &now
		s.queuedCount--
		s.processing++
		return *job, true
	}
	return Job{}, false
}

// AttachCancel registers the cancel function for a claimed job. If a cancel
// request raced ahead of the claim, the returned flag tells the caller to
// fire it immediately.
func (s *Store) AttachCancel(id string, cancel context.CancelFunc) (alreadyRequested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	job.cancel = cancel
	return job.cancelRequested
}

// Finalize moves a processing job to a terminal state. When cancellation was
// requested in flight the terminal state is forced to cancelled and any
// produced artifact reference is discarded.
func (s *Store) Finalize(id string, status JobStatus, resultPath string, execErr *ExecutionError) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if job.Status != JobStatusProcessing {
		return *job, ErrAlreadyTerminal
	}

	if job.cancelRequested {
		status = JobStatusCancelled
	}

	now := time.Now()
	job.FinishedAt = &now
	job.Status = status
	job.cancel = nil
	s.processing--

	switch status {
	case JobStatusCompleted:
		job.ResultPath = resultPath
		job.Error = nil
	case JobStatusFailed:
		job.ResultPath = ""
		job.Error = execErr
	default:
		job.ResultPath = ""
		job.Error = nil
	}

	return *job, nil
}

// Cancel handles an external cancel request. A queued job is cancelled
// immediately; a processing job gets a cooperative cancellation request and
// stays processing until its worker finalizes it.
func (s *Store) Cancel(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}

	switch job.Status {
	case JobStatusQueued:
		now := time.Now()
		job.Status = JobStatusCancelled
		job.FinishedAt = &now
		s.queuedCount--
		return *job, nil
	case JobStatusProcessing:
		job.cancelRequested = true
		if job.cancel != nil {
			job.cancel()
		}
		return *job, nil
	default:
		return *job, ErrAlreadyTerminal
	}
}

// SetProgress overwrites the job's latest progress text. Progress never
// changes state.
func (s *Store) SetProgress(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		job.ProgressMessage = message
	}
}

func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns a snapshot of all jobs in submission order.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// QueuePosition returns the 1-based rank of a job among still-queued jobs,
// or 0 when the job is not queued.
func (s *Store) QueuePosition(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.jobs[id]
	if !ok || target.Status != JobStatusQueued {
		return 0
	}

	pos := 1
	for _, job := range s.jobs {
		if job.Status == JobStatusQueued && job.seq < target.seq {
			pos++
		}
	}
	return pos
}

// Counts returns the current queued and processing totals.
func (s *Store) Counts() (queued, processing int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedCount, s.processing
}

// Remove deletes a job record entirely. Processing jobs cannot be removed;
// cancel them first.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status == JobStatusProcessing {
		return ErrJobActive
	}
	if job.Status == JobStatusQueued {
		s.queuedCount--
	}
	delete(s.jobs, id)
	return nil
}
