package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	ErrJobActive       = errors.New("job is still processing")
)

type ErrorKind string

const (
	ErrorKindReported ErrorKind = "reported_failure"
	ErrorKindInternal ErrorKind = "internal_execution_error"
	ErrorKindTimeout  ErrorKind = "timeout"
)

// ExecutionError describes why a job ended up failed. Reported failures come
// straight from the executor; internal errors cover crashes and panics caught
// at the worker boundary.
type ExecutionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Inputs holds the opaque references a job carries into the executor. The
// scheduling engine never inspects the files themselves.
type Inputs struct {
	ImagePath string
	AudioPath string
	Prompt    string
}

type Job struct {
	ID              string
	Status          JobStatus
	Inputs          Inputs
	ProgressMessage string
	ResultPath      string
	Error           *ExecutionError
	SubmittedAt     time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time

	// seq orders jobs by admission; cancelRequested marks an in-flight
	// cancellation for a processing job.
	seq             uint64
	cancelRequested bool
	cancel          context.CancelFunc
}

// ProgressFunc receives free-form progress text from a running executor.
type ProgressFunc func(message string)

// Executor runs the actual generation work for one job. Run blocks for the
// full duration of the work, honours ctx cancellation on a best-effort basis,
// and returns the produced artifact path or an error.
type Executor interface {
	Run(ctx context.Context, jobID string, inputs Inputs, progress ProgressFunc) (string, error)
}

// HistorySink receives jobs that reached a terminal state. Implementations
// must return quickly; failures stay internal to the sink.
type HistorySink interface {
	RecordTerminal(job *Job)
}

// QueueStats is the aggregate snapshot exposed to observers and the queue
// status endpoint.
type QueueStats struct {
	QueueSize       int `json:"queue_size"`
	ProcessingCount int `json:"processing_count"`
	MaxQueueSize    int `json:"max_queue_size"`
	MaxConcurrent   int `json:"max_concurrent"`
}
