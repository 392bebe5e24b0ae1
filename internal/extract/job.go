package extract

import (
	"sync"

	"github.com/google/uuid"
)

// progressQueue bounds undelivered progress updates. Updates are dropped
// when the listener falls behind.
const progressQueue = 16

// JobState is the lifecycle stage of an extraction job.
type JobState int

const (
	JobIdle JobState = iota
	JobProcessing
	JobSuccess
	JobError
)

func (s JobState) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobProcessing:
		return "processing"
	case JobSuccess:
		return "success"
	case JobError:
		return "error"
	default:
		return "unknown"
	}
}

// Progress is an advisory status update.
type Progress struct {
	Percent int
	Stage   string
}

// ProgressFunc receives progress updates on a separate goroutine.
type ProgressFunc func(Progress)

// Job is one extraction run started with Extractor.Start.
type Job struct {
	id string

	mu       sync.Mutex
	state    JobState
	progress Progress
	result   *Result
	err      error

	updates  chan Progress
	done     chan struct{}
	finished sync.Once
}

func newJob(listener ProgressFunc) *Job {
	j := &Job{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	if listener != nil {
		j.updates = make(chan Progress, progressQueue)
		go func() {
			for p := range j.updates {
				listener(p)
			}
		}()
	}
	return j
}

// ID returns the job identifier used in logs.
func (j *Job) ID() string { return j.id }

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the most recent update.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Done is closed when the job succeeds or fails.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its outcome.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// report records p and queues it for the listener without blocking.
func (j *Job) report(percent int, stage string) {
	p := Progress{Percent: percent, Stage: stage}
	j.mu.Lock()
	j.progress = p
	j.mu.Unlock()
	if j.updates == nil {
		return
	}
	select {
	case j.updates <- p:
	default:
	}
}

func (j *Job) finish(res *Result, err error) {
	j.finished.Do(func() {
		j.mu.Lock()
		j.result = res
		j.err = err
		if err != nil {
			j.state = JobError
		} else {
			j.state = JobSuccess
		}
		j.mu.Unlock()
		if j.updates != nil {
			close(j.updates)
		}
		close(j.done)
	})
}
