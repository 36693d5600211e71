package engine

import (
	"context"
	"sync"

	"github.com/lanshare/lanshare/internal/dirjob"
)

// jobState tracks one send() call: a batch of one or more dirjob.Jobs bound
// for a single peer, per spec.md §6's job_handle.
type jobState struct {
	handle       string
	peerDeviceID string
	jobs         []dirjob.Job
	aggregator   *dirjob.Aggregator
	cancel       context.CancelFunc

	mu     sync.Mutex
	status string // "active", "complete", "failed", "cancelled"
	err    error
}

func (j *jobState) setStatus(status string) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
}

func (j *jobState) setErr(err error) {
	j.mu.Lock()
	j.status = "failed"
	j.err = err
	j.mu.Unlock()
}

func (j *jobState) snapshot() (status string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.err
}

// JobProgress is the snapshot spec.md §6's progress(job_handle) returns.
type JobProgress struct {
	BytesDone  int64
	BytesTotal int64
	State      string
}

// Progress returns the current aggregated progress for handle.
func (e *Engine) Progress(handle string) (JobProgress, bool) {
	e.jobsMu.Lock()
	js, ok := e.jobs[handle]
	e.jobsMu.Unlock()
	if !ok {
		return JobProgress{}, false
	}
	done, total := js.aggregator.Snapshot()
	status, _ := js.snapshot()
	return JobProgress{BytesDone: done, BytesTotal: total, State: status}, true
}

// Cancel requests cancellation of an in-progress send job. The current
// chunk's ACK wait ends as soon as the job's context is cancelled, without
// waiting out the ACK deadline; the transfer record is preserved for a
// later resume, never deleted.
func (e *Engine) Cancel(handle string) {
	e.jobsMu.Lock()
	js, ok := e.jobs[handle]
	e.jobsMu.Unlock()
	if !ok {
		return
	}
	if js.cancel != nil {
		js.cancel()
	}
}
