// Package lifecycle runs one background loop at a time with explicit start and stop.
package lifecycle

import (
	"context"
	"sync"
)

// Job is a running loop.
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the loop has returned.
func (job *Job) Done() <-chan struct{} {
	return job.done
}

// Loop owns at most one running Job.
type Loop struct {
	mutex sync.Mutex
	job   *Job
}

// Start launches run in a goroutine unless a job is already running, in which case the existing job is
// returned with started set to false. run receives a context cancelled by Stop or by parent.
func (loop *Loop) Start(parent context.Context, run func(ctx context.Context)) (job *Job, started bool) {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	if loop.job != nil {
		return loop.job, false
	}
	ctx, cancel := context.WithCancel(parent)
	job = &Job{cancel: cancel, done: make(chan struct{})}
	loop.job = job
	go func() {
		defer close(job.done)
		defer loop.release(job)
		defer cancel()
		run(ctx)
	}()
	return job, true
}

// Stop cancels the running job and reports whether there was one. It does not wait for the job to return.
func (loop *Loop) Stop() bool {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	if loop.job == nil {
		return false
	}
	loop.job.cancel()
	loop.job = nil
	return true
}

// Running reports whether a job is active.
func (loop *Loop) Running() bool {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	return loop.job != nil
}

func (loop *Loop) release(job *Job) {
	loop.mutex.Lock()
	defer loop.mutex.Unlock()
	if loop.job == job {
		loop.job = nil
	}
}
