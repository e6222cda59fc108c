// Package worker executes command handlers one at a time. The desktop is a
// single exclusive resource (one mouse, one keyboard, one clipboard), so
// concurrency here is a bug, not a feature: a single worker goroutine drains
// a one-slot queue, and submissions while busy are rejected.
package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"
)

// Job is one unit of handler work.
type Job struct {
	// Name identifies the job in logs, usually the command id.
	Name string
	// Ctx carries the per-command deadline.
	Ctx context.Context
	// Run does the work. It should honor Ctx where it can.
	Run func(ctx context.Context) error
	// Done receives the outcome exactly once, from the worker goroutine.
	Done func(err error)
}

// Runner is the sequential executor.
type Runner struct {
	jobs chan Job
	idle chan struct{}
}

// NewRunner starts the worker goroutine.
func NewRunner() *Runner {
	r := &Runner{
		jobs: make(chan Job, 1),
		idle: make(chan struct{}, 1),
	}
	r.idle <- struct{}{}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	for job := range r.jobs {
		r.execute(job)
		r.idle <- struct{}{}
	}
}

// execute runs the job body in its own goroutine so an expired deadline can
// report the failure promptly. The worker still waits for the body to return
// before taking the next job: two handlers must never touch the desktop at
// once, even when one of them has already been written off as timed out.
func (r *Runner) execute(job Job) {
	start := time.Now()
	inner := make(chan error, 1)
	go func() {
		// A panicking handler must not take the process down; the command
		// lifecycle reports it as a failed outcome instead.
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Job %s panicked: %v\n%s", job.Name, r, debug.Stack())
				inner <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		inner <- job.Run(job.Ctx)
	}()

	select {
	case err := <-inner:
		log.Printf("Job %s finished in %s (err=%v)", job.Name, time.Since(start).Round(time.Millisecond), err)
		job.Done(err)
	case <-job.Ctx.Done():
		log.Printf("Job %s hit deadline after %s, waiting for handler to unwind", job.Name, time.Since(start).Round(time.Millisecond))
		job.Done(job.Ctx.Err())
		<-inner
		log.Printf("Job %s handler unwound %s after deadline", job.Name, time.Since(start).Round(time.Millisecond))
	}
}

// Submit enqueues a job if the runner is idle. Returns false when a job is
// already queued or running; the caller leaves the command pending and the
// next poll retries it.
func (r *Runner) Submit(job Job) bool {
	select {
	case <-r.idle:
		r.jobs <- job
		return true
	default:
		return false
	}
}

// Close stops the worker after the in-flight job, if any, completes.
func (r *Runner) Close() {
	close(r.jobs)
}
