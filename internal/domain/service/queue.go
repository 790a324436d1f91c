package service

import (
	"context"
	"errors"
)

// Job is one queued unit of work. Key is the ordering key (conversation id):
// jobs with the same key are handed to handlers one at a time, in publish order.
type Job struct {
	ID      string
	Key     string
	Body    []byte
	Attempt int
	// Final is set on the last delivery the queue will make. A handler that
	// still cannot finish should park the work where operators can see it.
	Final bool
}

// JobHandler processes a job. Returning nil acknowledges it; returning an
// error wrapping entity.ErrPoison drops it to the queue's dead letters; an
// error wrapping entity.ErrLeaseHeld defers the job without using up its
// redeliveries; any other error makes the job visible again for redelivery.
type JobHandler func(ctx context.Context, job Job) error

// JobQueue is the durable at-least-once queue substrate.
type JobQueue interface {
	Publish(ctx context.Context, job Job) error
	// Consume blocks, feeding jobs to handler from a bounded worker pool,
	// until ctx is done.
	Consume(ctx context.Context, handler JobHandler) error
	Close() error
}

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("queue closed")
