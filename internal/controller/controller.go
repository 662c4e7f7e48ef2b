// Package controller bounds the number of simultaneously running
// executions. Admission is strictly FIFO by enqueue time; the wait queue
// and running count are only ever touched under one mutex, so all
// admit/release/cancel operations are atomic with respect to each other.
package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrCancelled is returned from Admit when the queued request was removed
// by TryCancel before a slot became free.
var ErrCancelled = errors.New("admission cancelled")

type waiter struct {
	id     uuid.UUID
	ready  chan struct{}
	cancel chan struct{}
}

type Controller struct {
	mu      sync.Mutex
	limit   int
	running int
	queue   []*waiter
}

func New(limit int) *Controller {
	if limit < 1 {
		limit = 1
	}
	return &Controller{limit: limit}
}

// Admit blocks until a running slot is free or ctx is cancelled. Requests
// are served in enqueue order; a request never jumps the queue even when a
// slot is free the moment it arrives.
func (c *Controller) Admit(ctx context.Context, execID uuid.UUID) error {
	c.mu.Lock()
	if c.running < c.limit && len(c.queue) == 0 {
		c.running++
		c.mu.Unlock()
		return nil
	}

	w := &waiter{id: execID, ready: make(chan struct{}), cancel: make(chan struct{})}
	c.queue = append(c.queue, w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-w.cancel:
		return ErrCancelled
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-w.ready:
			// Admitted while cancelling: hand the slot to the next waiter.
			c.running--
			c.admitNextLocked()
			c.mu.Unlock()
		default:
			c.removeLocked(w)
			c.mu.Unlock()
		}
		return ctx.Err()
	}
}

// TryCancel removes a queued (not yet admitted) request. Returns false
// when execID is not waiting, which means it either was never enqueued or
// has already been admitted.
func (c *Controller) TryCancel(execID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.queue {
		if w.id == execID {
			c.removeLocked(w)
			close(w.cancel)
			return true
		}
	}
	return false
}

// Release frees a running slot and admits the earliest waiter, if any.
// Called exactly once per successful Admit, when the execution terminates.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
	c.admitNextLocked()
}

// Running returns the number of admitted, unreleased executions.
func (c *Controller) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// QueueLen returns the number of requests waiting for admission.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) admitNextLocked() {
	if c.running >= c.limit || len(c.queue) == 0 {
		return
	}
	w := c.queue[0]
	c.queue = c.queue[1:]
	c.running++
	close(w.ready)
}

func (c *Controller) removeLocked(target *waiter) {
	for i, w := range c.queue {
		if w == target {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
