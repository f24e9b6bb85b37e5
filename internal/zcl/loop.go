package zcl

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scheduler is the schedule-timer collaborator. Armed timers cannot be
// cancelled; callbacks check their own state when they fire.
type Scheduler interface {
	Schedule(delay time.Duration, fn func())
}

// Loop runs posted tasks one at a time on a single goroutine. Incoming
// frames and timer callbacks both go through it, so protocol state is only
// touched from one place.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a loop with a task queue of the given depth.
func NewLoop(queue int, logger *slog.Logger) *Loop {
	return &Loop{
		tasks:  make(chan func(), queue),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panic", "panic", r)
		}
	}()
	fn()
}

// Post queues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// TryPost queues fn unless the queue is full or the loop has stopped.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	ok := l.Post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return fmt.Errorf("event loop stopped")
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return fmt.Errorf("event loop stopped")
	}
}

// Schedule posts fn to the loop after delay.
func (l *Loop) Schedule(delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() { l.Post(fn) })
}
