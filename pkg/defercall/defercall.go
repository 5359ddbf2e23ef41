// Copyright 2026 The RTKit Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package defercall provides the deferred-call service that interrupt
// handlers use to run pause-protected work outside interrupt context.
//
// An interrupt handler must not touch the scheduler pause, so operations
// like "set these event bits" cannot run where they are raised. Instead
// the handler pends a call: Pend enqueues the callback with its arguments
// and never blocks; a daemon running on a normal task context drains the
// queue and invokes each callback with the daemon's task. Pend reports
// only whether the enqueue was accepted, never whether the eventual call
// succeeded.
package defercall

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rtkit.dev/rtkit/pkg/sched"
)

var log = logrus.WithField("subsys", "defercall")

// dropLimit gates queue-overflow warnings so a stuck daemon cannot flood
// the log from interrupt rate.
var dropLimit = rate.NewLimiter(rate.Every(time.Second), 1)

// Func is a deferred callback. It runs on the daemon's task context with
// the two pended arguments.
type Func func(t *sched.Task, arg any, value uint64)

// call is one pended invocation.
type call struct {
	fn    Func
	arg   any
	value uint64
}

// Queue is a fixed-capacity deferred-call queue with a single daemon
// consumer. The zero value is not usable; use NewQueue.
type Queue struct {
	calls chan call

	// closed is closed by Stop; no calls are accepted afterwards.
	closed chan struct{}

	// drained is closed when the daemon has observed Stop and finished.
	drained chan struct{}

	// idle is 1 while the daemon is parked on an empty queue. Pend uses
	// the transition out of idle to report that the enqueue made the
	// daemon runnable.
	idle atomic.Int32

	runOnce  sync.Once
	stopOnce sync.Once
}

// NewQueue returns a Queue accepting up to capacity pending calls.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic("defercall: queue capacity must be positive")
	}
	return &Queue{
		calls:   make(chan call, capacity),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Pend enqueues fn(arg, value) for execution on the daemon task. It never
// blocks and is safe to call from interrupt context. It returns false if
// the queue is full or stopped; the call is then simply not made, and
// retrying is the caller's decision.
//
// If higherPrioWoken is non-nil, it is set to whether the enqueue made an
// idle daemon runnable, so an interrupt handler can request a context
// switch on exit.
func (q *Queue) Pend(fn Func, arg any, value uint64, higherPrioWoken *bool) bool {
	if fn == nil {
		panic("defercall: Pend with nil callback")
	}
	if higherPrioWoken != nil {
		*higherPrioWoken = false
	}
	select {
	case <-q.closed:
		return false
	default:
	}
	// Sample idleness before the send; afterwards the daemon may already
	// have consumed the call and cleared the flag.
	wasIdle := q.idle.Load() == 1
	select {
	case q.calls <- call{fn: fn, arg: arg, value: value}:
		if higherPrioWoken != nil && wasIdle {
			*higherPrioWoken = true
		}
		return true
	default:
		if dropLimit.Allow() {
			log.Warnf("deferred-call queue full, dropping pended call (capacity %d)", cap(q.calls))
		}
		return false
	}
}

// Run drains the queue, invoking each pended call with the daemon task t.
// It returns when Stop is called, after dropping whatever was still
// queued. Run may only be entered once.
func (q *Queue) Run(t *sched.Task) {
	entered := false
	q.runOnce.Do(func() {
		entered = true
		defer close(q.drained)
		for {
			// Check for Stop first so that a stop observed before a queued
			// call wins deterministically.
			select {
			case <-q.closed:
				q.drop()
				return
			default:
			}
			q.idle.Store(1)
			select {
			case c := <-q.calls:
				q.idle.Store(0)
				c.fn(t, c.arg, c.value)
			case <-q.closed:
				q.idle.Store(0)
				q.drop()
				return
			}
		}
	})
	if !entered {
		panic("defercall: Run entered twice")
	}
}

// drop discards calls left in the queue at stop time.
func (q *Queue) drop() {
	dropped := 0
	for {
		select {
		case <-q.calls:
			dropped++
		default:
			if dropped > 0 {
				log.Warnf("dropped %d pended calls at stop", dropped)
			}
			return
		}
	}
}

// Stop stops intake and terminates the daemon. Pends racing with Stop may
// still be accepted; they are dropped by the daemon on its way out.
// Stopping twice is a no-op.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.closed)
	})
}

// WaitDrained blocks until the daemon has exited.
func (q *Queue) WaitDrained() {
	<-q.drained
}
