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

// Package sched provides the cooperative scheduling service that
// synchronization primitives block against: a reentrant scheduler pause,
// short exclusive critical sections, and task blocking with wait-list
// placement, timed wakeup and wake-value transport.
//
// Tasks are goroutines adopted into (or spawned by) a Scheduler. The
// scheduler pause is the multi-step atomicity mechanism: while one task
// holds it, no other task can enter a pause-protected region, so
// read-then-mutate-then-wake sequences execute without interleaving.
// Critical sections share the same exclusion domain and are meant for
// single-step reads and writes.
//
// A blocked task resumes either because another task removed its wait-list
// registration with RemoveFromWaitList, or because its wait time elapsed.
// In the latter case Block consumes the task's own registration under the
// scheduler pause; if the registration is already gone, a wake won the
// race and the recorded wake value is returned instead of a timeout.
package sched

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"rtkit.dev/rtkit/pkg/waitlist"
)

// Forever is the wait-forever sentinel for blocking operations.
const Forever = time.Duration(math.MaxInt64)

// State is the scheduler's run state.
type State int32

const (
	// NotStarted is the state before any task has been adopted or spawned.
	NotStarted State = iota

	// Running is the normal state.
	Running

	// Suspended is the state while some task holds the scheduler pause.
	Suspended
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Scheduler is a cooperative scheduling service. It must not be copied
// after first use.
type Scheduler struct {
	// mu is the single exclusion domain shared by the scheduler pause and
	// by critical sections. With tasks running on real goroutines the two
	// mechanisms must exclude each other, or a critical-section write
	// could interleave with a pause-protected scan.
	mu sync.Mutex

	// owner is the task currently holding the scheduler pause, nil when
	// the pause is free. depth is the pause nesting count; it is only
	// accessed by the current owner, with ownership handed off through mu.
	owner atomic.Pointer[Task]
	depth int

	state atomic.Int32

	tasks sync.WaitGroup
}

// New returns a new Scheduler in the NotStarted state.
func New() *Scheduler {
	return &Scheduler{}
}

// State returns the scheduler's current run state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// SuspendAll acquires the scheduler pause on behalf of t. The pause is
// reentrant per owning task: a task already holding it only deepens the
// nesting. Other tasks calling SuspendAll wait until the pause is fully
// released.
func (s *Scheduler) SuspendAll(t *Task) {
	if t == nil {
		panic("sched: SuspendAll with nil task")
	}
	if s.owner.Load() == t {
		s.depth++
		return
	}
	s.mu.Lock()
	s.owner.Store(t)
	s.depth = 1
	s.state.Store(int32(Suspended))
}

// ResumeAll releases one level of the scheduler pause held by t. It
// reports whether a yield already occurred during the resume, in which
// case the caller need not yield again. In this realization resuming
// never yields, so ResumeAll always returns false; callers are expected
// to follow with YieldNow when they unblocked work.
func (s *Scheduler) ResumeAll(t *Task) bool {
	if s.owner.Load() != t {
		panic("sched: ResumeAll by a task not holding the scheduler pause")
	}
	s.depth--
	if s.depth == 0 {
		s.owner.Store(nil)
		s.state.Store(int32(Running))
		s.mu.Unlock()
	}
	return false
}

// PauseDepth returns the scheduler pause nesting held by t, or zero if t
// does not hold the pause.
func (s *Scheduler) PauseDepth(t *Task) int {
	if s.owner.Load() == t {
		return s.depth
	}
	return 0
}

// YieldNow cooperatively yields the calling task's goroutine.
func (s *Scheduler) YieldNow() {
	runtime.Gosched()
}

// EnterCritical begins a short exclusive critical section. Critical
// sections exclude pause-protected regions as well; a task must not open
// one while holding the scheduler pause.
func (s *Scheduler) EnterCritical() {
	s.mu.Lock()
}

// ExitCritical ends a critical section begun by EnterCritical.
func (s *Scheduler) ExitCritical() {
	s.mu.Unlock()
}

// EnterCriticalFromISR is the interrupt-safe critical section entry. It
// returns the saved interrupt mask to be passed to ExitCriticalFromISR.
func (s *Scheduler) EnterCriticalFromISR() uint64 {
	s.mu.Lock()
	return 0
}

// ExitCriticalFromISR ends a critical section begun by
// EnterCriticalFromISR, restoring the saved interrupt mask.
func (s *Scheduler) ExitCriticalFromISR(mask uint64) {
	_ = mask
	s.mu.Unlock()
}

// PlaceOnWaitList registers t on the given wait list, carrying value as
// the entry payload, and arms the block for the given timeout. The actual
// park happens in Block, after the caller has released the pause.
//
// Preconditions: the scheduler pause is held by t; t is not already
// registered on any wait list.
func (s *Scheduler) PlaceOnWaitList(t *Task, l *waitlist.List, value uint64, timeout time.Duration) {
	if s.owner.Load() != t {
		panic("sched: PlaceOnWaitList without holding the scheduler pause")
	}
	t.entry.Value = value
	t.blockList = l
	t.blockTimeout = timeout
	l.PushBack(&t.entry)
}

// RemoveFromWaitList unlinks the given registration, records value as its
// packed wake outcome and makes the owning task runnable. It reports
// whether the woken task has higher priority than the task holding the
// pause.
//
// Preconditions: the scheduler pause is held; e is a linked registration
// placed by PlaceOnWaitList.
func (s *Scheduler) RemoveFromWaitList(e *waitlist.Entry, value uint64) bool {
	cur := s.owner.Load()
	if cur == nil {
		panic("sched: RemoveFromWaitList without holding the scheduler pause")
	}
	t := e.Context.(*Task)
	t.blockList.Remove(e)
	t.blockList = nil
	e.Value = value
	// The wake channel has capacity 1 and at most one pending wake per
	// registration, so this send cannot block.
	t.wake <- struct{}{}
	return t.priority > cur.priority
}

// Block parks t until its registration is woken or its armed wait time
// elapses, and returns the entry's packed value: the recorded wake
// outcome if woken, the original packed request if the wait timed out.
//
// Preconditions: t placed itself on a wait list with PlaceOnWaitList and
// has since released the scheduler pause.
func (s *Scheduler) Block(t *Task) uint64 {
	if t.blockTimeout == Forever {
		<-t.wake
		return t.entry.Value
	}

	timer := time.NewTimer(t.blockTimeout)
	defer timer.Stop()
	select {
	case <-t.wake:
		return t.entry.Value
	case <-timer.C:
	}

	// The wait time elapsed, but a wake may still have consumed the
	// registration after the timer fired. Resolve under the pause: either
	// the entry is still linked and t consumes its own registration, or
	// the wake won and its recorded value stands.
	s.SuspendAll(t)
	if t.entry.InList() {
		t.blockList.Remove(&t.entry)
		t.blockList = nil
	} else {
		<-t.wake
	}
	v := t.entry.Value
	s.ResumeAll(t)
	return v
}
