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

package sched

import (
	"time"

	"rtkit.dev/rtkit/pkg/waitlist"
)

// Task is one unit of execution bound to a goroutine. A Task may block on
// at most one wait list at a time, through its embedded wait-list entry.
type Task struct {
	s        *Scheduler
	name     string
	priority int

	// entry is the task's intrusive wait-list registration. Its Context
	// points back at the task so wakers can reach it from the entry alone.
	entry waitlist.Entry

	// wake delivers at most one pending wake; see waiter wake-channel
	// pattern. Sends happen under the scheduler pause, receives in Block.
	wake chan struct{}

	// blockList and blockTimeout are armed by PlaceOnWaitList and consumed
	// by Block. blockList is cleared by whichever side unlinks the entry.
	blockList    *waitlist.List
	blockTimeout time.Duration
}

// Adopt binds the calling goroutine to a new task of the scheduler. The
// caller is responsible for not using the returned task from any other
// goroutine.
func (s *Scheduler) Adopt(name string, priority int) *Task {
	t := &Task{
		s:        s,
		name:     name,
		priority: priority,
		wake:     make(chan struct{}, 1),
	}
	t.entry.Context = t
	s.state.CompareAndSwap(int32(NotStarted), int32(Running))
	return t
}

// Go spawns a goroutine running fn as a new task. Use Join to wait for all
// spawned tasks to finish.
func (s *Scheduler) Go(name string, priority int, fn func(*Task)) *Task {
	t := s.Adopt(name, priority)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn(t)
	}()
	return t
}

// Join waits for all tasks spawned with Go to return.
func (s *Scheduler) Join() {
	s.tasks.Wait()
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// Priority returns the task's priority. Higher values run first under a
// priority dispatcher; here priority only feeds the higher-priority-woken
// reporting.
func (t *Task) Priority() int {
	return t.priority
}
