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

// Package eventgroup provides event groups: shared sets of event flag bits
// that tasks can wait on, with match-any or match-all semantics, optional
// clear-on-exit consumption, timeouts, and a rendezvous operation for
// mutual synchronization points.
//
// A Group holds a single EventBits word. The low 56 bits are event flags
// available to callers; the top 8 bits are the control region, reserved
// for packing wake-cause and wait-mode bits into wait-list payloads. Any
// caller-supplied mask that intersects the control region is a programming
// error and panics.
//
// Multi-step sequences (registering a wait, the set-and-wake scan, the
// delete drain, rendezvous) run under the scheduler pause; single-step
// reads and writes (clear, get, the timeout re-check) use short critical
// sections. Interrupt handlers must not call the blocking or scanning
// operations: they use GetBitsFromISR for reads and pend SetBitsFromISR /
// ClearBitsFromISR through the deferred-call service for mutations.
package eventgroup

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rtkit.dev/rtkit/pkg/bits"
	"rtkit.dev/rtkit/pkg/defercall"
	"rtkit.dev/rtkit/pkg/sched"
	"rtkit.dev/rtkit/pkg/waitlist"
)

var log = logrus.WithField("subsys", "eventgroup")

// EventBits is an event group's bit vector.
type EventBits uint64

const (
	// NumFlagBits is the number of event flag bits available to callers.
	NumFlagBits = 56

	// FlagBits covers the caller-addressable flag region.
	FlagBits EventBits = 1<<NumFlagBits - 1

	// ControlBits covers the reserved control region. User masks must not
	// intersect it.
	ControlBits EventBits = ^FlagBits

	// Control bits packed alongside a waiter's mask in its wait-list
	// payload. wokenByMatch tags a wake value as "unblocked because the
	// wait condition matched" rather than by timeout.
	clearOnExitBit  EventBits = 1 << (NumFlagBits + 0)
	waitForAllBit   EventBits = 1 << (NumFlagBits + 1)
	wokenByMatchBit EventBits = 1 << (NumFlagBits + 2)
)

var (
	// ErrTimeout is returned by WaitBits and Sync when the wait condition
	// was not met within the allotted time. It accompanies the bits
	// snapshot taken at return; a timeout is an expected outcome, not a
	// failure.
	ErrTimeout = errors.New("eventgroup: wait timed out")

	// ErrNoMemory is returned by Pool.New when the pool is exhausted.
	ErrNoMemory = errors.New("eventgroup: pool exhausted")
)

// Pender is the deferred-call service consumed by the FromISR adapter.
// *defercall.Queue implements it.
type Pender interface {
	Pend(fn defercall.Func, arg any, value uint64, higherPrioWoken *bool) bool
}

// Group is an event group. Create one with New, NewStatic or Pool.New.
type Group struct {
	// bits and waiters are guarded by the scheduler's exclusion domain:
	// the pause for multi-step sequences, critical sections for
	// single-step access.
	bits    EventBits
	waiters waitlist.List

	s *sched.Scheduler
	q Pender

	// owner is the pool the group's storage came from, nil for GC- or
	// caller-owned groups. Fixed at creation.
	owner *Pool

	// storage is the adopted backing for statically created groups.
	storage *Storage

	// debugID is an opaque identifier for tracing tools. No effect on
	// synchronization; callers provide their own access discipline.
	debugID uint64
}

// Storage is caller-provided backing memory for a Group, for creation
// without dynamic allocation. Its size equals the internal representation
// by construction.
type Storage struct {
	g Group
}

func (g *Group) init(s *sched.Scheduler, q Pender) {
	g.bits = 0
	g.waiters.Reset()
	g.s = s
	g.q = q
	g.owner = nil
	g.storage = nil
	g.debugID = 0
}

// New creates a dynamically allocated event group with no flags set.
func New(s *sched.Scheduler, q Pender) *Group {
	if s == nil {
		panic("eventgroup: nil scheduler")
	}
	g := &Group{}
	g.init(s, q)
	log.Tracef("event group created")
	return g
}

// NewStatic creates an event group in the caller-provided storage. A nil
// storage is a caller bug and panics.
func NewStatic(st *Storage, s *sched.Scheduler, q Pender) *Group {
	if st == nil {
		panic("eventgroup: nil storage")
	}
	if s == nil {
		panic("eventgroup: nil scheduler")
	}
	g := &st.g
	g.init(s, q)
	g.storage = st
	log.Tracef("event group created in adopted storage")
	return g
}

// StaticStorage returns the adopted backing storage for a statically
// created group, and whether the group was created that way.
func (g *Group) StaticStorage() (*Storage, bool) {
	return g.storage, g.storage != nil
}

// DebugNumber returns the group's trace identifier.
func (g *Group) DebugNumber() uint64 {
	return g.debugID
}

// SetDebugNumber sets the group's trace identifier.
func (g *Group) SetDebugNumber(n uint64) {
	g.debugID = n
}

// waitConditionMet reports whether the wait condition defined by waitBits
// and waitForAll holds for current.
func waitConditionMet(current, waitBits EventBits, waitForAll bool) bool {
	if waitForAll {
		return bits.IsOn64(uint64(current), uint64(waitBits))
	}
	return bits.IsAnyOn64(uint64(current), uint64(waitBits))
}

// assertFlagRegion panics if mask intersects the control region.
func assertFlagRegion(mask EventBits) {
	if mask&ControlBits != 0 {
		panic("eventgroup: mask intersects the control region")
	}
}

// assertWaitMask panics if mask is empty or intersects the control region.
func assertWaitMask(mask EventBits) {
	if mask == 0 {
		panic("eventgroup: empty wait mask")
	}
	assertFlagRegion(mask)
}

// assertCanBlock panics if t would block while holding the scheduler
// pause, which can never complete.
func (g *Group) assertCanBlock(t *sched.Task, timeout time.Duration) {
	if timeout != 0 && g.s.PauseDepth(t) > 0 {
		panic("eventgroup: blocking wait while the scheduler is suspended")
	}
}

// WaitBits blocks t until any (or, with waitForAll, all) of the bits in
// waitBits are set in the group, or until timeout elapses. A timeout of 0
// polls; sched.Forever waits indefinitely. On success it returns the
// group's bits at the moment the condition was observed; with clearOnExit
// the waited-for bits are then cleared from the group. On timeout it
// returns the current bits alongside ErrTimeout.
func (g *Group) WaitBits(t *sched.Task, waitBits EventBits, clearOnExit, waitForAll bool, timeout time.Duration) (EventBits, error) {
	assertWaitMask(waitBits)
	g.assertCanBlock(t, timeout)

	var ret EventBits
	blocked := false
	timedOut := false

	g.s.SuspendAll(t)
	current := g.bits
	switch {
	case waitConditionMet(current, waitBits, waitForAll):
		// Already satisfied; no need to block.
		ret = current
		if clearOnExit {
			g.bits &^= waitBits
		}
	case timeout == 0:
		ret = current
		timedOut = true
	default:
		// Pack the wait mode into the registration so the set scan knows
		// when a match is found, then enter the blocked state.
		ctrl := EventBits(0)
		if clearOnExit {
			ctrl |= clearOnExitBit
		}
		if waitForAll {
			ctrl |= waitForAllBit
		}
		g.s.PlaceOnWaitList(t, &g.waiters, uint64(waitBits|ctrl), timeout)
		blocked = true
	}
	alreadyYielded := g.s.ResumeAll(t)

	if blocked {
		if !alreadyYielded {
			g.s.YieldNow()
		}

		// Either the required bits were set or the wait time expired. A
		// match leaves its post-set snapshot, tagged, in the registration.
		ret = EventBits(g.s.Block(t))
		if ret&wokenByMatchBit == 0 {
			// Timed out. The bits may have been updated between this task
			// leaving the blocked state and running again; re-test and
			// consume the match if it arrived.
			g.s.EnterCritical()
			ret = g.bits
			if waitConditionMet(ret, waitBits, waitForAll) && clearOnExit {
				g.bits &^= waitBits
			}
			g.s.ExitCritical()
			timedOut = true
		}
		ret &^= ControlBits
	}

	if timedOut {
		return ret, ErrTimeout
	}
	return ret, nil
}

// SetBits sets the bits in setBits, wakes every waiter whose condition is
// now satisfied, applies the accumulated clear-on-exit masks of the woken
// waiters, and returns the resulting bits. Waiters are woken in wait-list
// order; run order afterwards is the dispatcher's business.
func (g *Group) SetBits(t *sched.Task, setBits EventBits) EventBits {
	assertFlagRegion(setBits)

	g.s.SuspendAll(t)
	g.bits |= setBits

	var clear EventBits
	for e := g.waiters.Front(); e != nil; {
		// The entry is unlinked on a match; grab the successor first.
		next := e.Next()
		v := EventBits(e.Value)
		waitedFor := v & FlagBits

		// Each evaluation sees the current bits: removal is per match, not
		// batched, so earlier wakes are visible to later registrations.
		if waitConditionMet(g.bits, waitedFor, v&waitForAllBit != 0) {
			if v&clearOnExitBit != 0 {
				clear |= waitedFor
			}
			g.s.RemoveFromWaitList(e, uint64(g.bits|wokenByMatchBit))
		}
		e = next
	}

	// Clear what the woken clear-on-exit waiters consumed, all at once.
	g.bits &^= clear
	ret := g.bits
	g.s.ResumeAll(t)
	return ret
}

// ClearBits clears the bits in clearBits and returns the bits as they
// were before the clear. Clearing never wakes a waiter.
func (g *Group) ClearBits(clearBits EventBits) EventBits {
	assertFlagRegion(clearBits)

	g.s.EnterCritical()
	ret := g.bits
	g.bits &^= clearBits
	g.s.ExitCritical()
	return ret
}

// GetBits returns the group's current bits.
func (g *Group) GetBits() EventBits {
	return g.ClearBits(0)
}

// Sync is the rendezvous operation: it sets the bits in setBits, then
// waits for all bits in waitBits to be set, with an implied match-all and
// clear-on-exit — a completed rendezvous always consumes its bits. Each
// participant contributes its own bit and waits for the combined set; all
// participants return together once the last one arrives.
func (g *Group) Sync(t *sched.Task, setBits, waitBits EventBits, timeout time.Duration) (EventBits, error) {
	assertWaitMask(waitBits)
	assertFlagRegion(setBits)
	g.assertCanBlock(t, timeout)

	var ret EventBits
	blocked := false
	timedOut := false

	g.s.SuspendAll(t)
	original := g.bits

	// This contribution alone may complete the rendezvous for waiters
	// already parked.
	g.SetBits(t, setBits)

	if (original|setBits)&waitBits == waitBits {
		// All the rendezvous bits are now set; no need to block. They will
		// have been cleared by the set scan already unless this is the
		// only task in the rendezvous.
		ret = original | setBits
		g.bits &^= waitBits
	} else if timeout == 0 {
		ret = g.bits
		timedOut = true
	} else {
		g.s.PlaceOnWaitList(t, &g.waiters, uint64(waitBits|clearOnExitBit|waitForAllBit), timeout)
		blocked = true
	}
	alreadyYielded := g.s.ResumeAll(t)

	if blocked {
		if !alreadyYielded {
			g.s.YieldNow()
		}

		ret = EventBits(g.s.Block(t))
		if ret&wokenByMatchBit == 0 {
			// Timed out, but the remaining participants may have arrived
			// since; if so the rendezvous bits must still be consumed.
			g.s.EnterCritical()
			ret = g.bits
			if ret&waitBits == waitBits {
				g.bits &^= waitBits
			}
			g.s.ExitCritical()
			timedOut = true
		}
		ret &^= ControlBits
	}

	if timedOut {
		return ret, ErrTimeout
	}
	return ret, nil
}

// Delete unblocks every waiter with a "matched, zero bits" outcome, then
// releases the group's storage to its pool if pool-owned. Deleting a group
// with no waiters only releases storage.
func (g *Group) Delete(t *sched.Task) {
	g.s.SuspendAll(t)
	for !g.waiters.Empty() {
		// Wake with zero flag bits: the group is going away and can no
		// longer have any bits set for the waiter.
		g.s.RemoveFromWaitList(g.waiters.Front(), uint64(wokenByMatchBit))
	}
	g.s.ResumeAll(t)

	log.Tracef("event group deleted")
	if g.owner != nil {
		g.owner.put(g)
	}
}
