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

package eventgroup

import (
	"rtkit.dev/rtkit/pkg/sched"
)

// This file is the interrupt-deferred adapter. The scheduler pause is not
// interrupt-safe, so the set and clear protocols cannot run in interrupt
// context; handlers pend them through the group's deferred-call service
// instead. Only the plain read is performed directly, inside an
// interrupt-safe critical section.

// GetBitsFromISR returns the group's current bits. It is the only group
// operation permitted directly from interrupt context.
func (g *Group) GetBitsFromISR() EventBits {
	mask := g.s.EnterCriticalFromISR()
	ret := g.bits
	g.s.ExitCriticalFromISR(mask)
	return ret
}

// setBitsDeferred executes a 'set bits' command that was pended from an
// interrupt, on the deferred-call daemon's task.
func setBitsDeferred(t *sched.Task, arg any, value uint64) {
	arg.(*Group).SetBits(t, EventBits(value))
}

// clearBitsDeferred executes a 'clear bits' command that was pended from
// an interrupt.
func clearBitsDeferred(t *sched.Task, arg any, value uint64) {
	arg.(*Group).ClearBits(EventBits(value))
}

// SetBitsFromISR pends a SetBits call for execution outside interrupt
// context. It reports whether the pend was accepted, not whether the bits
// were eventually set; a rejected pend performs no mutation and is not
// retried. If higherPrioWoken is non-nil it reports whether a
// higher-priority task became eligible to run, so the interrupt handler
// can request a context switch on exit.
func (g *Group) SetBitsFromISR(setBits EventBits, higherPrioWoken *bool) bool {
	assertFlagRegion(setBits)
	if g.q == nil {
		return false
	}
	return g.q.Pend(setBitsDeferred, g, uint64(setBits), higherPrioWoken)
}

// ClearBitsFromISR pends a ClearBits call for execution outside interrupt
// context. It reports whether the pend was accepted.
func (g *Group) ClearBitsFromISR(clearBits EventBits) bool {
	assertFlagRegion(clearBits)
	if g.q == nil {
		return false
	}
	return g.q.Pend(clearBitsDeferred, g, uint64(clearBits), nil)
}
