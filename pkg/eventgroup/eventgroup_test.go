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
	"errors"
	"testing"
	"time"
	"unsafe"

	"rtkit.dev/rtkit/pkg/sched"
)

// waiterCount returns the number of registrations parked on g, observed
// under the scheduler pause.
func waiterCount(s *sched.Scheduler, t *sched.Task, g *Group) int {
	s.SuspendAll(t)
	n := g.waiters.Len()
	s.ResumeAll(t)
	return n
}

// awaitWaiters spins until g has at least n parked registrations.
func awaitWaiters(t *testing.T, s *sched.Scheduler, task *sched.Task, g *Group, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for waiterCount(s, task, g) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d registrations", n)
		}
		s.YieldNow()
	}
}

func TestWaitConditionMet(t *testing.T) {
	for _, c := range []struct {
		current EventBits
		mask    EventBits
		anyMet  bool
		allMet  bool
	}{
		{0b0000, 0b0001, false, false},
		{0b0001, 0b0001, true, true},
		{0b0011, 0b0001, true, true},
		{0b0001, 0b0011, true, false},
		{0b0011, 0b0011, true, true},
		{0b0100, 0b0011, false, false},
		{0b0111, 0b0101, true, true},
	} {
		if got := waitConditionMet(c.current, c.mask, false); got != c.anyMet {
			t.Errorf("waitConditionMet(%#b, %#b, any) = %v, wanted %v", c.current, c.mask, got, c.anyMet)
		}
		if got := waitConditionMet(c.current, c.mask, true); got != c.allMet {
			t.Errorf("waitConditionMet(%#b, %#b, all) = %v, wanted %v", c.current, c.mask, got, c.allMet)
		}
	}
}

func TestStorageMatchesGroupSize(t *testing.T) {
	if got, want := unsafe.Sizeof(Storage{}), unsafe.Sizeof(Group{}); got != want {
		t.Errorf("Storage size %d does not match Group size %d", got, want)
	}
}

func TestSetThenGet(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	const mask = EventBits(0b1010)
	if got := g.SetBits(main, mask); got&mask != mask {
		t.Errorf("SetBits: got %#b, wanted %#b set", got, mask)
	}
	if got := g.GetBits(); got&mask != mask {
		t.Errorf("GetBits after SetBits: got %#b, wanted %#b set", got, mask)
	}
}

func TestClearReturnsPriorValue(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	g.SetBits(main, 0b0110)
	if got := g.ClearBits(0b0010); got != 0b0110 {
		t.Errorf("ClearBits: got prior value %#b, wanted %#b", got, 0b0110)
	}
	if got := g.GetBits(); got != 0b0100 {
		t.Errorf("GetBits after clear: got %#b, wanted %#b", got, 0b0100)
	}
}

func TestClearDisjointMaskIsIdempotent(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	g.SetBits(main, 0b0011)
	if got := g.ClearBits(0b1100); got != 0b0011 {
		t.Errorf("ClearBits with disjoint mask returned %#b, wanted %#b", got, 0b0011)
	}
	if got := g.GetBits(); got != 0b0011 {
		t.Errorf("disjoint ClearBits changed bits: got %#b, wanted %#b", got, 0b0011)
	}
}

func TestWaitAlreadySatisfied(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	g.SetBits(main, 0b0111)
	got, err := g.WaitBits(main, 0b0011, true, true, sched.Forever)
	if err != nil {
		t.Fatalf("WaitBits on satisfied condition: unexpected error %v", err)
	}
	if got != 0b0111 {
		t.Errorf("WaitBits snapshot: got %#b, wanted %#b", got, 0b0111)
	}
	if bits := g.GetBits(); bits != 0b0100 {
		t.Errorf("bits after clear-on-exit: got %#b, wanted %#b", bits, 0b0100)
	}
}

func TestWaitPollTimesOut(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	got, err := g.WaitBits(main, 0b0001, false, false, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("polling an unset bit: got err %v, wanted ErrTimeout", err)
	}
	if got != 0 {
		t.Errorf("polling an unset bit: got %#b, wanted 0", got)
	}
}

func TestWaitAllBitsAccumulate(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	type outcome struct {
		bits EventBits
		err  error
	}
	res := make(chan outcome, 1)
	s.Go("waiter", 1, func(task *sched.Task) {
		bits, err := g.WaitBits(task, 0b0011, true, true, sched.Forever)
		res <- outcome{bits, err}
	})
	awaitWaiters(t, s, main, g, 1)

	// Only half the condition: the waiter must stay parked.
	g.SetBits(main, 0b0001)
	select {
	case o := <-res:
		t.Fatalf("waiter woke on a partial match with %#b, %v", o.bits, o.err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := waiterCount(s, main, g); n != 1 {
		t.Fatalf("registration count after partial set: got %d, wanted 1", n)
	}

	g.SetBits(main, 0b0010)
	o := <-res
	if o.err != nil {
		t.Fatalf("waiter: unexpected error %v", o.err)
	}
	if o.bits != 0b0011 {
		t.Errorf("waiter snapshot: got %#b, wanted %#b", o.bits, 0b0011)
	}
	if bits := g.GetBits(); bits != 0 {
		t.Errorf("bits after clear-on-exit wake: got %#b, wanted 0", bits)
	}
	s.Join()
}

func TestWaitAnyBitWakes(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	res := make(chan EventBits, 1)
	s.Go("waiter", 1, func(task *sched.Task) {
		bits, err := g.WaitBits(task, 0b1100, false, false, sched.Forever)
		if err != nil {
			t.Errorf("waiter: unexpected error %v", err)
		}
		res <- bits
	})
	awaitWaiters(t, s, main, g, 1)

	g.SetBits(main, 0b0100)
	if got := <-res; got != 0b0100 {
		t.Errorf("waiter snapshot: got %#b, wanted %#b", got, 0b0100)
	}
	// No clear-on-exit: the bit stays set.
	if bits := g.GetBits(); bits != 0b0100 {
		t.Errorf("bits after wake: got %#b, wanted %#b", bits, 0b0100)
	}
	s.Join()
}

func TestWaitTimeoutReturnsCurrentBits(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	g.SetBits(main, 0b0001)
	got, err := g.WaitBits(main, 0b0110, false, true, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("unmatched wait: got err %v, wanted ErrTimeout", err)
	}
	if got != 0b0001 {
		t.Errorf("timeout snapshot: got %#b, wanted %#b", got, 0b0001)
	}
}

// TestTimeoutRaceMatchWins drives the wait-expiry vs. set race
// deterministically: the pause is held across the waiter's deadline, so
// its timeout path is parked while SetBits consumes the registration. The
// waiter must observe the match, not the timeout.
func TestTimeoutRaceMatchWins(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	type outcome struct {
		bits EventBits
		err  error
	}
	res := make(chan outcome, 1)
	s.Go("waiter", 1, func(task *sched.Task) {
		bits, err := g.WaitBits(task, 0b0001, true, true, 20*time.Millisecond)
		res <- outcome{bits, err}
	})
	awaitWaiters(t, s, main, g, 1)

	s.SuspendAll(main)
	time.Sleep(60 * time.Millisecond) // the waiter's deadline passes here
	g.SetBits(main, 0b0001)
	s.ResumeAll(main)

	o := <-res
	if o.err != nil {
		t.Fatalf("racing waiter: got err %v, wanted a match", o.err)
	}
	if o.bits != 0b0001 {
		t.Errorf("racing waiter snapshot: got %#b, wanted %#b", o.bits, 0b0001)
	}
	if bits := g.GetBits(); bits != 0 {
		t.Errorf("bits after clear-on-exit match: got %#b, wanted 0 (match must be consumed, not left set)", bits)
	}
	s.Join()
}

// TestTimeoutRaceRecheckConsumes drives the other half of the race: the
// wait expires, and the bits arrive before the timed-out task re-checks.
// The re-check must observe the match and consume it.
func TestTimeoutRaceRecheckConsumes(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	type outcome struct {
		bits EventBits
		err  error
	}
	res := make(chan outcome, 1)
	s.Go("waiter", 1, func(task *sched.Task) {
		bits, err := g.WaitBits(task, 0b0001, true, false, 20*time.Millisecond)
		res <- outcome{bits, err}
	})
	awaitWaiters(t, s, main, g, 1)

	// Hold the exclusion domain across the deadline and set the bit while
	// the timed-out waiter is parked before its own removal and re-check.
	s.EnterCritical()
	time.Sleep(60 * time.Millisecond)
	g.bits |= 0b0001
	s.ExitCritical()

	o := <-res
	if !errors.Is(o.err, ErrTimeout) {
		t.Fatalf("timed-out waiter: got err %v, wanted ErrTimeout", o.err)
	}
	if o.bits != 0b0001 {
		t.Errorf("timed-out waiter snapshot: got %#b, wanted %#b (re-check must see the late match)", o.bits, 0b0001)
	}
	if bits := g.GetBits(); bits != 0 {
		t.Errorf("bits after re-check: got %#b, wanted 0 (late match must be consumed)", bits)
	}
	s.Join()
}

// TestSetScanSeesDeferredClear checks that the set scan evaluates later
// registrations against the current bits: a clear-on-exit match earlier in
// the list must not hide the bits from a later waiter in the same scan.
func TestSetScanSeesDeferredClear(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	resA := make(chan EventBits, 1)
	resB := make(chan EventBits, 1)
	s.Go("a", 1, func(task *sched.Task) {
		bits, _ := g.WaitBits(task, 0b0001, true, false, sched.Forever)
		resA <- bits
	})
	awaitWaiters(t, s, main, g, 1)
	s.Go("b", 1, func(task *sched.Task) {
		bits, _ := g.WaitBits(task, 0b0001, false, true, sched.Forever)
		resB <- bits
	})
	awaitWaiters(t, s, main, g, 2)

	g.SetBits(main, 0b0001)
	if got := <-resA; got != 0b0001 {
		t.Errorf("first waiter snapshot: got %#b, wanted %#b", got, 0b0001)
	}
	if got := <-resB; got != 0b0001 {
		t.Errorf("second waiter snapshot: got %#b, wanted %#b", got, 0b0001)
	}
	// The accumulated clear applies once, after the scan.
	if bits := g.GetBits(); bits != 0 {
		t.Errorf("bits after scan: got %#b, wanted 0", bits)
	}
	s.Join()
}

func TestSyncRendezvousPair(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	const (
		bit0 = EventBits(0b01)
		bit1 = EventBits(0b10)
		both = bit0 | bit1
	)
	res := make(chan EventBits, 2)
	s.Go("a", 1, func(task *sched.Task) {
		bits, err := g.Sync(task, bit0, both, sched.Forever)
		if err != nil {
			t.Errorf("participant a: unexpected error %v", err)
		}
		res <- bits
	})
	awaitWaiters(t, s, main, g, 1)
	s.Go("b", 1, func(task *sched.Task) {
		bits, err := g.Sync(task, bit1, both, sched.Forever)
		if err != nil {
			t.Errorf("participant b: unexpected error %v", err)
		}
		res <- bits
	})

	for i := 0; i < 2; i++ {
		if got := <-res; got&both != both {
			t.Errorf("rendezvous result %d: got %#b, wanted %#b set", i, got, both)
		}
	}
	if bits := g.GetBits(); bits&both != 0 {
		t.Errorf("rendezvous bits not consumed: got %#b", bits)
	}
	s.Join()
}

func TestSyncRendezvousThree(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	const all = EventBits(0b111)
	res := make(chan EventBits, 3)
	for i := 0; i < 3; i++ {
		bit := EventBits(1) << i
		s.Go("participant", 1, func(task *sched.Task) {
			bits, err := g.Sync(task, bit, all, sched.Forever)
			if err != nil {
				t.Errorf("participant %#b: unexpected error %v", bit, err)
			}
			res <- bits
		})
		if i < 2 {
			awaitWaiters(t, s, main, g, i+1)
		}
	}
	for i := 0; i < 3; i++ {
		if got := <-res; got&all != all {
			t.Errorf("rendezvous result: got %#b, wanted %#b set", got, all)
		}
	}
	if bits := g.GetBits(); bits&all != 0 {
		t.Errorf("rendezvous bits not consumed: got %#b", bits)
	}
	s.Join()
}

func TestSyncLastArriverDoesNotBlock(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	g.SetBits(main, 0b10)
	got, err := g.Sync(main, 0b01, 0b11, sched.Forever)
	if err != nil {
		t.Fatalf("completing Sync: unexpected error %v", err)
	}
	if got != 0b11 {
		t.Errorf("completing Sync: got %#b, wanted %#b", got, 0b11)
	}
	if bits := g.GetBits(); bits != 0 {
		t.Errorf("bits after rendezvous: got %#b, wanted 0", bits)
	}
}

func TestSyncPollTimesOut(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	got, err := g.Sync(main, 0b01, 0b11, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("polling Sync: got err %v, wanted ErrTimeout", err)
	}
	if got != 0b01 {
		t.Errorf("polling Sync snapshot: got %#b, wanted %#b", got, 0b01)
	}
	// The contribution stays; only a completed rendezvous consumes.
	if bits := g.GetBits(); bits != 0b01 {
		t.Errorf("bits after failed rendezvous: got %#b, wanted %#b", bits, 0b01)
	}
}

func TestDeleteUnblocksWaiters(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	type outcome struct {
		bits EventBits
		err  error
	}
	res := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		s.Go("waiter", 1, func(task *sched.Task) {
			bits, err := g.WaitBits(task, 0b0001, false, false, sched.Forever)
			res <- outcome{bits, err}
		})
	}
	awaitWaiters(t, s, main, g, 2)

	g.Delete(main)
	for i := 0; i < 2; i++ {
		o := <-res
		if o.err != nil {
			t.Errorf("deleted-from-under waiter: got err %v, wanted a matched wake", o.err)
		}
		if o.bits != 0 {
			t.Errorf("deleted-from-under waiter: got bits %#b, wanted 0", o.bits)
		}
	}
	s.Join()
}

func TestPoolExhaustion(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	p := NewPool(2, s, nil)

	g1, err := p.New()
	if err != nil {
		t.Fatalf("first Pool.New: %v", err)
	}
	if _, err := p.New(); err != nil {
		t.Fatalf("second Pool.New: %v", err)
	}
	if _, err := p.New(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("exhausted Pool.New: got err %v, wanted ErrNoMemory", err)
	}
	if got := p.Free(); got != 0 {
		t.Errorf("Free on exhausted pool: got %d, wanted 0", got)
	}

	g1.Delete(main)
	if got := p.Free(); got != 1 {
		t.Errorf("Free after Delete: got %d, wanted 1", got)
	}
	if _, err := p.New(); err != nil {
		t.Errorf("Pool.New after Delete: %v", err)
	}
}

func TestStaticStorage(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)

	var st Storage
	g := NewStatic(&st, s, nil)
	got, ok := g.StaticStorage()
	if !ok || got != &st {
		t.Errorf("StaticStorage: got (%p, %v), wanted (%p, true)", got, ok, &st)
	}
	g.SetBits(main, 0b1)
	if bits := g.GetBits(); bits != 0b1 {
		t.Errorf("static group bits: got %#b, wanted 0b1", bits)
	}

	dyn := New(s, nil)
	if _, ok := dyn.StaticStorage(); ok {
		t.Errorf("dynamic group reports adopted storage")
	}
}

func TestDebugNumber(t *testing.T) {
	g := New(sched.New(), nil)
	if got := g.DebugNumber(); got != 0 {
		t.Errorf("initial debug number: got %d, wanted 0", got)
	}
	g.SetDebugNumber(42)
	if got := g.DebugNumber(); got != 42 {
		t.Errorf("debug number: got %d, wanted 42", got)
	}
}

func TestControlRegionMaskPanics(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	for _, fn := range []func(){
		func() { g.WaitBits(main, ControlBits, false, false, 0) },
		func() { g.WaitBits(main, 0, false, false, 0) },
		func() { g.SetBits(main, 1 << 60) },
		func() { g.ClearBits(1 << 63) },
		func() { g.Sync(main, 0, 1<<57, 0) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("contract violation did not panic")
				}
			}()
			fn()
		}()
	}
}

func TestBlockingWaitWhileSuspendedPanics(t *testing.T) {
	s := sched.New()
	main := s.Adopt("main", 1)
	g := New(s, nil)

	s.SuspendAll(main)
	defer s.ResumeAll(main)
	defer func() {
		if recover() == nil {
			t.Errorf("blocking wait under the scheduler pause did not panic")
		}
	}()
	g.WaitBits(main, 0b1, false, false, time.Millisecond)
}
