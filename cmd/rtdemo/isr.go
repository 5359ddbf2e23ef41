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

package main

import (
	"context"
	"flag"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rtkit.dev/rtkit/pkg/defercall"
	"rtkit.dev/rtkit/pkg/eventgroup"
	"rtkit.dev/rtkit/pkg/sched"
)

// ISR implements subcommands.Command for the "isr" command. Ticker
// goroutines stand in for interrupt sources: each pends set-bits commands
// through the deferred-call service, and a consumer task collects the
// flags as they land.
type ISR struct {
	sources  int
	period   time.Duration
	duration time.Duration
	depth    int
}

// Name implements subcommands.Command.Name.
func (*ISR) Name() string {
	return "isr"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ISR) Synopsis() string {
	return "feed event bits from simulated interrupt sources through the deferred-call service"
}

// Usage implements subcommands.Command.Usage.
func (*ISR) Usage() string {
	return `isr [-sources N] [-period D] [-duration D] - run the interrupt adapter demo.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *ISR) SetFlags(f *flag.FlagSet) {
	f.IntVar(&i.sources, "sources", 4, "number of simulated interrupt sources")
	f.DurationVar(&i.period, "period", 5*time.Millisecond, "interrupt period per source")
	f.DurationVar(&i.duration, "duration", 2*time.Second, "how long to run")
	f.IntVar(&i.depth, "depth", 32, "deferred-call queue depth")
}

// Execute implements subcommands.Command.Execute.
func (i *ISR) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if i.sources < 1 || i.sources > eventgroup.NumFlagBits {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s := sched.New()
	q := defercall.NewQueue(i.depth)
	s.Go("defercall", 10, q.Run)
	g := eventgroup.New(s, q)

	allSources := eventgroup.EventBits(1)<<i.sources - 1
	var handled int
	var dropped, preempts atomic.Int64

	// The consumer drains whichever source bits have landed.
	done := make(chan struct{})
	s.Go("consumer", 1, func(t *sched.Task) {
		for {
			bits, err := g.WaitBits(t, allSources, true, false, i.period)
			select {
			case <-done:
				return
			default:
			}
			if err != nil {
				continue
			}
			logrus.WithField("bits", bits).Trace("consumed interrupt flags")
			handled++
		}
	})

	ctx, cancel := context.WithTimeout(ctx, i.duration)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	for src := 0; src < i.sources; src++ {
		bit := eventgroup.EventBits(1) << src
		eg.Go(func() error {
			tick := time.NewTicker(i.period)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-tick.C:
					var woken bool
					if !g.SetBitsFromISR(bit, &woken) {
						dropped.Add(1)
						continue
					}
					if woken {
						preempts.Add(1)
					}
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		fatalf("interrupt sources: %v", err)
	}

	close(done)
	g.SetBits(s.Adopt("main", 1), allSources) // release the consumer
	q.Stop()
	q.WaitDrained()
	s.Join()

	logrus.Infof("%d sources for %v: %d wait completions, %d pends dropped, %d daemon wakeups",
		i.sources, i.duration, handled, dropped.Load(), preempts.Load())
	return subcommands.ExitSuccess
}
