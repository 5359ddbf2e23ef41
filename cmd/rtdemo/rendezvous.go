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
	"fmt"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"rtkit.dev/rtkit/pkg/eventgroup"
	"rtkit.dev/rtkit/pkg/sched"
)

// Rendezvous implements subcommands.Command for the "rendezvous" command.
type Rendezvous struct {
	participants int
	rounds       int
	timeout      time.Duration
}

// Name implements subcommands.Command.Name.
func (*Rendezvous) Name() string {
	return "rendezvous"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Rendezvous) Synopsis() string {
	return "run N tasks through repeated barrier rendezvous on one event group"
}

// Usage implements subcommands.Command.Usage.
func (*Rendezvous) Usage() string {
	return `rendezvous [-participants N] [-rounds N] - run a barrier rendezvous demo.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Rendezvous) SetFlags(f *flag.FlagSet) {
	f.IntVar(&r.participants, "participants", 3, "number of rendezvous participants")
	f.IntVar(&r.rounds, "rounds", 5, "rendezvous rounds to run")
	f.DurationVar(&r.timeout, "timeout", 10*time.Second, "per-round rendezvous timeout")
}

// Execute implements subcommands.Command.Execute.
func (r *Rendezvous) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if r.participants < 1 || r.participants > eventgroup.NumFlagBits {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s := sched.New()
	g := eventgroup.New(s, nil)
	all := eventgroup.EventBits(1)<<r.participants - 1

	start := time.Now()
	for i := 0; i < r.participants; i++ {
		bit := eventgroup.EventBits(1) << i
		name := fmt.Sprintf("participant-%d", i)
		s.Go(name, 1, func(t *sched.Task) {
			for round := 0; round < r.rounds; round++ {
				bits, err := g.Sync(t, bit, all, r.timeout)
				if err != nil {
					fatalf("%s: round %d rendezvous failed: %v", t.Name(), round, err)
				}
				logrus.WithFields(logrus.Fields{
					"task":  t.Name(),
					"round": round,
					"bits":  fmt.Sprintf("%#b", bits),
				}).Debug("rendezvous complete")
			}
		})
	}
	s.Join()

	logrus.Infof("%d participants completed %d rendezvous rounds in %v",
		r.participants, r.rounds, time.Since(start))
	return subcommands.ExitSuccess
}
