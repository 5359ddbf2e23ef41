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
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"rtkit.dev/rtkit/pkg/bits"
	"rtkit.dev/rtkit/pkg/eventgroup"
	"rtkit.dev/rtkit/pkg/sched"
)

// pipelineConfig is the YAML scenario description for the pipeline demo.
type pipelineConfig struct {
	// Items is the number of work items pushed through the pipeline.
	Items int `yaml:"items"`
	// Stages run in declaration order; each waits for its predecessor's
	// completion bit and raises its own.
	Stages []stageConfig `yaml:"stages"`
}

type stageConfig struct {
	Name string `yaml:"name"`
	// Delay simulates per-item processing time.
	Delay time.Duration `yaml:"delay"`
}

func defaultPipeline() *pipelineConfig {
	return &pipelineConfig{
		Items: 10,
		Stages: []stageConfig{
			{Name: "acquire", Delay: time.Millisecond},
			{Name: "filter", Delay: time.Millisecond},
			{Name: "publish", Delay: time.Millisecond},
		},
	}
}

func loadPipeline(path string) (*pipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	conf := defaultPipeline()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parsing scenario %q: %w", path, err)
	}
	if conf.Items < 1 {
		return nil, fmt.Errorf("scenario %q: items must be positive", path)
	}
	if n := len(conf.Stages); n < 1 || n >= eventgroup.NumFlagBits {
		return nil, fmt.Errorf("scenario %q: need between 1 and %d stages", path, eventgroup.NumFlagBits-1)
	}
	return conf, nil
}

// Pipeline implements subcommands.Command for the "pipeline" command. Each
// stage task waits on the previous stage's completion bit and raises its
// own, so one item at a time trickles through the whole chain.
type Pipeline struct {
	scenario string
	timeout  time.Duration
}

// Name implements subcommands.Command.Name.
func (*Pipeline) Name() string {
	return "pipeline"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Pipeline) Synopsis() string {
	return "chain stage tasks hand-to-hand through event bits"
}

// Usage implements subcommands.Command.Usage.
func (*Pipeline) Usage() string {
	return `pipeline [-scenario file.yaml] - run a staged hand-off demo.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Pipeline) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.scenario, "scenario", "", "YAML scenario file; built-in 3-stage scenario if empty")
	f.DurationVar(&p.timeout, "timeout", 10*time.Second, "per-item stage timeout")
}

// Execute implements subcommands.Command.Execute.
func (p *Pipeline) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := defaultPipeline()
	if p.scenario != "" {
		var err error
		if conf, err = loadPipeline(p.scenario); err != nil {
			fatalf("%v", err)
		}
	}

	s := sched.New()
	main := s.Adopt("main", 1)
	g := eventgroup.New(s, nil)

	// Bit 0 injects an item; stage i raises bit i+1 when done with it.
	for i, stage := range conf.Stages {
		waitBit := eventgroup.EventBits(1) << i
		doneBit := waitBit << 1
		stage := stage
		s.Go(stage.Name, 1, func(t *sched.Task) {
			for item := 0; item < conf.Items; item++ {
				if _, err := g.WaitBits(t, waitBit, true, true, p.timeout); err != nil {
					fatalf("stage %s: item %d: %v", stage.Name, item, err)
				}
				time.Sleep(stage.Delay)
				logrus.WithFields(logrus.Fields{
					"stage": stage.Name,
					"item":  item,
				}).Debug("stage complete")
				g.SetBits(t, doneBit)
			}
		})
	}

	start := time.Now()
	lastBit := eventgroup.EventBits(1) << len(conf.Stages)
	for item := 0; item < conf.Items; item++ {
		g.SetBits(main, 1)
		if _, err := g.WaitBits(main, lastBit, true, true, p.timeout); err != nil {
			fatalf("item %d never left the pipeline: %v", item, err)
		}
	}
	s.Join()

	logrus.Infof("pushed %d items through %s in %v",
		conf.Items, describeStages(conf.Stages), time.Since(start))
	if leftover := g.GetBits(); leftover != 0 {
		var set []string
		bits.ForEachSetBit64(uint64(leftover), func(i int) {
			set = append(set, fmt.Sprintf("%d", i))
		})
		logrus.Warnf("bits still set after drain: %s", strings.Join(set, ","))
	}
	return subcommands.ExitSuccess
}

func describeStages(stages []stageConfig) string {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	return strings.Join(names, " -> ")
}
