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

// Binary rtdemo exercises the rtkit synchronization primitives with small
// self-contained scenarios.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

var debug = flag.Bool("debug", false, "enable debug and trace logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Rendezvous), "")
	subcommands.Register(new(Pipeline), "")
	subcommands.Register(new(ISR), "")

	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.TraceLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf logs the error and exits; used for failures that make the demo
// scenario meaningless.
func fatalf(format string, args ...any) {
	logrus.Fatalf(format, args...)
}
