// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the neighctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dwadeiv/neighcache/neighctl/config"
	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/metric"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/channel"
	"github.com/dwadeiv/neighcache/pkg/tcpip/neighbor"
	"github.com/dwadeiv/neighcache/pkg/tcpip/timer"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the caller of neighctl.
var ErrorLogger io.Writer

// Fatalf logs to stderr and ErrorLogger, then exits with a failure status.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "neighctl: %s\n", msg)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "%s\n", msg)
	}
	os.Exit(128)
}

// stackEnv is a neighbor stack together with the parts it was built from.
type stackEnv struct {
	stack  *neighbor.Stack
	timers *timer.Pool

	// linkStats, if set, holds the counters of the channel under the stack.
	linkStats *channel.Stats
}

// newStack builds a neighbor stack configured by conf that writes to link.
func newStack(conf *config.Config, clock tcpip.Clock, link addrcache.LinkEndpoint) (*stackEnv, error) {
	timers := timer.NewPool(clock, conf.TimerCapacity())
	opts := conf.NeighborOptions()
	opts.Clock = clock
	opts.Timers = timers
	opts.Link = link
	s, err := neighbor.New(conf.CacheConfig(), opts)
	if err != nil {
		return nil, fmt.Errorf("creating neighbor stack: %s", err)
	}
	return &stackEnv{stack: s, timers: timers}, nil
}

// registerMetrics exports the counters of env to r.
func (env *stackEnv) registerMetrics(r *metric.Registry) error {
	if err := r.Register("cache", env.stack.Cache().Stats(), nil); err != nil {
		return err
	}
	if err := r.Register("neighbor", env.stack.Stats(), nil); err != nil {
		return err
	}
	if err := r.Register("timer", env.timers.Stats(), nil); err != nil {
		return err
	}
	if env.linkStats != nil {
		return r.Register("link", env.linkStats, nil)
	}
	return nil
}

// printTable writes the neighbors of every kind to w, ordered by NIC and
// address.
func printTable(w io.Writer, s *neighbor.Stack) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "KIND\tNIC\tADDRESS\tLINK ADDRESS\tSTATE\tHITS\tPENDING\n")
	for _, kind := range addrcache.Kinds {
		for _, n := range s.SortedEntries(kind) {
			linkAddr := "-"
			if n.Resolved {
				linkAddr = n.LinkAddr.String()
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%d\n", kind, n.NIC, n.Addr, linkAddr, n.State, n.Accessed, n.Pending)
		}
	}
	return tw.Flush()
}
