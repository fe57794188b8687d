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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/dwadeiv/neighcache/neighctl/config"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/faketime"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/channel"
)

// runEvictionScenario fills an ARP table of capacity two with the resolved
// neighbors 10.0.0.1 and 10.0.0.2, then sends to 10.0.0.3. The least
// recently used neighbor, 10.0.0.1, is evicted to make room. The scenario
// runs on a manual clock so no timer fires.
func runEvictionScenario(conf *config.Config) (*stackEnv, *channel.Endpoint, error) {
	conf = conf.Copy()
	conf.ARPCapacity = 2

	link := channel.New(16, 1500, simLinkAddr)
	env, err := newStack(conf, faketime.NewManualClock(), link)
	if err != nil {
		return nil, nil, err
	}
	env.linkStats = link.Stats()
	s := env.stack
	for i := 1; i <= 2; i++ {
		addr := tcpip.Address([]byte{10, 0, 0, byte(i)})
		if err := s.HandleConfirmation(simNIC, addr, hostLinkAddr(i)); err != nil {
			return nil, nil, fmt.Errorf("confirming %s: %s", addr, err)
		}
	}
	dst := tcpip.Address([]byte{10, 0, 0, 3})
	pkt, err := newDatagram(simLinkAddr, simSrcV4, dst, []byte("eviction scenario"))
	if err != nil {
		return nil, nil, err
	}
	if err := s.WritePacket(simNIC, dst, pkt); err != tcpip.ErrWouldBlock {
		return nil, nil, fmt.Errorf("sending to %s: got %s, want %s", dst, err, tcpip.ErrWouldBlock)
	}
	return env, link, nil
}

// Dump implements subcommands.Command for the "dump" command.
type Dump struct{}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "run the capacity-two eviction scenario and print the table"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump - resolves two neighbors in a two entry ARP table, sends to a third and prints the address-sorted table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Dump) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	env, _, err := runEvictionScenario(conf)
	if err != nil {
		Fatalf("eviction scenario: %v", err)
	}
	if err := printTable(os.Stdout, env.stack); err != nil {
		Fatalf("printing table: %v", err)
	}
	fmt.Printf("\nevictions: %d\n", env.stack.Cache().Stats().Evictions.Value())
	return subcommands.ExitSuccess
}
