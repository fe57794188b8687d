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
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dwadeiv/neighcache/neighctl/config"
	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/header"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/channel"
	"github.com/dwadeiv/neighcache/pkg/tcpip/neighbor"
)

// usableStates are the kernel neighbor states that carry a link address.
const usableStates = netlink.NUD_REACHABLE | netlink.NUD_PERMANENT | netlink.NUD_STALE | netlink.NUD_DELAY | netlink.NUD_PROBE

// importResult counts the outcome of an import.
type importResult struct {
	imported int
	skipped  int
	refused  int
}

// importNeighbors adds every usable kernel neighbor to s. Neighbors are keyed
// by the kernel interface index.
func importNeighbors(s *neighbor.Stack, neighs []netlink.Neigh, permanentOnly bool) importResult {
	var res importResult
	for _, n := range neighs {
		usable := n.State&usableStates != 0
		if permanentOnly {
			usable = n.State&netlink.NUD_PERMANENT != 0
		}
		if !usable || len(n.HardwareAddr) != header.EthernetAddressSize || n.IP == nil {
			res.skipped++
			continue
		}
		addr := tcpip.Address(n.IP)
		if ip4 := n.IP.To4(); n.Family == unix.AF_INET && ip4 != nil {
			addr = tcpip.Address(ip4)
		}
		if err := s.HandleConfirmation(tcpip.NICID(n.LinkIndex), addr, tcpip.LinkAddress(n.HardwareAddr)); err != nil {
			log.Debugf("import-host: %s on link %d: %s", n.IP, n.LinkIndex, err)
			res.refused++
			continue
		}
		res.imported++
	}
	return res
}

// ImportHost implements subcommands.Command for the "import-host" command.
type ImportHost struct {
	iface         string
	permanentOnly bool
}

// Name implements subcommands.Command.Name.
func (*ImportHost) Name() string {
	return "import-host"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ImportHost) Synopsis() string {
	return "load the host neighbor table into a cache and print it"
}

// Usage implements subcommands.Command.Usage.
func (*ImportHost) Usage() string {
	return `import-host [-iface <name>] [-permanent-only] - reads the kernel ARP and NDP tables over netlink and prints them as a neighbor cache.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *ImportHost) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.iface, "iface", "", "only import neighbors of this interface.")
	f.BoolVar(&c.permanentOnly, "permanent-only", false, "only import static neighbors.")
}

// Execute implements subcommands.Command.Execute.
func (c *ImportHost) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	linkIndex := 0
	if c.iface != "" {
		l, err := netlink.LinkByName(c.iface)
		if err != nil {
			Fatalf("looking up interface %q: %v", c.iface, err)
		}
		linkIndex = l.Attrs().Index
	}

	var neighs []netlink.Neigh
	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		dump, err := netlink.NeighList(linkIndex, family)
		if err != nil {
			Fatalf("fetching neighbor table: %v", err)
		}
		neighs = append(neighs, dump...)
	}

	env, err := newStack(conf, tcpip.NewStdClock(), channel.New(1, 1500, ""))
	if err != nil {
		Fatalf("%v", err)
	}
	res := importNeighbors(env.stack, neighs, c.permanentOnly)
	if err := printTable(os.Stdout, env.stack); err != nil {
		Fatalf("printing table: %v", err)
	}
	fmt.Printf("\nimported: %d, skipped: %d, refused: %d\n", res.imported, res.skipped, res.refused)
	return subcommands.ExitSuccess
}
