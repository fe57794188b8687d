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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/dwadeiv/neighcache/neighctl/config"
	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/channel"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/sniffer"
)

const (
	simNIC      = 1
	simLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
)

var (
	simSrcV4 = tcpip.Address("\x0a\x00\x00\x01")
	simSrcV6 = tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01")
)

// simParams configures a simulation run.
type simParams struct {
	hosts   int
	packets int
	senders int
	ipv6    bool
	latency time.Duration
	retries uint64
	pcap    string
	snapLen uint
	seed    int64
}

func (p *simParams) setFlags(f *flag.FlagSet) {
	f.IntVar(&p.hosts, "hosts", 16, "number of destination hosts.")
	f.IntVar(&p.packets, "packets", 256, "number of datagrams to send.")
	f.IntVar(&p.senders, "senders", 4, "number of concurrent senders.")
	f.BoolVar(&p.ipv6, "ipv6", true, "send to IPv6 hosts as well as IPv4 hosts.")
	f.DurationVar(&p.latency, "latency", 5*time.Millisecond, "time the simulated hosts take to answer a resolution.")
	f.Uint64Var(&p.retries, "retries", 8, "number of retries of a datagram refused because the cache is full.")
	f.StringVar(&p.pcap, "pcap", "", "if set, frames written to the link are saved to this pcap file.")
	f.UintVar(&p.snapLen, "snaplen", 65535, "maximum number of bytes of each frame saved to the pcap file.")
	f.Int64Var(&p.seed, "seed", 1, "seed used to pick destinations.")
}

// hostAddr returns the address of simulated host i.
func (p *simParams) hostAddr(i int) tcpip.Address {
	if p.ipv6 && i%2 == 1 {
		b := []byte(simSrcV6)
		b[14], b[15] = byte((i+2)>>8), byte(i+2)
		return tcpip.Address(b)
	}
	return tcpip.Address([]byte{10, 0, byte((i + 2) >> 8), byte(i + 2)})
}

// hostLinkAddr returns the link address of simulated host i.
func hostLinkAddr(i int) tcpip.LinkAddress {
	return tcpip.LinkAddress([]byte{0x02, 0, 0, 1, byte(i >> 8), byte(i)})
}

// tcpipError adapts a netstack error to the error interface.
type tcpipError struct {
	err *tcpip.Error
}

func (e *tcpipError) Error() string { return e.err.String() }

type resolveRequest struct {
	host int
	at   time.Time
}

// simulation is the result of a simulation run.
type simulation struct {
	*stackEnv
	sent     atomic.Uint64
	dropped  atomic.Uint64
	requests atomic.Uint64
}

// runSimulation sends p.packets datagrams to p.hosts destinations from
// p.senders goroutines. A responder answers each resolution after
// p.latency. Datagrams refused because the cache is full are retried with
// exponential backoff.
func runSimulation(ctx context.Context, conf *config.Config, p simParams) (*simulation, error) {
	if p.hosts <= 0 || p.senders <= 0 || p.packets < 0 {
		return nil, fmt.Errorf("hosts and senders must be positive and packets non-negative")
	}
	ch := channel.New(1024, 1500, simLinkAddr)
	defer ch.Close()

	var link addrcache.LinkEndpoint = sniffer.New(ch)
	if p.pcap != "" {
		f, err := os.Create(p.pcap)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		ep, err := sniffer.NewWithWriter(ch, f, uint32(p.snapLen))
		if err != nil {
			return nil, fmt.Errorf("writing pcap header: %w", err)
		}
		link = ep
	}

	env, err := newStack(conf, tcpip.NewStdClock(), link)
	if err != nil {
		return nil, err
	}
	env.linkStats = ch.Stats()
	sim := &simulation{stackEnv: env}
	s := env.stack

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	reqs := make(chan resolveRequest, p.hosts*4)

	// The responder and the link reader run until the senders are done and
	// the last resolutions had time to complete.
	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error {
		for {
			var r resolveRequest
			select {
			case <-bgCtx.Done():
				return nil
			case r = <-reqs:
			}
			if wait := time.Until(r.at.Add(p.latency)); wait > 0 {
				select {
				case <-bgCtx.Done():
					return nil
				case <-time.After(wait):
				}
			}
			if err := s.HandleConfirmation(simNIC, p.hostAddr(r.host), hostLinkAddr(r.host)); err != nil {
				log.Debugf("simulate: confirming host %d: %s", r.host, err)
			}
		}
	})
	bg.Go(func() error {
		for {
			pi, ok := ch.ReadContext(bgCtx)
			if !ok {
				return nil
			}
			sim.sent.Add(1)
			pi.Pkt.Release()
		}
	})

	var senders errgroup.Group
	for i := 0; i < p.senders; i++ {
		n := p.packets / p.senders
		if i < p.packets%p.senders {
			n++
		}
		rng := rand.New(rand.NewSource(p.seed + int64(i)))
		senders.Go(func() error {
			for j := 0; j < n; j++ {
				if err := sim.send(ctx, p, rng.Intn(p.hosts), reqs); err != nil {
					return err
				}
			}
			return nil
		})
	}
	sendErr := senders.Wait()

	select {
	case <-ctx.Done():
	case <-time.After(2*p.latency + 10*time.Millisecond):
	}
	cancel()
	if err := bg.Wait(); err != nil {
		return nil, err
	}
	if sendErr != nil {
		return nil, sendErr
	}
	return sim, nil
}

// send writes one datagram to host, retrying while the cache is full. A
// datagram the stack refuses is counted as dropped.
func (sim *simulation) send(ctx context.Context, p simParams, host int, reqs chan<- resolveRequest) error {
	dst := p.hostAddr(host)
	src := simSrcV4
	if len(dst) == len(simSrcV6) {
		src = simSrcV6
	}

	op := func() error {
		pkt, err := newDatagram(simLinkAddr, src, dst, []byte(fmt.Sprintf("datagram to host %d", host)))
		if err != nil {
			return backoff.Permanent(err)
		}
		switch terr := sim.stack.WritePacket(simNIC, dst, pkt); {
		case terr == nil:
			return nil
		case terr == tcpip.ErrWouldBlock:
			sim.requests.Add(1)
			select {
			case reqs <- resolveRequest{host: host, at: time.Now()}:
			default:
				// A full request queue only delays resolution; the
				// resolution timeout drops the datagram otherwise.
			}
			return nil
		case terr.Transient():
			return &tcpipError{terr}
		default:
			return backoff.Permanent(&tcpipError{terr})
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.retries), ctx)
	err := backoff.Retry(op, b)
	var terr *tcpipError
	if errors.As(err, &terr) {
		sim.dropped.Add(1)
		log.Debugf("simulate: dropping datagram to host %d: %s", host, terr.err)
		return nil
	}
	return err
}

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	params simParams
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "send simulated traffic through a neighbor cache"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - sends datagrams to simulated hosts from concurrent senders and prints the resulting neighbor table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	s.params.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	sim, err := runSimulation(ctx, conf, s.params)
	if err != nil {
		Fatalf("simulation failed: %v", err)
	}
	if err := printTable(os.Stdout, sim.stack); err != nil {
		Fatalf("printing table: %v", err)
	}
	st := sim.stack.Stats()
	fmt.Printf("\nframes sent: %d, resolutions requested: %d, refused after retries: %d, resolution failures: %d\n",
		sim.sent.Load(), sim.requests.Load(), sim.dropped.Load(), st.ResolutionFailures.Value())
	return subcommands.ExitSuccess
}
