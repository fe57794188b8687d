// Copyright 2020 The gVisor Authors.
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

package neighbor_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
	"github.com/dwadeiv/neighcache/pkg/tcpip/faketime"
	"github.com/dwadeiv/neighcache/pkg/tcpip/header"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/channel"
	"github.com/dwadeiv/neighcache/pkg/tcpip/neighbor"
)

const (
	nicID = 1

	localLinkAddr  = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	remoteLinkAddr = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
)

var (
	ipv4Addr = tcpip.Address("\x0a\x00\x00\x02")
	ipv6Addr = tcpip.Address("\xfe\x80\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02")
)

type testContext struct {
	stack *neighbor.Stack
	clock *faketime.ManualClock
	link  *channel.Endpoint
	opts  neighbor.Options
}

func newTestContext(t *testing.T, capacity int) *testContext {
	t.Helper()
	clock := faketime.NewManualClock()
	link := channel.New(32, 1500, localLinkAddr)
	opts := neighbor.DefaultOptions()
	opts.Clock = clock
	opts.Link = link

	cfg := addrcache.DefaultConfig()
	cfg.ARP.Capacity = capacity
	cfg.NDP.Capacity = capacity
	s, err := neighbor.New(cfg, opts)
	if err != nil {
		t.Fatalf("neighbor.New(_, _): %s", err)
	}
	return &testContext{stack: s, clock: clock, link: link, opts: opts}
}

func newPacket(payload byte) *buffer.PacketBuffer {
	pkt := buffer.NewPacketBuffer(header.EthernetMinimumSize, []byte{payload})
	header.Ethernet(pkt.LinkHeader()).Encode(&header.EthernetFields{SrcAddr: localLinkAddr})
	return pkt
}

func (c *testContext) state(t *testing.T, kind addrcache.Kind, addr tcpip.Address) string {
	t.Helper()
	for _, n := range c.stack.Entries(kind) {
		if n.Addr == addr {
			return n.State
		}
	}
	return "absent"
}

func TestNewInvalidOptions(t *testing.T) {
	opts := neighbor.DefaultOptions()
	opts.Link = channel.New(1, 1500, "")
	opts.ReachableTime = 0
	if _, err := neighbor.New(addrcache.DefaultConfig(), opts); err != tcpip.ErrInvalidOptionValue {
		t.Errorf("got neighbor.New(_, _) = %s, want = %s", err, tcpip.ErrInvalidOptionValue)
	}
}

func TestWritePacketResolves(t *testing.T) {
	tests := []struct {
		name  string
		addr  tcpip.Address
		kind  addrcache.Kind
		proto tcpip.NetworkProtocolNumber
		state string
	}{
		{"arp", ipv4Addr, addrcache.KindARP, tcpip.IPv4ProtocolNumber, "resolved"},
		{"ndp", ipv6Addr, addrcache.KindNDP, tcpip.IPv6ProtocolNumber, "reachable"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := newTestContext(t, 4)
			s := c.stack

			for i := 0; i < 2; i++ {
				if err := s.WritePacket(nicID, test.addr, newPacket(byte(i))); err != tcpip.ErrWouldBlock {
					t.Fatalf("got s.WritePacket(%d, %s, _) = %s, want = %s", nicID, test.addr, err, tcpip.ErrWouldBlock)
				}
			}
			if got := c.state(t, test.kind, test.addr); got != "pending" && got != "incomplete" {
				t.Errorf("got state = %s before confirmation, want pending or incomplete", got)
			}
			if _, err := s.LinkAddress(nicID, test.addr); err != tcpip.ErrWouldBlock {
				t.Errorf("got s.LinkAddress(%d, %s) = %s, want = %s", nicID, test.addr, err, tcpip.ErrWouldBlock)
			}
			if got := c.link.NumQueued(); got != 0 {
				t.Fatalf("got %d packets sent before confirmation, want = 0", got)
			}

			if err := s.HandleConfirmation(nicID, test.addr, remoteLinkAddr); err != nil {
				t.Fatalf("s.HandleConfirmation(%d, %s, %s): %s", nicID, test.addr, remoteLinkAddr, err)
			}
			for i := 0; i < 2; i++ {
				p, ok := c.link.Read()
				if !ok {
					t.Fatalf("packet #%d not sent", i)
				}
				if got := header.Ethernet(p.Pkt.LinkHeader()).DestinationAddress(); got != remoteLinkAddr {
					t.Errorf("packet #%d destination = %s, want = %s", i, got, remoteLinkAddr)
				}
				if p.Proto != test.proto || p.NIC != nicID {
					t.Errorf("packet #%d sent with proto %d on nic %d, want proto %d on nic %d", i, p.Proto, p.NIC, test.proto, nicID)
				}
			}
			if got := c.state(t, test.kind, test.addr); got != test.state {
				t.Errorf("got state = %s, want = %s", got, test.state)
			}
			if got, err := s.LinkAddress(nicID, test.addr); err != nil || got != remoteLinkAddr {
				t.Errorf("got s.LinkAddress(%d, %s) = (%s, %v), want = (%s, nil)", nicID, test.addr, got, err, remoteLinkAddr)
			}

			if err := s.WritePacket(nicID, test.addr, newPacket(9)); err != nil {
				t.Errorf("s.WritePacket to a resolved neighbor: %s", err)
			}
			if got := c.link.Drain(); got != 1 {
				t.Errorf("got %d packets sent to a resolved neighbor, want = 1", got)
			}

			stats := s.Stats()
			if got := stats.PacketsQueued.Value(); got != 2 {
				t.Errorf("got PacketsQueued = %d, want = 2", got)
			}
			if got := stats.PacketsSent.Value(); got != 1 {
				t.Errorf("got PacketsSent = %d, want = 1", got)
			}
			if got := stats.Resolved.Value(); got != 1 {
				t.Errorf("got Resolved = %d, want = 1", got)
			}
		})
	}
}

func TestResolutionTimeout(t *testing.T) {
	c := newTestContext(t, 4)
	s := c.stack

	if err := s.WritePacket(nicID, ipv4Addr, newPacket(1)); err != tcpip.ErrWouldBlock {
		t.Fatalf("got s.WritePacket(_) = %s, want = %s", err, tcpip.ErrWouldBlock)
	}
	c.clock.Advance(c.opts.ResolutionTimeout)

	if got := c.state(t, addrcache.KindARP, ipv4Addr); got != "absent" {
		t.Errorf("got state = %s after resolution timeout, want = absent", got)
	}
	if _, err := s.LinkAddress(nicID, ipv4Addr); err != tcpip.ErrNoLinkAddress {
		t.Errorf("got s.LinkAddress(_) = %s, want = %s", err, tcpip.ErrNoLinkAddress)
	}
	if got := s.Stats().ResolutionFailures.Value(); got != 1 {
		t.Errorf("got ResolutionFailures = %d, want = 1", got)
	}
	if got := s.Cache().Stats().TxDiscarded.Value(); got != 1 {
		t.Errorf("got TxDiscarded = %d, want = 1", got)
	}
	if got := s.Cache().FreeCount(addrcache.KindARP); got != 4 {
		t.Errorf("got FreeCount = %d, want = 4", got)
	}
}

func TestARPAgeOut(t *testing.T) {
	c := newTestContext(t, 4)
	s := c.stack
	if err := s.HandleConfirmation(nicID, ipv4Addr, remoteLinkAddr); err != nil {
		t.Fatalf("s.HandleConfirmation(_): %s", err)
	}
	c.clock.Advance(c.opts.ARPCacheTimeout - time.Nanosecond)
	if got := c.state(t, addrcache.KindARP, ipv4Addr); got != "resolved" {
		t.Fatalf("got state = %s before age out, want = resolved", got)
	}
	c.clock.Advance(time.Nanosecond)
	if got := c.state(t, addrcache.KindARP, ipv4Addr); got != "absent" {
		t.Errorf("got state = %s after age out, want = absent", got)
	}
}

func TestNDPReachabilityStates(t *testing.T) {
	c := newTestContext(t, 4)
	s := c.stack
	if err := s.HandleConfirmation(nicID, ipv6Addr, remoteLinkAddr); err != nil {
		t.Fatalf("s.HandleConfirmation(_): %s", err)
	}

	var got []string
	record := func() { got = append(got, c.state(t, addrcache.KindNDP, ipv6Addr)) }
	record()

	c.clock.Advance(c.opts.ReachableTime)
	record()

	// Traffic to a stale neighbor goes out right away and starts DELAY.
	if err := s.WritePacket(nicID, ipv6Addr, newPacket(1)); err != nil {
		t.Fatalf("s.WritePacket to a stale neighbor: %s", err)
	}
	if n := c.link.Drain(); n != 1 {
		t.Errorf("got %d packets sent to a stale neighbor, want = 1", n)
	}
	record()

	c.clock.Advance(c.opts.DelayFirstProbeTime)
	record()

	c.clock.Advance(c.opts.RetransmitTimer)
	record()

	want := []string{"reachable", "stale", "delay", "probe", "absent"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	if n := s.Stats().Probes.Value(); n != 1 {
		t.Errorf("got Probes = %d, want = 1", n)
	}
	if n := s.Stats().ResolutionFailures.Value(); n != 1 {
		t.Errorf("got ResolutionFailures = %d, want = 1", n)
	}
}

func TestNDPConfirmationDuringDelay(t *testing.T) {
	c := newTestContext(t, 4)
	s := c.stack
	if err := s.HandleConfirmation(nicID, ipv6Addr, remoteLinkAddr); err != nil {
		t.Fatalf("s.HandleConfirmation(_): %s", err)
	}
	if err := s.HandleStale(nicID, ipv6Addr); err != nil {
		t.Fatalf("s.HandleStale(_): %s", err)
	}
	if err := s.WritePacket(nicID, ipv6Addr, newPacket(1)); err != nil {
		t.Fatalf("s.WritePacket(_): %s", err)
	}
	if got := c.state(t, addrcache.KindNDP, ipv6Addr); got != "delay" {
		t.Fatalf("got state = %s, want = delay", got)
	}
	if err := s.HandleConfirmation(nicID, ipv6Addr, remoteLinkAddr); err != nil {
		t.Fatalf("s.HandleConfirmation(_) in delay: %s", err)
	}
	c.clock.Advance(c.opts.DelayFirstProbeTime + c.opts.RetransmitTimer)
	if got := c.state(t, addrcache.KindNDP, ipv6Addr); got != "reachable" {
		t.Errorf("got state = %s, want = reachable", got)
	}
}

func TestHandleStaleErrors(t *testing.T) {
	c := newTestContext(t, 4)
	s := c.stack
	if err := s.HandleStale(nicID, ipv4Addr); err != tcpip.ErrInvalidType {
		t.Errorf("got s.HandleStale(ipv4) = %s, want = %s", err, tcpip.ErrInvalidType)
	}
	if err := s.HandleStale(nicID, ipv6Addr); err != tcpip.ErrBadAddress {
		t.Errorf("got s.HandleStale(unknown) = %s, want = %s", err, tcpip.ErrBadAddress)
	}
	if err := s.WritePacket(nicID, ipv6Addr, newPacket(1)); err != tcpip.ErrWouldBlock {
		t.Fatalf("got s.WritePacket(_) = %s, want = %s", err, tcpip.ErrWouldBlock)
	}
	if err := s.HandleStale(nicID, ipv6Addr); err != tcpip.ErrNoLinkAddress {
		t.Errorf("got s.HandleStale(incomplete) = %s, want = %s", err, tcpip.ErrNoLinkAddress)
	}
	if err := s.WritePacket(nicID, tcpip.Address("\x01\x02"), newPacket(1)); err != tcpip.ErrBadAddress {
		t.Errorf("got s.WritePacket(short address) = %s, want = %s", err, tcpip.ErrBadAddress)
	}
}

func TestPoolEmptyIsTransient(t *testing.T) {
	c := newTestContext(t, 1)
	s := c.stack
	if err := s.WritePacket(nicID, ipv4Addr, newPacket(1)); err != tcpip.ErrWouldBlock {
		t.Fatalf("got s.WritePacket(_) = %s, want = %s", err, tcpip.ErrWouldBlock)
	}
	other := tcpip.Address("\x0a\x00\x00\x03")
	err := s.WritePacket(nicID, other, newPacket(2))
	if err != tcpip.ErrPoolEmpty {
		t.Fatalf("got s.WritePacket(_) = %s, want = %s", err, tcpip.ErrPoolEmpty)
	}
	if !err.Transient() {
		t.Error("got ErrPoolEmpty.Transient() = false, want = true")
	}
	if got := s.Stats().PacketsDropped.Value(); got != 1 {
		t.Errorf("got PacketsDropped = %d, want = 1", got)
	}

	// Once the first destination resolves, its entry can be evicted.
	if err := s.HandleConfirmation(nicID, ipv4Addr, remoteLinkAddr); err != nil {
		t.Fatalf("s.HandleConfirmation(_): %s", err)
	}
	if err := s.WritePacket(nicID, other, newPacket(2)); err != tcpip.ErrWouldBlock {
		t.Errorf("got s.WritePacket(_) after resolution = %s, want = %s", err, tcpip.ErrWouldBlock)
	}
	want := []string{"pending"}
	var got []string
	for _, n := range s.Entries(addrcache.KindARP) {
		got = append(got, n.State)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove(t *testing.T) {
	c := newTestContext(t, 4)
	s := c.stack
	if err := s.HandleConfirmation(nicID, ipv4Addr, remoteLinkAddr); err != nil {
		t.Fatalf("s.HandleConfirmation(_): %s", err)
	}
	if err := s.Remove(nicID, ipv4Addr); err != nil {
		t.Fatalf("s.Remove(_): %s", err)
	}
	if err := s.Remove(nicID, ipv4Addr); err != tcpip.ErrBadAddress {
		t.Errorf("got second s.Remove(_) = %s, want = %s", err, tcpip.ErrBadAddress)
	}
	if got := len(s.Entries(addrcache.KindARP)); got != 0 {
		t.Errorf("got %d entries, want = 0", got)
	}
}
