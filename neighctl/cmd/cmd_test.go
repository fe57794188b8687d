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
	"bytes"
	"context"
	"flag"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dwadeiv/neighcache/neighctl/config"
	"github.com/dwadeiv/neighcache/pkg/metric"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/faketime"
	"github.com/dwadeiv/neighcache/pkg/tcpip/link/channel"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		t.Fatalf("flagSet.Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(flagSet)
	if err != nil {
		t.Fatalf("config.NewFromFlags(): %v", err)
	}
	return conf
}

func TestNewDatagram(t *testing.T) {
	dst := tcpip.Address("\x0a\x00\x00\x07")
	pkt, err := newDatagram(simLinkAddr, simSrcV4, dst, []byte("hello"))
	if err != nil {
		t.Fatalf("newDatagram(_): %v", err)
	}
	p := gopacket.NewPacket(pkt.Data, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := p.ErrorLayer(); errLayer != nil {
		t.Fatalf("decoding datagram: %v", errLayer.Error())
	}
	ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatalf("datagram has no IPv4 layer")
	}
	if got, want := ip.DstIP, net.IP(dst); !got.Equal(want) {
		t.Errorf("got DstIP = %s, want = %s", got, want)
	}
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || string(udp.Payload) != "hello" {
		t.Errorf("got UDP layer %+v, want payload %q", udp, "hello")
	}

	if _, err := newDatagram(simLinkAddr, simSrcV4, tcpip.Address("\x01"), nil); err == nil {
		t.Errorf("got newDatagram(1 byte address) = nil, want error")
	}
}

func TestEvictionScenario(t *testing.T) {
	env, link, err := runEvictionScenario(testConfig(t))
	if err != nil {
		t.Fatalf("runEvictionScenario(): %v", err)
	}
	var got []string
	for _, n := range env.stack.SortedEntries(addrcache.KindARP) {
		got = append(got, n.Addr.String()+" "+n.State)
	}
	want := []string{"10.0.0.2 resolved", "10.0.0.3 pending"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}
	if got := env.stack.Cache().Stats().Evictions.Value(); got != 1 {
		t.Errorf("got Evictions = %d, want = 1", got)
	}
	if got := link.NumQueued(); got != 0 {
		t.Errorf("got %d frames sent, want = 0", got)
	}

	var buf bytes.Buffer
	if err := printTable(&buf, env.stack); err != nil {
		t.Fatalf("printTable(): %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "02:00:00:01:00:02") || strings.Contains(out, "10.0.0.1 ") {
		t.Errorf("unexpected table:\n%s", out)
	}
}

func TestSimulation(t *testing.T) {
	conf := testConfig(t, "--arp-capacity=4", "--ndp-capacity=4", "--resolution-timeout=1s")
	pcap := filepath.Join(t.TempDir(), "sim.pcap")
	p := simParams{
		hosts:   6,
		packets: 60,
		senders: 3,
		ipv6:    true,
		latency: time.Millisecond,
		retries: 20,
		pcap:    pcap,
		snapLen: 128,
		seed:    1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sim, err := runSimulation(ctx, conf, p)
	if err != nil {
		t.Fatalf("runSimulation(): %v", err)
	}

	st := sim.stack.Stats()
	accounted := st.PacketsSent.Value() + st.PacketsQueued.Value() + sim.dropped.Load()
	if accounted != uint64(p.packets) {
		t.Errorf("got sent+queued+dropped = %d, want = %d", accounted, p.packets)
	}
	if sim.sent.Load() == 0 {
		t.Errorf("no frame reached the link")
	}
	for _, kind := range addrcache.Kinds {
		if got := len(sim.stack.Entries(kind)); got > 4 {
			t.Errorf("got %d %s entries, want at most 4", got, kind)
		}
	}

	f, err := os.Open(pcap)
	if err != nil {
		t.Fatalf("os.Open(%q): %v", pcap, err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatalf("pcapgo.NewReader(): %v", err)
	}
	data, _, err := r.ReadPacketData()
	if err != nil {
		t.Fatalf("r.ReadPacketData(): %v", err)
	}
	eth := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default).Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !bytes.HasPrefix(eth.DstMAC, []byte{0x02, 0, 0, 1}) {
		t.Errorf("got captured destination %s, want a simulated host address", eth.DstMAC)
	}
}

func TestSimulationInvalidParams(t *testing.T) {
	if _, err := runSimulation(context.Background(), testConfig(t), simParams{hosts: 0, senders: 1}); err == nil {
		t.Errorf("got runSimulation(hosts=0) = nil, want error")
	}
}

func TestMetrics(t *testing.T) {
	env, _, err := runEvictionScenario(testConfig(t))
	if err != nil {
		t.Fatalf("runEvictionScenario(): %v", err)
	}
	var r metric.Registry
	if err := env.registerMetrics(&r); err != nil {
		t.Fatalf("env.registerMetrics(): %v", err)
	}
	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("r.WriteText(): %v", err)
	}
	families, err := metric.Parse(&buf)
	if err != nil {
		t.Fatalf("metric.Parse(): %v", err)
	}
	for _, tc := range []struct {
		name string
		want float64
	}{
		{"neighcache_cache_evictions", 1},
		{"neighcache_neighbor_resolved", 2},
		{"neighcache_neighbor_packets_queued", 1},
		{"neighcache_timer_allocated", 3},
		{"neighcache_link_refused", 0},
	} {
		if got, ok := metric.Value(families, tc.name, nil); !ok || got != tc.want {
			t.Errorf("got %s = (%v, %t), want = (%v, true)", tc.name, got, ok, tc.want)
		}
	}
}

func TestImportNeighbors(t *testing.T) {
	env, err := newStack(testConfig(t), faketime.NewManualClock(), channel.New(1, 1500, simLinkAddr))
	if err != nil {
		t.Fatalf("newStack(): %v", err)
	}
	mac := net.HardwareAddr{0x52, 0x54, 0, 0x12, 0x34, 0x56}
	neighs := []netlink.Neigh{
		{LinkIndex: 2, Family: unix.AF_INET, State: netlink.NUD_REACHABLE, IP: net.ParseIP("192.168.1.1"), HardwareAddr: mac},
		{LinkIndex: 2, Family: unix.AF_INET6, State: netlink.NUD_STALE, IP: net.ParseIP("fe80::1"), HardwareAddr: mac},
		{LinkIndex: 2, Family: unix.AF_INET, State: netlink.NUD_FAILED, IP: net.ParseIP("192.168.1.9")},
		{LinkIndex: 3, Family: unix.AF_INET, State: netlink.NUD_PERMANENT, IP: net.ParseIP("172.16.0.1"), HardwareAddr: mac},
	}
	res := importNeighbors(env.stack, neighs, false)
	if diff := cmp.Diff(importResult{imported: 3, skipped: 1}, res, cmp.AllowUnexported(importResult{})); diff != "" {
		t.Errorf("import result mismatch (-want +got):\n%s", diff)
	}

	linkAddr, terr := env.stack.LinkAddress(2, tcpip.Address(net.ParseIP("192.168.1.1").To4()))
	if terr != nil || linkAddr != tcpip.LinkAddress(mac) {
		t.Errorf("got LinkAddress(192.168.1.1) = (%s, %s), want = (%s, nil)", linkAddr, terr, tcpip.LinkAddress(mac))
	}
	if got := len(env.stack.Entries(addrcache.KindNDP)); got != 1 {
		t.Errorf("got %d NDP entries, want = 1", got)
	}

	res = importNeighbors(env.stack, neighs, true)
	if diff := cmp.Diff(importResult{imported: 1, skipped: 3}, res, cmp.AllowUnexported(importResult{})); diff != "" {
		t.Errorf("permanent-only import result mismatch (-want +got):\n%s", diff)
	}
}
