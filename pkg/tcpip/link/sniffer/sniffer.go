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

// Package sniffer provides a link endpoint that wraps another endpoint and
// logs the frames written through it.
//
// Sniffer endpoints are placed between the neighbor cache and the real link:
// create one with New(lower) and pass it as the cache's link endpoint.
package sniffer

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
)

// LogPackets is a flag used to enable or disable packet logging via the log
// package. Valid values are 0 or 1.
//
// LogPackets must be accessed atomically.
var LogPackets uint32 = 1

// LogPacketsToPCAP is a flag used to enable or disable logging packets to a
// pcap writer. Valid values are 0 or 1. A writer must have been specified when
// the sniffer was created for this flag to have effect.
//
// LogPacketsToPCAP must be accessed atomically.
var LogPacketsToPCAP uint32 = 1

// Endpoint is a sniffing link endpoint.
type Endpoint struct {
	lower  addrcache.LinkEndpoint
	logger log.Logger

	// mu serializes writes to pcap.
	mu   sync.Mutex
	pcap *pcapWriter
}

var _ addrcache.LinkEndpoint = (*Endpoint)(nil)

// New creates a new sniffer link-layer endpoint. It wraps around another
// endpoint and logs frames as they traverse the endpoint.
func New(lower addrcache.LinkEndpoint) *Endpoint {
	return &Endpoint{lower: lower, logger: log.Log()}
}

// NewWithWriter creates a new sniffer link-layer endpoint. It wraps around
// another endpoint and logs frames as they traverse the endpoint.
//
// Frames are logged to w in the pcap format. A sniffer created with this
// function will not emit frames using the log package.
//
// snapLen is the maximum amount of a frame to be saved. Frames with a length
// less than or equal to snapLen will be saved in their entirety. Longer frames
// will be truncated to snapLen.
func NewWithWriter(lower addrcache.LinkEndpoint, w io.Writer, snapLen uint32) (*Endpoint, error) {
	pw, err := newPCAPWriter(w, snapLen)
	if err != nil {
		return nil, err
	}
	return &Endpoint{lower: lower, logger: log.Log(), pcap: pw}, nil
}

// WritePacket implements addrcache.LinkEndpoint. Every buffer handed to the
// link is logged before it is forwarded to the lower endpoint.
func (e *Endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	e.dumpPacket("send", pkt)
	return e.lower.WritePacket(pkt)
}

func (e *Endpoint) dumpPacket(prefix string, pkt *buffer.PacketBuffer) {
	if e.pcap == nil {
		if atomic.LoadUint32(&LogPackets) == 1 && e.logger.IsLogging(log.Debug) {
			e.logger.Debugf("%s %s", prefix, Summary(pkt.Data))
		}
		return
	}
	if atomic.LoadUint32(&LogPacketsToPCAP) == 1 {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.pcap.write(pkt.Data); err != nil {
			e.logger.Warningf("sniffer: writing pcap record: %v", err)
		}
	}
}

// Summary decodes an Ethernet frame and describes it in one line.
func Summary(frame []byte) string {
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	eth, ok := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("malformed frame len:%d", len(frame))
	}
	var details string
	switch {
	case p.Layer(layers.LayerTypeARP) != nil:
		arp := p.Layer(layers.LayerTypeARP).(*layers.ARP)
		op := "request"
		if arp.Operation == layers.ARPReply {
			op = "reply"
		}
		details = fmt.Sprintf("arp %s %s -> %s", op, ipString(arp.SourceProtAddress), ipString(arp.DstProtAddress))
	case p.Layer(layers.LayerTypeIPv4) != nil:
		ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		details = fmt.Sprintf("ipv4 %s -> %s proto:%s len:%d", ip.SrcIP, ip.DstIP, ip.Protocol, ip.Length)
	case p.Layer(layers.LayerTypeIPv6) != nil:
		ip := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		details = fmt.Sprintf("ipv6 %s -> %s next:%s len:%d", ip.SrcIP, ip.DstIP, ip.NextHeader, ip.Length)
	default:
		details = fmt.Sprintf("type:%s len:%d", eth.EthernetType, len(eth.Payload))
	}
	return fmt.Sprintf("%s -> %s %s", eth.SrcMAC, eth.DstMAC, details)
}

func ipString(b []byte) string {
	return tcpip.Address(b).String()
}
