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
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
	"github.com/dwadeiv/neighcache/pkg/tcpip/header"
)

const (
	simSrcPort = 40000
	simDstPort = 9
)

// newDatagram returns an Ethernet frame carrying a UDP datagram from src to
// dst. The destination link address is left zero for the cache to fill in.
func newDatagram(srcLink tcpip.LinkAddress, src, dst tcpip.Address, payload []byte) (*buffer.PacketBuffer, error) {
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr(srcLink),
		DstMAC: make(net.HardwareAddr, header.EthernetAddressSize),
	}
	udp := &layers.UDP{SrcPort: simSrcPort, DstPort: simDstPort}

	var network gopacket.SerializableLayer
	switch len(dst) {
	case 4:
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(src),
			DstIP:    net.IP(dst),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	case 16:
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(src),
			DstIP:      net.IP(dst),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		network = ip
	default:
		return nil, fmt.Errorf("bad destination address %x", []byte(dst))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	frame := buf.Bytes()
	pkt := buffer.NewPacketBuffer(header.EthernetMinimumSize, frame[header.EthernetMinimumSize:])
	copy(pkt.LinkHeader(), frame)
	return pkt, nil
}
