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

// Package header provides views over the link headers of frames queued in
// the neighbor cache.
package header

import (
	"encoding/binary"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

const (
	// EthernetDstAddrOffset is the offset of the "MAC destination" field.
	EthernetDstAddrOffset = 0

	// EthernetSrcAddrOffset is the offset of the "MAC source" field.
	EthernetSrcAddrOffset = 6

	ethType = 12
)

const (
	// EthernetMinimumSize is the minimum size of a valid ethernet frame
	// header.
	EthernetMinimumSize = 14

	// EthernetAddressSize is the size, in bytes, of an ethernet address.
	EthernetAddressSize = 6

	// EthernetBroadcastAddress is the broadcast link address.
	EthernetBroadcastAddress = tcpip.LinkAddress("\xff\xff\xff\xff\xff\xff")
)

// EthernetFields contains the fields of an ethernet frame header. It is used to
// describe the fields of a frame that needs to be encoded.
type EthernetFields struct {
	// SrcAddr is the "MAC source" field of an ethernet frame header.
	SrcAddr tcpip.LinkAddress

	// DstAddr is the "MAC destination" field of an ethernet frame header.
	DstAddr tcpip.LinkAddress

	// Type is the "ethertype" field of an ethernet frame header.
	Type tcpip.NetworkProtocolNumber
}

// Ethernet represents an ethernet frame header stored in a byte array.
type Ethernet []byte

// SourceAddress returns the "MAC source" field of the ethernet frame header.
func (b Ethernet) SourceAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(b[EthernetSrcAddrOffset:][:EthernetAddressSize])
}

// DestinationAddress returns the "MAC destination" field of the ethernet frame
// header.
func (b Ethernet) DestinationAddress() tcpip.LinkAddress {
	return tcpip.LinkAddress(b[EthernetDstAddrOffset:][:EthernetAddressSize])
}

// SetDestinationAddress overwrites the "MAC destination" field.
func (b Ethernet) SetDestinationAddress(addr tcpip.LinkAddress) {
	copy(b[EthernetDstAddrOffset:][:EthernetAddressSize], addr)
}

// Type returns the "ethertype" field of the ethernet frame header.
func (b Ethernet) Type() tcpip.NetworkProtocolNumber {
	return tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(b[ethType:]))
}

// Encode encodes all the fields of the ethernet frame header.
func (b Ethernet) Encode(e *EthernetFields) {
	binary.BigEndian.PutUint16(b[ethType:], uint16(e.Type))
	copy(b[EthernetSrcAddrOffset:][:EthernetAddressSize], e.SrcAddr)
	copy(b[EthernetDstAddrOffset:][:EthernetAddressSize], e.DstAddr)
}
