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

package addrcache

import (
	"fmt"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
	"github.com/dwadeiv/neighcache/pkg/tcpip/header"
	"github.com/dwadeiv/neighcache/pkg/tcpip/timer"
)

const (
	// MaxHardwareAddrLen is the largest link address an entry can hold.
	MaxHardwareAddrLen = header.EthernetAddressSize

	// MaxProtocolAddrLen is the largest protocol address an entry can hold.
	MaxProtocolAddrLen = 16
)

// Kind is the address family of a cache entry.
type Kind int

const (
	// KindARP entries map IPv4 addresses to link addresses.
	KindARP Kind = iota

	// KindNDP entries map IPv6 addresses to link addresses.
	KindNDP

	numKinds
)

// Kinds lists every supported kind.
var Kinds = [...]Kind{KindARP, KindNDP}

func (k Kind) valid() bool {
	return k >= 0 && k < numKinds
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindARP:
		return "arp"
	case KindNDP:
		return "ndp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ProtocolAddressLen returns the length of the protocol addresses k maps.
func (k Kind) ProtocolAddressLen() int {
	switch k {
	case KindARP:
		return 4
	case KindNDP:
		return 16
	default:
		return 0
	}
}

// NetworkProtocolNumber returns the network protocol k resolves addresses
// for.
func (k Kind) NetworkProtocolNumber() tcpip.NetworkProtocolNumber {
	if k == KindNDP {
		return tcpip.IPv6ProtocolNumber
	}
	return tcpip.IPv4ProtocolNumber
}

// ARP hardware type for Ethernet, RFC 826.
const hardwareTypeEthernet = 1

// EntryID indexes an entry within its kind's table.
type EntryID int32

// NoEntry is the EntryID of no entry.
const NoEntry EntryID = -1

// Flags is the flag set of an entry.
type Flags uint8

const (
	// FlagUsed is set while the entry is allocated, i.e. off the free pool.
	FlagUsed Flags = 1 << iota

	// FlagLinked is set while the entry is on its kind's active list.
	FlagLinked
)

// Parent refers to the resolver state that owns an entry. Index is a slot in
// the resolver's own arena.
type Parent struct {
	Kind  Kind
	Index int
}

// Entry is one protocol address to link address binding.
//
// Entries live in a fixed table per kind and are never deallocated. An
// allocated entry is on its kind's active list; a free one is on the kind's
// free pool. The two chains use separate links.
//
// Fields are guarded by the owning cache's lock. Accessors may be called
// while holding it, i.e. from timeout functions and Owner hooks, or when the
// caller otherwise serializes with the cache.
type Entry struct {
	id     EntryID
	kind   Kind
	parent Parent
	bound  bool

	hwType   uint16
	hwLen    uint8
	protoLen uint8

	hwAddr      [MaxHardwareAddrLen]byte
	hwValid     bool
	protoAddr   [MaxProtocolAddrLen]byte
	protoValid  bool
	senderAddr  [MaxProtocolAddrLen]byte
	senderValid bool

	nic      tcpip.NICID
	accessed uint16
	flags    Flags

	// prev and next link the active list.
	prev EntryID
	next EntryID

	// freeNext links the free pool.
	freeNext EntryID

	// txHead and txTail are the pending datagrams, chained through their
	// secondary linkage. txCount is the length of that chain.
	txHead  *buffer.PacketBuffer
	txTail  *buffer.PacketBuffer
	txCount int

	// timer is non-nil iff a timeout is scheduled.
	timer timer.Timer

	// gen increments every time the entry is freed, so that a timeout armed
	// for an earlier use is ignored.
	gen uint32
}

// ID returns the index of e in its kind's table.
func (e *Entry) ID() EntryID { return e.id }

// Kind returns the kind of e.
func (e *Entry) Kind() Kind { return e.kind }

// Parent returns the resolver state that owns e.
func (e *Entry) Parent() Parent { return e.parent }

// NIC returns the NIC the binding applies to.
func (e *Entry) NIC() tcpip.NICID { return e.nic }

// Used reports whether e is allocated.
func (e *Entry) Used() bool { return e.flags&FlagUsed != 0 }

// Resolved reports whether e holds a valid link address.
func (e *Entry) Resolved() bool { return e.hwValid }

// Accessed returns the number of lookup hits since e was last promoted.
func (e *Entry) Accessed() uint16 { return e.accessed }

// Pending returns the number of datagrams queued on e.
func (e *Entry) Pending() int { return e.txCount }

// TimerScheduled reports whether a timeout is scheduled for e.
func (e *Entry) TimerScheduled() bool { return e.timer != nil }

// HardwareType returns the ARP hardware type of e.
func (e *Entry) HardwareType() uint16 { return e.hwType }

// LinkAddress returns the link address of e, empty while unresolved.
func (e *Entry) LinkAddress() tcpip.LinkAddress {
	if !e.hwValid {
		return ""
	}
	return tcpip.LinkAddress(e.hwAddr[:e.hwLen])
}

// Address returns the protocol address of e, empty while unset.
func (e *Entry) Address() tcpip.Address {
	if !e.protoValid {
		return ""
	}
	return tcpip.Address(e.protoAddr[:e.protoLen])
}

// SenderAddress returns the address of the node that caused e to be
// created, if known.
func (e *Entry) SenderAddress() (tcpip.Address, bool) {
	if !e.senderValid {
		return "", false
	}
	return tcpip.Address(e.senderAddr[:e.protoLen]), true
}

// Info returns a snapshot of e.
func (e *Entry) Info() EntryInfo {
	sender, _ := e.SenderAddress()
	return EntryInfo{
		ID:             e.id,
		Kind:           e.kind,
		NIC:            e.nic,
		Addr:           e.Address(),
		LinkAddr:       e.LinkAddress(),
		SenderAddr:     sender,
		Resolved:       e.hwValid,
		Accessed:       e.accessed,
		Pending:        e.txCount,
		TimerScheduled: e.timer != nil,
		Parent:         e.parent,
	}
}

func (e *Entry) matches(nic tcpip.NICID, addr tcpip.Address) bool {
	if !e.protoValid || len(addr) != int(e.protoLen) {
		return false
	}
	if e.kind == KindNDP && e.nic != nic {
		return false
	}
	return tcpip.Address(e.protoAddr[:e.protoLen]) == addr
}

// reset clears everything that belongs to one use of e. Table bindings
// survive.
func (e *Entry) reset() {
	e.hwAddr = [MaxHardwareAddrLen]byte{}
	e.hwValid = false
	e.protoAddr = [MaxProtocolAddrLen]byte{}
	e.protoValid = false
	e.senderAddr = [MaxProtocolAddrLen]byte{}
	e.senderValid = false
	e.nic = 0
	e.accessed = 0
	e.flags = 0
	e.prev = NoEntry
	e.next = NoEntry
	e.txHead = nil
	e.txTail = nil
	e.txCount = 0
	e.timer = nil
	e.gen++
}

// EntryInfo is a point-in-time copy of an entry.
type EntryInfo struct {
	ID             EntryID
	Kind           Kind
	NIC            tcpip.NICID
	Addr           tcpip.Address
	LinkAddr       tcpip.LinkAddress
	SenderAddr     tcpip.Address
	Resolved       bool
	Accessed       uint16
	Pending        int
	TimerScheduled bool
	Parent         Parent
}

// String implements fmt.Stringer.
func (i EntryInfo) String() string {
	link := "(incomplete)"
	if i.Resolved {
		link = i.LinkAddr.String()
	}
	return fmt.Sprintf("%s nic%d %s -> %s pending:%d", i.Kind, i.NIC, i.Addr, link, i.Pending)
}
