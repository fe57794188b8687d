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

// Package tcpip provides the types shared by the neighbor cache engine and
// its collaborators: addresses, NIC identifiers, the netstack error space,
// clocks, timers and statistic counters.
//
// The cache itself lives in package addrcache; the protocol owners that drive
// it live in package neighbor.
package tcpip

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"
)

// A Clock provides the current time and schedules work.
//
// Times returned by a Clock should always be used for application-visible
// time. Only monotonic times should be used for netstack internal timekeeping.
type Clock interface {
	// NowNanoseconds returns the current real time as a number of
	// nanoseconds since the Unix epoch.
	NowNanoseconds() int64

	// NowMonotonic returns a monotonic time value.
	NowMonotonic() int64

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. It returns a Timer that can be used to cancel the call using
	// its Stop method.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a single event. A Timer must be created with
// Clock.AfterFunc.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call stops
	// the timer, false if the timer has already expired or been stopped.
	Stop() bool

	// Reset changes the timer to expire after duration d.
	//
	// Reset should be invoked only on stopped or expired timers. If the timer
	// is known to have expired, Reset can be used directly. Otherwise, the
	// caller must coordinate with the function passed at Clock.AfterFunc.
	Reset(d time.Duration)
}

// Address is a byte slice cast as a string that represents the address of a
// network node.
type Address string

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return netip.AddrFrom4([4]byte([]byte(a))).String()
	case 16:
		return netip.AddrFrom16([16]byte([]byte(a))).String()
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseAddress parses an IPv4 or IPv6 textual address. IPv4 addresses are
// returned in their 4 byte form.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return "", err
	}
	if ip.Is4() {
		b := ip.As4()
		return Address(b[:]), nil
	}
	b := ip.As16()
	return Address(b[:]), nil
}

// LinkAddress is a byte slice cast as a string that represents a link address.
// It is typically a 6-byte MAC address.
type LinkAddress string

// String implements the fmt.Stringer interface.
func (a LinkAddress) String() string {
	switch len(a) {
	case 6:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// ParseMACAddress parses a 6 byte IEEE 802 MAC address written as
// aa:bb:cc:dd:ee:ff, aa-bb-cc-dd-ee-ff or aabb.ccdd.eeff.
func ParseMACAddress(s string) (LinkAddress, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", err
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%s is a %d byte hardware address, want 6", s, len(hw))
	}
	return LinkAddress(hw), nil
}

// NICID is a number that uniquely identifies a NIC.
type NICID int32

// NetworkProtocolNumber is the EtherType of a network protocol.
type NetworkProtocolNumber uint32

// Network protocols the cache resolves addresses for.
const (
	IPv4ProtocolNumber NetworkProtocolNumber = 0x0800
	ARPProtocolNumber  NetworkProtocolNumber = 0x0806
	IPv6ProtocolNumber NetworkProtocolNumber = 0x86dd
)

// StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}
