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

// Package channel provides the implementation of a channel-based data-link
// layer endpoint. Outbound frames are stored in a Go channel so tests and
// tools can inspect what the neighbor cache transmitted.
package channel

import (
	"context"
	"sync"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
)

// PacketInfo holds all the information about an outbound packet.
type PacketInfo struct {
	Pkt   *buffer.PacketBuffer
	Proto tcpip.NetworkProtocolNumber
	NIC   tcpip.NICID
}

// Stats counts the writes seen by an Endpoint.
type Stats struct {
	// Written counts packets stored in the channel.
	Written tcpip.StatCounter

	// Refused counts packets rejected because the channel was full, the
	// endpoint was closed, the packet exceeded the MTU or a write error was
	// injected.
	Refused tcpip.StatCounter
}

// Endpoint is a link layer endpoint that stores outbound packets in a
// channel.
//
// WritePacket never blocks, so it may be called with the neighbor cache lock
// held.
type Endpoint struct {
	// c is the outbound packet channel. It is never reassigned.
	c chan PacketInfo

	// mu protects the fields below. Writers hold it for reading so a
	// concurrent Close cannot close c under them.
	mu       sync.RWMutex
	closed   bool
	mtu      uint32
	linkAddr tcpip.LinkAddress
	writeErr *tcpip.Error

	stats Stats
}

// New creates a new channel endpoint holding up to size outbound packets.
// Packets whose network payload exceeds mtu are refused.
func New(size int, mtu uint32, linkAddr tcpip.LinkAddress) *Endpoint {
	return &Endpoint{
		c:        make(chan PacketInfo, size),
		mtu:      mtu,
		linkAddr: linkAddr,
	}
}

// Close closes e. Further writes fail with tcpip.ErrClosedForSend. Reads
// continue to succeed until all packets are read.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.c)
	}
}

// Read does non-blocking read one packet from the outbound packet queue.
func (e *Endpoint) Read() (PacketInfo, bool) {
	select {
	case p, ok := <-e.c:
		return p, ok
	default:
		return PacketInfo{}, false
	}
}

// ReadContext does blocking read for one packet from the outbound packet queue.
// It can be cancelled by ctx, and in this case, it returns false.
func (e *Endpoint) ReadContext(ctx context.Context) (PacketInfo, bool) {
	select {
	case p, ok := <-e.c:
		return p, ok
	case <-ctx.Done():
		return PacketInfo{}, false
	}
}

// Drain removes all outbound packets from the channel and counts them.
func (e *Endpoint) Drain() int {
	n := 0
	for {
		if _, ok := e.Read(); !ok {
			return n
		}
		n++
	}
}

// NumQueued returns the number of packets queued for outbound.
func (e *Endpoint) NumQueued() int {
	return len(e.c)
}

// Stats returns the write counters of e.
func (e *Endpoint) Stats() *Stats {
	return &e.stats
}

// SetWriteError makes every following WritePacket fail with err. A nil err
// restores normal operation.
func (e *Endpoint) SetWriteError(err *tcpip.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writeErr = err
}

// MTU returns the value initialized during construction or set by SetMTU.
func (e *Endpoint) MTU() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mtu
}

// SetMTU updates the MTU of the endpoint.
func (e *Endpoint) SetMTU(mtu uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mtu = mtu
}

// LinkAddress returns the link address of this endpoint.
func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.linkAddr
}

// SetLinkAddress updates the link address of the endpoint.
func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr = addr
}

// WritePacket stores an outbound packet into the channel. It returns
// tcpip.ErrNoBufferSpace if the channel is full and tcpip.ErrMessageTooLong
// if the payload exceeds the MTU.
func (e *Endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	err := e.write(pkt)
	if err != nil {
		e.stats.Refused.Increment()
		return err
	}
	e.stats.Written.Increment()
	return nil
}

func (e *Endpoint) write(pkt *buffer.PacketBuffer) *tcpip.Error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.closed:
		return tcpip.ErrClosedForSend
	case e.writeErr != nil:
		return e.writeErr
	case e.mtu != 0 && len(pkt.Payload()) > int(e.mtu):
		return tcpip.ErrMessageTooLong
	}
	select {
	case e.c <- PacketInfo{Pkt: pkt, Proto: pkt.NetworkProtocolNumber, NIC: pkt.NICID}:
		return nil
	default:
		return tcpip.ErrNoBufferSpace
	}
}
