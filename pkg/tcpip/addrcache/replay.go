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
	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
	"github.com/dwadeiv/neighcache/pkg/tcpip/header"
)

// stampOffsets is where each kind writes the resolved link address into a
// queued frame. Both kinds currently address Ethernet frames.
var stampOffsets = [numKinds]int{
	KindARP: header.EthernetDstAddrOffset,
	KindNDP: header.EthernetDstAddrOffset,
}

// unlinkBuffer is installed on every queued datagram. It runs when the
// datagram is released by someone else while still queued.
func (c *Cache) unlinkBuffer(pkt *buffer.PacketBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlinkBufferLocked(pkt)
}

// unlinkBufferLocked removes pkt from the queue of the entry it waits on and
// clears its unlink function so it is never unlinked twice.
//
// +checklocks:c.mu
func (c *Cache) unlinkBufferLocked(pkt *buffer.PacketBuffer) {
	e, ok := pkt.UnlinkObject().(*Entry)
	if !ok {
		return
	}
	prev, next := pkt.QueuePrev(), pkt.QueueNext()
	if prev != nil {
		prev.SetQueueNext(next)
	} else {
		e.txHead = next
	}
	if next != nil {
		next.SetQueuePrev(prev)
	} else {
		e.txTail = prev
	}
	pkt.SetQueuePrev(nil)
	pkt.SetQueueNext(nil)
	pkt.ClearUnlink()
	e.txCount--
}

// replayEntryLocked drains e's queue to the link with e's link address.
//
// +checklocks:c.mu
func (c *Cache) replayEntryLocked(e *Entry) {
	head := e.txHead
	e.txHead = nil
	e.txTail = nil
	e.txCount = 0
	if head == nil {
		return
	}
	n := c.replayLocked(e.kind, head, e.LinkAddress())
	if c.logger.IsLogging(log.Debug) {
		c.logger.Debugf("%s: replayed %d packets to %s at %s", e.kind, n, e.Address(), e.LinkAddress())
	}
	if e.kind == KindNDP {
		if o := c.owners[e.kind]; o != nil {
			o.Replayed(e)
		}
	}
}

// replayLocked walks every datagram chained from head through the secondary
// linkage and every buffer of each datagram through the primary linkage.
// Each buffer is stamped with linkAddr and written to the link. A failed
// write is counted and the walk continues. It returns the number of buffers
// visited.
//
// +checklocks:c.mu
func (c *Cache) replayLocked(kind Kind, head *buffer.PacketBuffer, linkAddr tcpip.LinkAddress) int {
	n := 0
	for list := head; list != nil; {
		nextList := list.QueueNext()
		list.SetQueuePrev(nil)
		list.SetQueueNext(nil)
		list.ClearUnlink()

		for pkt := list; pkt != nil; {
			next := pkt.Next()
			if err := c.transmitLocked(kind, pkt, linkAddr); err == nil {
				c.stats.TxReplayed.Increment()
			}
			n++
			pkt = next
		}
		list = nextList
	}
	return n
}

// transmitLocked stamps linkAddr into pkt at kind's offset and writes it to
// the link. Failures are counted unless the error opts out of stats.
//
// +checklocks:c.mu
func (c *Cache) transmitLocked(kind Kind, pkt *buffer.PacketBuffer, linkAddr tcpip.LinkAddress) *tcpip.Error {
	off := c.tables[kind].stampOffset
	if pkt.LinkHeaderSize < off+len(linkAddr) {
		c.stats.TxErrors.Increment()
		c.logger.Warningf("%s: %d byte link header has no room for a link address at offset %d", kind, pkt.LinkHeaderSize, off)
		return tcpip.ErrBadAddress
	}
	copy(pkt.Data[off:off+len(linkAddr)], linkAddr)
	if err := c.link.WritePacket(pkt); err != nil {
		if err.IgnoreStats() {
			return err
		}
		c.stats.TxErrors.Increment()
		c.logger.Warningf("%s: writing packet to %s failed: %s", kind, linkAddr, err)
		return err
	}
	return nil
}
