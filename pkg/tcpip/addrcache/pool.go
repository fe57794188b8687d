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
	"github.com/dwadeiv/neighcache/pkg/tcpip/header"
)

// Init binds the next unbound entry of parent.Kind to parent and puts it on
// the free pool. Resolvers call it once per slot of their own arena at
// startup.
//
// It returns tcpip.ErrInvalidType for an unknown kind and
// tcpip.ErrNoBufferSpace once every entry of the kind is bound.
func (c *Cache) Init(parent Parent) (*Entry, *tcpip.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !parent.Kind.valid() {
		c.stats.InvalidType.Increment()
		return nil, tcpip.ErrInvalidType
	}
	t := &c.tables[parent.Kind]
	if t.bound == len(t.entries) {
		return nil, tcpip.ErrNoBufferSpace
	}
	e := &t.entries[t.bound]
	t.bound++

	e.parent = parent
	e.bound = true
	e.hwType = hardwareTypeEthernet
	e.hwLen = header.EthernetAddressSize
	e.protoLen = uint8(parent.Kind.ProtocolAddressLen())
	e.reset()
	c.pushFreeLocked(t, e)
	return e, nil
}

// +checklocks:c.mu
func (c *Cache) pushFreeLocked(t *table, e *Entry) {
	e.freeNext = t.freeHead
	t.freeHead = e.id
	t.freeCount++
}

// +checklocks:c.mu
func (c *Cache) popFreeLocked(t *table) *Entry {
	if t.freeHead == NoEntry {
		return nil
	}
	e := &t.entries[t.freeHead]
	t.freeHead = e.freeNext
	e.freeNext = NoEntry
	t.freeCount--
	e.flags |= FlagUsed
	return e
}

// getOrEvictLocked allocates an entry of kind. When the free pool is empty
// the resolved entry closest to the tail of the active list is evicted and
// reused. Unresolved entries are never evicted: if no entry is resolved,
// tcpip.ErrPoolEmpty is returned.
//
// +checklocks:c.mu
func (c *Cache) getOrEvictLocked(kind Kind) (*Entry, *tcpip.Error) {
	t := &c.tables[kind]
	if e := c.popFreeLocked(t); e != nil {
		return e, nil
	}

	for id := t.tail; id != NoEntry; id = t.entries[id].prev {
		e := &t.entries[id]
		if !e.hwValid {
			continue
		}
		c.stats.Evictions.Increment()
		if c.logger.IsLogging(log.Debug) {
			c.logger.Debugf("%s: evicting %s from nic %d", kind, e.Address(), e.nic)
		}
		if o := c.owners[kind]; o != nil {
			o.Removed(e)
		}
		c.unlinkLocked(e)
		c.freeLocked(e, true)
		return c.popFreeLocked(t), nil
	}

	c.stats.PoolEmpty.Increment()
	c.poolLogger.Warningf("%s: no free or resolved entry among %d, allocation failed", kind, t.active)
	return nil, tcpip.ErrPoolEmpty
}

// freeLocked returns e to the free pool. e must already be off the active
// list. Its timeout is cancelled if freeTimer is set; either way e forgets
// it. Queued datagrams are handed to the discard function.
//
// Freeing an entry that is not allocated is counted and otherwise ignored.
//
// +checklocks:c.mu
func (c *Cache) freeLocked(e *Entry, freeTimer bool) *tcpip.Error {
	if !e.Used() {
		c.stats.NotUsed.Increment()
		c.logger.Warningf("%s entry %d freed while not in use", e.kind, e.id)
		return tcpip.ErrNotUsed
	}
	if e.timer != nil {
		if freeTimer {
			e.timer.Cancel()
		}
		e.timer = nil
	}

	for pkt := e.txHead; pkt != nil; {
		next := pkt.QueueNext()
		pkt.ClearUnlink()
		pkt.SetQueuePrev(nil)
		pkt.SetQueueNext(nil)
		c.stats.TxDiscarded.IncrementBy(uint64(pkt.Count()))
		c.discard(pkt)
		pkt = next
	}

	e.reset()
	c.pushFreeLocked(&c.tables[e.kind], e)
	return nil
}
