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
)

// insertAtHeadLocked links e at the head of its kind's active list. e must
// not already be linked.
//
// +checklocks:c.mu
func (c *Cache) insertAtHeadLocked(e *Entry) {
	t := &c.tables[e.kind]
	e.prev = NoEntry
	e.next = t.head
	if t.head != NoEntry {
		t.entries[t.head].prev = e.id
	} else {
		t.tail = e.id
	}
	t.head = e.id
	e.flags |= FlagLinked
	t.active++
}

// unlinkLocked removes e from its kind's active list. It is a no-op if e is
// not linked.
//
// +checklocks:c.mu
func (c *Cache) unlinkLocked(e *Entry) {
	if e.flags&FlagLinked == 0 {
		return
	}
	t := &c.tables[e.kind]
	if e.prev != NoEntry {
		t.entries[e.prev].next = e.next
	} else {
		t.head = e.next
	}
	if e.next != NoEntry {
		t.entries[e.next].prev = e.prev
	} else {
		t.tail = e.prev
	}
	e.prev = NoEntry
	e.next = NoEntry
	e.flags &^= FlagLinked
	t.active--
}

// promoteLocked moves e to the head of its list once it was accessed more
// often than its kind's threshold. An entry already at the head keeps
// counting.
//
// +checklocks:c.mu
func (c *Cache) promoteLocked(e *Entry) {
	t := &c.tables[e.kind]
	if e.accessed <= t.threshold || t.head == e.id {
		return
	}
	e.accessed = 0
	c.unlinkLocked(e)
	c.insertAtHeadLocked(e)
	c.stats.Promotions.Increment()
	if c.logger.IsLogging(log.Debug) {
		c.logger.Debugf("%s: promoted %s on nic %d", e.kind, e.Address(), e.nic)
	}
}

// SetAccessedThreshold sets the number of hits after which entries of kind
// are promoted. It returns tcpip.ErrInvalidOptionValue if th is outside
// [MinAccessedThreshold, MaxAccessedThreshold].
func (c *Cache) SetAccessedThreshold(kind Kind, th uint16) *tcpip.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !kind.valid() {
		c.stats.InvalidType.Increment()
		return tcpip.ErrInvalidType
	}
	if !validThreshold(th) {
		return tcpip.ErrInvalidOptionValue
	}
	c.tables[kind].threshold = th
	return nil
}

// AccessedThreshold returns the promotion threshold of kind.
func (c *Cache) AccessedThreshold(kind Kind) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !kind.valid() {
		return 0
	}
	return c.tables[kind].threshold
}
