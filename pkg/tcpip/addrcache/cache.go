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

// Package addrcache implements the neighbor cache shared by ARP and NDP: the
// table that maps protocol addresses to link addresses and holds outbound
// datagrams while a destination is being resolved.
//
// Each kind has a fixed table of entries. Free entries sit on a free pool;
// allocated entries sit on an active list kept in most-recently-used order.
// When the pool is empty, the least recently used resolved entry is evicted.
// Entries still being resolved are never evicted.
//
// All state is guarded by a single lock. Public methods acquire it for their
// whole duration and never block while holding it. Timeout functions and
// Owner hooks are invoked with the lock held and must only call the Locked
// variants.
package addrcache

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
	"github.com/dwadeiv/neighcache/pkg/tcpip/timer"
)

// poolEmptyLogInterval rate limits pool exhaustion warnings.
const poolEmptyLogInterval = time.Second

// Owner is the resolver state machine behind the entries of one kind.
//
// Hooks are called with the cache lock held.
type Owner interface {
	// Resolved is called once e holds a valid link address, before queued
	// datagrams are replayed.
	Resolved(e *Entry)

	// Replayed is called after datagrams were handed to the link on behalf
	// of a resolved NDP entry. The owner may start its reachability delay
	// from here.
	Replayed(e *Entry)

	// Removed is called when e is evicted to make room for another entry.
	Removed(e *Entry)
}

// LinkEndpoint transmits fully addressed frames.
type LinkEndpoint interface {
	// WritePacket hands pkt to the link. It must not block.
	WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error
}

// Options holds the collaborators of a Cache.
type Options struct {
	// Clock drives timeouts. Defaults to tcpip.NewStdClock().
	Clock tcpip.Clock

	// Timers schedules entry timeouts. Defaults to a timer.Pool with one
	// timer per entry.
	Timers timer.Service

	// Owners maps each kind to its resolver. A kind without an owner gets no
	// notifications.
	Owners map[Kind]Owner

	// Link receives replayed frames. Required.
	Link LinkEndpoint

	// Discard is called for every queued datagram dropped without being
	// sent. Defaults to releasing the buffer.
	Discard func(pkt *buffer.PacketBuffer)

	// Logger defaults to log.Log().
	Logger log.Logger
}

// ConfigureParams describes a new entry.
type ConfigureParams struct {
	Kind Kind
	NIC  tcpip.NICID

	// LinkAddress is the resolved link address, if already known.
	LinkAddress tcpip.LinkAddress

	// Address is the protocol address being resolved.
	Address tcpip.Address

	// SenderAddress is the address of the node that caused the entry to be
	// created, if known.
	SenderAddress tcpip.Address

	// TimerEnabled schedules TimeoutFn after Timeout.
	TimerEnabled bool
	Timeout      time.Duration
	TimeoutFn    func(e *Entry)
}

// table is the per-kind state.
type table struct {
	entries []Entry

	// bound is the number of entries bound to a parent by Init.
	bound int

	head EntryID
	tail EntryID

	// active is the length of the active list.
	active int

	freeHead  EntryID
	freeCount int

	threshold uint16

	// stampOffset is where the link address is written into queued frames.
	stampOffset int
}

// Cache is the neighbor cache.
type Cache struct {
	mu sync.Mutex

	// +checklocks:mu
	tables [numKinds]table

	maxPending int
	clock      tcpip.Clock
	timers     timer.Service
	owners     [numKinds]Owner
	link       LinkEndpoint
	discard    func(pkt *buffer.PacketBuffer)
	logger     log.Logger
	poolLogger log.Logger

	stats Stats
}

// New returns a cache configured by cfg. Entries must be bound with Init
// before they can be allocated.
func New(cfg Config, opts Options) (*Cache, *tcpip.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Link == nil {
		return nil, tcpip.ErrInvalidOptionValue
	}
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	if opts.Timers == nil {
		opts.Timers = timer.NewPool(opts.Clock, cfg.ARP.Capacity+cfg.NDP.Capacity)
	}
	if opts.Discard == nil {
		opts.Discard = func(pkt *buffer.PacketBuffer) { pkt.Release() }
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}

	c := &Cache{
		maxPending: cfg.MaxPendingPackets,
		clock:      opts.Clock,
		timers:     opts.Timers,
		link:       opts.Link,
		discard:    opts.Discard,
		logger:     opts.Logger,
		poolLogger: log.RateLimitedLogger(opts.Logger, poolEmptyLogInterval),
	}
	for _, k := range Kinds {
		kc := cfg.For(k)
		t := &c.tables[k]
		t.entries = make([]Entry, kc.Capacity)
		for i := range t.entries {
			e := &t.entries[i]
			e.id = EntryID(i)
			e.kind = k
			e.prev = NoEntry
			e.next = NoEntry
			e.freeNext = NoEntry
		}
		t.head = NoEntry
		t.tail = NoEntry
		t.freeHead = NoEntry
		t.threshold = kc.AccessedThreshold
		t.stampOffset = stampOffsets[k]
		c.owners[k] = opts.Owners[k]
	}
	return c, nil
}

// Lock acquires the cache lock, for callers that need to combine several
// Locked operations atomically.
func (c *Cache) Lock() { c.mu.Lock() }

// Unlock releases the cache lock.
func (c *Cache) Unlock() { c.mu.Unlock() }

// Stats returns the cache counters.
func (c *Cache) Stats() *Stats {
	return &c.stats
}

// Clock returns the clock driving the cache timers.
func (c *Cache) Clock() tcpip.Clock {
	return c.clock
}

// Search looks up addr in the table of kind. NDP lookups only match entries
// on nic; ARP lookups match on any NIC.
//
// A hit counts as an access and may promote the entry to the head of its
// list. Search returns nil on a miss.
func (c *Cache) Search(kind Kind, nic tcpip.NICID, addr tcpip.Address) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SearchLocked(kind, nic, addr)
}

// SearchLocked is Search with c's lock held.
//
// +checklocks:c.mu
func (c *Cache) SearchLocked(kind Kind, nic tcpip.NICID, addr tcpip.Address) *Entry {
	if !kind.valid() {
		c.stats.InvalidType.Increment()
		return nil
	}
	e := c.findLocked(kind, nic, addr)
	if e == nil {
		c.stats.Misses.Increment()
		return nil
	}
	c.stats.Hits.Increment()
	if e.accessed < ^uint16(0) {
		e.accessed++
	}
	c.promoteLocked(e)
	return e
}

// findOnNICLocked is findLocked restricted to entries on nic for every kind.
//
// +checklocks:c.mu
func (c *Cache) findOnNICLocked(kind Kind, nic tcpip.NICID, addr tcpip.Address) *Entry {
	t := &c.tables[kind]
	for id := t.head; id != NoEntry; {
		e := &t.entries[id]
		if e.nic == nic && e.matches(nic, addr) {
			return e
		}
		id = e.next
	}
	return nil
}

// findLocked scans the active list of kind from head to tail without
// counting an access.
//
// +checklocks:c.mu
func (c *Cache) findLocked(kind Kind, nic tcpip.NICID, addr tcpip.Address) *Entry {
	t := &c.tables[kind]
	for id := t.head; id != NoEntry; {
		e := &t.entries[id]
		if e.matches(nic, addr) {
			return e
		}
		id = e.next
	}
	return nil
}

// ConfigureAddresses allocates an entry, arms its timeout, fills in its
// addresses and links it at the head of its list. It is the only way entries
// are populated.
//
// If the timeout cannot be scheduled, the entry goes back to the free pool
// and tcpip.ErrTimerUnavailable is returned.
func (c *Cache) ConfigureAddresses(p ConfigureParams) (*Entry, *tcpip.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConfigureAddressesLocked(p)
}

// ConfigureAddressesLocked is ConfigureAddresses with c's lock held.
//
// +checklocks:c.mu
func (c *Cache) ConfigureAddressesLocked(p ConfigureParams) (*Entry, *tcpip.Error) {
	if !p.Kind.valid() {
		c.stats.InvalidType.Increment()
		return nil, tcpip.ErrInvalidType
	}
	if len(p.Address) != p.Kind.ProtocolAddressLen() {
		return nil, tcpip.ErrBadAddress
	}
	if p.SenderAddress != "" && len(p.SenderAddress) != p.Kind.ProtocolAddressLen() {
		return nil, tcpip.ErrBadAddress
	}
	if len(p.LinkAddress) > MaxHardwareAddrLen {
		return nil, tcpip.ErrBadAddress
	}

	e, err := c.getOrEvictLocked(p.Kind)
	if err != nil {
		return nil, err
	}

	if p.TimerEnabled {
		if err := c.SetTimerLocked(e, p.Timeout, p.TimeoutFn); err != nil {
			c.freeLocked(e, true)
			return nil, err
		}
	}

	e.nic = p.NIC
	copy(e.protoAddr[:], p.Address)
	e.protoValid = true
	if p.SenderAddress != "" {
		copy(e.senderAddr[:], p.SenderAddress)
		e.senderValid = true
	}
	if p.LinkAddress != "" {
		copy(e.hwAddr[:], p.LinkAddress)
		e.hwValid = true
	}
	c.insertAtHeadLocked(e)
	return e, nil
}

// AddResolved records that addr on nic is reachable at linkAddr.
//
// If an entry for addr on nic already exists, it becomes resolved, moves to
// the head of its list, its timeout is rearmed and its queued datagrams are
// replayed. Otherwise a new resolved entry is configured. The lookup always
// matches nic, for ARP as well. If timeoutFn is non-nil and timeout is
// positive, timeoutFn runs when the binding expires.
//
// If the timeout cannot be scheduled, the existing entry is left untouched
// and tcpip.ErrTimerUnavailable is returned.
func (c *Cache) AddResolved(nic tcpip.NICID, linkAddr tcpip.LinkAddress, addr tcpip.Address, kind Kind, timeoutFn func(*Entry), timeout time.Duration) *tcpip.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.AddResolvedLocked(nic, linkAddr, addr, kind, timeoutFn, timeout)
}

// AddResolvedLocked is AddResolved with c's lock held.
//
// +checklocks:c.mu
func (c *Cache) AddResolvedLocked(nic tcpip.NICID, linkAddr tcpip.LinkAddress, addr tcpip.Address, kind Kind, timeoutFn func(*Entry), timeout time.Duration) *tcpip.Error {
	if !kind.valid() {
		c.stats.InvalidType.Increment()
		return tcpip.ErrInvalidType
	}
	if len(linkAddr) == 0 || len(linkAddr) > MaxHardwareAddrLen {
		return tcpip.ErrBadAddress
	}
	withTimer := timeoutFn != nil && timeout > 0

	e := c.findOnNICLocked(kind, nic, addr)
	if e == nil {
		e, err := c.ConfigureAddressesLocked(ConfigureParams{
			Kind:         kind,
			NIC:          nic,
			LinkAddress:  linkAddr,
			Address:      addr,
			TimerEnabled: withTimer,
			Timeout:      timeout,
			TimeoutFn:    timeoutFn,
		})
		if err != nil {
			return err
		}
		if o := c.owners[kind]; o != nil {
			o.Resolved(e)
		}
		return nil
	}

	// Arm the timer first so a failure leaves the entry as it was.
	if withTimer {
		if err := c.SetTimerLocked(e, timeout, timeoutFn); err != nil {
			return err
		}
	} else {
		c.CancelTimerLocked(e)
	}

	e.hwAddr = [MaxHardwareAddrLen]byte{}
	copy(e.hwAddr[:], linkAddr)
	e.hwValid = true
	e.accessed = 0
	if t := &c.tables[kind]; t.head != e.id {
		c.unlinkLocked(e)
		c.insertAtHeadLocked(e)
	}

	if o := c.owners[kind]; o != nil {
		o.Resolved(e)
	}
	c.replayEntryLocked(e)
	return nil
}

// SetTimerLocked arms e's timeout to call fn after d, replacing any timeout
// already scheduled. fn runs with c's lock held; e no longer has a timer by
// the time fn runs.
//
// +checklocks:c.mu
func (c *Cache) SetTimerLocked(e *Entry, d time.Duration, fn func(*Entry)) *tcpip.Error {
	gen := e.gen
	expire := func() {
		if e.gen != gen {
			return
		}
		e.timer = nil
		if fn != nil {
			fn(e)
		}
	}
	if e.timer != nil {
		e.timer.Reschedule(d, expire)
		return nil
	}
	t, err := c.timers.Schedule(&c.mu, d, expire)
	if err != nil {
		c.stats.TimerUnavailable.Increment()
		c.logger.Warningf("%s entry %d: no timer available for a %s timeout", e.kind, e.id, d)
		return err
	}
	e.timer = t
	return nil
}

// CancelTimerLocked cancels e's timeout, if any.
//
// +checklocks:c.mu
func (c *Cache) CancelTimerLocked(e *Entry) {
	if e.timer != nil {
		e.timer.Cancel()
		e.timer = nil
	}
}

// Remove unlinks e and returns it to the free pool, discarding its queued
// datagrams. freeTimer cancels e's timeout; it must be false when called
// from that timeout's own function.
//
// Removing an entry that is not allocated returns tcpip.ErrNotUsed and
// changes nothing.
func (c *Cache) Remove(e *Entry, freeTimer bool) *tcpip.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RemoveLocked(e, freeTimer)
}

// RemoveLocked is Remove with c's lock held.
//
// +checklocks:c.mu
func (c *Cache) RemoveLocked(e *Entry, freeTimer bool) *tcpip.Error {
	if !e.Used() {
		c.stats.NotUsed.Increment()
		c.logger.Warningf("%s entry %d removed while not in use", e.kind, e.id)
		return tcpip.ErrNotUsed
	}
	c.unlinkLocked(e)
	return c.freeLocked(e, freeTimer)
}

// Enqueue sends pkt to e's destination. If e is resolved, pkt is stamped and
// written to the link immediately. Otherwise pkt is queued until e resolves;
// when e's queue is full its oldest datagram is discarded first.
//
// pkt is the head of a datagram; buffers chained after it through their
// primary linkage travel with it.
func (c *Cache) Enqueue(e *Entry, pkt *buffer.PacketBuffer) *tcpip.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.EnqueueLocked(e, pkt)
}

// EnqueueLocked is Enqueue with c's lock held.
//
// +checklocks:c.mu
func (c *Cache) EnqueueLocked(e *Entry, pkt *buffer.PacketBuffer) *tcpip.Error {
	if !e.Used() {
		c.stats.NotUsed.Increment()
		return tcpip.ErrNotUsed
	}
	if pkt.Queued() {
		return tcpip.ErrInvalidOptionValue
	}
	if e.hwValid {
		var err *tcpip.Error
		for b := pkt; b != nil; {
			next := b.Next()
			if terr := c.transmitLocked(e.kind, b, e.LinkAddress()); terr != nil && err == nil {
				err = terr
			}
			b = next
		}
		if e.kind == KindNDP {
			if o := c.owners[e.kind]; o != nil {
				o.Replayed(e)
			}
		}
		return err
	}

	if c.maxPending > 0 && e.txCount >= c.maxPending {
		oldest := e.txHead
		c.unlinkBufferLocked(oldest)
		c.stats.QueueOverflow.Increment()
		c.stats.TxDiscarded.IncrementBy(uint64(oldest.Count()))
		c.discard(oldest)
	}

	pkt.SetQueuePrev(e.txTail)
	pkt.SetQueueNext(nil)
	if e.txTail != nil {
		e.txTail.SetQueueNext(pkt)
	} else {
		e.txHead = pkt
	}
	e.txTail = pkt
	e.txCount++
	pkt.SetUnlink(c.unlinkBuffer, e)
	return nil
}

// Entries returns the active entries of kind from head to tail.
func (c *Cache) Entries(kind Kind) []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !kind.valid() {
		return nil
	}
	t := &c.tables[kind]
	infos := make([]EntryInfo, 0, t.active)
	for id := t.head; id != NoEntry; {
		e := &t.entries[id]
		infos = append(infos, e.Info())
		id = e.next
	}
	return infos
}

// SortedEntries returns the active entries of kind ordered by NIC, then by
// address.
func (c *Cache) SortedEntries(kind Kind) []EntryInfo {
	tr := btree.NewG[EntryInfo](4, func(a, b EntryInfo) bool {
		if a.NIC != b.NIC {
			return a.NIC < b.NIC
		}
		return a.Addr < b.Addr
	})
	for _, info := range c.Entries(kind) {
		tr.ReplaceOrInsert(info)
	}
	infos := make([]EntryInfo, 0, tr.Len())
	tr.Ascend(func(info EntryInfo) bool {
		infos = append(infos, info)
		return true
	})
	return infos
}

// Info returns a snapshot of e.
func (c *Cache) Info(e *Entry) EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.Info()
}

// FreeCount returns the number of entries on the free pool of kind.
func (c *Cache) FreeCount(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !kind.valid() {
		return 0
	}
	return c.tables[kind].freeCount
}

// ActiveCount returns the number of entries on the active list of kind.
func (c *Cache) ActiveCount(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !kind.valid() {
		return 0
	}
	return c.tables[kind].active
}
