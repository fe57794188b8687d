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

// Package neighbor drives the neighbor cache on the output path. It owns the
// ARP and NDP resolver state behind every cache entry and moves that state
// on confirmations, transmissions and timeouts.
//
// Wire framing of requests and advertisements is left to the caller: the
// Stack is told about confirmations through HandleConfirmation.
package neighbor

import (
	"time"

	"github.com/dwadeiv/neighcache/pkg/log"
	"github.com/dwadeiv/neighcache/pkg/tcpip"
	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
	"github.com/dwadeiv/neighcache/pkg/tcpip/buffer"
	"github.com/dwadeiv/neighcache/pkg/tcpip/timer"
)

// Default timeouts, after RFC 1122 and RFC 4861.
const (
	DefaultResolutionTimeout   = 3 * time.Second
	DefaultARPCacheTimeout     = 60 * time.Second
	DefaultReachableTime       = 30 * time.Second
	DefaultDelayFirstProbeTime = 5 * time.Second
	DefaultRetransmitTimer     = time.Second
)

// Options configures a Stack.
type Options struct {
	// ResolutionTimeout bounds how long a destination may stay unresolved
	// before its entry and queued datagrams are dropped.
	ResolutionTimeout time.Duration

	// ARPCacheTimeout is the lifetime of a resolved ARP entry.
	ARPCacheTimeout time.Duration

	// ReachableTime is how long a confirmed NDP neighbor stays REACHABLE.
	ReachableTime time.Duration

	// DelayFirstProbeTime is how long a STALE NDP neighbor waits in DELAY
	// after traffic was sent to it.
	DelayFirstProbeTime time.Duration

	// RetransmitTimer is how long a neighbor in PROBE waits for a
	// confirmation before it is removed.
	RetransmitTimer time.Duration

	// Clock, Timers, Link, Discard and Logger are passed on to the cache.
	Clock   tcpip.Clock
	Timers  timer.Service
	Link    addrcache.LinkEndpoint
	Discard func(pkt *buffer.PacketBuffer)
	Logger  log.Logger
}

// DefaultOptions returns the default timeouts. Link must still be set.
func DefaultOptions() Options {
	return Options{
		ResolutionTimeout:   DefaultResolutionTimeout,
		ARPCacheTimeout:     DefaultARPCacheTimeout,
		ReachableTime:       DefaultReachableTime,
		DelayFirstProbeTime: DefaultDelayFirstProbeTime,
		RetransmitTimer:     DefaultRetransmitTimer,
	}
}

func (o *Options) validate() *tcpip.Error {
	for _, d := range []time.Duration{o.ResolutionTimeout, o.ARPCacheTimeout, o.ReachableTime, o.DelayFirstProbeTime, o.RetransmitTimer} {
		if d <= 0 {
			return tcpip.ErrInvalidOptionValue
		}
	}
	return nil
}

// Stats holds the resolver counters.
type Stats struct {
	// Resolved counts entries that became resolved.
	Resolved tcpip.StatCounter

	// ResolutionFailures counts entries dropped because no confirmation
	// arrived in time.
	ResolutionFailures tcpip.StatCounter

	// Probes counts NDP neighbors that entered PROBE.
	Probes tcpip.StatCounter

	// PacketsSent counts datagrams written to a resolved destination.
	PacketsSent tcpip.StatCounter

	// PacketsQueued counts datagrams queued on an unresolved destination.
	PacketsQueued tcpip.StatCounter

	// PacketsDropped counts datagrams rejected because no entry could be
	// allocated.
	PacketsDropped tcpip.StatCounter
}

// Neighbor describes one cache entry together with its resolver state.
type Neighbor struct {
	addrcache.EntryInfo
	State string
}

// Stack sends datagrams through the neighbor cache.
//
// Resolver state is guarded by the cache lock.
type Stack struct {
	cache  *addrcache.Cache
	opts   Options
	logger log.Logger

	arp *arpResolver
	ndp *ndpResolver

	stats Stats
}

// New returns a stack whose cache is configured by cfg. Every cache entry is
// bound to a slot of the ARP or NDP resolver.
func New(cfg addrcache.Config, opts Options) (*Stack, *tcpip.Error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	s := &Stack{
		opts:   opts,
		logger: opts.Logger,
	}
	s.arp = &arpResolver{s: s, states: make([]ARPState, cfg.ARP.Capacity)}
	s.ndp = &ndpResolver{s: s, states: make([]NDPState, cfg.NDP.Capacity)}

	c, err := addrcache.New(cfg, addrcache.Options{
		Clock:  opts.Clock,
		Timers: opts.Timers,
		Owners: map[addrcache.Kind]addrcache.Owner{
			addrcache.KindARP: s.arp,
			addrcache.KindNDP: s.ndp,
		},
		Link:    opts.Link,
		Discard: opts.Discard,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	for i := range s.arp.states {
		if _, err := c.Init(addrcache.Parent{Kind: addrcache.KindARP, Index: i}); err != nil {
			return nil, err
		}
	}
	for i := range s.ndp.states {
		if _, err := c.Init(addrcache.Parent{Kind: addrcache.KindNDP, Index: i}); err != nil {
			return nil, err
		}
	}
	s.cache = c
	return s, nil
}

// Cache returns the neighbor cache of s.
func (s *Stack) Cache() *addrcache.Cache {
	return s.cache
}

// Stats returns the resolver counters.
func (s *Stack) Stats() *Stats {
	return &s.stats
}

// KindOf returns the cache kind that resolves addr.
func KindOf(addr tcpip.Address) (addrcache.Kind, *tcpip.Error) {
	switch len(addr) {
	case addrcache.KindARP.ProtocolAddressLen():
		return addrcache.KindARP, nil
	case addrcache.KindNDP.ProtocolAddressLen():
		return addrcache.KindNDP, nil
	default:
		return 0, tcpip.ErrBadAddress
	}
}

// WritePacket sends pkt to dst through nic.
//
// If dst is resolved, pkt is written to the link. Otherwise pkt is queued
// until dst resolves and tcpip.ErrWouldBlock is returned; the caller must
// not send pkt again. tcpip.ErrPoolEmpty means pkt was not accepted and may
// be retried later.
func (s *Stack) WritePacket(nic tcpip.NICID, dst tcpip.Address, pkt *buffer.PacketBuffer) *tcpip.Error {
	kind, err := KindOf(dst)
	if err != nil {
		return err
	}
	pkt.NICID = nic
	if pkt.NetworkProtocolNumber == 0 {
		pkt.NetworkProtocolNumber = kind.NetworkProtocolNumber()
	}

	s.cache.Lock()
	defer s.cache.Unlock()

	e := s.cache.SearchLocked(kind, nic, dst)
	if e == nil {
		e, err = s.cache.ConfigureAddressesLocked(addrcache.ConfigureParams{
			Kind:         kind,
			NIC:          nic,
			Address:      dst,
			TimerEnabled: true,
			Timeout:      s.opts.ResolutionTimeout,
			TimeoutFn:    s.resolutionFailedLocked,
		})
		if err != nil {
			s.stats.PacketsDropped.Increment()
			return err
		}
		s.setPendingLocked(e)
		s.logger.Debugf("%s: resolving %s on nic %d", kind, dst, nic)
	}

	if e.Resolved() {
		if err := s.cache.EnqueueLocked(e, pkt); err != nil {
			return err
		}
		s.stats.PacketsSent.Increment()
		return nil
	}
	if err := s.cache.EnqueueLocked(e, pkt); err != nil {
		return err
	}
	s.stats.PacketsQueued.Increment()
	return tcpip.ErrWouldBlock
}

// HandleConfirmation records that addr on nic was confirmed at linkAddr,
// e.g. by an ARP reply or a solicited neighbor advertisement. Datagrams
// queued for addr are sent.
func (s *Stack) HandleConfirmation(nic tcpip.NICID, addr tcpip.Address, linkAddr tcpip.LinkAddress) *tcpip.Error {
	kind, err := KindOf(addr)
	if err != nil {
		return err
	}
	switch kind {
	case addrcache.KindARP:
		return s.cache.AddResolved(nic, linkAddr, addr, kind, s.arp.expiredLocked, s.opts.ARPCacheTimeout)
	default:
		return s.cache.AddResolved(nic, linkAddr, addr, kind, s.ndp.reachableExpiredLocked, s.opts.ReachableTime)
	}
}

// HandleStale marks the NDP neighbor addr on nic STALE, e.g. after an
// unsolicited advertisement without the solicited flag. The link address is
// kept until traffic to the neighbor starts reachability confirmation.
func (s *Stack) HandleStale(nic tcpip.NICID, addr tcpip.Address) *tcpip.Error {
	kind, err := KindOf(addr)
	if err != nil {
		return err
	}
	if kind != addrcache.KindNDP {
		return tcpip.ErrInvalidType
	}

	s.cache.Lock()
	defer s.cache.Unlock()
	e := s.cache.SearchLocked(kind, nic, addr)
	if e == nil {
		return tcpip.ErrBadAddress
	}
	if !e.Resolved() {
		return tcpip.ErrNoLinkAddress
	}
	s.cache.CancelTimerLocked(e)
	s.ndp.setLocked(e, Stale)
	return nil
}

// LinkAddress returns the link address of addr on nic. It returns
// tcpip.ErrWouldBlock while addr is being resolved and
// tcpip.ErrNoLinkAddress if addr is unknown.
func (s *Stack) LinkAddress(nic tcpip.NICID, addr tcpip.Address) (tcpip.LinkAddress, *tcpip.Error) {
	kind, err := KindOf(addr)
	if err != nil {
		return "", err
	}
	s.cache.Lock()
	defer s.cache.Unlock()
	e := s.cache.SearchLocked(kind, nic, addr)
	if e == nil {
		return "", tcpip.ErrNoLinkAddress
	}
	if !e.Resolved() {
		return "", tcpip.ErrWouldBlock
	}
	return e.LinkAddress(), nil
}

// Remove drops addr on nic from the cache along with its queued datagrams.
func (s *Stack) Remove(nic tcpip.NICID, addr tcpip.Address) *tcpip.Error {
	kind, err := KindOf(addr)
	if err != nil {
		return err
	}
	s.cache.Lock()
	defer s.cache.Unlock()
	e := s.cache.SearchLocked(kind, nic, addr)
	if e == nil {
		return tcpip.ErrBadAddress
	}
	s.clearStateLocked(e)
	return s.cache.RemoveLocked(e, true)
}

// Entries returns the neighbors of kind from most to least recently used.
func (s *Stack) Entries(kind addrcache.Kind) []Neighbor {
	return s.withStates(s.cache.Entries(kind))
}

// SortedEntries returns the neighbors of kind ordered by NIC and address.
func (s *Stack) SortedEntries(kind addrcache.Kind) []Neighbor {
	return s.withStates(s.cache.SortedEntries(kind))
}

func (s *Stack) withStates(infos []addrcache.EntryInfo) []Neighbor {
	s.cache.Lock()
	defer s.cache.Unlock()
	ns := make([]Neighbor, 0, len(infos))
	for _, info := range infos {
		ns = append(ns, Neighbor{
			EntryInfo: info,
			State:     s.stateLocked(info.Parent),
		})
	}
	return ns
}

// Precondition: the cache lock is held.
func (s *Stack) stateLocked(p addrcache.Parent) string {
	switch p.Kind {
	case addrcache.KindARP:
		return s.arp.states[p.Index].String()
	case addrcache.KindNDP:
		return s.ndp.states[p.Index].String()
	default:
		return "unknown"
	}
}

// Precondition: the cache lock is held.
func (s *Stack) setPendingLocked(e *addrcache.Entry) {
	switch e.Kind() {
	case addrcache.KindARP:
		s.arp.setLocked(e, ARPPending)
	case addrcache.KindNDP:
		s.ndp.setLocked(e, Incomplete)
	}
}

// Precondition: the cache lock is held.
func (s *Stack) clearStateLocked(e *addrcache.Entry) {
	switch e.Kind() {
	case addrcache.KindARP:
		s.arp.setLocked(e, ARPFree)
	case addrcache.KindNDP:
		s.ndp.setLocked(e, Unused)
	}
}

// resolutionFailedLocked is the timeout of an entry that never resolved.
//
// Precondition: the cache lock is held.
func (s *Stack) resolutionFailedLocked(e *addrcache.Entry) {
	s.stats.ResolutionFailures.Increment()
	s.logger.Debugf("%s: resolution of %s on nic %d timed out, dropping %d packets", e.Kind(), e.Address(), e.NIC(), e.Pending())
	s.clearStateLocked(e)
	s.cache.RemoveLocked(e, false)
}
