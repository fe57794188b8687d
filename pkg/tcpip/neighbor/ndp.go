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

package neighbor

import (
	"fmt"

	"github.com/dwadeiv/neighcache/pkg/tcpip/addrcache"
)

// NDPState is the reachability state of a neighbor, RFC 4861 section 7.3.2.
type NDPState uint8

const (
	// Unused means the slot's cache entry is not in use.
	Unused NDPState = iota

	// Incomplete means address resolution is in progress.
	Incomplete

	// Reachable means the neighbor was recently confirmed.
	Reachable

	// Stale means the neighbor has not been confirmed recently. Traffic is
	// still sent to the cached link address.
	Stale

	// Delay means traffic was sent to a stale neighbor and confirmation is
	// awaited before probing.
	Delay

	// Probe means confirmation is being actively sought.
	Probe
)

// String implements fmt.Stringer.
func (s NDPState) String() string {
	switch s {
	case Unused:
		return "unused"
	case Incomplete:
		return "incomplete"
	case Reachable:
		return "reachable"
	case Stale:
		return "stale"
	case Delay:
		return "delay"
	case Probe:
		return "probe"
	default:
		return fmt.Sprintf("NDPState(%d)", uint8(s))
	}
}

// ndpResolver owns the NDP slots the cache entries point back to.
type ndpResolver struct {
	s *Stack

	// states is indexed by addrcache.Parent.Index. Guarded by the cache
	// lock.
	states []NDPState
}

var _ addrcache.Owner = (*ndpResolver)(nil)

func (r *ndpResolver) stateLocked(e *addrcache.Entry) NDPState {
	return r.states[e.Parent().Index]
}

func (r *ndpResolver) setLocked(e *addrcache.Entry, st NDPState) {
	r.states[e.Parent().Index] = st
}

// Resolved implements addrcache.Owner.Resolved.
func (r *ndpResolver) Resolved(e *addrcache.Entry) {
	r.setLocked(e, Reachable)
	r.s.stats.Resolved.Increment()
}

// Replayed implements addrcache.Owner.Replayed. Sending to a STALE neighbor
// starts the DELAY timer.
func (r *ndpResolver) Replayed(e *addrcache.Entry) {
	if r.stateLocked(e) != Stale {
		return
	}
	if err := r.s.cache.SetTimerLocked(e, r.s.opts.DelayFirstProbeTime, r.delayExpiredLocked); err != nil {
		r.s.logger.Warningf("ndp: %s on nic %d stays stale: %s", e.Address(), e.NIC(), err)
		return
	}
	r.setLocked(e, Delay)
}

// Removed implements addrcache.Owner.Removed.
func (r *ndpResolver) Removed(e *addrcache.Entry) {
	r.setLocked(e, Unused)
}

// reachableExpiredLocked moves a neighbor that was not confirmed within
// ReachableTime to STALE.
func (r *ndpResolver) reachableExpiredLocked(e *addrcache.Entry) {
	r.setLocked(e, Stale)
}

// delayExpiredLocked starts probing a neighbor that was not confirmed while
// in DELAY.
func (r *ndpResolver) delayExpiredLocked(e *addrcache.Entry) {
	if err := r.s.cache.SetTimerLocked(e, r.s.opts.RetransmitTimer, r.probeExpiredLocked); err != nil {
		r.probeExpiredLocked(e)
		return
	}
	r.setLocked(e, Probe)
	r.s.stats.Probes.Increment()
}

// probeExpiredLocked drops a neighbor that never answered its probe.
func (r *ndpResolver) probeExpiredLocked(e *addrcache.Entry) {
	r.s.stats.ResolutionFailures.Increment()
	r.s.logger.Debugf("ndp: %s on nic %d unreachable", e.Address(), e.NIC())
	r.setLocked(e, Unused)
	r.s.cache.RemoveLocked(e, false)
}
