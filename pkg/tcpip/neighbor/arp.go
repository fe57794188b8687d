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

// ARPState is the state of an ARP binding.
type ARPState uint8

const (
	// ARPFree means the slot's cache entry is not in use.
	ARPFree ARPState = iota

	// ARPPending means a request is outstanding; datagrams are queued.
	ARPPending

	// ARPResolved means the link address is known.
	ARPResolved
)

// String implements fmt.Stringer.
func (s ARPState) String() string {
	switch s {
	case ARPFree:
		return "free"
	case ARPPending:
		return "pending"
	case ARPResolved:
		return "resolved"
	default:
		return fmt.Sprintf("ARPState(%d)", uint8(s))
	}
}

// arpResolver owns the ARP slots the cache entries point back to.
type arpResolver struct {
	s *Stack

	// states is indexed by addrcache.Parent.Index. Guarded by the cache
	// lock.
	states []ARPState
}

var _ addrcache.Owner = (*arpResolver)(nil)

func (r *arpResolver) setLocked(e *addrcache.Entry, st ARPState) {
	r.states[e.Parent().Index] = st
}

// Resolved implements addrcache.Owner.Resolved.
func (r *arpResolver) Resolved(e *addrcache.Entry) {
	r.setLocked(e, ARPResolved)
	r.s.stats.Resolved.Increment()
}

// Replayed implements addrcache.Owner.Replayed.
func (*arpResolver) Replayed(*addrcache.Entry) {}

// Removed implements addrcache.Owner.Removed.
func (r *arpResolver) Removed(e *addrcache.Entry) {
	r.setLocked(e, ARPFree)
}

// expiredLocked ages out a resolved binding.
func (r *arpResolver) expiredLocked(e *addrcache.Entry) {
	r.s.logger.Debugf("arp: %s on nic %d aged out", e.Address(), e.NIC())
	r.setLocked(e, ARPFree)
	r.s.cache.RemoveLocked(e, false)
}
