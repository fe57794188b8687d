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
	"reflect"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

// Stats holds the cache counters.
type Stats struct {
	// Hits counts lookups that found an entry.
	Hits tcpip.StatCounter

	// Misses counts lookups that found no entry.
	Misses tcpip.StatCounter

	// Promotions counts entries moved to the head after crossing the
	// accessed threshold.
	Promotions tcpip.StatCounter

	// Evictions counts resolved entries reclaimed from the tail.
	Evictions tcpip.StatCounter

	// PoolEmpty counts allocations that found no free or evictable entry.
	PoolEmpty tcpip.StatCounter

	// TimerUnavailable counts timeouts that could not be scheduled.
	TimerUnavailable tcpip.StatCounter

	// NotUsed counts attempts to free an entry that is not allocated.
	NotUsed tcpip.StatCounter

	// InvalidType counts calls made with an unknown kind.
	InvalidType tcpip.StatCounter

	// TxReplayed counts queued buffers handed to the link after resolution.
	TxReplayed tcpip.StatCounter

	// TxErrors counts buffers the link refused. Errors that opt out of
	// stats, such as tcpip.ErrWouldBlock, are not counted.
	TxErrors tcpip.StatCounter

	// TxDiscarded counts queued buffers dropped without being sent.
	TxDiscarded tcpip.StatCounter

	// QueueOverflow counts datagrams dropped because an entry's queue was
	// full.
	QueueOverflow tcpip.StatCounter
}

// Clone returns a copy of s, reading each counter atomically.
func (s *Stats) Clone() *Stats {
	dst := new(Stats)
	clone(reflect.ValueOf(dst).Elem(), reflect.ValueOf(s).Elem())
	return dst
}

func clone(dst reflect.Value, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		d := dst.Field(i)
		s := src.Field(i)
		if c, ok := s.Addr().Interface().(*tcpip.StatCounter); ok {
			d.Addr().Interface().(*tcpip.StatCounter).IncrementBy(c.Value())
		} else {
			clone(d, s)
		}
	}
}
