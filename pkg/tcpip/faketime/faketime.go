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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
//
// Functions passed to AfterFunc run synchronously on the goroutine calling
// Advance, in the order of their expiration times. Callers of Advance must
// not hold locks those functions acquire.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	// now is the current (fake) time of the clock.
	now time.Time

	// times is a min-heap of pending timers. A heap is used for quick
	// retrieval of the next upcoming time of scheduled work.
	times timeHeap

	// seq orders timers expiring at the same instant by scheduling order.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{
		now: time.Unix(0, 0),
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (mc *ManualClock) NowNanoseconds() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now.UnixNano()
}

// NowMonotonic implements tcpip.Clock.NowMonotonic.
func (mc *ManualClock) NowMonotonic() int64 {
	return mc.NowNanoseconds()
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	t := &manualTimer{
		clock: mc,
		fn:    f,
		index: -1,
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.pushLocked(t, d)
	return t
}

// pushLocked schedules t to expire d from now.
//
// mc.mu must be locked.
func (mc *ManualClock) pushLocked(t *manualTimer, d time.Duration) {
	t.until = mc.now.Add(d)
	t.seq = mc.seq
	mc.seq++
	heap.Push(&mc.times, t)
}

// Pending returns the number of timers that have not fired or been stopped.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.times.Len()
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Blocks until all work has completed execution.
//
// Work scheduled by the executed functions that falls within the advanced
// window is also executed.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for mc.times.Len() != 0 {
		t := mc.times[0]
		if t.until.After(until) {
			// No work to do.
			break
		}
		heap.Pop(&mc.times)
		mc.now = t.until
		mc.mu.Unlock()

		t.fn()

		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	fn    func()

	// The fields below are protected by clock.mu.
	until time.Time
	seq   uint64
	// index is the position of the timer in clock.times, -1 when the timer is
	// not pending.
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&mc.times, t.index)
	}
	mc.pushLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&mc.times, t.index)
	return true
}

type timeHeap []*manualTimer

var _ heap.Interface = (*timeHeap)(nil)

func (h timeHeap) Len() int {
	return len(h)
}

func (h timeHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

func (h timeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timeHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	last.index = -1
	return last
}
