// Copyright 2024 The gVisor Authors.
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

// Package timer provides the single-shot timer service used by the neighbor
// cache to expire entries.
//
// Timers come from a fixed-size pool. Every timer runs its function with a
// caller-chosen lock held (see tcpip.Job), so expiry handlers serialize with
// the rest of the code guarded by that lock.
package timer

import (
	"sync"
	"time"

	"github.com/dwadeiv/neighcache/pkg/tcpip"
)

// Service schedules single-shot timers.
type Service interface {
	// Schedule arranges for fn to run once, d from now, with l held. It
	// returns tcpip.ErrTimerUnavailable if no timer can be allocated.
	Schedule(l sync.Locker, d time.Duration, fn func()) (Timer, *tcpip.Error)
}

// Timer is a scheduled single-shot timer.
//
// All methods must be called with the lock passed to Service.Schedule held.
type Timer interface {
	// Cancel stops the timer and releases it. The timer must not be used
	// afterwards. Cancel must not be called from the timer's own function;
	// a timer that fired has already been released by the service.
	Cancel()

	// Reschedule rearms the timer to run fn, d from now. A nil fn keeps the
	// current function. Rescheduling from the timer's own function is
	// allowed only before the timer is released, which the service does
	// before invoking the function; callers must schedule a new timer
	// instead.
	Reschedule(d time.Duration, fn func())
}

// Stats holds pool counters.
type Stats struct {
	// Allocated counts successful Schedule calls.
	Allocated tcpip.StatCounter

	// Unavailable counts Schedule calls that found the pool empty.
	Unavailable tcpip.StatCounter

	// Fired counts timers whose function ran.
	Fired tcpip.StatCounter
}

// Pool is a Service backed by a fixed number of timers.
type Pool struct {
	clock tcpip.Clock

	// mu protects the free list and the inUse flags. It is never held while
	// calling into a job.
	mu      sync.Mutex
	free    *handle
	handles []handle
	inUse   int

	stats Stats
}

var _ Service = (*Pool)(nil)

// NewPool returns a pool of capacity timers driven by clock.
func NewPool(clock tcpip.Clock, capacity int) *Pool {
	p := &Pool{
		clock:   clock,
		handles: make([]handle, capacity),
	}
	for i := len(p.handles) - 1; i >= 0; i-- {
		h := &p.handles[i]
		h.pool = p
		h.next = p.free
		p.free = h
	}
	return p
}

// Schedule implements Service.Schedule.
func (p *Pool) Schedule(l sync.Locker, d time.Duration, fn func()) (Timer, *tcpip.Error) {
	h := p.get()
	if h == nil {
		p.stats.Unavailable.Increment()
		return nil, tcpip.ErrTimerUnavailable
	}
	p.stats.Allocated.Increment()

	h.fn = fn
	h.job = tcpip.NewJob(p.clock, l, h.fire)
	h.job.Schedule(d)
	return h, nil
}

// Available returns the number of timers that can still be scheduled.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles) - p.inUse
}

// Stats returns the pool counters.
func (p *Pool) Stats() *Stats {
	return &p.stats
}

func (p *Pool) get() *handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.free
	if h == nil {
		return nil
	}
	p.free = h.next
	h.next = nil
	h.inUse = true
	p.inUse++
	return h
}

// put returns h to the free list. Releasing a handle twice is a no-op.
func (p *Pool) put(h *handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !h.inUse {
		return
	}
	h.inUse = false
	h.fn = nil
	h.job = nil
	h.next = p.free
	p.free = h
	p.inUse--
}

// handle implements Timer.
type handle struct {
	pool *Pool
	job  *tcpip.Job
	fn   func()

	// next chains free handles.
	next *handle

	// inUse is protected by pool.mu.
	inUse bool
}

// fire runs with the job's lock held. The handle is released before fn runs
// so that fn may schedule a replacement timer.
func (h *handle) fire() {
	fn := h.fn
	h.pool.stats.Fired.Increment()
	h.pool.put(h)
	fn()
}

// Cancel implements Timer.Cancel.
func (h *handle) Cancel() {
	if job := h.job; job != nil {
		job.Cancel()
	}
	h.pool.put(h)
}

// Reschedule implements Timer.Reschedule.
func (h *handle) Reschedule(d time.Duration, fn func()) {
	if h.job == nil {
		return
	}
	if fn != nil {
		h.fn = fn
	}
	h.job.Schedule(d)
}
