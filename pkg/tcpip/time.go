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

package tcpip

import (
	"sync"
	"time"
)

// StdClock implements Clock with the time package.
type StdClock struct{}

var _ Clock = (*StdClock)(nil)

// NewStdClock returns an instance of a clock that uses the time package.
func NewStdClock() Clock {
	return &StdClock{}
}

// NowNanoseconds implements Clock.NowNanoseconds.
func (*StdClock) NowNanoseconds() int64 {
	return time.Now().UnixNano()
}

// NowMonotonic implements Clock.NowMonotonic.
func (*StdClock) NowMonotonic() int64 {
	return int64(time.Since(monotonicBase))
}

// monotonicBase anchors NowMonotonic; time.Since uses the monotonic reading.
var monotonicBase = time.Now()

// AfterFunc implements Clock.AfterFunc.
func (*StdClock) AfterFunc(d time.Duration, f func()) Timer {
	return &stdTimer{
		t: time.AfterFunc(d, f),
	}
}

type stdTimer struct {
	t *time.Timer
}

var _ Timer = (*stdTimer)(nil)

// Stop implements Timer.Stop.
func (st *stdTimer) Stop() bool {
	return st.t.Stop()
}

// Reset implements Timer.Reset.
func (st *stdTimer) Reset(d time.Duration) {
	st.t.Reset(d)
}

// Job represents some work that can be scheduled for execution. The work can
// be safely cancelled when it fires at the same time some "related work" is
// being done.
//
// The term "related work" is defined as some work that needs to be done while
// holding some lock that the timer must also hold while doing some work.
//
// Note, it is not safe to copy a Job as its timer instance creates a closure
// over the address of the Job.
type Job struct {
	// clock is the clock used to schedule the work.
	clock Clock

	// locker is the lock held while the work runs and while the job is
	// scheduled or cancelled.
	locker sync.Locker

	// fn is the work to do when the timer fires.
	fn func()

	// timer is the active timer, nil when the job is not scheduled.
	timer Timer

	// cancelled is the cancellation flag of the current scheduling. A new flag
	// is allocated on every Schedule so a timer that already fired and is
	// blocked on locker observes its own flag only.
	cancelled *bool
}

// Scheduled reports whether the job is scheduled.
//
// The locker must be held.
func (j *Job) Scheduled() bool {
	return j.timer != nil
}

// Cancel prevents the job from executing if it has not executed already.
//
// Cancel requires appropriate locking to be in place for any resources managed
// by the Job. If the Job is blocked on obtaining the lock when Cancel is
// called, it will early return.
//
// Note, j will be modified.
//
// j.locker MUST be locked.
func (j *Job) Cancel() {
	if j.timer == nil {
		return
	}
	*j.cancelled = true
	j.timer.Stop()
	j.timer = nil
	j.cancelled = nil
}

// Schedule schedules the Job for execution after duration d. This can be
// called on cancelled or completed Jobs to schedule them again.
//
// Schedule should be invoked only on unscheduled, cancelled, or completed
// Jobs. To be safe, callers should always call Cancel before calling Schedule.
//
// Note, j will be modified.
//
// j.locker MUST be locked.
func (j *Job) Schedule(d time.Duration) {
	j.Cancel()

	cancelled := new(bool)
	j.cancelled = cancelled
	j.timer = j.clock.AfterFunc(d, func() {
		j.locker.Lock()
		defer j.locker.Unlock()

		if *cancelled {
			return
		}

		// The job is no longer scheduled once it starts running; fn may
		// schedule it again.
		j.timer = nil
		j.cancelled = nil
		j.fn()
	})
}

// SetFunc replaces the work done when the job fires. The job must not be
// scheduled.
//
// j.locker MUST be locked.
func (j *Job) SetFunc(fn func()) {
	j.fn = fn
}

// NewJob returns a new Job that can be used to schedule f to run in its own
// goroutine. l will be locked before calling f then unlocked after f returns.
//
//	var clock tcpip.StdClock
//	var mu sync.Mutex
//	message := "foo"
//	job := tcpip.NewJob(&clock, &mu, func() {
//	  fmt.Println(message)
//	})
//	job.Schedule(time.Second)
//
//	mu.Lock()
//	message = "bar"
//	mu.Unlock()
//
//	// Output: bar
//
// f MUST NOT attempt to lock l.
//
// l MUST be locked prior to calling the returned job's Cancel() or
// Schedule().
func NewJob(c Clock, l sync.Locker, f func()) *Job {
	return &Job{
		clock:  c,
		locker: l,
		fn:     f,
	}
}
