// Copyright 2021 The Matrix.org Foundation C.I.C.
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

// Package clock provides a concrete coap.Scheduler backed by
// time.AfterFunc, for use outside of tests (tests back coap.Scheduler
// with a virtual clock instead, so retransmission timing stays
// deterministic).
package clock

import (
	"sync"
	"time"

	coap "github.com/matrix-org/go-coap-engine"
)

// Real is a coap.Scheduler driven by the wall clock. Safe for concurrent
// use since time.AfterFunc callbacks run on their own goroutine, but
// callers must still ensure the fn passed to Schedule ends up invoking
// the owning coap.Context from a single goroutine, per the engine's
// cooperative scheduling model - typically by having fn push onto a
// channel the event loop reads from rather than calling into the Context
// directly.
type Real struct {
	mu     sync.Mutex
	timers map[coap.TimerHandle]*time.Timer
	next   coap.TimerHandle
}

// New returns a ready-to-use Real scheduler.
func New() *Real {
	return &Real{timers: make(map[coap.TimerHandle]*time.Timer)}
}

func (r *Real) Now() time.Time { return time.Now() }

func (r *Real) Schedule(d time.Duration, fn func()) coap.TimerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	handle := r.next

	// A fired timer is forgotten before fn runs, so a later Reschedule or
	// Cancel of its handle is a no-op.
	r.timers[handle] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, handle)
		r.mu.Unlock()
		fn()
	})
	return handle
}

func (r *Real) Reschedule(handle coap.TimerHandle, d time.Duration) {
	r.mu.Lock()
	t, ok := r.timers[handle]
	r.mu.Unlock()
	if !ok {
		return
	}
	t.Reset(d)
}

func (r *Real) Cancel(handle coap.TimerHandle) {
	r.mu.Lock()
	t, ok := r.timers[handle]
	delete(r.timers, handle)
	r.mu.Unlock()
	if ok {
		t.Stop()
	}
}
