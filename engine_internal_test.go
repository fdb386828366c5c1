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

package coap

import (
	"net"
	"sort"
	"time"
)

// fakeSocket and fakeScheduler back the end-to-end tests with an
// in-memory transport and a virtual clock, the same approach
// original_source's test/src/mock_clock.c takes for deterministic
// retransmission timing - nothing here ever sleeps.

type sentDatagram struct {
	to  net.Addr
	raw []byte
}

type fakeSocket struct {
	sent []sentDatagram
	opts map[string]interface{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{opts: make(map[string]interface{})}
}

func (s *fakeSocket) Send(addr net.Addr, b []byte) error {
	s.sent = append(s.sent, sentDatagram{to: addr, raw: append([]byte(nil), b...)})
	return nil
}

func (s *fakeSocket) GetOpt(name string) (interface{}, error) { return s.opts[name], nil }
func (s *fakeSocket) SetOpt(name string, value interface{}) error {
	s.opts[name] = value
	return nil
}

func (s *fakeSocket) takeLast() (sentDatagram, bool) {
	if len(s.sent) == 0 {
		return sentDatagram{}, false
	}
	return s.sent[len(s.sent)-1], true
}

type scheduledCall struct {
	at     time.Time
	fn     func()
	handle TimerHandle
	fired  bool
	cancelled bool
}

// fakeScheduler is a virtual clock: time only moves when the test calls
// advance, and it fires every due callback in fire-time order.
type fakeScheduler struct {
	now   time.Time
	calls []*scheduledCall
	next  TimerHandle
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(0, 0)}
}

func (s *fakeScheduler) Now() time.Time { return s.now }

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	s.next++
	c := &scheduledCall{at: s.now.Add(d), fn: fn, handle: s.next}
	s.calls = append(s.calls, c)
	return s.next
}

func (s *fakeScheduler) Reschedule(handle TimerHandle, d time.Duration) {
	for _, c := range s.calls {
		if c.handle == handle && !c.fired && !c.cancelled {
			c.at = s.now.Add(d)
		}
	}
}

func (s *fakeScheduler) Cancel(handle TimerHandle) {
	for _, c := range s.calls {
		if c.handle == handle {
			c.cancelled = true
		}
	}
}

// advance moves the virtual clock forward by d, firing every callback
// whose due time has been reached, earliest first.
func (s *fakeScheduler) advance(d time.Duration) {
	s.now = s.now.Add(d)
	for {
		due := s.dueCalls()
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		c := due[0]
		c.fired = true
		c.fn()
	}
}

func (s *fakeScheduler) dueCalls() []*scheduledCall {
	var due []*scheduledCall
	for _, c := range s.calls {
		if !c.fired && !c.cancelled && !c.at.After(s.now) {
			due = append(due, c)
		}
	}
	return due
}

// fakePRNG returns a fixed sequence of values, repeating the last one
// once exhausted, so tests get reproducible message ids/tokens/backoff.
type fakePRNG struct {
	values []uint32
	i      int
}

func newFakePRNG(values ...uint32) *fakePRNG {
	if len(values) == 0 {
		values = []uint32{0}
	}
	return &fakePRNG{values: values}
}

func (p *fakePRNG) NextUint32() uint32 {
	v := p.values[p.i]
	if p.i < len(p.values)-1 {
		p.i++
	}
	return v
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }
