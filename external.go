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
	"time"
)

// Socket is the external datagram transport capability. The engine never
// opens a socket itself; it only ever calls Send and reads the options it
// needs through GetOpt/SetOpt. Receiving is the caller's job: the caller
// reads a datagram (by whatever means - net.UDPConn.ReadFromUDP, a mock in
// tests, a DTLS session) and feeds it to Context.HandleIncomingPacket.
type Socket interface {
	// Send writes b as a single datagram to addr. Implementations must
	// not block indefinitely; a send that cannot complete should return
	// promptly with an error.
	Send(addr net.Addr, b []byte) error

	// GetOpt and SetOpt expose implementation-defined socket knobs (e.g.
	// "so_rcvbuf", "so_reuseport") so that higher layers can tune the
	// concrete transport without the engine needing to know about them.
	GetOpt(name string) (interface{}, error)
	SetOpt(name string, value interface{}) error
}

// TimerHandle identifies a previously scheduled callback so it can be
// rescheduled or cancelled.
type TimerHandle uint64

// Scheduler is the external timer capability. The engine is otherwise
// free of wall-clock reads and goroutines; every delay it needs - a
// retransmission backoff, an exchange lifetime expiry - is requested
// through this interface, and the callback fires by the caller invoking
// it from whatever loop drives the Scheduler (a time.Timer, a virtual
// clock in tests, an external reactor).
type Scheduler interface {
	// Now returns the scheduler's notion of the current time. Tests back
	// this with a virtual clock so retransmission timing is
	// deterministic and instantaneous.
	Now() time.Time

	// Schedule arms fn to run once after d has elapsed and returns a
	// handle usable with Reschedule/Cancel.
	Schedule(d time.Duration, fn func()) TimerHandle

	// Reschedule changes the fire time of an already-scheduled callback.
	// It is a no-op if handle has already fired or been cancelled.
	Reschedule(handle TimerHandle, d time.Duration)

	// Cancel prevents a previously scheduled callback from firing. It is
	// a no-op if handle has already fired or been cancelled.
	Cancel(handle TimerHandle)
}

// PRNG is the external randomness capability, used only to randomise
// retransmission backoff within [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR]
// and to pick message ids / tokens for outgoing exchanges. Tests supply a
// deterministic sequence so retransmission schedules are reproducible.
type PRNG interface {
	NextUint32() uint32
}
