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

import "go.uber.org/atomic"

// Stats holds lock-free counters a Context maintains for observability,
// following the same go.uber.org/atomic counter style matrix-org/lb uses
// for its request counters. Safe for concurrent reads from any goroutine
// even though the engine itself is single-threaded, since a caller may
// want to poll these from a metrics-exporting goroutine.
type Stats struct {
	messagesSent        atomic.Uint64
	messagesReceived    atomic.Uint64
	retransmissions     atomic.Uint64
	timeouts            atomic.Uint64
	duplicatesDropped   atomic.Uint64
	malformedDropped    atomic.Uint64
	notificationsSent   atomic.Uint64
	observationsActive  atomic.Int64
}

func (s *Stats) MessagesSent() uint64       { return s.messagesSent.Load() }
func (s *Stats) MessagesReceived() uint64   { return s.messagesReceived.Load() }
func (s *Stats) Retransmissions() uint64    { return s.retransmissions.Load() }
func (s *Stats) Timeouts() uint64           { return s.timeouts.Load() }
func (s *Stats) DuplicatesDropped() uint64  { return s.duplicatesDropped.Load() }
func (s *Stats) MalformedDropped() uint64   { return s.malformedDropped.Load() }
func (s *Stats) NotificationsSent() uint64  { return s.notificationsSent.Load() }
func (s *Stats) ObservationsActive() int64  { return s.observationsActive.Load() }
