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

// Package coap implements a CoAP-over-UDP (RFC 7252) message engine with
// block-wise transfer (RFC 7959) and observe (RFC 7641) extensions, intended
// for constrained M2M / LwM2M clients and servers.
//
// The engine is cooperatively scheduled: it performs no I/O and starts no
// goroutines of its own. An external event loop drives it one datagram or
// one timer tick at a time via Context.HandleIncomingPacket and the
// callbacks it arms on the Scheduler passed to NewContext. All user callbacks
// (response handlers, request handlers, payload writers, observe
// cancellation, notification delivery) are invoked synchronously and may
// re-enter the engine's public API.
//
// One Context corresponds to one logical peer; it does not multiplex
// multiple remote addresses.
package coap
